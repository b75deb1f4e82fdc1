package realtime

import (
	"context"
	"time"

	"github.com/jwalitptl/eventhub/internal/model"
)

const (
	MessageNotification = "notification"
	MessageEvent        = "event"
	MessageConnected    = "connected"
)

// Message is what clients receive, pushed or polled. The same value is
// written to the user's log and to live connections.
type Message struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	AppID        string              `json:"app_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Notification *model.Notification `json:"notification,omitempty"`
	Event        *model.Event        `json:"event,omitempty"`
}

// Conn is one live push channel to a client.
type Conn interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}
