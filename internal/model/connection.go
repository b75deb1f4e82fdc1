package model

import (
	"time"

	"github.com/google/uuid"
)

type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPoll      Transport = "poll"
)

// UserConnection is one live realtime channel; a user may hold several.
type UserConnection struct {
	ConnectionID    uuid.UUID `json:"connection_id"`
	UserID          string    `json:"user_id"`
	AppIDs          []string  `json:"app_ids"`
	InstanceID      string    `json:"instance_id"`
	Transport       Transport `json:"transport"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Covers reports whether the connection cares about appID. An empty set means every app.
func (c *UserConnection) Covers(appID string) bool {
	if len(c.AppIDs) == 0 {
		return true
	}
	for _, id := range c.AppIDs {
		if id == appID {
			return true
		}
	}
	return false
}

type ConnectionStatus struct {
	UserID            string            `json:"user_id"`
	Connected         bool              `json:"connected"`
	Connections       []*UserConnection `json:"connections"`
	Buffered          int               `json:"buffered"`
	HeartbeatInterval string            `json:"heartbeat_interval"`
	HeartbeatTimeout  string            `json:"heartbeat_timeout"`
}
