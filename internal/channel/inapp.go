package channel

import (
	"context"

	"github.com/jwalitptl/eventhub/internal/model"
)

// Broadcaster hands a notification to the realtime layer.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, n *model.Notification) (bool, error)
}

// InAppSender succeeds once the notification is queued for push or poll
// pickup; the recipient does not have to be online.
type InAppSender struct {
	realtime Broadcaster
}

func NewInAppSender(realtime Broadcaster) *InAppSender {
	return &InAppSender{realtime: realtime}
}

func (s *InAppSender) Channel() model.Channel { return model.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, n *model.Notification) error {
	_, err := s.realtime.Broadcast(ctx, n.UserID, n)
	return err
}
