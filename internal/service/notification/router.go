package notification

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
)

// RouteEvent maps evt to notifications using the default rules overlaid with
// the event owner's rules, filtered through each recipient's preferences.
// Candidates with no deliverable channel are dropped without a record.
// The output depends only on the event, the rules and the preferences.
func (s *Service) RouteEvent(ctx context.Context, evt *model.Event) ([]*model.Notification, error) {
	// Lifecycle events describe notifications; mapping them would loop.
	if evt.Type.Category() == "notification" {
		return nil, nil
	}

	rules, err := s.effectiveRules(ctx, evt.UserID)
	if err != nil {
		return nil, err
	}

	var out []*model.Notification
	for _, rule := range rules {
		if !rule.applies(evt) {
			continue
		}
		recipient := rule.recipient(evt)
		if recipient == "" {
			continue
		}

		prefs, err := s.GetUserPreferences(ctx, recipient)
		if err != nil {
			return out, err
		}
		channels := prefs.Deliverable(evt.Type, rule.Channels, evt.Timestamp)
		if len(channels) == 0 {
			s.m.NotificationsSuppressed.WithLabelValues(suppressReason(prefs, evt)).Inc()
			s.logger.Debug("notification suppressed by preferences",
				"event_id", evt.ID.String(),
				"rule", rule.Name,
				"user_id", recipient)
			continue
		}

		title, body, err := rule.render(evt)
		if err != nil {
			s.logger.Error(err, "failed to render notification", "rule", rule.Name, "event_id", evt.ID.String())
			continue
		}

		now := s.now()
		n := &model.Notification{
			ID:            uuid.New(),
			UserID:        recipient,
			AppID:         evt.Source.AppID,
			Type:          rule.NotificationType,
			Title:         title,
			Body:          body,
			Data:          evt.Data,
			Channels:      channels,
			Status:        model.NotificationStatusPending,
			SourceEventID: evt.ID,
			CorrelationID: evt.Metadata.CorrelationID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.notifications.Create(ctx, n); err != nil {
			s.m.DatabaseOperations.WithLabelValues("create_notification", "error").Inc()
			return out, apperrors.Persistence("create notification", err)
		}
		s.m.DatabaseOperations.WithLabelValues("create_notification", "success").Inc()
		s.m.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
		out = append(out, n)
	}
	return out, nil
}

func suppressReason(prefs *model.NotificationPreferences, evt *model.Event) string {
	if !prefs.EventTypeEnabled(evt.Type) {
		return "event_type_muted"
	}
	if prefs.QuietHours != nil && prefs.QuietHours.Contains(evt.Timestamp) {
		return "quiet_hours"
	}
	return "channels_disabled"
}

func (s *Service) effectiveRules(ctx context.Context, userID string) ([]*compiledRule, error) {
	if userID == "" {
		return mergeRules(s.defaults, nil), nil
	}
	stored, err := s.rules.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence("list rules", err)
	}
	user := make([]*compiledRule, 0, len(stored))
	for _, r := range stored {
		c, err := compileRule(r)
		if err != nil {
			s.logger.Warn("skipping invalid user rule", "rule", r.Name, "user_id", userID, "error", err.Error())
			continue
		}
		user = append(user, c)
	}
	return mergeRules(s.defaults, user), nil
}
