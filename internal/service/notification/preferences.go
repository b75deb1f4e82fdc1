package notification

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/messaging"
)

// PreferencesChannel carries user IDs whose preferences changed.
const PreferencesChannel = "preferences.invalidate"

// GetUserPreferences returns the stored preferences or the defaults. Reads
// never write: defaults are only persisted by UpdatePreferences.
func (s *Service) GetUserPreferences(ctx context.Context, userID string) (*model.NotificationPreferences, error) {
	if cached, ok := s.prefCache.Get(userID); ok {
		return cached.(*model.NotificationPreferences).Clone(), nil
	}

	prefs, err := s.preferences.Get(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		prefs = model.DefaultPreferences(userID)
	case err != nil:
		return nil, apperrors.Persistence("get preferences", err)
	}
	if prefs.Channels == nil {
		prefs.Channels = map[model.Channel]bool{}
	}
	if prefs.EventTypes == nil {
		prefs.EventTypes = map[string]bool{}
	}

	s.prefCache.Set(userID, prefs.Clone(), cache.DefaultExpiration)
	return prefs, nil
}

// UpdatePreferences merges patch into the current preferences. Fields absent
// from the patch keep their value. Unknown channels or event types fail.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch model.PreferencesPatch) (*model.NotificationPreferences, error) {
	for name := range patch.Channels {
		if !model.Channel(name).Valid() {
			return nil, apperrors.Validationf("unknown channel %q", name)
		}
	}
	for name := range patch.EventTypes {
		if !model.ValidEventTypePattern(name) {
			return nil, apperrors.Validationf("unknown event type %q", name)
		}
	}
	if patch.QuietHours != nil {
		if err := patch.QuietHours.Validate(); err != nil {
			return nil, apperrors.Validation("invalid quiet hours", err)
		}
	}

	current, err := s.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if patch.Reset {
		current = model.DefaultPreferences(userID)
	}
	for name, enabled := range patch.Channels {
		current.Channels[model.Channel(name)] = enabled
	}
	for name, enabled := range patch.EventTypes {
		current.EventTypes[name] = enabled
	}
	switch {
	case patch.ClearQuietHours:
		current.QuietHours = nil
	case patch.QuietHours != nil:
		q := *patch.QuietHours
		current.QuietHours = &q
	}
	current.UserID = userID
	current.UpdatedAt = s.now()

	if err := s.preferences.Upsert(ctx, current); err != nil {
		s.prefCache.Delete(userID)
		return nil, apperrors.Persistence("save preferences", err)
	}
	s.prefCache.Set(userID, current.Clone(), cache.DefaultExpiration)
	s.publishInvalidation(ctx, userID)
	return current, nil
}

func (s *Service) publishInvalidation(ctx context.Context, userID string) {
	if s.broker == nil {
		return
	}
	err := s.broker.Publish(ctx, PreferencesChannel, messaging.Message{
		Type:    "preferences.updated",
		Origin:  s.instance,
		Payload: userID,
	})
	if err != nil {
		s.logger.Warn("failed to broadcast preference change", "user_id", userID, "error", err.Error())
	}
}

// listenInvalidations drops cached preferences changed on other instances.
// Until it runs, or if the broker drops a message, entries still age out
// after PreferenceCacheTTL.
func (s *Service) listenInvalidations(ctx context.Context) {
	if s.broker == nil {
		return
	}
	msgs, err := s.broker.Subscribe(ctx, PreferencesChannel)
	if err != nil {
		s.logger.Error(err, "failed to subscribe to preference changes")
		return
	}
	s.sched.Add(1)
	go func() {
		defer s.sched.Done()
		for raw := range msgs {
			var msg struct {
				Origin  string `json:"origin"`
				Payload string `json:"payload"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.logger.Warn("dropping malformed preference change", "error", err.Error())
				continue
			}
			if msg.Origin == s.instance || msg.Payload == "" {
				continue
			}
			s.prefCache.Delete(msg.Payload)
		}
	}()
}
