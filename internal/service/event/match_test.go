package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/eventhub/internal/model"
)

func TestMatches(t *testing.T) {
	sub := func(types []string, filters model.JSONMap) *model.EventSubscription {
		return &model.EventSubscription{ID: uuid.New(), UserID: "u1", AppID: "hugo_love", EventTypes: types, Filters: filters}
	}
	evt := func(data model.JSONMap) *model.Event {
		return &model.Event{
			ID:       uuid.New(),
			Type:     model.EventSessionStarted,
			Source:   model.EventSource{AppID: "hugo_love"},
			UserID:   "u1",
			Data:     data,
			Metadata: model.EventMetadata{CorrelationID: "corr-1"},
		}
	}

	tests := []struct {
		name string
		sub  *model.EventSubscription
		evt  *model.Event
		want bool
	}{
		{"exact type no filters", sub([]string{"session.started"}, nil), evt(model.JSONMap{}), true},
		{"wildcard type", sub([]string{"session.*"}, nil), evt(model.JSONMap{}), true},
		{"other type", sub([]string{"session.completed"}, nil), evt(model.JSONMap{}), false},
		{"filter match", sub([]string{"session.started"}, model.JSONMap{"app": "hugo_love"}), evt(model.JSONMap{"app": "hugo_love"}), true},
		{"filter mismatch", sub([]string{"session.started"}, model.JSONMap{"app": "hugo_love"}), evt(model.JSONMap{"app": "hugo_career"}), false},
		{"filter field missing", sub([]string{"session.started"}, model.JSONMap{"app": "hugo_love"}), evt(model.JSONMap{}), false},
		{"nested path", sub([]string{"*"}, model.JSONMap{"session.kind": "video"}), evt(model.JSONMap{"session": map[string]interface{}{"kind": "video"}}), true},
		{"any of", sub([]string{"*"}, model.JSONMap{"tier": []interface{}{"gold", "silver"}}), evt(model.JSONMap{"tier": "silver"}), true},
		{"number normalised", sub([]string{"*"}, model.JSONMap{"points": 10}), evt(model.JSONMap{"points": float64(10)}), true},
		{"string is not a number", sub([]string{"*"}, model.JSONMap{"points": "10"}), evt(model.JSONMap{"points": float64(10)}), false},
		{"metadata filter", sub([]string{"*"}, model.JSONMap{"metadata.correlation_id": "corr-1"}), evt(model.JSONMap{}), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.sub, tc.evt))
		})
	}
}

func TestMatchesVisibilityGate(t *testing.T) {
	s := &model.EventSubscription{ID: uuid.New(), UserID: "u1", AppID: "hugo_career", EventTypes: []string{"*"}}

	foreign := &model.Event{Type: model.EventGoalCompleted, Source: model.EventSource{AppID: "hugo_love"}, UserID: "u1"}
	assert.False(t, Matches(s, foreign), "events from another app stay invisible")

	foreign.SharedWith = []string{"hugo_career"}
	assert.True(t, Matches(s, foreign), "explicit share grants visibility")

	otherUser := &model.Event{Type: model.EventGoalCompleted, Source: model.EventSource{AppID: "hugo_career"}, UserID: "u2"}
	assert.False(t, Matches(s, otherUser))

	system := &model.Event{Type: model.EventSystemMaintenance, Source: model.EventSource{AppID: "hugo_career"}}
	assert.True(t, Matches(s, system))

	now := time.Now()
	s.DeletedAt = &now
	assert.False(t, Matches(s, system))
}
