package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchEventType(t *testing.T) {
	assert.True(t, MatchEventType("session.started", EventSessionStarted))
	assert.True(t, MatchEventType("session.*", EventSessionStarted))
	assert.True(t, MatchEventType("*", EventCrossAppInsightShared))
	assert.False(t, MatchEventType("session.*", EventUserLogin))
	assert.False(t, MatchEventType("session.completed", EventSessionStarted))
}

func TestValidEventTypePattern(t *testing.T) {
	assert.True(t, ValidEventTypePattern("user.login"))
	assert.True(t, ValidEventTypePattern("meeting.*"))
	assert.False(t, ValidEventTypePattern("unknown.*"))
	assert.False(t, ValidEventTypePattern("user.logn"))
	assert.False(t, ValidEventTypePattern("[broken"))
}

func TestEventVisibility(t *testing.T) {
	evt := &Event{Source: EventSource{AppID: "hugo_love"}, SharedWith: []string{"hugo_career"}}
	assert.True(t, evt.VisibleTo("hugo_love"))
	assert.True(t, evt.VisibleTo("hugo_career"))
	assert.False(t, evt.VisibleTo("hugo_loyalty"))
	assert.True(t, evt.SystemScoped())
}

func TestEventTypeCategory(t *testing.T) {
	assert.Equal(t, "cross_app", EventCrossAppInsightShared.Category())
	assert.Equal(t, "session", EventSessionReminder.Category())
}
