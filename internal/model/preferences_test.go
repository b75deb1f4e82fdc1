package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPreferencesDeliverInAppOnly(t *testing.T) {
	p := DefaultPreferences("u1")
	got := p.Deliverable(EventMatchCreated, []Channel{ChannelPush, ChannelInApp, ChannelEmail}, time.Now())
	assert.Equal(t, []Channel{ChannelInApp}, got)
}

func TestEventTypeOverrides(t *testing.T) {
	p := DefaultPreferences("u1")
	p.EventTypes["session.*"] = false
	p.EventTypes["session.reminder"] = true

	assert.False(t, p.EventTypeEnabled(EventSessionStarted))
	assert.True(t, p.EventTypeEnabled(EventSessionReminder))
	assert.True(t, p.EventTypeEnabled(EventUserLogin))
	assert.Empty(t, p.Deliverable(EventSessionStarted, []Channel{ChannelInApp}, time.Now()))
}

func TestQuietHoursSpanningMidnight(t *testing.T) {
	q := &QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"}
	require.NoError(t, q.Validate())

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, q.Contains(day.Add(23*time.Hour)))
	assert.True(t, q.Contains(day.Add(3*time.Hour)))
	assert.False(t, q.Contains(day.Add(12*time.Hour)))
	assert.False(t, q.Contains(day.Add(7*time.Hour)))
}

func TestQuietHoursKeepInAppOnly(t *testing.T) {
	p := DefaultPreferences("u1")
	p.Channels[ChannelPush] = true
	p.QuietHours = &QuietHours{Start: "00:00", End: "06:00"}

	night := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	requested := []Channel{ChannelPush, ChannelInApp}

	assert.Equal(t, []Channel{ChannelInApp}, p.Deliverable(EventMatchCreated, requested, night))
	assert.Equal(t, requested, p.Deliverable(EventMatchCreated, requested, noon))
}

func TestQuietHoursValidate(t *testing.T) {
	assert.Error(t, (&QuietHours{Start: "25:00", End: "07:00"}).Validate())
	assert.Error(t, (&QuietHours{Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"}).Validate())
}

func TestPreferencesCloneIsDeep(t *testing.T) {
	p := DefaultPreferences("u1")
	p.QuietHours = &QuietHours{Start: "22:00", End: "07:00"}
	c := p.Clone()
	c.Channels[ChannelEmail] = true
	c.QuietHours.Start = "21:00"
	assert.False(t, p.Channels[ChannelEmail])
	assert.Equal(t, "22:00", p.QuietHours.Start)
}
