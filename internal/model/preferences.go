package model

import (
	"fmt"
	"time"
)

// QuietHours is a daily window, in the user's timezone, during which only
// in-app delivery is allowed. Start may be after End to span midnight.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

func (q *QuietHours) Validate() error {
	if _, err := parseClock(q.Start); err != nil {
		return fmt.Errorf("quiet_hours.start: %w", err)
	}
	if _, err := parseClock(q.End); err != nil {
		return fmt.Errorf("quiet_hours.end: %w", err)
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("quiet_hours.timezone: %w", err)
		}
	}
	return nil
}

// Contains reports whether at falls inside the window.
func (q *QuietHours) Contains(at time.Time) bool {
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil || start == end {
		return false
	}
	loc := time.UTC
	if q.Timezone != "" {
		if l, err := time.LoadLocation(q.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NotificationPreferences is per-user delivery configuration. EventTypes maps
// an event type or pattern to enabled; an exact key beats a pattern.
type NotificationPreferences struct {
	UserID     string           `json:"user_id"`
	Channels   map[Channel]bool `json:"channels"`
	EventTypes map[string]bool  `json:"event_types"`
	QuietHours *QuietHours      `json:"quiet_hours,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// DefaultPreferences delivers in-app only.
func DefaultPreferences(userID string) *NotificationPreferences {
	return &NotificationPreferences{
		UserID:     userID,
		Channels:   map[Channel]bool{ChannelInApp: true},
		EventTypes: map[string]bool{},
	}
}

func (p *NotificationPreferences) ChannelEnabled(c Channel) bool {
	return p.Channels[c]
}

// EventTypeEnabled resolves per-type overrides.
func (p *NotificationPreferences) EventTypeEnabled(t EventType) bool {
	if enabled, ok := p.EventTypes[string(t)]; ok {
		return enabled
	}
	for pattern, enabled := range p.EventTypes {
		if !enabled && MatchEventType(pattern, t) {
			return false
		}
	}
	return true
}

// Deliverable narrows the requested channels to the ones this user accepts for
// an event of type t raised at the given instant. Order is preserved.
func (p *NotificationPreferences) Deliverable(t EventType, requested []Channel, at time.Time) []Channel {
	if !p.EventTypeEnabled(t) {
		return nil
	}
	quiet := p.QuietHours != nil && p.QuietHours.Contains(at)
	out := make([]Channel, 0, len(requested))
	for _, c := range requested {
		if !p.ChannelEnabled(c) {
			continue
		}
		if quiet && c != ChannelInApp {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (p *NotificationPreferences) Clone() *NotificationPreferences {
	out := *p
	out.Channels = make(map[Channel]bool, len(p.Channels))
	for k, v := range p.Channels {
		out.Channels[k] = v
	}
	out.EventTypes = make(map[string]bool, len(p.EventTypes))
	for k, v := range p.EventTypes {
		out.EventTypes[k] = v
	}
	if p.QuietHours != nil {
		q := *p.QuietHours
		out.QuietHours = &q
	}
	return &out
}

// PreferencesPatch is a partial update; nil fields keep their prior value.
type PreferencesPatch struct {
	Channels        map[string]bool `json:"channels,omitempty"`
	EventTypes      map[string]bool `json:"event_types,omitempty"`
	QuietHours      *QuietHours     `json:"quiet_hours,omitempty"`
	ClearQuietHours bool            `json:"clear_quiet_hours,omitempty"`
	// Reset restores the defaults before the rest of the patch is applied.
	Reset bool `json:"reset,omitempty"`
}
