package event

import (
	"strings"

	"github.com/jwalitptl/eventhub/internal/model"
)

const metadataPrefix = "metadata."

// Matches reports whether sub should receive evt. It is a pure function of its
// inputs so every instance reaches the same verdict from the shared store.
//
// A subscription sees an event when the event is visible to the subscription's
// app, is system scoped or owned by the subscriber, has a type accepted by one
// of the subscription's patterns, and satisfies every filter.
func Matches(sub *model.EventSubscription, evt *model.Event) bool {
	if !sub.Active() {
		return false
	}
	if !evt.VisibleTo(sub.AppID) {
		return false
	}
	if !evt.SystemScoped() && evt.UserID != sub.UserID {
		return false
	}
	if !sub.Accepts(evt.Type) {
		return false
	}
	return MatchFilters(evt, sub.Filters)
}

// MatchFilters reports whether evt satisfies every field condition.
func MatchFilters(evt *model.Event, filters map[string]interface{}) bool {
	for path, want := range filters {
		got, ok := lookup(evt, path)
		if !ok || !matchValue(got, want) {
			return false
		}
	}
	return true
}

// Lookup resolves a filter path against evt.
func Lookup(evt *model.Event, path string) (interface{}, bool) {
	return lookup(evt, path)
}

// lookup resolves a dotted path against the event data, or against the
// metadata when the path starts with "metadata.".
func lookup(evt *model.Event, path string) (interface{}, bool) {
	if strings.HasPrefix(path, metadataPrefix) {
		switch strings.TrimPrefix(path, metadataPrefix) {
		case "correlation_id", "correlationId":
			return evt.Metadata.CorrelationID, evt.Metadata.CorrelationID != ""
		case "causation_id", "causationId":
			return evt.Metadata.CausationID, evt.Metadata.CausationID != ""
		}
		return nil, false
	}
	return lookupPath(map[string]interface{}(evt.Data), path)
}

func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	switch next := data[head].(type) {
	case map[string]interface{}:
		return lookupPath(next, rest)
	case model.JSONMap:
		return lookupPath(next, rest)
	}
	return nil, false
}

// matchValue compares an event value with a filter value. A list filter means
// "any of"; a list event value matches when it contains the filter value.
func matchValue(got, want interface{}) bool {
	if options, ok := want.([]interface{}); ok {
		for _, option := range options {
			if matchValue(got, option) {
				return true
			}
		}
		return false
	}
	if options, ok := want.([]string); ok {
		for _, option := range options {
			if matchValue(got, option) {
				return true
			}
		}
		return false
	}
	if items, ok := got.([]interface{}); ok {
		for _, item := range items {
			if scalarEqual(item, want) {
				return true
			}
		}
		return false
	}
	return scalarEqual(got, want)
}

func scalarEqual(a, b interface{}) bool {
	na, aNum := number(a)
	nb, bNum := number(b)
	if aNum || bNum {
		return aNum && bNum && na == nb
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	}
	return false
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
