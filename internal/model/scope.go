package model

import "sort"

// AppScope resolves which apps' data a caller authenticated as one app may
// read. An app always sees its own data, plus the data of every source app
// whose cross-app allow list names it.
type AppScope struct {
	sharedInto map[string][]string
}

// NewAppScope inverts the per-source allow list (source -> targets) into
// target -> sources.
func NewAppScope(allow map[string][]string) *AppScope {
	inv := make(map[string][]string)
	for source, targets := range allow {
		for _, target := range targets {
			if target == "" || target == source {
				continue
			}
			inv[target] = append(inv[target], source)
		}
	}
	for target := range inv {
		sort.Strings(inv[target])
	}
	return &AppScope{sharedInto: inv}
}

// Visible returns the apps viewer may read, viewer first. An anonymous
// viewer gets an empty, non-nil set that matches nothing.
func (s *AppScope) Visible(viewer string) []string {
	if viewer == "" {
		return []string{}
	}
	out := []string{viewer}
	if s == nil {
		return out
	}
	return append(out, s.sharedInto[viewer]...)
}

// Narrow intersects requested with what viewer may read. No request means
// the full visible set. A request naming only foreign apps falls back to the
// viewer's own app so the result is never widened or empty.
func (s *AppScope) Narrow(viewer string, requested []string) []string {
	visible := s.Visible(viewer)
	if len(requested) == 0 || len(visible) == 0 {
		return visible
	}
	allowed := make(map[string]struct{}, len(visible))
	for _, id := range visible {
		allowed[id] = struct{}{}
	}
	var out []string
	for _, id := range requested {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
			delete(allowed, id)
		}
	}
	if len(out) == 0 {
		return []string{viewer}
	}
	return out
}

// ContainsApp reports whether appID is in apps. An empty list matches nothing.
func ContainsApp(apps []string, appID string) bool {
	for _, id := range apps {
		if id == appID {
			return true
		}
	}
	return false
}
