// Package memory holds process-local repository implementations used by tests
// and single-instance development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type EventRepository struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*model.Event
	// Err, when set, fails every write. Used to exercise persistence failures.
	Err error
}

func NewEventRepository() *EventRepository {
	return &EventRepository{events: make(map[uuid.UUID]*model.Event)}
}

func (r *EventRepository) Create(_ context.Context, event *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *EventRepository) Get(_ context.Context, id uuid.UUID) (*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *EventRepository) List(_ context.Context, q model.EventQuery) ([]*model.Event, int, error) {
	r.mu.RLock()
	var matched []*model.Event
	for _, e := range r.events {
		if !e.VisibleTo(q.AppID) {
			continue
		}
		if e.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Since != nil && e.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && e.Timestamp.After(*q.Until) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return page(matched, q.Offset, q.Limit), len(matched), nil
}

func (r *EventRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

type SubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*model.EventSubscription
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{subs: make(map[uuid.UUID]*model.EventSubscription)}
}

func (r *SubscriptionRepository) Create(_ context.Context, sub *model.EventSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *SubscriptionRepository) Get(_ context.Context, id uuid.UUID) (*model.EventSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *SubscriptionRepository) ListByUser(_ context.Context, userID, appID string) ([]*model.EventSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.EventSubscription
	for _, s := range r.subs {
		if s.Active() && s.UserID == userID && s.AppID == appID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *SubscriptionRepository) ListActive(_ context.Context, t model.EventType) ([]*model.EventSubscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.EventSubscription
	for _, s := range r.subs {
		if s.Active() && s.Accepts(t) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *SubscriptionRepository) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if s.DeletedAt == nil {
		s.DeletedAt = &at
	}
	return nil
}

func sortSubscriptions(subs []*model.EventSubscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID.String() < subs[j].ID.String()
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

type NotificationRepository struct {
	mu            sync.RWMutex
	notifications map[uuid.UUID]*model.Notification
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{notifications: make(map[uuid.UUID]*model.Notification)}
}

func (r *NotificationRepository) Create(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.notifications[n.ID] = &cp
	return nil
}

func (r *NotificationRepository) Get(_ context.Context, id uuid.UUID) (*model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *NotificationRepository) List(_ context.Context, f model.NotificationFilter) ([]*model.Notification, int, error) {
	r.mu.RLock()
	var out []*model.Notification
	for _, n := range r.notifications {
		if n.UserID != f.UserID {
			continue
		}
		if f.AppIDs != nil && !model.ContainsApp(f.AppIDs, n.AppID) {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Offset, f.Limit), len(out), nil
}

func (r *NotificationRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to model.NotificationStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = at
	switch to {
	case model.NotificationStatusSent:
		n.SentAt = &at
	case model.NotificationStatusDelivered:
		n.DeliveredAt = &at
	case model.NotificationStatusRead:
		n.ReadAt = &at
	}
	return true, nil
}

func (r *NotificationRepository) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*model.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Notification
	for _, n := range r.notifications {
		if n.Status == model.NotificationStatusPending && n.CreatedAt.Before(cutoff) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, 0, limit), nil
}

type DeliveryRepository struct {
	mu       sync.Mutex
	attempts []*model.DeliveryAttempt
	retries  map[retryKey]*model.ScheduledRetry
}

type retryKey struct {
	id      uuid.UUID
	channel model.Channel
	attempt int
}

func NewDeliveryRepository() *DeliveryRepository {
	return &DeliveryRepository{retries: make(map[retryKey]*model.ScheduledRetry)}
}

func (r *DeliveryRepository) RecordAttempt(_ context.Context, a *model.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.attempts = append(r.attempts, &cp)
	return nil
}

func (r *DeliveryRepository) ListAttempts(_ context.Context, notificationID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.DeliveryAttempt
	for _, a := range r.attempts {
		if a.NotificationID == notificationID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *DeliveryRepository) LastAttemptNumber(_ context.Context, notificationID uuid.UUID, channel model.Channel) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := 0
	for _, a := range r.attempts {
		if a.NotificationID == notificationID && a.Channel == channel && a.AttemptNumber > last {
			last = a.AttemptNumber
		}
	}
	return last, nil
}

func (r *DeliveryRepository) ScheduleRetry(_ context.Context, retry *model.ScheduledRetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := retryKey{retry.NotificationID, retry.Channel, retry.AttemptNumber}
	if _, exists := r.retries[key]; !exists {
		cp := *retry
		r.retries[key] = &cp
	}
	return nil
}

func (r *DeliveryRepository) ClaimDueRetries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*model.ScheduledRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*model.ScheduledRetry
	for _, retry := range r.retries {
		if retry.DueAt.After(now) {
			continue
		}
		if retry.ClaimedUntil != nil && retry.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, retry)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	out := make([]*model.ScheduledRetry, 0, len(due))
	for _, retry := range due {
		retry.ClaimedUntil = &until
		cp := *retry
		out = append(out, &cp)
	}
	return out, nil
}

func (r *DeliveryRepository) CompleteRetry(_ context.Context, retry *model.ScheduledRetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, retryKey{retry.NotificationID, retry.Channel, retry.AttemptNumber})
	return nil
}

func (r *DeliveryRepository) NextRetryAt(_ context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *time.Time
	for _, retry := range r.retries {
		at := retry.DueAt
		if retry.ClaimedUntil != nil && retry.ClaimedUntil.After(at) {
			at = *retry.ClaimedUntil
		}
		if next == nil || at.Before(*next) {
			next = &at
		}
	}
	return next, nil
}

func (r *DeliveryRepository) CancelRetries(_ context.Context, notificationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.retries {
		if key.id == notificationID {
			delete(r.retries, key)
		}
	}
	return nil
}

// Pending returns the retries still queued, soonest first.
func (r *DeliveryRepository) Pending() []*model.ScheduledRetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.ScheduledRetry, 0, len(r.retries))
	for _, retry := range r.retries {
		cp := *retry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

type PreferenceRepository struct {
	mu    sync.RWMutex
	prefs map[string]*model.NotificationPreferences
	// Gets counts reads so cache behaviour can be asserted.
	Gets int
}

func NewPreferenceRepository() *PreferenceRepository {
	return &PreferenceRepository{prefs: make(map[string]*model.NotificationPreferences)}
}

func (r *PreferenceRepository) Get(_ context.Context, userID string) (*model.NotificationPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Gets++
	p, ok := r.prefs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *PreferenceRepository) Upsert(_ context.Context, prefs *model.NotificationPreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[prefs.UserID] = prefs.Clone()
	return nil
}

type RuleRepository struct {
	mu    sync.RWMutex
	rules []*model.MappingRule
}

func NewRuleRepository() *RuleRepository {
	return &RuleRepository{}
}

func (r *RuleRepository) ListForUser(_ context.Context, userID string) ([]*model.MappingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.MappingRule
	for _, rule := range r.rules {
		if rule.UserID == userID {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *RuleRepository) Create(_ context.Context, rule *model.MappingRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	cp := *rule
	r.rules = append(r.rules, &cp)
	return nil
}

type ContactRepository struct {
	mu       sync.RWMutex
	contacts map[string]*model.UserContact
}

func NewContactRepository() *ContactRepository {
	return &ContactRepository{contacts: make(map[string]*model.UserContact)}
}

func (r *ContactRepository) Get(_ context.Context, userID string) (*model.UserContact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ContactRepository) Upsert(_ context.Context, c *model.UserContact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.contacts[c.UserID] = &cp
	return nil
}

type ConnectionRepository struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*model.UserConnection
}

func NewConnectionRepository() *ConnectionRepository {
	return &ConnectionRepository{conns: make(map[uuid.UUID]*model.UserConnection)}
}

func (r *ConnectionRepository) Upsert(_ context.Context, c *model.UserConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.conns[c.ConnectionID] = &cp
	return nil
}

func (r *ConnectionRepository) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.LastHeartbeatAt = at
	return nil
}

func (r *ConnectionRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

func (r *ConnectionRepository) ListByUser(_ context.Context, userID string) ([]*model.UserConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.UserConnection
	for _, c := range r.conns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

func (r *ConnectionRepository) DeleteStale(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, c := range r.conns {
		if c.LastHeartbeatAt.Before(cutoff) {
			ids = append(ids, id)
			delete(r.conns, id)
		}
	}
	return ids, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var (
	_ repository.EventRepository        = (*EventRepository)(nil)
	_ repository.SubscriptionRepository = (*SubscriptionRepository)(nil)
	_ repository.NotificationRepository = (*NotificationRepository)(nil)
	_ repository.DeliveryRepository     = (*DeliveryRepository)(nil)
	_ repository.PreferenceRepository   = (*PreferenceRepository)(nil)
	_ repository.RuleRepository         = (*RuleRepository)(nil)
	_ repository.ContactRepository      = (*ContactRepository)(nil)
	_ repository.ConnectionRepository   = (*ConnectionRepository)(nil)
)
