package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

const defaultHistoryLimit = 20

// Handler receives an event matched to a subscription.
type Handler func(ctx context.Context, evt *model.Event, sub *model.EventSubscription) error

// SystemHandler receives every published event regardless of subscriptions.
type SystemHandler func(ctx context.Context, evt *model.Event) error

type Options struct {
	Workers         int
	QueueSize       int
	HandlerTimeout  time.Duration
	MaxHistoryLimit int
	Retention       time.Duration
	// CrossAppAllow lists, per source app, which apps events may be shared with.
	CrossAppAllow map[string][]string
}

type Service struct {
	events repository.EventRepository
	subs   repository.SubscriptionRepository
	opts   Options
	logger *logger.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu             sync.RWMutex
	handlers       map[uuid.UUID]Handler
	fallback       Handler
	systemHandlers []namedHandler

	dispatcher *dispatcher
}

type namedHandler struct {
	name string
	fn   SystemHandler
}

func NewService(
	events repository.EventRepository,
	subs repository.SubscriptionRepository,
	opts Options,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 5 * time.Second
	}
	if opts.MaxHistoryLimit <= 0 {
		opts.MaxHistoryLimit = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	s := &Service{
		events:   events,
		subs:     subs,
		opts:     opts,
		logger:   log.WithComponent("event_bus"),
		m:        m,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[uuid.UUID]Handler),
	}
	s.dispatcher = newDispatcher(s, opts.Workers, opts.QueueSize)
	return s
}

// Start launches the dispatch workers. Handlers run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.dispatcher.start(ctx)
}

// Close stops accepting dispatches and waits for queued events to drain.
func (s *Service) Close() {
	s.dispatcher.close()
}

// RegisterHandler attaches a process-local callback to a subscription. Without
// one, matches go to the fallback handler.
func (s *Service) RegisterHandler(subscriptionID uuid.UUID, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[subscriptionID] = h
}

// SetFallbackHandler handles matches for subscriptions with no local callback,
// typically those created on another instance or over HTTP.
func (s *Service) SetFallbackHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

func (s *Service) AddSystemHandler(name string, h SystemHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemHandlers = append(s.systemHandlers, namedHandler{name: name, fn: h})
}

// Publish validates and durably records an event, then hands it to the
// dispatch workers. The event is persisted before any handler sees it.
func (s *Service) Publish(ctx context.Context, source model.EventSource, userID string, req model.PublishRequest) (*model.Event, error) {
	if source.AppID == "" {
		return nil, apperrors.Validationf("event source app is required")
	}
	if !req.Type.Valid() {
		return nil, apperrors.Validationf("invalid event type %q", req.Type)
	}
	if req.Data == nil {
		return nil, apperrors.Validationf("event data is required")
	}
	if err := s.checkShare(source.AppID, req.ShareWith); err != nil {
		return nil, err
	}
	if req.System {
		userID = ""
	}

	evt := &model.Event{
		ID:        uuid.New(),
		Type:      req.Type,
		Source:    source,
		Timestamp: s.now(),
		UserID:    userID,
		Data:      req.Data,
		Metadata: model.EventMetadata{
			CorrelationID: req.CorrelationID,
			CausationID:   req.CausationID,
		},
		SharedWith: dedupe(req.ShareWith, source.AppID),
	}
	if evt.Metadata.CorrelationID == "" {
		evt.Metadata.CorrelationID = evt.ID.String()
	}

	if err := s.events.Create(ctx, evt); err != nil {
		s.m.DatabaseOperations.WithLabelValues("create_event", "error").Inc()
		return nil, apperrors.Persistence("publish event", err)
	}
	s.m.DatabaseOperations.WithLabelValues("create_event", "success").Inc()
	s.m.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	s.logger.Debug("event published",
		"event_id", evt.ID.String(),
		"type", string(evt.Type),
		"app_id", source.AppID,
		"user_id", userID)

	s.dispatcher.enqueue(evt)
	return evt, nil
}

func (s *Service) checkShare(sourceApp string, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(s.opts.CrossAppAllow[sourceApp]))
	for _, app := range s.opts.CrossAppAllow[sourceApp] {
		allowed[app] = struct{}{}
	}
	for _, target := range targets {
		if target == sourceApp {
			continue
		}
		if _, ok := allowed[target]; !ok {
			return apperrors.Forbidden(fmt.Sprintf("sharing with app %s", target))
		}
	}
	return nil
}

func (s *Service) Subscribe(ctx context.Context, userID, appID string, req model.SubscribeRequest) (*model.EventSubscription, error) {
	if len(req.EventTypes) == 0 {
		return nil, apperrors.Validationf("event_types must not be empty")
	}
	for _, pattern := range req.EventTypes {
		if !model.ValidEventTypePattern(pattern) {
			return nil, apperrors.Validationf("invalid event type %q", pattern)
		}
	}
	filters := req.Filters
	if filters == nil {
		filters = model.JSONMap{}
	}

	sub := &model.EventSubscription{
		ID:         uuid.New(),
		UserID:     userID,
		AppID:      appID,
		EventTypes: dedupe(req.EventTypes, ""),
		Filters:    filters,
		CreatedAt:  s.now(),
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, apperrors.Persistence("create subscription", err)
	}
	return sub, nil
}

// Unsubscribe is idempotent for the owner and always forbidden for anyone else.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID uuid.UUID, userID, appID string) error {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("subscription", err)
		}
		return apperrors.Persistence("get subscription", err)
	}
	if sub.UserID != userID || sub.AppID != appID {
		return apperrors.Forbidden("subscription")
	}

	s.mu.Lock()
	delete(s.handlers, subscriptionID)
	s.mu.Unlock()

	if !sub.Active() {
		return nil
	}
	if err := s.subs.SoftDelete(ctx, subscriptionID, s.now()); err != nil {
		return apperrors.Persistence("delete subscription", err)
	}
	return nil
}

func (s *Service) ListSubscriptions(ctx context.Context, userID, appID string) ([]*model.EventSubscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID, appID)
	if err != nil {
		return nil, apperrors.Persistence("list subscriptions", err)
	}
	return subs, nil
}

// GetEventHistory pages through the events visible to (q.UserID, q.AppID).
// The limit is clamped to the configured maximum.
func (s *Service) GetEventHistory(ctx context.Context, q model.EventQuery) (*model.EventPage, error) {
	if q.UserID == "" || q.AppID == "" {
		return nil, apperrors.Validationf("user and app are required")
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, apperrors.Validationf("invalid event type %q", q.Type)
	}
	q.Limit = s.clampLimit(q.Limit)
	if q.Offset < 0 {
		q.Offset = 0
	}

	events, total, err := s.events.List(ctx, q)
	if err != nil {
		return nil, apperrors.Persistence("list events", err)
	}
	if events == nil {
		events = []*model.Event{}
	}
	return &model.EventPage{
		Events:  events,
		Total:   total,
		HasMore: q.Offset+len(events) < total,
	}, nil
}

func (s *Service) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > s.opts.MaxHistoryLimit:
		limit = s.opts.MaxHistoryLimit
	}
	return limit
}

// Cleanup deletes events older than the retention window. It only issues a
// range delete and never touches the publish path.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.Retention)
	n, err := s.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.Persistence("purge events", err)
	}
	s.m.EventsPurged.Add(float64(n))
	s.logger.Info("purged events", "deleted", n, "cutoff", cutoff)
	return n, nil
}

func dedupe(in []string, skip string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == skip {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
