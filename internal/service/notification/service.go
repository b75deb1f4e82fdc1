package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/messaging"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

// Sender delivers a notification through one channel.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, n *model.Notification) error
}

// Publisher lets the router report lifecycle events back onto the bus.
type Publisher interface {
	Publish(ctx context.Context, source model.EventSource, userID string, req model.PublishRequest) (*model.Event, error)
}

type Options struct {
	RetryBaseDelay     time.Duration
	MaxAttempts        int
	TTL                time.Duration
	PreferenceCacheTTL time.Duration
	SchedulerBatch     int
	SchedulerIdle      time.Duration
	// RetryLease is how long a claimed retry stays hidden from other
	// schedulers. A claim not completed within it is picked up again.
	RetryLease         time.Duration
}

type Repositories struct {
	Notifications repository.NotificationRepository
	Deliveries    repository.DeliveryRepository
	Preferences   repository.PreferenceRepository
	Rules         repository.RuleRepository
}

type Service struct {
	notifications repository.NotificationRepository
	deliveries    repository.DeliveryRepository
	preferences   repository.PreferenceRepository
	rules         repository.RuleRepository

	senders   map[model.Channel]Sender
	publisher Publisher
	defaults  []*compiledRule
	prefCache *cache.Cache
	broker    messaging.Broker
	instance  string

	opts   Options
	logger *logger.Logger
	m      *metrics.Metrics
	now    func() time.Time

	// ctx bounds background sends and retries; set by Start.
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
	sched   sync.WaitGroup
	startMu sync.Mutex
}

func NewService(repos Repositories, senders []Sender, opts Options, log *logger.Logger, m *metrics.Metrics) (*Service, error) {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.PreferenceCacheTTL <= 0 {
		opts.PreferenceCacheTTL = time.Minute
	}
	if opts.SchedulerBatch <= 0 {
		opts.SchedulerBatch = 100
	}
	if opts.SchedulerIdle <= 0 {
		opts.SchedulerIdle = 5 * time.Second
	}
	if opts.RetryLease <= 0 {
		opts.RetryLease = 2 * time.Minute
	}

	defaults, err := parseRules(defaultRulesYAML)
	if err != nil {
		return nil, fmt.Errorf("load default rules: %w", err)
	}

	s := &Service{
		notifications: repos.Notifications,
		deliveries:    repos.Deliveries,
		preferences:   repos.Preferences,
		rules:         repos.Rules,
		senders:       make(map[model.Channel]Sender, len(senders)),
		defaults:      defaults,
		prefCache:     cache.New(opts.PreferenceCacheTTL, 2*opts.PreferenceCacheTTL),
		opts:          opts,
		logger:        log.WithComponent("notification_router"),
		m:             m,
		now:           func() time.Time { return time.Now().UTC() },
		wake:          make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, sender := range senders {
		s.senders[sender.Channel()] = sender
	}
	return s, nil
}

// SetPublisher enables notification.sent/read/failed events.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetBroker shares preference cache invalidations with other instances.
// Call before Start.
func (s *Service) SetBroker(b messaging.Broker, instanceID string) {
	s.broker = b
	s.instance = instanceID
}

// Start runs the retry scheduler until ctx is cancelled or Close is called.
// Background sends started by HandleEvent also stop with ctx.
func (s *Service) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listenInvalidations(s.ctx)
	s.sched.Add(1)
	go func(ctx context.Context) {
		defer s.sched.Done()
		s.runScheduler(ctx)
	}(s.ctx)
}

// Close stops the scheduler and waits for in-flight deliveries.
func (s *Service) Close() {
	s.startMu.Lock()
	cancel := s.cancel
	s.startMu.Unlock()
	cancel()
	s.sched.Wait()
	s.wg.Wait()
}

// Wait blocks until the deliveries and retries currently running have finished.
// Retries still waiting in the queue are not waited for.
func (s *Service) Wait() {
	s.wg.Wait()
}

// HandleEvent is the bus system handler: route the event, then deliver each
// notification in the background.
func (s *Service) HandleEvent(ctx context.Context, evt *model.Event) error {
	notifications, err := s.RouteEvent(ctx, evt)
	if err != nil {
		return err
	}
	for _, n := range notifications {
		n := n
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.SendNotification(s.ctx, n); err != nil {
				s.logger.Error(err, "initial delivery failed", "notification_id", n.ID.String())
			}
		}()
	}
	return nil
}

// ListNotifications pages through a user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperrors.Validationf("invalid status %q", f.Status)
	}
	f = f.Normalized()
	out, total, err := s.notifications.List(ctx, f)
	if err != nil {
		return nil, 0, apperrors.Persistence("list notifications", err)
	}
	if out == nil {
		out = []*model.Notification{}
	}
	return out, total, nil
}

// GetNotification returns a notification owned by userID whose app is in
// appIDs. Nil appIDs skips the app check.
func (s *Service) GetNotification(ctx context.Context, userID string, appIDs []string, id uuid.UUID) (*model.Notification, error) {
	n, err := s.notifications.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("notification", err)
		}
		return nil, apperrors.Persistence("get notification", err)
	}
	if n.UserID != userID {
		return nil, apperrors.Forbidden("notification")
	}
	if appIDs != nil && !model.ContainsApp(appIDs, n.AppID) {
		return nil, apperrors.Forbidden("notification")
	}
	return n, nil
}

// ListAttempts returns the delivery log of a notification owned by userID.
func (s *Service) ListAttempts(ctx context.Context, userID string, appIDs []string, id uuid.UUID) ([]*model.DeliveryAttempt, error) {
	if _, err := s.GetNotification(ctx, userID, appIDs, id); err != nil {
		return nil, err
	}
	attempts, err := s.deliveries.ListAttempts(ctx, id)
	if err != nil {
		return nil, apperrors.Persistence("list attempts", err)
	}
	return attempts, nil
}

// CreateRule stores a per-user mapping rule. A rule named like a default overrides it.
func (s *Service) CreateRule(ctx context.Context, userID string, rule *model.MappingRule) (*model.MappingRule, error) {
	rule.UserID = userID
	rule.ID = uuid.New()
	rule.CreatedAt = s.now()
	if err := ValidateRule(rule); err != nil {
		return nil, apperrors.Validation("invalid rule", err)
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, apperrors.Persistence("create rule", err)
	}
	return rule, nil
}

// ListRules returns the effective rule set for userID.
func (s *Service) ListRules(ctx context.Context, userID string) ([]*model.MappingRule, error) {
	rules, err := s.effectiveRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.MappingRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.MappingRule)
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, n *model.Notification, t model.EventType, extra model.JSONMap) {
	if s.publisher == nil {
		return
	}
	data := model.JSONMap{
		"notification_id":   n.ID.String(),
		"notification_type": string(n.Type),
		"source_event_id":   n.SourceEventID.String(),
	}
	for k, v := range extra {
		data[k] = v
	}
	_, err := s.publisher.Publish(ctx, model.EventSource{AppID: n.AppID}, n.UserID, model.PublishRequest{
		Type:          t,
		Data:          data,
		CorrelationID: n.CorrelationID,
		CausationID:   n.SourceEventID.String(),
	})
	if err != nil {
		s.logger.Error(err, "failed to publish lifecycle event", "notification_id", n.ID.String(), "type", string(t))
	}
}
