package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/messaging"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

// DeliverChannel carries pushes to connections held by other instances.
const DeliverChannel = "realtime.deliver"

const (
	defaultPollLimit = 50
	maxPollLimit     = 1000
	sendTimeout      = 5 * time.Second
)

// AckFunc is called when a client acknowledges a notification. appIDs is the
// app scope of the session that sent the ack.
type AckFunc func(ctx context.Context, userID string, appIDs []string, notificationID uuid.UUID) error

type Options struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type session struct {
	info *model.UserConnection
	conn Conn
}

type envelope struct {
	UserID  string   `json:"user_id"`
	Message *Message `json:"message"`
}

type Service struct {
	conns  repository.ConnectionRepository
	buffer Buffer
	broker messaging.Broker
	opts   Options
	logger *logger.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu     sync.RWMutex
	local  map[uuid.UUID]*session
	byUser map[string]map[uuid.UUID]*session
	onAck  AckFunc

	wg sync.WaitGroup
}

// NewService wires the realtime hub. broker may be nil for a single instance.
func NewService(
	conns repository.ConnectionRepository,
	buffer Buffer,
	broker messaging.Broker,
	opts Options,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	return &Service{
		conns:  conns,
		buffer: buffer,
		broker: broker,
		opts:   opts,
		logger: log.WithComponent("realtime").WithFields(map[string]interface{}{"instance_id": opts.InstanceID}),
		m:      m,
		now:    func() time.Time { return time.Now().UTC() },
		local:  make(map[uuid.UUID]*session),
		byUser: make(map[string]map[uuid.UUID]*session),
	}
}

func (s *Service) OnAck(fn AckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAck = fn
}

func (s *Service) Options() Options {
	return s.opts
}

// Start runs the heartbeat sweeper and, with a broker, the cross-instance
// delivery listener. Both stop with ctx.
func (s *Service) Start(ctx context.Context) error {
	if s.broker != nil {
		msgs, err := s.broker.Subscribe(ctx, DeliverChannel)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.listen(ctx, msgs)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error(err, "heartbeat sweep failed")
				}
			}
		}
	}()
	return nil
}

// Wait blocks until the background loops started by Start have exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Connect registers a connection for userID. conn is nil for polling clients.
func (s *Service) Connect(ctx context.Context, userID string, appIDs []string, conn Conn) (uuid.UUID, error) {
	if userID == "" {
		return uuid.Nil, apperrors.Validationf("user is required")
	}
	now := s.now()
	info := &model.UserConnection{
		ConnectionID:    uuid.New(),
		UserID:          userID,
		AppIDs:          appIDs,
		InstanceID:      s.opts.InstanceID,
		Transport:       model.TransportPoll,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	if conn != nil {
		info.Transport = model.TransportWebSocket
	}
	if err := s.conns.Upsert(ctx, info); err != nil {
		return uuid.Nil, apperrors.Persistence("register connection", err)
	}

	if conn != nil {
		sess := &session{info: info, conn: conn}
		s.mu.Lock()
		s.local[info.ConnectionID] = sess
		if s.byUser[userID] == nil {
			s.byUser[userID] = make(map[uuid.UUID]*session)
		}
		s.byUser[userID][info.ConnectionID] = sess
		s.mu.Unlock()
		s.m.RealtimeConnections.Inc()
	}

	s.logger.Debug("connection opened",
		"connection_id", info.ConnectionID.String(),
		"user_id", userID,
		"transport", string(info.Transport))
	return info.ConnectionID, nil
}

// Disconnect removes a connection. Removing an unknown id is not an error.
// Buffered messages are kept.
func (s *Service) Disconnect(ctx context.Context, connectionID uuid.UUID) error {
	s.dropLocal(connectionID)
	if err := s.conns.Delete(ctx, connectionID); err != nil {
		return apperrors.Persistence("remove connection", err)
	}
	return nil
}

func (s *Service) dropLocal(connectionID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.local[connectionID]
	if ok {
		delete(s.local, connectionID)
		if peers := s.byUser[sess.info.UserID]; peers != nil {
			delete(peers, connectionID)
			if len(peers) == 0 {
				delete(s.byUser, sess.info.UserID)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.m.RealtimeConnections.Dec()
	if err := sess.conn.Close(); err != nil {
		s.logger.Debug("close connection", "connection_id", connectionID.String(), "error", err.Error())
	}
}

// Release disconnects a connection on behalf of userID. Connections owned by
// someone else are treated as absent.
func (s *Service) Release(ctx context.Context, userID string, connectionID uuid.UUID) error {
	owned, err := s.owns(ctx, userID, connectionID)
	if err != nil || !owned {
		return err
	}
	return s.Disconnect(ctx, connectionID)
}

// CloseAll closes every connection held by this instance. Serve loops return
// and remove their rows.
func (s *Service) CloseAll() {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.dropLocal(id)
	}
}

// Heartbeat refreshes a connection owned by userID.
func (s *Service) Heartbeat(ctx context.Context, userID string, connectionID uuid.UUID) error {
	owned, err := s.owns(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	if !owned {
		return apperrors.NotFound("connection", nil)
	}
	if err := s.conns.Touch(ctx, connectionID, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("connection", err)
		}
		return apperrors.Persistence("touch connection", err)
	}
	return nil
}

func (s *Service) owns(ctx context.Context, userID string, connectionID uuid.UUID) (bool, error) {
	conns, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return false, apperrors.Persistence("list connections", err)
	}
	for _, c := range conns {
		if c.ConnectionID == connectionID {
			return true, nil
		}
	}
	return false, nil
}

// Broadcast pushes n to every live connection of userID that covers the
// notification's app. The message is always appended to the user's log so a
// poll returns exactly what a push would have carried. It reports whether a
// live connection took the message.
func (s *Service) Broadcast(ctx context.Context, userID string, n *model.Notification) (bool, error) {
	return s.deliver(ctx, userID, &Message{
		Type:         MessageNotification,
		ID:           n.ID.String(),
		AppID:        n.AppID,
		Timestamp:    s.now(),
		Notification: n,
	})
}

// BroadcastEvent pushes a subscription match to the subscriber.
func (s *Service) BroadcastEvent(ctx context.Context, userID, appID string, evt *model.Event) (bool, error) {
	return s.deliver(ctx, userID, &Message{
		Type:      MessageEvent,
		ID:        evt.ID.String(),
		AppID:     appID,
		Timestamp: s.now(),
		Event:     evt,
	})
}

func (s *Service) deliver(ctx context.Context, userID string, msg *Message) (bool, error) {
	bufErr := s.buffer.Append(ctx, userID, msg)
	if bufErr != nil {
		s.logger.Error(bufErr, "failed to buffer message", "user_id", userID, "message_id", msg.ID)
	}

	delivered := s.pushLocal(ctx, userID, msg) > 0

	if s.broker != nil {
		remote, err := s.hasRemote(ctx, userID, msg.AppID)
		if err != nil {
			s.logger.Warn("failed to look up remote connections", "user_id", userID, "error", err.Error())
		}
		if remote {
			if err := s.broker.Publish(ctx, DeliverChannel, messaging.Message{
				Type:    msg.Type,
				Origin:  s.opts.InstanceID,
				Payload: envelope{UserID: userID, Message: msg},
			}); err != nil {
				s.logger.Warn("failed to fan out message", "user_id", userID, "error", err.Error())
			} else {
				delivered = true
			}
		}
	}

	switch {
	case delivered:
		s.m.RealtimePushes.WithLabelValues("delivered").Inc()
	case bufErr == nil:
		s.m.RealtimePushes.WithLabelValues("buffered").Inc()
		s.m.RealtimeBuffered.Inc()
	default:
		s.m.RealtimePushes.WithLabelValues("failed").Inc()
		return false, bufErr
	}
	return delivered, nil
}

// pushLocal sends msg to this instance's matching connections. A failed send
// drops that connection and counts as not delivered.
func (s *Service) pushLocal(ctx context.Context, userID string, msg *Message) int {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.byUser[userID]))
	for _, sess := range s.byUser[userID] {
		if sess.info.Covers(msg.AppID) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, sess := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sess.conn.Send(sendCtx, msg)
		cancel()
		if err != nil {
			s.logger.Warn("push failed, dropping connection",
				"connection_id", sess.info.ConnectionID.String(),
				"user_id", userID,
				"error", err.Error())
			id := sess.info.ConnectionID
			s.dropLocal(id)
			if err := s.conns.Delete(context.WithoutCancel(ctx), id); err != nil {
				s.logger.Error(err, "failed to remove dead connection", "connection_id", id.String())
			}
			continue
		}
		sent++
	}
	return sent
}

func (s *Service) hasRemote(ctx context.Context, userID, appID string) (bool, error) {
	conns, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range conns {
		if c.InstanceID != s.opts.InstanceID && c.Transport == model.TransportWebSocket && c.Covers(appID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) listen(ctx context.Context, msgs <-chan []byte) {
	for raw := range msgs {
		var wire struct {
			Origin  string   `json:"origin"`
			Payload envelope `json:"payload"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			s.logger.Warn("dropping malformed fan-out message", "error", err.Error())
			continue
		}
		if wire.Origin == s.opts.InstanceID || wire.Payload.Message == nil {
			continue
		}
		s.pushLocal(ctx, wire.Payload.UserID, wire.Payload.Message)
	}
}

// Poll returns the user's logged messages for appIDs, oldest first, newer
// than since when given. Polling does not consume the log.
func (s *Service) Poll(ctx context.Context, userID string, appIDs []string, since *time.Time, limit int) ([]*Message, error) {
	switch {
	case limit <= 0:
		limit = defaultPollLimit
	case limit > maxPollLimit:
		limit = maxPollLimit
	}
	msgs, err := s.buffer.List(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence("read buffer", err)
	}
	scope := &model.UserConnection{AppIDs: appIDs}
	out := make([]*Message, 0, limit)
	for _, msg := range msgs {
		if !scope.Covers(msg.AppID) {
			continue
		}
		if since != nil && !msg.Timestamp.After(*since) {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Status reports the user's live connections across all instances.
func (s *Service) Status(ctx context.Context, userID string) (*model.ConnectionStatus, error) {
	conns, err := s.conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence("list connections", err)
	}
	cutoff := s.now().Add(-s.opts.HeartbeatTimeout)
	live := make([]*model.UserConnection, 0, len(conns))
	for _, c := range conns {
		if c.LastHeartbeatAt.After(cutoff) {
			live = append(live, c)
		}
	}
	buffered, err := s.buffer.Len(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence("read buffer", err)
	}
	return &model.ConnectionStatus{
		UserID:            userID,
		Connected:         len(live) > 0,
		Connections:       live,
		Buffered:          buffered,
		HeartbeatInterval: s.opts.HeartbeatInterval.String(),
		HeartbeatTimeout:  s.opts.HeartbeatTimeout.String(),
	}, nil
}

// Sweep removes connections whose last heartbeat is older than the timeout.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.conns.DeleteStale(ctx, s.now().Add(-s.opts.HeartbeatTimeout))
	if err != nil {
		return 0, apperrors.Persistence("sweep connections", err)
	}
	for _, id := range ids {
		s.dropLocal(id)
	}
	if len(ids) > 0 {
		s.logger.Info("removed stale connections", "count", len(ids))
	}
	return len(ids), nil
}

func (s *Service) ack(ctx context.Context, userID string, appIDs []string, id uuid.UUID) {
	s.mu.RLock()
	fn := s.onAck
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	if err := fn(ctx, userID, appIDs, id); err != nil {
		s.logger.Warn("ack rejected", "user_id", userID, "notification_id", id.String(), "error", err.Error())
	}
}
