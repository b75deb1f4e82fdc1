package notification

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
)

// Backoff returns the delay after the given failed attempt: base·2^(attempt-1),
// so 1s, 2s, 4s, 8s, 16s for a one second base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// SendNotification tries every channel of n once, independently and in
// parallel. Failed channels are queued for retry; the caller never waits on
// a backoff.
func (s *Service) SendNotification(ctx context.Context, n *model.Notification) (*model.DeliveryResult, error) {
	current, err := s.notifications.Get(ctx, n.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("notification", err)
		}
		return nil, apperrors.Persistence("get notification", err)
	}
	result := &model.DeliveryResult{NotificationID: current.ID, Status: current.Status}
	if current.Status.Terminal() {
		return result, nil
	}

	results := make([]model.ChannelResult, len(current.Channels))
	var wg sync.WaitGroup
	for i, ch := range current.Channels {
		i, ch := i, ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt, err := s.deliveries.LastAttemptNumber(ctx, current.ID, ch)
			if err != nil {
				results[i] = model.ChannelResult{Channel: ch, Outcome: model.DeliveryFailure, Error: err.Error()}
				return
			}
			results[i] = s.attempt(ctx, current, ch, attempt+1)
		}()
	}
	wg.Wait()
	result.Channels = results

	if latest, err := s.notifications.Get(ctx, current.ID); err == nil {
		result.Status = latest.Status
	}
	return result, nil
}

// attempt makes one delivery try on one channel, records it, and moves the
// notification along the state machine.
func (s *Service) attempt(ctx context.Context, n *model.Notification, ch model.Channel, number int) model.ChannelResult {
	res := model.ChannelResult{Channel: ch, AttemptNumber: number}

	var sendErr error
	sender, ok := s.senders[ch]
	if !ok {
		sendErr = fmt.Errorf("no sender configured for channel %s", ch)
	} else {
		sendErr = sender.Send(ctx, n)
	}

	rec := &model.DeliveryAttempt{
		ID:             uuid.New(),
		NotificationID: n.ID,
		Channel:        ch,
		AttemptNumber:  number,
		Outcome:        model.DeliverySuccess,
		AttemptedAt:    s.now(),
	}
	if sendErr != nil {
		sendErr = apperrors.Delivery(string(ch), sendErr)
		detail := sendErr.Error()
		rec.Outcome = model.DeliveryFailure
		rec.ErrorDetail = &detail
		res.Error = detail
	}
	res.Outcome = rec.Outcome
	s.m.DeliveryAttempts.WithLabelValues(string(ch), string(rec.Outcome)).Inc()

	if err := s.deliveries.RecordAttempt(ctx, rec); err != nil {
		s.logger.Error(err, "failed to record delivery attempt",
			"notification_id", n.ID.String(),
			"channel", string(ch),
			"attempt", number)
	}

	if sendErr == nil {
		s.transition(ctx, n, model.NotificationStatusPending, model.NotificationStatusSent)
		return res
	}

	s.logger.Warn("delivery attempt failed",
		"notification_id", n.ID.String(),
		"channel", string(ch),
		"attempt", number,
		"error", sendErr.Error())

	if number < s.opts.MaxAttempts {
		due := s.now().Add(Backoff(s.opts.RetryBaseDelay, number))
		retry := &model.ScheduledRetry{NotificationID: n.ID, Channel: ch, AttemptNumber: number + 1, DueAt: due}
		if err := s.deliveries.ScheduleRetry(ctx, retry); err != nil {
			s.logger.Error(err, "failed to schedule retry", "notification_id", n.ID.String(), "channel", string(ch))
			return res
		}
		s.m.RetriesScheduled.WithLabelValues(string(ch)).Inc()
		res.RetryAt = &due
		s.signal()
		return res
	}

	s.failIfExhausted(ctx, n)
	return res
}

// failIfExhausted dead-letters n once every channel has used its last attempt
// without a single success.
func (s *Service) failIfExhausted(ctx context.Context, n *model.Notification) {
	attempts, err := s.deliveries.ListAttempts(ctx, n.ID)
	if err != nil {
		s.logger.Error(err, "failed to read attempts", "notification_id", n.ID.String())
		return
	}
	exhausted := make(map[model.Channel]bool, len(n.Channels))
	for _, a := range attempts {
		if a.Outcome == model.DeliverySuccess {
			return
		}
		if a.AttemptNumber >= s.opts.MaxAttempts {
			exhausted[a.Channel] = true
		}
	}
	for _, ch := range n.Channels {
		if !exhausted[ch] {
			return
		}
	}
	if s.transition(ctx, n, model.NotificationStatusPending, model.NotificationStatusFailed) {
		s.m.NotificationsFailed.Inc()
		s.logger.Warn("notification dead-lettered", "notification_id", n.ID.String(), "user_id", n.UserID)
	}
}

// transition applies from -> to if the row is still in from. It reports
// whether this call made the change.
func (s *Service) transition(ctx context.Context, n *model.Notification, from, to model.NotificationStatus) bool {
	if !from.CanTransition(to) {
		return false
	}
	ok, err := s.notifications.UpdateStatus(ctx, n.ID, from, to, s.now())
	if err != nil {
		s.logger.Error(err, "failed to update notification status",
			"notification_id", n.ID.String(),
			"from", string(from),
			"to", string(to))
		return false
	}
	if !ok {
		return false
	}
	if to.Terminal() {
		if err := s.deliveries.CancelRetries(ctx, n.ID); err != nil {
			s.logger.Error(err, "failed to cancel retries", "notification_id", n.ID.String())
		}
	}
	switch to {
	case model.NotificationStatusSent:
		s.emit(ctx, n, model.EventNotificationSent, nil)
	case model.NotificationStatusFailed:
		s.emit(ctx, n, model.EventNotificationFailed, nil)
	case model.NotificationStatusRead:
		s.emit(ctx, n, model.EventNotificationRead, nil)
	}
	return true
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// runScheduler claims due retries and runs each in its own goroutine so one
// notification's backoff never holds up another's.
func (s *Service) runScheduler(ctx context.Context) {
	s.logger.Info("starting retry scheduler")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down retry scheduler")
			return
		case <-timer.C:
		case <-s.wake:
		}

		wait := s.drainDue(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// drainDue dispatches every due retry and returns how long to sleep.
func (s *Service) drainDue(ctx context.Context) time.Duration {
	for {
		due, err := s.deliveries.ClaimDueRetries(ctx, s.now(), s.opts.RetryLease, s.opts.SchedulerBatch)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error(err, "failed to claim due retries")
			}
			return s.opts.SchedulerIdle
		}
		for _, r := range due {
			r := r
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.processRetry(ctx, r)
			}()
		}
		if len(due) < s.opts.SchedulerBatch {
			break
		}
	}

	next, err := s.deliveries.NextRetryAt(ctx)
	if err != nil || next == nil {
		return s.opts.SchedulerIdle
	}
	wait := next.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	if wait > s.opts.SchedulerIdle {
		wait = s.opts.SchedulerIdle
	}
	return wait
}

// processRetry runs a claimed retry and releases its row once settled. A
// retry that hit a storage error keeps its lease and is claimed again after
// it lapses.
func (s *Service) processRetry(ctx context.Context, r *model.ScheduledRetry) {
	if !s.runRetry(ctx, r) {
		return
	}
	if err := s.deliveries.CompleteRetry(ctx, r); err != nil {
		s.logger.Error(err, "failed to complete retry",
			"notification_id", r.NotificationID.String(),
			"channel", string(r.Channel))
	}
}

// runRetry re-evaluates deliverability before repeating an attempt. Terminal
// notifications, expired ones and channels the user has since disabled are
// skipped. It reports false only when the retry could not be evaluated.
func (s *Service) runRetry(ctx context.Context, r *model.ScheduledRetry) bool {
	n, err := s.notifications.Get(ctx, r.NotificationID)
	if err != nil {
		s.logger.Error(err, "retry: failed to load notification", "notification_id", r.NotificationID.String())
		return errors.Is(err, repository.ErrNotFound)
	}
	if n.Status.Terminal() {
		return true
	}
	if n.Status == model.NotificationStatusPending && s.now().Sub(n.CreatedAt) > s.opts.TTL {
		if s.transition(ctx, n, model.NotificationStatusPending, model.NotificationStatusExpired) {
			s.logger.Info("notification expired before delivery", "notification_id", n.ID.String())
		}
		return true
	}

	prefs, err := s.GetUserPreferences(ctx, n.UserID)
	if err != nil {
		s.logger.Error(err, "retry: failed to load preferences", "notification_id", n.ID.String())
		return false
	}
	if !prefs.ChannelEnabled(r.Channel) {
		s.logger.Info("retry dropped, channel disabled by user",
			"notification_id", n.ID.String(),
			"channel", string(r.Channel))
		return true
	}

	// A previous holder may have made the attempt and died before completing.
	last, err := s.deliveries.LastAttemptNumber(ctx, n.ID, r.Channel)
	if err != nil {
		s.logger.Error(err, "retry: failed to read attempt number", "notification_id", n.ID.String())
		return false
	}
	if last >= r.AttemptNumber {
		return true
	}
	s.attempt(ctx, n, r.Channel, r.AttemptNumber)
	return true
}

// ExpireStale moves pending notifications older than the TTL to expired and
// returns how many it changed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.TTL)
	expired := 0
	for {
		batch, err := s.notifications.ListPendingBefore(ctx, cutoff, s.opts.SchedulerBatch)
		if err != nil {
			return expired, apperrors.Persistence("list pending notifications", err)
		}
		changed := 0
		for _, n := range batch {
			if s.transition(ctx, n, model.NotificationStatusPending, model.NotificationStatusExpired) {
				changed++
			}
		}
		expired += changed
		if len(batch) < s.opts.SchedulerBatch || changed == 0 {
			return expired, nil
		}
	}
}
