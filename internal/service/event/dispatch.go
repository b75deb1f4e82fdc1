package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/eventhub/internal/model"
)

// dispatcher drains persisted events into subscriber handlers on a fixed pool
// of workers. enqueue never blocks the publisher.
type dispatcher struct {
	svc     *Service
	workers int
	queue   chan *model.Event

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
	pending sync.WaitGroup
}

func newDispatcher(svc *Service, workers, size int) *dispatcher {
	return &dispatcher{
		svc:     svc,
		workers: workers,
		queue:   make(chan *model.Event, size),
		done:    make(chan struct{}),
	}
}

func (d *dispatcher) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for evt := range d.queue {
				d.svc.m.DispatchQueueSize.Dec()
				d.svc.dispatch(ctx, evt)
			}
		}()
	}
}

func (d *dispatcher) enqueue(evt *model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.svc.logger.Warn("dispatcher closed, event not dispatched", "event_id", evt.ID.String())
		return
	}
	select {
	case d.queue <- evt:
		d.svc.m.DispatchQueueSize.Inc()
	default:
		// Queue full: hand off so the publisher is acked without waiting.
		// pending.Add runs under the read lock, so it never races close's Wait.
		d.pending.Add(1)
		go d.overflow(evt)
	}
}

// overflow waits for queue room. If the dispatcher closes first the event is
// dispatched inline so a persisted event is never skipped.
func (d *dispatcher) overflow(evt *model.Event) {
	defer d.pending.Done()
	select {
	case d.queue <- evt:
		d.svc.m.DispatchQueueSize.Inc()
	case <-d.done:
		d.svc.dispatch(context.Background(), evt)
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	started := d.started
	d.mu.Unlock()

	// closed is set, so no new overflow goroutines; the queue stays open until
	// the existing ones have sent or dispatched inline.
	d.pending.Wait()
	close(d.queue)

	if !started {
		for evt := range d.queue {
			d.svc.m.DispatchQueueSize.Dec()
			d.svc.dispatch(context.Background(), evt)
		}
		return
	}
	d.wg.Wait()
}

// dispatch runs the system handlers and then every matching subscription's
// handler for one event. Each handler is bounded by HandlerTimeout.
func (s *Service) dispatch(ctx context.Context, evt *model.Event) {
	timer := prometheus.NewTimer(s.m.DispatchLatency)
	defer timer.ObserveDuration()

	s.mu.RLock()
	system := append([]namedHandler(nil), s.systemHandlers...)
	s.mu.RUnlock()

	for _, h := range system {
		h := h
		s.invoke(ctx, evt, "system:"+h.name, func(ctx context.Context) error {
			return h.fn(ctx, evt)
		})
	}

	subs, err := s.subs.ListActive(ctx, evt.Type)
	if err != nil {
		s.m.DatabaseOperations.WithLabelValues("list_subscriptions", "error").Inc()
		s.logger.Error(err, "failed to load subscriptions", "event_id", evt.ID.String())
		return
	}

	for _, sub := range subs {
		if !Matches(sub, evt) {
			continue
		}
		s.mu.RLock()
		h, ok := s.handlers[sub.ID]
		if !ok {
			h = s.fallback
		}
		s.mu.RUnlock()
		if h == nil {
			continue
		}
		sub := sub
		s.invoke(ctx, evt, sub.ID.String(), func(ctx context.Context) error {
			return h(ctx, evt, sub)
		})
	}
}

func (s *Service) invoke(ctx context.Context, evt *model.Event, target string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.m.HandlerFailures.WithLabelValues("error").Inc()
			s.logger.Error(err, "event handler failed",
				"event_id", evt.ID.String(),
				"handler", target)
		}
	case <-ctx.Done():
		s.m.HandlerFailures.WithLabelValues("timeout").Inc()
		s.logger.Warn("event handler timed out",
			"event_id", evt.ID.String(),
			"handler", target,
			"timeout", s.opts.HandlerTimeout.String())
	}
}
