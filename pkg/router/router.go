// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package router fans framed packets out to subscriber queues. Every packet
// is tested against every subscription; a queue subscribed with several
// filters still receives each packet at most once.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

type subscription struct {
	queue   *Queue
	filters []Filter
	// gone is closed by Unsubscribe and shared by every copy of the
	// subscription
	gone chan struct{}
}

func (s *subscription) matches(p vnproto.Packet) bool {
	for _, f := range s.filters {
		if f.Match(p) {
			return true
		}
	}
	return false
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the router's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// Router routes packets to subscriber queues
type Router struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger zerolog.Logger
}

// New creates an empty router
func New(opts ...Option) *Router {
	r := &Router{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds a filter for a queue. Subscribing an already registered
// queue adds the filter to its existing subscription.
func (r *Router) Subscribe(q *Queue, f Filter) error {
	if q == nil {
		return errors.New("subscribe: nil queue")
	}
	if f == nil {
		return fmt.Errorf("subscribe %s: nil filter", q.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Route reads r.subs without the lock, so subscriptions are replaced,
	// never modified in place
	subs := make([]*subscription, len(r.subs), len(r.subs)+1)
	copy(subs, r.subs)
	for i, s := range subs {
		if s.queue == q {
			filters := append(append([]Filter(nil), s.filters...), f)
			subs[i] = &subscription{queue: q, filters: filters, gone: s.gone}
			r.subs = subs
			r.logger.Debug().Str("queue", q.Name()).Str("filter", f.String()).Msg("filter added")
			return nil
		}
	}
	r.subs = append(subs, &subscription{queue: q, filters: []Filter{f}, gone: make(chan struct{})})
	r.logger.Debug().Str("queue", q.Name()).Str("filter", f.String()).Msg("subscribed")
	return nil
}

// Unsubscribe removes every filter for a queue. Unknown queues are ignored.
func (r *Router) Unsubscribe(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.queue == q {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			close(s.gone)
			r.logger.Debug().Str("queue", q.Name()).Msg("unsubscribed")
			return
		}
	}
}

// Route delivers a packet to every matching queue. Full Retry queues produce
// an ErrQueueFull error per queue; delivery to other queues continues.
func (r *Router) Route(p vnproto.Packet) error {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !s.matches(p) {
			continue
		}
		if err := s.queue.Push(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RouteWait delivers a packet like Route, except that a full Retry queue is
// waited on until it has room, ctx is done, or the queue is unsubscribed.
// It is for sources that can be paused, such as a replayed recording.
func (r *Router) RouteWait(ctx context.Context, p vnproto.Packet) error {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !s.matches(p) {
			continue
		}
		if err := s.queue.PushWait(ctx, p, s.gone); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribers returns the number of subscribed queues
func (r *Router) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Filters returns the filters registered for a queue
func (r *Router) Filters(q *Queue) []Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if s.queue == q {
			return append([]Filter(nil), s.filters...)
		}
	}
	return nil
}
