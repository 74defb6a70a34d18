package teamchat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// EventSource is a broad live event stream. Subscribe registers handler and
// returns a function that releases the underlying channel.
type EventSource interface {
	Subscribe(ctx context.Context, handler func(Event)) (unsubscribe func(), err error)
}

// EventSourceFunc adapts a function to EventSource.
type EventSourceFunc func(ctx context.Context, handler func(Event)) (func(), error)

func (f EventSourceFunc) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	return f(ctx, handler)
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the handle of one live conversation subscription.
type Subscription struct {
	conversationID string
	manager        *SubscriptionManager
	active         atomic.Bool
	once           sync.Once
	cancel         func()
}

func (s *Subscription) ConversationID() string { return s.conversationID }

// Active reports whether the subscription still forwards events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.manager.forget(s)
	s.release()
}

func (s *Subscription) release() {
	s.once.Do(func() {
		s.active.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// ============================================================================
// SubscriptionManager
// ============================================================================

// SubscriptionManager owns at most one live subscription per conversation
// and demultiplexes the broad event stream by conversation id.
type SubscriptionManager struct {
	source  EventSource
	log     zerolog.Logger
	metrics *Metrics

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewSubscriptionManager creates a manager on top of source. One manager is
// meant to be shared by every session of an application.
func NewSubscriptionManager(source EventSource, opts ...Option) *SubscriptionManager {
	o := newOptions(opts)
	return &SubscriptionManager{
		source:  source,
		log:     o.logger.With().Str("component", "subscriptions").Logger(),
		metrics: o.metrics,
		subs:    make(map[string]*Subscription),
	}
}

// Subscribe opens a live subscription for conversationID and forwards every
// event for that conversation to onEvent. An existing subscription for the
// same id is torn down first. A transport failure is returned as a
// *SubscriptionError and is not retried.
func (m *SubscriptionManager) Subscribe(ctx context.Context, conversationID string, onEvent func(Event)) (*Subscription, error) {
	m.Unsubscribe(conversationID)

	sub := &Subscription{conversationID: conversationID, manager: m}
	sub.active.Store(true)

	handler := func(ev Event) {
		if !sub.active.Load() {
			return
		}
		if ev.Message.ConversationID != conversationID {
			m.metrics.event("filtered")
			return
		}
		m.metrics.event("delivered")
		m.deliver(conversationID, onEvent, ev)
	}

	unsubscribe, err := m.source.Subscribe(ctx, handler)
	if err != nil {
		sub.active.Store(false)
		m.log.Warn().Err(err).Str("conversation", conversationID).Msg("subscribe failed")
		return nil, &SubscriptionError{ConversationID: conversationID, Err: err}
	}
	sub.cancel = unsubscribe

	m.mu.Lock()
	prev := m.subs[conversationID]
	m.subs[conversationID] = sub
	n := len(m.subs)
	m.mu.Unlock()

	// A concurrent Subscribe for the same id may have won the race.
	if prev != nil {
		prev.release()
	}
	m.metrics.subscriptions(n)
	m.log.Debug().Str("conversation", conversationID).Msg("subscribed")
	return sub, nil
}

// Unsubscribe releases the subscription for conversationID, if any.
func (m *SubscriptionManager) Unsubscribe(conversationID string) {
	m.mu.Lock()
	sub := m.subs[conversationID]
	delete(m.subs, conversationID)
	n := len(m.subs)
	m.mu.Unlock()

	if sub != nil {
		sub.release()
		m.metrics.subscriptions(n)
		m.log.Debug().Str("conversation", conversationID).Msg("unsubscribed")
	}
}

// UnsubscribeAll releases every open subscription.
func (m *SubscriptionManager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.release()
	}
	m.metrics.subscriptions(0)
}

// Active returns the sorted conversation ids with an open subscription.
func (m *SubscriptionManager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *SubscriptionManager) forget(sub *Subscription) {
	m.mu.Lock()
	if m.subs[sub.conversationID] == sub {
		delete(m.subs, sub.conversationID)
	}
	n := len(m.subs)
	m.mu.Unlock()
	m.metrics.subscriptions(n)
}

// deliver runs the callback and keeps a panicking listener from taking down
// the transport's read loop.
func (m *SubscriptionManager) deliver(conversationID string, onEvent func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("conversation", conversationID).Msg("event handler panicked")
		}
	}()
	onEvent(ev)
}
