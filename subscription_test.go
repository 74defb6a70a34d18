package teamchat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ EventSource = (*fakeSource)(nil)
	_ EventSource = EventSourceFunc(nil)
	_ EventSource = (*WSEventSource)(nil)
	_ EventSource = (*SSEEventSource)(nil)
	_ EventSource = (*WebhookFeed)(nil)
)

func TestEventSourceFunc(t *testing.T) {
	var released atomic.Bool
	var handler func(Event)
	src := EventSourceFunc(func(_ context.Context, h func(Event)) (func(), error) {
		handler = h
		return func() { released.Store(true) }, nil
	})
	mgr := NewSubscriptionManager(src)

	var got []string
	sub, err := mgr.Subscribe(context.Background(), "team-1", func(ev Event) {
		got = append(got, ev.Message.ID)
	})
	require.NoError(t, err)
	handler(created(msg("a", 1)))
	sub.Close()
	handler(created(msg("b", 2)))

	assert.Equal(t, []string{"a"}, got)
	assert.True(t, released.Load())
}

func TestSubscriptionManagerFiltering(t *testing.T) {
	src := newFakeSource()
	mgr := NewSubscriptionManager(src)

	var got []string
	_, err := mgr.Subscribe(context.Background(), "team-1", func(ev Event) {
		got = append(got, ev.Message.ID)
	})
	require.NoError(t, err)

	other := msg("x", 1)
	other.ConversationID = "team-2"
	src.emit(created(msg("a", 1)))
	src.emit(created(other))
	src.emit(created(msg("b", 2)))

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSubscriptionManagerReplace(t *testing.T) {
	src := newFakeSource()
	mgr := NewSubscriptionManager(src)

	var first, second atomic.Int32
	h1, err := mgr.Subscribe(context.Background(), "team-1", func(Event) { first.Add(1) })
	require.NoError(t, err)
	h2, err := mgr.Subscribe(context.Background(), "team-1", func(Event) { second.Add(1) })
	require.NoError(t, err)

	src.emit(created(msg("a", 1)))

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.False(t, h1.Active())
	assert.True(t, h2.Active())
	assert.Equal(t, 1, src.open(), "replaced channel must be released")
	assert.Equal(t, []string{"team-1"}, mgr.Active())
}

func TestSubscriptionManagerStaleHandleDoesNotForward(t *testing.T) {
	src := newFakeSource()

	var calls atomic.Int32
	var late func(Event)
	mgr := NewSubscriptionManager(EventSourceFunc(func(ctx context.Context, h func(Event)) (func(), error) {
		late = h
		return src.Subscribe(ctx, h)
	}))
	sub, err := mgr.Subscribe(context.Background(), "team-1", func(Event) { calls.Add(1) })
	require.NoError(t, err)
	sub.Close()

	// Transport delivers after release.
	late(created(msg("a", 1)))
	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, mgr.Active())
}

func TestSubscriptionManagerUnsubscribe(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		src := newFakeSource()
		mgr := NewSubscriptionManager(src)
		sub, err := mgr.Subscribe(context.Background(), "team-1", func(Event) {})
		require.NoError(t, err)

		mgr.Unsubscribe("team-1")
		mgr.Unsubscribe("team-1")
		sub.Close()
		mgr.Unsubscribe("never-subscribed")

		assert.Equal(t, 1, src.unsubscribes)
		assert.Empty(t, mgr.Active())
	})

	t.Run("handle close removes from manager", func(t *testing.T) {
		src := newFakeSource()
		mgr := NewSubscriptionManager(src)
		sub, err := mgr.Subscribe(context.Background(), "team-1", func(Event) {})
		require.NoError(t, err)

		sub.Close()
		assert.Empty(t, mgr.Active())
		assert.Equal(t, 0, src.open())
	})

	t.Run("closing a replaced handle keeps the new one", func(t *testing.T) {
		src := newFakeSource()
		mgr := NewSubscriptionManager(src)
		old, err := mgr.Subscribe(context.Background(), "team-1", func(Event) {})
		require.NoError(t, err)
		_, err = mgr.Subscribe(context.Background(), "team-1", func(Event) {})
		require.NoError(t, err)

		old.Close()
		assert.Equal(t, []string{"team-1"}, mgr.Active())
	})

	t.Run("all", func(t *testing.T) {
		src := newFakeSource()
		mgr := NewSubscriptionManager(src)
		for _, id := range []string{"team-2", "team-1", "team-3"} {
			_, err := mgr.Subscribe(context.Background(), id, func(Event) {})
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"team-1", "team-2", "team-3"}, mgr.Active())

		mgr.UnsubscribeAll()
		assert.Empty(t, mgr.Active())
		assert.Equal(t, 0, src.open())
	})
}

func TestSubscriptionManagerTransportError(t *testing.T) {
	src := newFakeSource()
	src.err = errUnreachable
	mgr := NewSubscriptionManager(src)

	sub, err := mgr.Subscribe(context.Background(), "team-1", func(Event) {})
	require.Error(t, err)
	assert.Nil(t, sub)

	var subErr *SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, "team-1", subErr.ConversationID)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 1, src.subscribes, "no retry")
	assert.Empty(t, mgr.Active())
}

func TestSubscriptionManagerRecoversHandlerPanic(t *testing.T) {
	src := newFakeSource()
	mgr := NewSubscriptionManager(src)

	var calls atomic.Int32
	_, err := mgr.Subscribe(context.Background(), "team-1", func(Event) {
		calls.Add(1)
		panic("boom")
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		src.emit(created(msg("a", 1)))
		src.emit(created(msg("b", 2)))
	})
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscriptionManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	src := newFakeSource()
	mgr := NewSubscriptionManager(src, WithMetrics(m))

	_, err := mgr.Subscribe(context.Background(), "team-1", func(Event) {})
	require.NoError(t, err)
	_, err = mgr.Subscribe(context.Background(), "team-2", func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSubscriptions))

	src.emit(created(msg("a", 1)))
	// team-1 delivers, team-2 filters.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("filtered")))

	mgr.UnsubscribeAll()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSubscriptions))
}
