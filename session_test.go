package teamchat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSession(t *testing.T, backend *fakeBackend, src *fakeSource, opts ...Option) *Session {
	t.Helper()
	s := NewSession(backend, NewSubscriptionManager(src), opts...)
	require.NoError(t, s.Open(context.Background(), "team-1"))
	t.Cleanup(s.Close)
	return s
}

func TestSessionOpenSendScenario(t *testing.T) {
	backend := newFakeBackend()
	backend.history = []Message{{ID: "m1", ConversationID: "team-1", AuthorID: "u-other", Body: "hi", CreatedAt: at(0)}}
	backend.create = func(d Draft) (Message, error) {
		return Message{ID: "m2", ConversationID: d.ConversationID, AuthorID: d.AuthorID, Body: d.Body, CreatedAt: at(1)}, nil
	}
	s := openSession(t, backend, newFakeSource())

	d, err := s.Send("hello")
	require.NoError(t, err)
	_, err = waitDelivery(t, d)
	require.NoError(t, err)

	got := s.Messages()
	assert.Equal(t, []string{"m1", "m2"}, ids(got))
	assert.Equal(t, "hello", got[1].Body)
	assert.Equal(t, StatusSent, got[1].Status)
}

func TestSessionOpen(t *testing.T) {
	t.Run("fetches history with limit and normalizes order", func(t *testing.T) {
		backend := newFakeBackend()
		backend.history = []Message{msg("m3", 3), msg("m1", 1), msg("m2", 2)}
		s := openSession(t, backend, newFakeSource(), WithHistoryLimit(25))

		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
		assert.Equal(t, 25, backend.limit)
		user, ok := s.CurrentUser()
		require.True(t, ok)
		assert.Equal(t, "u-me", user.ID)
		assert.Len(t, s.Members(), 2)
		assert.Equal(t, "team-1", s.ConversationID())
	})

	t.Run("default history limit", func(t *testing.T) {
		backend := newFakeBackend()
		openSession(t, backend, newFakeSource())
		assert.Equal(t, DefaultHistoryLimit, backend.limit)
	})

	t.Run("user failure is fatal", func(t *testing.T) {
		backend := newFakeBackend()
		backend.userErr = errUnreachable
		src := newFakeSource()
		s := NewSession(backend, NewSubscriptionManager(src))

		err := s.Open(context.Background(), "team-1")
		assert.ErrorIs(t, err, errUnreachable)
		assert.Equal(t, 0, src.subscribes)
		_, err = s.Send("hello")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("roster failure degrades", func(t *testing.T) {
		backend := newFakeBackend()
		backend.membersErr = errUnreachable
		backend.history = []Message{msg("m1", 1)}
		s := openSession(t, backend, newFakeSource())

		assert.Empty(t, s.Members())
		assert.Equal(t, []string{"m1"}, ids(s.Messages()))
	})

	t.Run("history failure leaves an open empty session", func(t *testing.T) {
		backend := newFakeBackend()
		backend.historyErr = errUnreachable
		src := newFakeSource()
		s := NewSession(backend, NewSubscriptionManager(src))
		t.Cleanup(s.Close)

		err := s.Open(context.Background(), "team-1")
		var hErr *HistoryLoadError
		require.True(t, errors.As(err, &hErr))
		assert.Equal(t, "team-1", hErr.ConversationID)
		assert.ErrorIs(t, err, errUnreachable)

		assert.Empty(t, s.Messages())
		assert.Equal(t, 1, src.open(), "live feed still attached")

		d, err := s.Send("hello")
		require.NoError(t, err)
		_, err = waitDelivery(t, d)
		require.NoError(t, err)
		assert.Len(t, s.Messages(), 1)
	})

	t.Run("subscription failure aborts", func(t *testing.T) {
		src := newFakeSource()
		src.err = errUnreachable
		s := NewSession(newFakeBackend(), NewSubscriptionManager(src))

		err := s.Open(context.Background(), "team-1")
		var subErr *SubscriptionError
		require.True(t, errors.As(err, &subErr))
		_, err = s.Send("hello")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("sessions are single use", func(t *testing.T) {
		s := openSession(t, newFakeBackend(), newFakeSource())
		assert.ErrorIs(t, s.Open(context.Background(), "team-2"), ErrSessionReused)

		s.Close()
		assert.ErrorIs(t, s.Open(context.Background(), "team-1"), ErrSessionClosed)
	})

	t.Run("send before open", func(t *testing.T) {
		s := NewSession(newFakeBackend(), NewSubscriptionManager(newFakeSource()))
		_, err := s.Send("hello")
		assert.ErrorIs(t, err, ErrSessionNotOpen)
		assert.Nil(t, s.Messages())
	})
}

func TestSessionLiveEvents(t *testing.T) {
	backend := newFakeBackend()
	backend.history = []Message{msg("m1", 1)}
	src := newFakeSource()
	s := openSession(t, backend, src)

	t.Run("create events are appended with roster names", func(t *testing.T) {
		m := msg("m2", 2)
		m.AuthorDisplayName = "Stale Name"
		src.emit(created(m))

		got := s.Messages()
		require.Equal(t, []string{"m1", "m2"}, ids(got))
		assert.Equal(t, "Other", got[1].AuthorDisplayName)
		assert.Equal(t, StatusSent, got[1].Status)
	})

	t.Run("duplicate delivery is ignored", func(t *testing.T) {
		src.emit(created(msg("m2", 2)))
		assert.Len(t, s.Messages(), 2)
	})

	t.Run("other conversations are filtered", func(t *testing.T) {
		m := msg("x1", 3)
		m.ConversationID = "team-2"
		src.emit(created(m))
		assert.Len(t, s.Messages(), 2)
	})

	t.Run("non-create events are ignored", func(t *testing.T) {
		src.emit(Event{Type: EventMessageUpdated, Message: msg("m3", 3)})
		src.emit(Event{Type: EventMessageDeleted, Message: msg("m1", 1)})
		assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
	})
}

func TestSessionLiveEventBeforeAck(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	src := newFakeSource()
	s := openSession(t, backend, src)

	d, err := s.Send("hello")
	require.NoError(t, err)
	src.emit(created(Message{ID: "srv-1", ConversationID: "team-1", AuthorID: "u-me", Body: "hello", CreatedAt: at(101)}))

	close(backend.release)
	_, err = waitDelivery(t, d)
	require.NoError(t, err)

	got := s.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.Equal(t, StatusSent, got[0].Status)
}

func TestSessionClose(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	src := newFakeSource()
	subs := NewSubscriptionManager(src)
	s := NewSession(backend, subs)
	require.NoError(t, s.Open(context.Background(), "team-1"))

	d, err := s.Send("in flight")
	require.NoError(t, err)

	s.Close()
	s.Close()

	assert.Empty(t, subs.Active())
	assert.Equal(t, 0, src.open())
	_, ok := s.CurrentUser()
	assert.False(t, ok)
	_, err = s.Send("late")
	assert.ErrorIs(t, err, ErrSessionClosed)

	// The in-flight request completes after close without effect.
	close(backend.release)
	_, err = waitDelivery(t, d)
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, []string{d.Pending().ID}, ids(s.Messages()))

	// Late events after close never reach the store.
	src.emit(created(msg("m9", 9)))
	assert.Len(t, s.Messages(), 1)
}

func TestSessionSharedManager(t *testing.T) {
	src := newFakeSource()
	subs := NewSubscriptionManager(src)

	a := NewSession(newFakeBackend(), subs)
	require.NoError(t, a.Open(context.Background(), "team-1"))
	b := NewSession(newFakeBackend(), subs)
	require.NoError(t, b.Open(context.Background(), "team-2"))
	defer b.Close()

	assert.Equal(t, []string{"team-1", "team-2"}, subs.Active())
	a.Close()
	assert.Equal(t, []string{"team-2"}, subs.Active())

	m := msg("x", 1)
	m.ConversationID = "team-2"
	src.emit(created(m))
	assert.Equal(t, []string{"x"}, ids(b.Messages()))
	assert.Empty(t, a.Messages())
}

func TestSessionDisplayName(t *testing.T) {
	s := openSession(t, newFakeBackend(), newFakeSource())

	assert.Equal(t, "Other", s.DisplayName(Message{AuthorID: "u-other", AuthorDisplayName: "Old"}))
	assert.Equal(t, "Guest", s.DisplayName(Message{AuthorID: "u-guest", AuthorDisplayName: "Guest"}))
	assert.Equal(t, UnknownUser, s.DisplayName(Message{AuthorID: "u-guest"}))

	assert.True(t, s.IsOwn(Message{AuthorID: "u-me"}))
	assert.False(t, s.IsOwn(Message{AuthorID: "u-other"}))
}
