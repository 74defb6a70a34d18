package teamchat

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// UnknownUser is shown for authors missing from both roster and message.
const UnknownUser = "Unknown User"

// Identity resolves the authenticated user.
type Identity interface {
	CurrentUser(ctx context.Context) (User, error)
}

// RosterSource lists the members of a conversation.
type RosterSource interface {
	TeamMembers(ctx context.Context, conversationID string) ([]Member, error)
}

// History fetches recent messages of a conversation, in any order.
type History interface {
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// Backend is everything a Session needs from the chat backend besides the
// live event stream.
type Backend interface {
	Identity
	RosterSource
	History
	Creator
}

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionOpening
	sessionOpen
	sessionClosed
)

// ============================================================================
// Session
// ============================================================================

// Session keeps one conversation's message list in sync with the backend.
// A Session is opened once and never reused for another conversation.
type Session struct {
	backend Backend
	subs    *SubscriptionManager
	opts    []Option
	log     zerolog.Logger
	limit   int

	mu             sync.RWMutex
	state          sessionState
	conversationID string
	user           *User
	members        []Member
	names          map[string]string
	store          *MessageStore
	sender         *SendCoordinator
	sub            *Subscription
}

// NewSession creates an unopened session. subs is normally shared across
// sessions.
func NewSession(backend Backend, subs *SubscriptionManager, opts ...Option) *Session {
	o := newOptions(opts)
	return &Session{
		backend: backend,
		subs:    subs,
		opts:    opts,
		log:     o.logger.With().Str("component", "session").Logger(),
		limit:   o.config.HistoryLimit,
	}
}

// Open loads conversationID and starts following its live feed.
//
// The current user, roster and history are fetched concurrently. A failed
// user fetch aborts Open. A failed roster fetch is logged and leaves the
// roster empty. A failed history fetch leaves the session open with an empty
// list and returns a *HistoryLoadError; the caller decides whether to Close.
// A failed subscription aborts Open with a *SubscriptionError.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	switch s.state {
	case sessionIdle:
	case sessionClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		s.mu.Unlock()
		return ErrSessionReused
	}
	s.state = sessionOpening
	s.conversationID = conversationID
	s.mu.Unlock()

	log := s.log.With().Str("conversation", conversationID).Logger()

	var (
		user       User
		members    []Member
		history    []Message
		historyErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := s.backend.CurrentUser(gctx)
		if err != nil {
			return fmt.Errorf("current user: %w", err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		m, err := s.backend.TeamMembers(gctx, conversationID)
		if err != nil {
			log.Warn().Err(err).Msg("roster unavailable, continuing without display names")
			return nil
		}
		members = m
		return nil
	})
	g.Go(func() error {
		h, err := s.backend.Messages(gctx, conversationID, s.limit)
		if err != nil {
			historyErr = err
			return nil
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		s.abort()
		return err
	}

	store := NewMessageStore()
	if historyErr == nil {
		store.Load(history)
	} else {
		log.Warn().Err(historyErr).Msg("history unavailable, starting empty")
	}

	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}

	s.mu.Lock()
	if s.state != sessionOpening {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.user = &user
	s.members = members
	s.names = names
	s.store = store
	s.sender = NewSendCoordinator(conversationID, store, s.backend, s.opts...)
	s.mu.Unlock()

	sub, err := s.subs.Subscribe(ctx, conversationID, s.handleEvent)
	if err != nil {
		s.abort()
		return err
	}

	s.mu.Lock()
	if s.state != sessionOpening {
		// Closed while subscribing.
		s.mu.Unlock()
		sub.Close()
		return ErrSessionClosed
	}
	s.sub = sub
	s.state = sessionOpen
	s.mu.Unlock()

	log.Info().Int("messages", store.Len()).Int("members", len(members)).Msg("session opened")

	if historyErr != nil {
		return &HistoryLoadError{ConversationID: conversationID, Err: historyErr}
	}
	return nil
}

// Close stops the live feed and discards session state. Safe to call more
// than once; sends still in flight finish without touching the store.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosed
	sub, store, id := s.sub, s.store, s.conversationID
	s.sub = nil
	s.user = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if store != nil {
		store.Close()
	}
	s.log.Info().Str("conversation", id).Msg("session closed")
}

func (s *Session) abort() {
	s.mu.Lock()
	s.state = sessionClosed
	store := s.store
	s.user = nil
	s.mu.Unlock()
	if store != nil {
		store.Close()
	}
}

// Send posts text as the current user. See SendCoordinator.Send.
func (s *Session) Send(text string) (*Delivery, error) {
	s.mu.RLock()
	state, user, sender := s.state, s.user, s.sender
	s.mu.RUnlock()

	switch state {
	case sessionOpen:
	case sessionClosed:
		return nil, ErrSessionClosed
	default:
		return nil, ErrSessionNotOpen
	}
	return sender.Send(text, *user)
}

// Messages returns the ordered message list.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return nil
	}
	return store.Snapshot()
}

// Wait blocks until every send issued so far has settled.
func (s *Session) Wait() {
	s.mu.RLock()
	sender := s.sender
	s.mu.RUnlock()
	if sender != nil {
		sender.Wait()
	}
}

func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// CurrentUser returns the user resolved by Open. It is cleared by Close.
func (s *Session) CurrentUser() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Members returns the roster snapshot taken at Open.
func (s *Session) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Member(nil), s.members...)
}

// DisplayName resolves the name to show for m's author: the roster entry,
// then the name embedded in the message, then UnknownUser.
func (s *Session) DisplayName(m Message) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayNameLocked(m)
}

func (s *Session) displayNameLocked(m Message) string {
	if name := s.names[m.AuthorID]; name != "" {
		return name
	}
	if m.AuthorDisplayName != "" {
		return m.AuthorDisplayName
	}
	return UnknownUser
}

// IsOwn reports whether m was written by the current user.
func (s *Session) IsOwn(m Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && m.AuthorID == s.user.ID
}

func (s *Session) handleEvent(ev Event) {
	if ev.Type != EventMessageCreated {
		s.log.Debug().Str("type", string(ev.Type)).Str("id", ev.Message.ID).Msg("ignoring event")
		return
	}

	s.mu.RLock()
	store := s.store
	msg := ev.Message
	if name := s.names[msg.AuthorID]; name != "" {
		msg.AuthorDisplayName = name
	}
	s.mu.RUnlock()

	if store != nil && store.AppendConfirmed(msg) {
		s.log.Debug().Str("id", msg.ID).Str("author", msg.AuthorID).Msg("message received")
	}
}
