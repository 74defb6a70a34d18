package teamchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id string, sec int) Message {
	return Message{ID: id, ConversationID: "team-1", AuthorID: "u-other", Body: id, CreatedAt: at(sec)}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

var errUnreachable = errors.New("network unreachable")

// fakeSource is an in-memory broad event stream.
type fakeSource struct {
	mu           sync.Mutex
	handlers     map[int]func(Event)
	next         int
	subscribes   int
	unsubscribes int
	err          error
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[int]func(Event))}
}

func (f *fakeSource) Subscribe(_ context.Context, h func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	id := f.next
	f.handlers[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.unsubscribes++
			f.mu.Unlock()
		})
	}, nil
}

// emit delivers ev to every handler, including ones already released by the
// manager, to model a transport that delivers late.
func (f *fakeSource) emit(ev Event) {
	f.mu.Lock()
	hs := make([]func(Event), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSource) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func created(m Message) Event { return Event{Type: EventMessageCreated, Message: m} }

// fakeBackend implements Backend with canned answers.
type fakeBackend struct {
	mu         sync.Mutex
	user       User
	userErr    error
	members    []Member
	membersErr error
	history    []Message
	historyErr error
	limit      int

	// create answers CreateMessage; nil assigns sequential server ids.
	create  func(Draft) (Message, error)
	release chan struct{} // when set, CreateMessage blocks until closed
	drafts  []Draft
	nextID  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		user:    User{ID: "u-me", DisplayName: "Me"},
		members: []Member{{UserID: "u-me", DisplayName: "Me"}, {UserID: "u-other", DisplayName: "Other"}},
	}
}

func (b *fakeBackend) CurrentUser(context.Context) (User, error) {
	return b.user, b.userErr
}

func (b *fakeBackend) TeamMembers(context.Context, string) ([]Member, error) {
	return b.members, b.membersErr
}

func (b *fakeBackend) Messages(_ context.Context, _ string, limit int) ([]Message, error) {
	b.mu.Lock()
	b.limit = limit
	b.mu.Unlock()
	return b.history, b.historyErr
}

func (b *fakeBackend) CreateMessage(_ context.Context, d Draft) (Message, error) {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	b.drafts = append(b.drafts, d)
	b.nextID++
	n := b.nextID
	create := b.create
	b.mu.Unlock()

	if create != nil {
		return create(d)
	}
	return Message{
		ID:                fmt.Sprintf("srv-%d", n),
		ConversationID:    d.ConversationID,
		AuthorID:          d.AuthorID,
		AuthorDisplayName: d.AuthorDisplayName,
		Body:              d.Body,
		CreatedAt:         at(100 + n),
	}, nil
}

func (b *fakeBackend) sentDrafts() []Draft {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Draft(nil), b.drafts...)
}
