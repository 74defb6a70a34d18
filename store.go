package teamchat

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MessageStore
// ============================================================================

type storeEntry struct {
	msg Message
	key time.Time // ordering key; clamped for pending messages
	seq uint64    // insertion sequence, breaks createdAt ties
}

func (a storeEntry) before(b storeEntry) bool {
	if a.key.Equal(b.key) {
		return a.seq < b.seq
	}
	return a.key.Before(b.key)
}

// MessageStore is the ordered, deduplicated message list of one conversation.
// It is goroutine-safe; all mutations are serialized under one lock.
type MessageStore struct {
	mu      sync.RWMutex
	entries []storeEntry
	ids     map[string]struct{}
	seq     uint64
	closed  bool
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{ids: make(map[string]struct{})}
}

// Load replaces the contents with msgs. Input may be in any order; the result
// is sorted by CreatedAt ascending with input order breaking ties. Duplicate
// ids keep their first occurrence. Every loaded message is marked sent.
func (s *MessageStore) Load(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.entries = make([]storeEntry, 0, len(msgs))
	s.ids = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		m.Status = StatusSent
		s.seq++
		s.entries = append(s.entries, storeEntry{msg: m, key: m.CreatedAt, seq: s.seq})
		s.ids[m.ID] = struct{}{}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].before(s.entries[j])
	})
}

// AppendConfirmed inserts m as sent at its sorted position. It returns false
// when a message with the same id is already present or the store is closed.
func (s *MessageStore) AppendConfirmed(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	m.Status = StatusSent
	s.seq++
	s.insert(storeEntry{msg: m, key: m.CreatedAt, seq: s.seq})
	return true
}

// AddPending appends a provisional message at the tail. The ordering key is
// clamped to the current tail so a lagging client clock still places it last.
func (s *MessageStore) AddPending(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.ids[m.ID]; ok {
		return ErrDuplicateID
	}

	m.Status = StatusPending
	key := m.CreatedAt
	if n := len(s.entries); n > 0 && s.entries[n-1].key.After(key) {
		key = s.entries[n-1].key
	}
	s.seq++
	s.entries = append(s.entries, storeEntry{msg: m, key: key, seq: s.seq})
	s.ids[m.ID] = struct{}{}
	return nil
}

// ResolvePending replaces the pending message tempID with the confirmed server
// record and moves it to the position given by the server timestamp. If the
// confirmed id already arrived through the live feed only the placeholder is
// dropped. Returns false when tempID is not a pending message.
func (s *MessageStore) ResolvePending(tempID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	i := s.indexOf(tempID)
	if i < 0 || s.entries[i].msg.Status != StatusPending {
		return false
	}
	placeholder := s.removeAt(i)

	if _, ok := s.ids[confirmed.ID]; ok {
		return true
	}
	confirmed.Status = StatusSent
	key := confirmed.CreatedAt
	if key.IsZero() {
		key = placeholder.key
	}
	s.insert(storeEntry{msg: confirmed, key: key, seq: placeholder.seq})
	return true
}

// FailPending removes the pending message tempID and returns it marked failed.
func (s *MessageStore) FailPending(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false
	}

	i := s.indexOf(tempID)
	if i < 0 || s.entries[i].msg.Status != StatusPending {
		return Message{}, false
	}
	e := s.removeAt(i)
	e.msg.Status = StatusFailed
	return e.msg, true
}

// Snapshot returns a copy of the ordered message list.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Get returns the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.entries[i].msg, true
	}
	return Message{}, false
}

// Len returns the number of messages, pending ones included.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close freezes the store. Later mutations are ignored; Snapshot keeps
// returning the last contents.
func (s *MessageStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *MessageStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ── internal, callers hold s.mu ─────────────────────────

func (s *MessageStore) insert(e storeEntry) {
	pos := sort.Search(len(s.entries), func(i int) bool {
		return e.before(s.entries[i])
	})
	s.entries = append(s.entries, storeEntry{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = e
	s.ids[e.msg.ID] = struct{}{}
}

func (s *MessageStore) removeAt(i int) storeEntry {
	e := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	delete(s.ids, e.msg.ID)
	return e
}

func (s *MessageStore) indexOf(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}
