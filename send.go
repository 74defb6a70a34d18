package teamchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Creator persists a new message on the backend.
type Creator interface {
	CreateMessage(ctx context.Context, draft Draft) (Message, error)
}

// TempIDPrefix marks client-generated ids of pending messages.
const TempIDPrefix = "temp-"

// newTempID returns a temporary id embedding t in milliseconds. ULIDs from
// the default entropy source are monotonic within a millisecond.
func newTempID(t time.Time) string {
	return TempIDPrefix + ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// IsTempID reports whether id was generated for a pending message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ============================================================================
// Delivery
// ============================================================================

// sendState is the lifecycle of one outgoing message:
// pending -> sent, or pending -> failed. Exactly one transition happens.
type sendState interface{ status() Status }

type statePending struct{}

type stateSent struct{ msg Message }

type stateFailed struct{ err *SendFailure }

func (statePending) status() Status { return StatusPending }
func (stateSent) status() Status    { return StatusSent }
func (stateFailed) status() Status  { return StatusFailed }

// Delivery tracks one optimistic send until the backend answers.
type Delivery struct {
	pending Message
	done    chan struct{}

	mu    sync.Mutex
	state sendState
}

func newDelivery(pending Message) *Delivery {
	return &Delivery{pending: pending, done: make(chan struct{}), state: statePending{}}
}

// Pending returns the provisional message that was inserted into the store.
func (d *Delivery) Pending() Message { return d.pending }

// Done is closed once the delivery reaches sent or failed.
func (d *Delivery) Done() <-chan struct{} { return d.done }

func (d *Delivery) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.status()
}

// Wait blocks until the delivery settles or ctx is done. On success it returns
// the confirmed server message; on failure a *SendFailure.
func (d *Delivery) Wait(ctx context.Context) (Message, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch s := d.state.(type) {
	case stateSent:
		return s.msg, nil
	case stateFailed:
		return s.err.Message, s.err
	}
	return Message{}, errors.New("delivery settled without a terminal state")
}

// finish moves the delivery out of pending. Later calls are ignored.
func (d *Delivery) finish(to sendState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.state.(statePending); !ok {
		return false
	}
	d.state = to
	close(d.done)
	return true
}

// ============================================================================
// SendCoordinator
// ============================================================================

// SendCoordinator inserts provisional messages on send and reconciles them
// with the backend's answer.
type SendCoordinator struct {
	conversationID string
	store          *MessageStore
	creator        Creator
	cfg            Config
	now            func() time.Time
	onFailure      func(*SendFailure)
	log            zerolog.Logger
	metrics        *Metrics

	inflight sync.WaitGroup
}

// NewSendCoordinator creates a coordinator writing into store.
func NewSendCoordinator(conversationID string, store *MessageStore, creator Creator, opts ...Option) *SendCoordinator {
	o := newOptions(opts)
	return &SendCoordinator{
		conversationID: conversationID,
		store:          store,
		creator:        creator,
		cfg:            o.config,
		now:            o.now,
		onFailure:      o.onFailure,
		log:            o.logger.With().Str("component", "send").Str("conversation", conversationID).Logger(),
		metrics:        o.metrics,
	}
}

// Validate trims text and checks it against the length limit.
func (c *SendCoordinator) Validate(text string) (string, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return "", &ValidationError{Max: c.cfg.MaxBodyLength, Err: ErrEmptyBody}
	}
	if n := utf8.RuneCountInString(body); n > c.cfg.MaxBodyLength {
		return "", &ValidationError{Length: n, Max: c.cfg.MaxBodyLength, Err: ErrBodyTooLong}
	}
	return body, nil
}

// Send inserts a pending message authored by author and issues the create
// request in the background. It returns as soon as the pending message is in
// the store. Invalid text returns a *ValidationError and leaves the store
// untouched.
func (c *SendCoordinator) Send(text string, author User) (*Delivery, error) {
	body, err := c.Validate(text)
	if err != nil {
		c.metrics.send("rejected")
		return nil, err
	}

	now := c.now()
	pending := Message{
		ID:                newTempID(now),
		ConversationID:    c.conversationID,
		AuthorID:          author.ID,
		AuthorDisplayName: author.DisplayName,
		Body:              body,
		CreatedAt:         now,
		Status:            StatusPending,
	}
	if err := c.store.AddPending(pending); err != nil {
		return nil, err
	}

	d := newDelivery(pending)
	draft := Draft{
		ConversationID:    c.conversationID,
		AuthorID:          author.ID,
		AuthorDisplayName: author.DisplayName,
		Body:              body,
		IdempotencyKey:    uuid.NewString(),
	}

	c.inflight.Add(1)
	go c.deliver(d, draft)
	return d, nil
}

// Wait blocks until every in-flight create request has settled.
func (c *SendCoordinator) Wait() {
	c.inflight.Wait()
}

// deliver runs the create request. Requests are not tied to the session's
// lifetime; a result arriving after Close leaves the closed store untouched.
func (c *SendCoordinator) deliver(d *Delivery, draft Draft) {
	defer c.inflight.Done()
	tempID := d.pending.ID

	confirmed, err := c.creator.CreateMessage(context.Background(), draft)
	if err == nil && confirmed.ID == "" {
		err = errors.New("backend returned a message without id")
	}
	if err != nil {
		c.fail(d, err)
		return
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = c.conversationID
	}
	confirmed.Status = StatusSent
	if !c.store.ResolvePending(tempID, confirmed) {
		c.log.Debug().Str("temp_id", tempID).Str("id", confirmed.ID).Msg("late confirmation ignored")
	}
	d.finish(stateSent{msg: confirmed})
	c.metrics.send("sent")
	c.log.Debug().Str("temp_id", tempID).Str("id", confirmed.ID).Msg("message sent")
}

func (c *SendCoordinator) fail(d *Delivery, err error) {
	failed, ok := c.store.FailPending(d.pending.ID)
	if !ok {
		failed = d.pending
		failed.Status = StatusFailed
	}
	sf := &SendFailure{Message: failed, Err: err}
	d.finish(stateFailed{err: sf})
	c.metrics.send("failed")
	c.log.Warn().Err(err).Str("temp_id", failed.ID).Msg("send failed")

	if c.onFailure != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Msg("failure handler panicked")
				}
			}()
			c.onFailure(sf)
		}()
	}
}
