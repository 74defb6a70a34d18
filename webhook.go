package teamchat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 signature of a pushed event body.
const SignatureHeader = "X-Teamchat-Signature"

// maxWebhookBody bounds the size of a pushed event.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a pushed envelope into an Event.
func ParseWebhookPayload(body string) (Event, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Event{}, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if env.Type == "" {
		return Event{}, errors.New("missing type field in webhook payload")
	}
	ev, ok := decodeEvent(env)
	if !ok {
		return Event{}, fmt.Errorf("unsupported webhook event %q", env.Type)
	}
	if ev.Message.ConversationID == "" {
		return Event{}, errors.New("missing conversationId in webhook payload")
	}
	return ev, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is an EventSource fed by signed HTTP pushes from the backend.
// Mount HTTPHandler on a route the backend posts events to.
type WebhookFeed struct {
	secret string
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[uint64]func(Event)
	nextID   uint64
}

// NewWebhookFeed creates a feed verifying pushes with secret.
func NewWebhookFeed(secret string, logger zerolog.Logger) (*WebhookFeed, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookFeed{
		secret:   secret,
		log:      logger.With().Str("transport", "webhook").Logger(),
		handlers: make(map[uint64]func(Event)),
	}, nil
}

// Subscribe registers handler for every verified push.
func (w *WebhookFeed) Subscribe(_ context.Context, handler func(Event)) (func(), error) {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.handlers[id] = handler
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.handlers, id)
			w.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of registered handlers.
func (w *WebhookFeed) Subscribers() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

// Handle verifies, parses and fans out one push. It returns the status code
// and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	handlers := make([]func(Event), 0, len(w.handlers))
	for _, h := range w.handlers {
		handlers = append(handlers, h)
	}
	w.mu.RUnlock()

	for _, h := range handlers {
		w.dispatch(h, ev)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *WebhookFeed) dispatch(h func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("id", ev.Message.ID).Msg("webhook handler panicked")
		}
	}()
	h(ev)
}

// HTTPHandler returns an http.Handler that accepts pushed events.
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				w.log.Warn().Int64("limit", tooLarge.Limit).Msg("rejected oversized push")
				writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
				return
			}
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		if statusCode != http.StatusOK {
			w.log.Warn().Int("status", statusCode).Msg("rejected push")
		}
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
