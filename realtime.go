package teamchat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the live event transports.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// HTTPClient is used by the SSE transport only.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state of one live stream.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is capped exponential backoff with up to 50% jitter. A connection
// that stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// toWebsocketURL rewrites an http(s) base URL to ws(s).
func toWebsocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// ============================================================================
// WSEventSource
// ============================================================================

// WSEventSource is an EventSource backed by the backend's websocket feed.
// Every Subscribe call owns its own connection.
type WSEventSource struct {
	baseURL string
	config  RealtimeConfig
}

// NewWSEventSource creates a websocket event source for baseURL.
func NewWSEventSource(baseURL string, config *RealtimeConfig) *WSEventSource {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSEventSource{baseURL: strings.TrimRight(baseURL, "/"), config: cfg}
}

// Events returns a websocket event source using the client's base URL and
// token. A nil config takes the defaults.
func (c *Client) Events(config *RealtimeConfig) *WSEventSource {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewWSEventSource(c.baseURL, &cfg)
}

// Subscribe dials the feed and calls handler for every message event, in
// arrival order, until the returned function is called. The connection
// outlives ctx; ctx only bounds the initial dial.
func (s *WSEventSource) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &wsStream{
		src:     s,
		handler: handler,
		recon:   newReconnector(&s.config),
		log:     s.config.Logger.With().Str("transport", "ws").Logger(),
		cancel:  cancel,
		state:   StateDisconnected,
	}
	if err := st.connect(ctx, lifeCtx); err != nil {
		cancel()
		return nil, err
	}
	return st.close, nil
}

type wsStream struct {
	src     *WSEventSource
	handler func(Event)
	recon   *reconnector
	log     zerolog.Logger
	cancel  context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	state  RealtimeState
	closed bool
}

func (st *wsStream) setState(s RealtimeState) {
	st.mu.Lock()
	st.state = s
	st.mu.Unlock()
}

func (st *wsStream) connect(dialCtx, lifeCtx context.Context) error {
	st.setState(StateConnecting)

	wsURL := toWebsocketURL(st.src.baseURL) + "/ws?token=" + url.QueryEscape(st.src.config.Token)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		st.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must acknowledge the token.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		st.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		st.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "unsubscribed")
		return nil
	}
	st.conn = conn
	st.state = StateConnected
	st.mu.Unlock()
	st.recon.markConnected()
	st.log.Debug().Msg("connected")

	go st.readLoop(lifeCtx, conn)
	go st.heartbeatLoop(lifeCtx, conn)
	return nil
}

func (st *wsStream) close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	conn := st.conn
	st.conn = nil
	st.state = StateDisconnected
	st.mu.Unlock()

	st.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	}
}

func (st *wsStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			st.mu.Lock()
			closed := st.closed
			if st.conn == conn {
				st.conn = nil
				st.state = StateDisconnected
			}
			st.mu.Unlock()
			if closed {
				return
			}

			st.log.Warn().Err(err).Msg("connection lost")
			if st.src.config.AutoReconnect {
				st.reconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if ev, ok := decodeEvent(env); ok {
			st.handler(ev)
		}
	}
}

func (st *wsStream) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(st.src.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Forces readLoop to fail and reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (st *wsStream) reconnect(ctx context.Context) {
	for st.recon.shouldReconnect() {
		delay := st.recon.nextDelay()
		st.setState(StateReconnecting)
		st.log.Info().Int("attempt", st.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		err := st.connect(ctx, ctx)
		if err == nil {
			return
		}
		st.log.Warn().Err(err).Msg("reconnect failed")
	}
	st.setState(StateDisconnected)
	st.log.Error().Msg("giving up on live feed")
}

// ============================================================================
// SSEEventSource
// ============================================================================

// SSEEventSource is an EventSource reading the backend's server-sent events
// stream. Like WSEventSource, each Subscribe owns one HTTP stream.
type SSEEventSource struct {
	baseURL string
	config  RealtimeConfig
}

func NewSSEEventSource(baseURL string, config *RealtimeConfig) *SSEEventSource {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSEEventSource{baseURL: strings.TrimRight(baseURL, "/"), config: cfg}
}

func (s *SSEEventSource) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &sseStream{
		src:     s,
		handler: handler,
		recon:   newReconnector(&s.config),
		log:     s.config.Logger.With().Str("transport", "sse").Logger(),
	}
	if err := st.connect(ctx, lifeCtx); err != nil {
		cancel()
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

type sseStream struct {
	src     *SSEEventSource
	handler func(Event)
	recon   *reconnector
	log     zerolog.Logger

	mu           sync.Mutex
	lastDataTime time.Time
}

func (st *sseStream) connect(reqCtx, lifeCtx context.Context) error {
	sseURL := st.src.baseURL + "/sse?token=" + url.QueryEscape(st.src.config.Token)

	// The stream must live as long as lifeCtx; reqCtx only bounds the
	// wait for response headers.
	streamCtx, cancelStream := context.WithCancel(lifeCtx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, sseURL, nil)
	if err != nil {
		cancelStream()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	stop := context.AfterFunc(reqCtx, cancelStream)
	resp, err := st.src.config.HTTPClient.Do(req)
	stop()
	if err != nil {
		cancelStream()
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancelStream()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	st.mu.Lock()
	st.lastDataTime = time.Now()
	st.mu.Unlock()
	st.recon.markConnected()

	go st.readLoop(lifeCtx, streamCtx, cancelStream, resp)
	go st.watchdog(streamCtx, cancelStream)
	return nil
}

func (st *sseStream) readLoop(lifeCtx, streamCtx context.Context, cancelStream context.CancelFunc, resp *http.Response) {
	defer resp.Body.Close()
	defer cancelStream()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()

		st.mu.Lock()
		st.lastDataTime = time.Now()
		st.mu.Unlock()

		if !strings.HasPrefix(line, "data: ") {
			continue // comments, event names, blank separators
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		if ev, ok := decodeEvent(env); ok {
			st.handler(ev)
		}
	}

	if lifeCtx.Err() != nil {
		return
	}
	st.log.Warn().Msg("stream ended")
	if !st.src.config.AutoReconnect {
		return
	}
	for st.recon.shouldReconnect() {
		delay := st.recon.nextDelay()
		select {
		case <-time.After(delay):
		case <-lifeCtx.Done():
			return
		}
		if err := st.connect(lifeCtx, lifeCtx); err == nil {
			return
		}
	}
}

// watchdog drops a stream that has been silent for three heartbeat periods.
func (st *sseStream) watchdog(ctx context.Context, cancelStream context.CancelFunc) {
	interval := st.src.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.mu.Lock()
			stale := time.Since(st.lastDataTime) > 3*interval
			st.mu.Unlock()
			if stale {
				cancelStream()
				return
			}
		}
	}
}
