package conn

import (
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/josedab/docsynth-realtime/internal/metrics"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// State describes the connection lifecycle
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config contains connection manager settings
type Config struct {
	// WebSocket endpoint, e.g. wss://api.docsynth.dev/ws
	URL string

	// Bearer token passed as a query parameter. Without a token,
	// Connect is a silent no-op.
	Token string

	// Reconnect automatically after an unexpected close
	AutoReconnect bool

	// Base delay before a reconnection attempt
	ReconnectDelay time.Duration

	// Backoff multiplier applied per consecutive failed attempt.
	// 1.0 keeps the delay fixed.
	BackoffFactor float64

	// Ceiling for the backed-off delay
	MaxDelay time.Duration

	// Jitter fraction in [0, 1) applied to the delay
	Jitter float64

	// Maximum consecutive reconnection attempts; 0 means unlimited
	MaxRetries int

	// Dial handshake timeout
	HandshakeTimeout time.Duration

	// Per-frame write deadline
	WriteTimeout time.Duration

	// Outbound frame throttle; 0 disables it
	MessagesPerSecond int
	Burst             int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		AutoReconnect:    true,
		ReconnectDelay:   5 * time.Second,
		BackoffFactor:    1.0,
		MaxDelay:         60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Manager owns the single live transport to the backend. It
// authenticates the dial, replays channel subscriptions on every
// successful (re)connect, and masks transient failures behind
// automatic reconnection. Transport errors never propagate to
// callers; they surface only through Err.
type Manager struct {
	config Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	lastErr    string
	channels   []string
	channelSet map[string]struct{}
	retryTimer *time.Timer
	attempts   int
	gen        int

	writeMu sync.Mutex
	limiter *rate.Limiter

	onFrame func(*wire.Frame)
	onState func(State)

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a connection manager. onFrame receives every
// well-formed inbound frame except heartbeats; it must not block.
func NewManager(config Config, onFrame func(*wire.Frame)) *Manager {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}

	m := &Manager{
		config:     config,
		dialer:     &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		state:      StateDisconnected,
		channelSet: make(map[string]struct{}),
		onFrame:    onFrame,
		logger:     log.With().Str("component", "conn").Logger(),
		metrics:    metrics.GetMetrics(),
	}

	if config.MessagesPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = config.MessagesPerSecond
		}
		m.limiter = rate.NewLimiter(rate.Limit(config.MessagesPerSecond), burst)
	}

	m.metrics.SetConnState(string(StateDisconnected))
	return m
}

// OnStateChange registers a callback invoked on every state
// transition, outside the manager lock
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is currently open
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Err returns the most recent connection error, or the empty string
func (m *Manager) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Channels returns the tracked channel subscriptions in registration order
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.channels))
	copy(out, m.channels)
	return out
}

// Connect opens the transport. It is a silent no-op without a token:
// the state stays disconnected and no dial is attempted, so callers
// must recheck Connected. Dial failures surface via Err and, when
// auto-reconnect is on, schedule a retry.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.config.Token == "" {
		m.logger.Debug().Msg("No auth token, skipping connect")
		m.mu.Unlock()
		return
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}

	m.setStateLocked(StateConnecting)
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	c, err := m.dial()

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect raced the dial; discard the result
		m.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}

	if err != nil {
		m.lastErr = err.Error()
		m.metrics.ConnAttemptsTotal.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Msg("Connection failed")
		m.scheduleReconnectLocked()
		return
	}

	// Replay every tracked subscription before the connection is
	// visible to senders, so subscribes precede all other outbound
	// traffic. Subscribes landing while the lock is released are
	// picked up on the next pass of the loop.
	sent := make(map[string]struct{})
	for {
		var pending []string
		for _, ch := range m.channels {
			if _, done := sent[ch]; !done {
				pending = append(pending, ch)
			}
		}
		if len(pending) == 0 {
			break
		}
		m.mu.Unlock()

		for _, ch := range pending {
			if werr := m.writeFrame(c, wire.Subscribe(ch)); werr != nil {
				m.logger.Warn().Err(werr).Str("channel", ch).Msg("Failed to replay subscription")
			}
			sent[ch] = struct{}{}
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			c.Close()
			return
		}
	}
	m.conn = c
	m.attempts = 0
	m.lastErr = ""
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.metrics.ConnAttemptsTotal.WithLabelValues("ok").Inc()
	m.logger.Info().Str("url", m.config.URL).Msg("Connected")

	go m.readLoop(c, gen)
}

// Disconnect closes the transport and cancels any pending reconnect.
// The state stays disconnected until Connect or Reconnect is called.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.attempts = 0
	c := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if c != nil {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.Close()
	}
}

// Reconnect tears the current transport down and dials again
func (m *Manager) Reconnect() {
	m.Disconnect()
	m.Connect()
}

// Subscribe tracks a channel and, if the transport is open, sends the
// subscribe frame immediately. Idempotent.
func (m *Manager) Subscribe(channel string) {
	m.mu.Lock()
	if _, ok := m.channelSet[channel]; ok {
		m.mu.Unlock()
		return
	}
	m.channelSet[channel] = struct{}{}
	m.channels = append(m.channels, channel)
	c := m.openConnLocked()
	m.mu.Unlock()

	if c != nil {
		if err := m.writeFrame(c, wire.Subscribe(channel)); err != nil {
			m.logger.Debug().Err(err).Str("channel", channel).Msg("Subscribe send failed")
		}
	}
}

// Unsubscribe stops tracking a channel and, if the transport is open,
// sends the unsubscribe frame immediately. Idempotent.
func (m *Manager) Unsubscribe(channel string) {
	m.mu.Lock()
	if _, ok := m.channelSet[channel]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.channelSet, channel)
	for i, ch := range m.channels {
		if ch == channel {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			break
		}
	}
	c := m.openConnLocked()
	m.mu.Unlock()

	if c != nil {
		if err := m.writeFrame(c, wire.Unsubscribe(channel)); err != nil {
			m.logger.Debug().Err(err).Str("channel", channel).Msg("Unsubscribe send failed")
		}
	}
}

// Send writes a frame if the transport is open. Frames sent while
// closed or over the rate limit are silently dropped; this is a
// best-effort channel.
func (m *Manager) Send(f *wire.Frame) {
	m.mu.Lock()
	c := m.openConnLocked()
	m.mu.Unlock()

	if c == nil {
		m.metrics.FramesDroppedTotal.WithLabelValues("not_connected").Inc()
		m.logger.Debug().Str("type", f.Type).Msg("Dropping frame, not connected")
		return
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.metrics.FramesDroppedTotal.WithLabelValues("rate_limited").Inc()
		m.logger.Debug().Str("type", f.Type).Msg("Dropping frame, rate limited")
		return
	}

	if err := m.writeFrame(c, f); err != nil {
		m.logger.Debug().Err(err).Str("type", f.Type).Msg("Send failed")
	}
}

// dial opens the WebSocket with the token attached as a query parameter
func (m *Manager) dial() (*websocket.Conn, error) {
	u, err := url.Parse(m.config.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", m.config.Token)
	u.RawQuery = q.Encode()

	c, _, err := m.dialer.Dial(u.String(), nil)
	return c, err
}

// writeFrame serializes one frame under the write mutex so concurrent
// senders never interleave
func (m *Manager) writeFrame(c *websocket.Conn, f *wire.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	c.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := c.WriteJSON(f); err != nil {
		return err
	}
	m.metrics.FramesSentTotal.WithLabelValues(f.Type).Inc()
	return nil
}

// readLoop consumes inbound frames until the transport fails
func (m *Manager) readLoop(c *websocket.Conn, gen int) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		f, err := wire.Decode(data)
		if err != nil {
			m.metrics.FramesDroppedTotal.WithLabelValues("malformed").Inc()
			m.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		if f.Type == wire.EventHeartbeat {
			continue
		}

		m.metrics.FramesReceivedTotal.WithLabelValues(f.Type).Inc()
		if m.onFrame != nil {
			m.onFrame(f)
		}
	}
}

// handleClose reacts to an unexpected transport close
func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// Explicit disconnect or a newer connection already took over
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if err != nil {
		m.lastErr = err.Error()
	}
	m.logger.Warn().Err(err).Msg("Connection closed")
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the retry timer. Called with the lock
// held; it releases the lock.
func (m *Manager) scheduleReconnectLocked() {
	if !m.config.AutoReconnect {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}

	m.attempts++
	if m.config.MaxRetries > 0 && m.attempts > m.config.MaxRetries {
		m.logger.Warn().Int("attempts", m.attempts-1).Msg("Retry limit reached, giving up")
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}

	delay := m.nextDelay()
	m.setStateLocked(StateReconnecting)
	m.metrics.ConnReconnects.Inc()
	m.logger.Info().Dur("delay", delay).Int("attempt", m.attempts).Msg("Scheduling reconnect")

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.state != StateReconnecting
		m.mu.Unlock()
		if stale {
			return
		}
		m.Connect()
	})
	m.mu.Unlock()
}

// nextDelay computes the backed-off, jittered retry delay. With the
// default factor of 1 the delay is the fixed base.
func (m *Manager) nextDelay() time.Duration {
	d := float64(m.config.ReconnectDelay)
	if m.config.BackoffFactor > 1 && m.attempts > 1 {
		d *= math.Pow(m.config.BackoffFactor, float64(m.attempts-1))
	}
	if m.config.MaxDelay > 0 && d > float64(m.config.MaxDelay) {
		d = float64(m.config.MaxDelay)
	}
	if m.config.Jitter > 0 {
		d *= 1 + m.config.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// openConnLocked returns the transport only when fully connected
func (m *Manager) openConnLocked() *websocket.Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// setStateLocked transitions the state and notifies observers
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.metrics.SetConnState(string(s))

	if m.onState != nil {
		go m.onState(s)
	}
}
