package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/josedab/docsynth-realtime/internal/metrics"
	"github.com/josedab/docsynth-realtime/internal/router"
	"github.com/josedab/docsynth-realtime/internal/state"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// Status describes where a session is in the ask/answer cycle
type Status string

const (
	StatusIdle      Status = "idle"
	StatusAwaiting  Status = "awaiting"
	StatusStreaming Status = "streaming"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRecord is the persisted trace of a session, used to surface
// recently used sessions across restarts.
type SessionRecord struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config contains chat session settings
type Config struct {
	// How long an unanswered request stays claimable. Stream frames
	// for requests older than this are treated as stale.
	PendingTimeout time.Duration

	// Maximum entries kept in the persisted recent-session list
	RecentSessionLimit int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		PendingTimeout:     30 * time.Second,
		RecentSessionLimit: 10,
	}
}

// Sender is the outbound half of the realtime connection a session
// needs. Satisfied by conn.Manager.
type Sender interface {
	Send(f *wire.Frame)
	Connected() bool
	Subscribe(channel string)
	Unsubscribe(channel string)
}

// Completer is the synchronous HTTP fallback used when the realtime
// transport is down. Satisfied by client.Client.
type Completer interface {
	ChatComplete(ctx context.Context, sessionID, content string) (*wire.ChatCompletion, error)
}

// Session is one documentation Q&A conversation. Answers normally
// arrive as stream:* frames over the shared connection; when the
// transport is closed, Send falls back to the synchronous endpoint and
// the transcript looks the same either way.
type Session struct {
	ID     string
	config Config

	mu       sync.Mutex
	status   Status
	messages []Message
	lastErr  string

	pending *ttl.Cache[string, bool]

	conn      Sender
	completer Completer
	rt        *router.Router
	sub       *router.Subscription
	store     *state.Store

	onChange func()

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewSession opens a session, announces it on the realtime connection
// and starts consuming stream frames. A blank id starts a fresh
// conversation.
func NewSession(config Config, id string, rt *router.Router, conn Sender, completer Completer, store *state.Store) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultConfig().PendingTimeout
	}
	if config.RecentSessionLimit <= 0 {
		config.RecentSessionLimit = DefaultConfig().RecentSessionLimit
	}

	s := &Session{
		ID:        id,
		config:    config,
		status:    StatusIdle,
		pending:   ttl.NewCache[string, bool](config.PendingTimeout),
		conn:      conn,
		completer: completer,
		rt:        rt,
		sub:       rt.Subscribe(),
		store:     store,
		logger:    log.With().Str("component", "chat").Str("session", id).Logger(),
		metrics:   metrics.GetMetrics(),
	}

	conn.Subscribe("chat:" + id)
	conn.Send(wire.ChatJoin(id))
	s.recordSession()

	go s.consume()

	return s
}

// OnChange registers a callback fired after every transcript or status
// change, outside the session lock
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Status returns the current session status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the most recent stream error, or the empty string
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Messages returns a copy of the transcript in chronological order
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Send submits a user question. With the transport open the answer
// streams back asynchronously; otherwise the synchronous endpoint is
// used and exactly one assistant message is appended before Send
// returns.
func (s *Session) Send(ctx context.Context, content string) error {
	if content == "" {
		return fmt.Errorf("empty message")
	}

	s.mu.Lock()
	s.messages = append(s.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	s.lastErr = ""

	if s.conn.Connected() {
		requestID := uuid.NewString()
		s.pending.Set(requestID, true)
		s.status = StatusAwaiting
		s.finishLocked()

		s.conn.Send(wire.ChatMessage(s.ID, requestID, content))
		return nil
	}
	s.status = StatusAwaiting
	s.finishLocked()

	s.logger.Debug().Msg("Transport closed, using synchronous fallback")
	s.metrics.ChatFallbacksTotal.Inc()

	completion, err := s.completer.ChatComplete(ctx, s.ID, content)

	s.mu.Lock()
	s.status = StatusIdle
	if err != nil {
		s.lastErr = err.Error()
		s.finishLocked()
		return fmt.Errorf("chat fallback failed: %w", err)
	}
	s.messages = append(s.messages, Message{
		ID:        completion.ID,
		Role:      RoleAssistant,
		Content:   completion.Content,
		Timestamp: time.Now().UTC(),
	})
	s.finishLocked()
	return nil
}

// Close detaches the session from the router and the connection. The
// transcript stays readable.
func (s *Session) Close() {
	s.rt.Unsubscribe(s.sub.ID)
	s.conn.Unsubscribe("chat:" + s.ID)
}

// consume applies stream frames for this session to the transcript
func (s *Session) consume() {
	for f := range s.sub.Frames {
		var p wire.StreamPayload
		switch f.Type {
		case wire.EventStreamStart, wire.EventStreamChunk, wire.EventStreamEnd, wire.EventStreamError:
			if err := json.Unmarshal(f.Data, &p); err != nil {
				s.logger.Warn().Err(err).Str("type", f.Type).Msg("Bad stream payload")
				continue
			}
			if p.SessionID != s.ID {
				continue
			}
			if p.RequestID != "" && !s.pending.Get(p.RequestID) {
				// Answer to a request this session never sent, or one
				// that already timed out
				continue
			}
		default:
			continue
		}

		switch f.Type {
		case wire.EventStreamStart:
			s.mu.Lock()
			s.status = StatusStreaming
			s.messages = append(s.messages, Message{
				ID:        uuid.NewString(),
				Role:      RoleAssistant,
				Timestamp: time.Now().UTC(),
			})
			s.finishLocked()

		case wire.EventStreamChunk:
			s.mu.Lock()
			if i := s.streamingIndexLocked(); i >= 0 {
				s.messages[i].Content += p.Content
			}
			s.finishLocked()

		case wire.EventStreamEnd:
			s.pending.Delete(p.RequestID)
			s.metrics.ChatStreamsTotal.WithLabelValues("ok").Inc()
			s.mu.Lock()
			s.status = StatusIdle
			s.finishLocked()
			s.recordSession()

		case wire.EventStreamError:
			s.pending.Delete(p.RequestID)
			s.metrics.ChatStreamsTotal.WithLabelValues("error").Inc()
			s.logger.Warn().Str("error", p.Error).Msg("Stream failed")
			s.mu.Lock()
			s.status = StatusIdle
			s.lastErr = p.Error
			s.finishLocked()
		}
	}
}

// streamingIndexLocked finds the assistant message currently being
// streamed into, the last one in the transcript
func (s *Session) streamingIndexLocked() int {
	if s.status != StatusStreaming {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// finishLocked releases the lock and notifies the change observer
func (s *Session) finishLocked() {
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// recordSession moves this session to the front of the persisted
// recent-session list
func (s *Session) recordSession() {
	if s.store == nil {
		return
	}

	var records []SessionRecord
	if _, err := s.store.Get(state.KeyChatSessions, &records); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load session list")
		return
	}

	updated := []SessionRecord{{ID: s.ID, UpdatedAt: time.Now().UTC()}}
	for _, r := range records {
		if r.ID != s.ID {
			updated = append(updated, r)
		}
	}
	if len(updated) > s.config.RecentSessionLimit {
		updated = updated[:s.config.RecentSessionLimit]
	}

	if err := s.store.Put(state.KeyChatSessions, updated); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist session list")
	}
}

// RecentSessions returns the persisted recent-session list, newest first
func RecentSessions(store *state.Store) ([]SessionRecord, error) {
	var records []SessionRecord
	if _, err := store.Get(state.KeyChatSessions, &records); err != nil {
		return nil, err
	}
	return records, nil
}
