package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event types pushed by the backend.
const (
	EventJobUpdate     = "job:update"
	EventJobCompleted  = "job:completed"
	EventDriftDetected = "drift:detected"
	EventHealthWarning = "health:warning"
	EventPRCreated     = "pr:created"
	EventActivity      = "activity"
	EventStreamStart   = "stream:start"
	EventStreamChunk   = "stream:chunk"
	EventStreamEnd     = "stream:end"
	EventStreamError   = "stream:error"
	EventHeartbeat     = "heartbeat"
)

// Outbound control frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeChatJoin    = "chat:join"
	TypeChatMessage = "chat:message"
	TypePing        = "ping"
)

// Frame is the JSON envelope exchanged over the WebSocket in both
// directions. Data is left raw so each consumer decodes only the
// payloads it cares about.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses an inbound frame. A frame without a type field is
// malformed and rejected.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}
	return &f, nil
}

// Subscribe builds a channel subscription control frame.
func Subscribe(channel string) *Frame {
	return &Frame{Type: TypeSubscribe, Channel: channel}
}

// Unsubscribe builds a channel unsubscription control frame.
func Unsubscribe(channel string) *Frame {
	return &Frame{Type: TypeUnsubscribe, Channel: channel}
}

// Ping builds a keep-alive frame.
func Ping() *Frame {
	return &Frame{Type: TypePing}
}

// ChatJoin builds the frame announcing a chat session to the backend.
func ChatJoin(sessionID string) *Frame {
	data, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
	}{SessionID: sessionID})
	return &Frame{Type: TypeChatJoin, Data: data}
}

// ChatMessage builds a user chat message frame. The request ID lets the
// client correlate the streamed response with the message that caused it.
func ChatMessage(sessionID, requestID, content string) *Frame {
	data, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		RequestID string `json:"request_id"`
		Content   string `json:"content"`
	}{SessionID: sessionID, RequestID: requestID, Content: content})
	return &Frame{Type: TypeChatMessage, Data: data}
}

// EventPayload is the common payload shape of doc lifecycle events
// (job:completed, drift:detected, health:warning, pr:created).
type EventPayload struct {
	ID         string            `json:"id,omitempty"`
	Repository string            `json:"repository,omitempty"`
	Title      string            `json:"title,omitempty"`
	Message    string            `json:"message,omitempty"`
	URL        string            `json:"url,omitempty"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// JobProgress is the payload of job:update and job:completed frames.
type JobProgress struct {
	JobID      string  `json:"job_id"`
	Repository string  `json:"repository,omitempty"`
	Stage      string  `json:"stage,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	Message    string  `json:"message,omitempty"`
	Done       bool    `json:"done,omitempty"`
}

// StreamPayload is the payload of chat streaming frames.
type StreamPayload struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ActivityEvent is the payload of activity frames.
type ActivityEvent struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NotificationType classifies a user-facing notification. The set is
// closed; unknown push event types never produce a notification.
type NotificationType string

const (
	NotificationJobComplete   NotificationType = "job_complete"
	NotificationDriftDetected NotificationType = "drift_detected"
	NotificationHealthWarning NotificationType = "health_warning"
	NotificationPRCreated     NotificationType = "pr_created"
	NotificationInfo          NotificationType = "info"
)

// Notification is a user-facing event record, served by the REST history
// endpoint and synthesized locally from live push events.
type Notification struct {
	ID        string            `json:"id"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	ActionURL string            `json:"action_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChatCompletion is the response of the synchronous chat fallback
// endpoint. It carries the same content a streamed response would have
// produced so the transcript is uniform across transports.
type ChatCompletion struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
