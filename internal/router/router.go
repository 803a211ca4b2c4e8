package router

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/josedab/docsynth-realtime/internal/metrics"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// Config contains router configuration
type Config struct {
	// Maximum buffer size for subscription channels
	MaxBufferSize int
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		MaxBufferSize: 100,
	}
}

// Subscription delivers every dispatched frame to one consumer. The
// consumer filters by type and channel itself; the router does not
// pre-filter. Frames is closed on unsubscribe or shutdown.
type Subscription struct {
	ID     string
	Frames chan *wire.Frame
}

// Router is the single inbound dispatch point. All consumers of the
// shared connection register here, so one transport serves the
// notification store, chat sessions, and activity feed alike.
type Router struct {
	config  Config
	mu      sync.RWMutex
	subs    map[string]*Subscription
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a new frame router
func NewRouter(config ...Config) *Router {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}

	return &Router{
		config:  cfg,
		subs:    make(map[string]*Subscription),
		logger:  log.With().Str("component", "router").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Subscribe registers a new consumer
func (r *Router) Subscribe() *Subscription {
	sub := &Subscription{
		ID:     generateID(),
		Frames: make(chan *wire.Frame, r.config.MaxBufferSize),
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	r.metrics.RouterSubscribers.Inc()
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (r *Router) Unsubscribe(subID string) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if ok {
		delete(r.subs, subID)
	}
	r.mu.Unlock()

	if ok {
		close(sub.Frames)
		r.metrics.RouterSubscribers.Dec()
	}
}

// Dispatch fans a frame out to every subscriber. Delivery is
// non-blocking; a subscriber whose buffer is full misses the frame.
func (r *Router) Dispatch(f *wire.Frame) {
	if f == nil {
		return
	}

	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Frames <- f:
		default:
			r.metrics.RouterDroppedFrames.Inc()
			r.logger.Warn().
				Str("subscription_id", sub.ID).
				Str("type", f.Type).
				Msg("Subscriber channel buffer full, dropping frame")
		}
	}
}

// Shutdown closes every subscription
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.subs {
		close(sub.Frames)
		delete(r.subs, id)
		r.metrics.RouterSubscribers.Dec()
	}
}

// JobSubscription delivers progress updates for a single job. It wraps
// a plain subscription and decodes job payloads on the consumer's
// behalf.
type JobSubscription struct {
	JobID   string
	Updates chan wire.JobProgress

	router *Router
	sub    *Subscription
}

// SubscribeJob registers a consumer interested only in progress frames
// for the given job ID
func (r *Router) SubscribeJob(jobID string) *JobSubscription {
	sub := r.Subscribe()
	js := &JobSubscription{
		JobID:   jobID,
		Updates: make(chan wire.JobProgress, r.config.MaxBufferSize),
		router:  r,
		sub:     sub,
	}

	go func() {
		defer close(js.Updates)
		for f := range sub.Frames {
			if f.Type != wire.EventJobUpdate && f.Type != wire.EventJobCompleted {
				continue
			}

			var p wire.JobProgress
			if err := json.Unmarshal(f.Data, &p); err != nil {
				r.logger.Debug().Err(err).Str("type", f.Type).Msg("Unreadable job payload")
				continue
			}
			if p.JobID != jobID {
				continue
			}
			if f.Type == wire.EventJobCompleted {
				p.Done = true
			}

			select {
			case js.Updates <- p:
			default:
				r.metrics.RouterDroppedFrames.Inc()
			}
		}
	}()

	return js
}

// Close tears the job subscription down
func (js *JobSubscription) Close() {
	js.router.Unsubscribe(js.sub.ID)
}

// Variable for generating unique subscription IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
