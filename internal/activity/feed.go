package activity

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/josedab/docsynth-realtime/internal/router"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// Config contains activity feed settings
type Config struct {
	// How many events the feed retains
	Capacity int

	// How long an event id is remembered for duplicate suppression.
	// Reconnect replays must arrive inside this window.
	DedupeWindow time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Capacity:     100,
		DedupeWindow: 5 * time.Minute,
	}
}

// Feed is a bounded, newest-first view of workspace activity. It
// consumes activity frames from the shared connection and drops
// duplicates pushed again after a reconnect.
type Feed struct {
	config Config

	mu     sync.RWMutex
	events []wire.ActivityEvent

	seen *ttl.Cache[string, bool]

	rt  *router.Router
	sub *router.Subscription

	onEvent func(wire.ActivityEvent)

	logger zerolog.Logger
}

// NewFeed attaches a feed to the router and starts consuming. Zero
// config fields fall back to defaults.
func NewFeed(rt *router.Router, config Config) *Feed {
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.DedupeWindow <= 0 {
		config.DedupeWindow = DefaultConfig().DedupeWindow
	}

	f := &Feed{
		config: config,
		seen:   ttl.NewCache[string, bool](config.DedupeWindow),
		rt:     rt,
		sub:    rt.Subscribe(),
		logger: log.With().Str("component", "activity").Logger(),
	}

	go f.consume()

	return f
}

// OnEvent registers a callback invoked for every accepted event
func (f *Feed) OnEvent(fn func(wire.ActivityEvent)) {
	f.mu.Lock()
	f.onEvent = fn
	f.mu.Unlock()
}

// Recent returns the retained events, newest first
func (f *Feed) Recent() []wire.ActivityEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]wire.ActivityEvent, len(f.events))
	copy(out, f.events)
	return out
}

// Len returns the number of retained events
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.events)
}

// Close detaches the feed from the router
func (f *Feed) Close() {
	f.rt.Unsubscribe(f.sub.ID)
}

func (f *Feed) consume() {
	for frame := range f.sub.Frames {
		if frame.Type != wire.EventActivity {
			continue
		}

		var event wire.ActivityEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			f.logger.Warn().Err(err).Msg("Bad activity payload")
			continue
		}
		f.add(event)
	}
}

// add prepends an event, suppressing duplicates and trimming to capacity
func (f *Feed) add(event wire.ActivityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	} else if f.seen.Get(event.ID) {
		return
	}
	f.seen.Set(event.ID, true)

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	f.mu.Lock()
	f.events = append([]wire.ActivityEvent{event}, f.events...)
	if len(f.events) > f.config.Capacity {
		f.events = f.events[:f.config.Capacity]
	}
	fn := f.onEvent
	f.mu.Unlock()

	if fn != nil {
		fn(event)
	}
}
