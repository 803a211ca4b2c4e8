package notifications

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/josedab/docsynth-realtime/internal/metrics"
	"github.com/josedab/docsynth-realtime/internal/state"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// DefaultCapacity is the maximum number of retained notifications
const DefaultCapacity = 50

// Store is the single source of truth for user-facing notifications. It
// reconciles REST hydration, live push events, and user actions, and
// persists its contents on every mutation. Entries are kept newest
// first; the oldest entries are evicted past capacity.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  []wire.Notification
	state    *state.Store
	onChange func()
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewStore creates a notification store, loading any persisted entries.
// The state store may be nil, in which case nothing is persisted.
func NewStore(capacity int, st *state.Store) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	s := &Store{
		capacity: capacity,
		state:    st,
		logger:   log.With().Str("component", "notifications").Logger(),
		metrics:  metrics.GetMetrics(),
	}

	if st != nil {
		var persisted []wire.Notification
		if found, err := st.Get(state.KeyNotifications, &persisted); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to load persisted notifications")
		} else if found {
			if len(persisted) > capacity {
				persisted = persisted[:capacity]
			}
			s.entries = persisted
		}
	}

	s.metrics.NotificationsUnread.Set(float64(s.unreadLocked()))
	return s
}

// OnChange registers a callback invoked after every mutation. Intended
// for a single UI consumer; the callback runs outside the store lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Add inserts a notification. Inserting an entry whose ID is already
// present merges the newer fields into the existing entry; a merge
// never flips a read entry back to unread.
func (s *Store) Add(n wire.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if i := s.indexLocked(n.ID); i >= 0 {
		read := s.entries[i].Read || n.Read
		s.entries[i] = n
		s.entries[i].Read = read
	} else {
		s.entries = append([]wire.Notification{n}, s.entries...)
		if len(s.entries) > s.capacity {
			s.entries = s.entries[:s.capacity]
		}
		s.metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
	}
	s.finishMutationLocked()
}

// Hydrate merges server-fetched history into the store. Entries whose
// ID is already present locally are skipped, so a locally read copy is
// never reverted by stale server state. The merged list is ordered
// newest first.
func (s *Store) Hydrate(fetched []wire.Notification) {
	s.mu.Lock()
	for _, n := range fetched {
		if n.ID == "" || s.indexLocked(n.ID) >= 0 {
			continue
		}
		s.entries = append(s.entries, n)
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].Timestamp.After(s.entries[j].Timestamp)
	})
	if len(s.entries) > s.capacity {
		s.entries = s.entries[:s.capacity]
	}
	s.finishMutationLocked()
}

// MarkRead sets read on the matching entry; no-op if the ID is unknown
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.entries[i].Read = true
	}
	s.finishMutationLocked()
}

// MarkAllRead sets read on every entry. Idempotent.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	for i := range s.entries {
		s.entries[i].Read = true
	}
	s.finishMutationLocked()
}

// Clear permanently removes the matching entry
func (s *Store) Clear(id string) {
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
	s.finishMutationLocked()
}

// ClearAll permanently removes every entry
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.entries = nil
	s.finishMutationLocked()
}

// List returns a copy of the stored notifications, newest first
func (s *Store) List() []wire.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]wire.Notification, len(s.entries))
	copy(out, s.entries)
	return out
}

// Unread returns the number of unread entries. It is recomputed on
// every call rather than cached.
func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked()
}

// Len returns the number of stored entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HandleFrame synthesizes a notification from a recognized live push
// event. Unrecognized frame types produce nothing.
func (s *Store) HandleFrame(f *wire.Frame) {
	n, ok := fromFrame(f)
	if !ok {
		return
	}
	s.Add(n)
}

// fromFrame maps a push event to a notification record. The mapping
// table is a fixed, closed set.
func fromFrame(f *wire.Frame) (wire.Notification, bool) {
	var ntype wire.NotificationType
	switch f.Type {
	case wire.EventJobCompleted:
		ntype = wire.NotificationJobComplete
	case wire.EventDriftDetected:
		ntype = wire.NotificationDriftDetected
	case wire.EventHealthWarning:
		ntype = wire.NotificationHealthWarning
	case wire.EventPRCreated:
		ntype = wire.NotificationPRCreated
	default:
		return wire.Notification{}, false
	}

	var p wire.EventPayload
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &p); err != nil {
			log.Debug().Err(err).Str("type", f.Type).Msg("Unreadable event payload, using defaults")
		}
	}

	n := wire.Notification{
		ID:        p.ID,
		Type:      ntype,
		Title:     p.Title,
		Message:   p.Message,
		Timestamp: p.Timestamp,
		ActionURL: p.URL,
		Metadata:  p.Metadata,
	}
	if n.Title == "" {
		n.Title = defaultTitle(ntype)
	}
	if n.Message == "" && p.Repository != "" {
		n.Message = fmt.Sprintf("%s in %s", defaultTitle(ntype), p.Repository)
	}
	return n, true
}

func defaultTitle(t wire.NotificationType) string {
	switch t {
	case wire.NotificationJobComplete:
		return "Documentation updated"
	case wire.NotificationDriftDetected:
		return "Documentation drift detected"
	case wire.NotificationHealthWarning:
		return "Documentation health warning"
	case wire.NotificationPRCreated:
		return "Pull request created"
	default:
		return "Notification"
	}
}

// finishMutationLocked persists, updates gauges, and fires the change
// callback. Called with the write lock held; it releases the lock.
func (s *Store) finishMutationLocked() {
	entries := make([]wire.Notification, len(s.entries))
	copy(entries, s.entries)
	unread := s.unreadLocked()
	onChange := s.onChange
	s.mu.Unlock()

	s.metrics.NotificationsUnread.Set(float64(unread))

	if s.state != nil {
		if err := s.state.Put(state.KeyNotifications, entries); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist notifications")
		}
	}

	if onChange != nil {
		onChange()
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) unreadLocked() int {
	count := 0
	for i := range s.entries {
		if !s.entries[i].Read {
			count++
		}
	}
	return count
}
