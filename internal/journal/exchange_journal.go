package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/contracts"
	"github.com/google/uuid"
)

// EventType names a step in an exchange's life
type EventType string

const (
	EventSubmitted      EventType = "submitted"
	EventForwarded      EventType = "forwarded"
	EventFiltered       EventType = "filtered"
	EventResumed        EventType = "resumed"
	EventAcknowledged   EventType = "acknowledged"
	EventTimeout        EventType = "timeout"
	EventCancelled      EventType = "cancelled"
	EventLateCompletion EventType = "late"
	EventDone           EventType = "done"
	EventFailed         EventType = "failed"
)

// ErrNilEntry is returned when recording a nil entry
var ErrNilEntry = errors.New("journal: entry cannot be nil")

// Entry is a single journal record
type Entry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	ExchangeID string                 `json:"exchangeId"`
	Event      EventType              `json:"event"`
	Component  string                 `json:"component"`
	Pattern    string                 `json:"pattern,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Address    string                 `json:"address,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Journal records what happened to exchanges
type Journal interface {
	Record(ctx context.Context, entry *Entry) error
	ByExchange(ctx context.Context, exchangeID string) ([]*Entry, error)
	ByComponent(ctx context.Context, component string, limit int) ([]*Entry, error)
	Stats(ctx context.Context) (*Stats, error)
	Clear(ctx context.Context, olderThan time.Duration) (int, error)
}

// Stats summarizes a journal
type Stats struct {
	TotalEntries       int64               `json:"totalEntries"`
	EntriesByEvent     map[EventType]int64 `json:"entriesByEvent"`
	EntriesByComponent map[string]int64    `json:"entriesByComponent"`
	Exchanges          int                 `json:"exchanges"`
	LastEntry          time.Time           `json:"lastEntry"`
}

// RecordExchange writes an event for ex. A nil journal is a no-op, and
// recording failures are ignored.
func RecordExchange(ctx context.Context, j Journal, ex *contracts.Exchange, event EventType, component string, err error) {
	if j == nil || ex == nil {
		return
	}
	entry := &Entry{
		ExchangeID: ex.ID(),
		Event:      event,
		Component:  component,
		Pattern:    ex.Pattern().String(),
		Status:     ex.Status().String(),
		Address:    ex.Address(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	_ = j.Record(ctx, entry)
}

// InMemoryJournal keeps entries in memory and drops the oldest share once
// full
type InMemoryJournal struct {
	mu            sync.RWMutex
	entries       []*Entry
	byExchange    map[string][]*Entry
	byComponent   map[string][]*Entry
	maxEntries    int
	rotatePercent float64
}

// InMemoryJournalOption configures the in-memory journal
type InMemoryJournalOption func(*InMemoryJournal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) InMemoryJournalOption {
	return func(j *InMemoryJournal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the share of entries dropped when full
func WithRotatePercent(percent float64) InMemoryJournalOption {
	return func(j *InMemoryJournal) {
		j.rotatePercent = percent
	}
}

// NewInMemoryJournal creates a new in-memory journal
func NewInMemoryJournal(opts ...InMemoryJournalOption) *InMemoryJournal {
	j := &InMemoryJournal{
		byExchange:    make(map[string][]*Entry),
		byComponent:   make(map[string][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record stores an entry, filling in its id and timestamp
func (j *InMemoryJournal) Record(_ context.Context, entry *Entry) error {
	if entry == nil {
		return ErrNilEntry
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}
	j.entries = append(j.entries, entry)
	j.index(entry)
	return nil
}

// ByExchange returns the entries of one exchange in recording order
func (j *InMemoryJournal) ByExchange(_ context.Context, exchangeID string) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]*Entry(nil), j.byExchange[exchangeID]...), nil
}

// ByComponent returns the most recent entries of a component, newest first
func (j *InMemoryJournal) ByComponent(_ context.Context, component string, limit int) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	src := j.byComponent[component]
	out := make([]*Entry, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns how many entries of the given event exist for an exchange
func (j *InMemoryJournal) Count(exchangeID string, event EventType) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, e := range j.byExchange[exchangeID] {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Stats implements Journal
func (j *InMemoryJournal) Stats(_ context.Context) (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := &Stats{
		TotalEntries:       int64(len(j.entries)),
		EntriesByEvent:     make(map[EventType]int64),
		EntriesByComponent: make(map[string]int64),
		Exchanges:          len(j.byExchange),
	}
	for _, e := range j.entries {
		s.EntriesByEvent[e.Event]++
		if e.Component != "" {
			s.EntriesByComponent[e.Component]++
		}
	}
	if n := len(j.entries); n > 0 {
		s.LastEntry = j.entries[n-1].Timestamp
	}
	return s, nil
}

// Clear drops entries older than the given age
func (j *InMemoryJournal) Clear(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	j.mu.Lock()
	defer j.mu.Unlock()

	// entries are appended in time order
	idx := sort.Search(len(j.entries), func(i int) bool {
		return !j.entries[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0, nil
	}
	j.entries = append([]*Entry(nil), j.entries[idx:]...)
	j.reindex()
	return idx, nil
}

func (j *InMemoryJournal) rotate() {
	drop := int(float64(j.maxEntries) * j.rotatePercent)
	if drop < 1 {
		drop = 1
	}
	if drop > len(j.entries) {
		drop = len(j.entries)
	}
	j.entries = append([]*Entry(nil), j.entries[drop:]...)
	j.reindex()
}

func (j *InMemoryJournal) reindex() {
	j.byExchange = make(map[string][]*Entry)
	j.byComponent = make(map[string][]*Entry)
	for _, e := range j.entries {
		j.index(e)
	}
}

func (j *InMemoryJournal) index(e *Entry) {
	if e.ExchangeID != "" {
		j.byExchange[e.ExchangeID] = append(j.byExchange[e.ExchangeID], e)
	}
	if e.Component != "" {
		j.byComponent[e.Component] = append(j.byComponent[e.Component], e)
	}
}
