package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pending is a suspended synchronous send waiting for its completion.
type Pending struct {
	ExchangeID string
	Address    string
	Timeout    time.Duration
	Deadline   time.Time
	Submitted  time.Time

	resume  Continuation
	timer   atomic.Pointer[time.Timer]
	claimed atomic.Bool
}

// arm attaches the expiry timer. If the entry was claimed before the timer
// could be attached, the timer is stopped right away.
func (p *Pending) arm(t *time.Timer) {
	p.timer.Store(t)
	if p.claimed.Load() {
		t.Stop()
	}
}

// disarm stops the expiry timer if it is attached. A timer attached later
// is stopped by arm.
func (p *Pending) disarm() {
	if t := p.timer.Load(); t != nil {
		t.Stop()
	}
}

// CorrelationTable maps exchange ids to pending sends.
//
// Claim is an atomic take-and-remove: when completion, expiry,
// cancellation and shutdown race for the same id, exactly one of them gets
// the entry and the others see nothing.
type CorrelationTable struct {
	entries sync.Map // exchange id -> *Pending
	size    atomic.Int64
}

// NewCorrelationTable creates an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{}
}

// Insert adds an entry. limit bounds the table size; zero or less means
// unbounded.
func (t *CorrelationTable) Insert(p *Pending, limit int) error {
	n := t.size.Add(1)
	if limit > 0 && n > int64(limit) {
		t.size.Add(-1)
		return ErrTooManyPending
	}
	if _, loaded := t.entries.LoadOrStore(p.ExchangeID, p); loaded {
		t.size.Add(-1)
		return ErrDuplicateCorrelation
	}
	return nil
}

// Claim removes and returns the entry for id. Only the first caller for a
// given insertion gets ok == true.
func (t *CorrelationTable) Claim(id string) (*Pending, bool) {
	v, ok := t.entries.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	t.size.Add(-1)
	p := v.(*Pending)
	p.claimed.Store(true)
	return p, true
}

// ClaimAll claims every entry present at the time of the call.
func (t *CorrelationTable) ClaimAll() []*Pending {
	var ids []string
	t.entries.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})

	out := make([]*Pending, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.Claim(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether an entry for id exists.
func (t *CorrelationTable) Contains(id string) bool {
	_, ok := t.entries.Load(id)
	return ok
}

// Len returns the number of entries.
func (t *CorrelationTable) Len() int {
	return int(t.size.Load())
}
