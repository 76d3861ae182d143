// Package accumulator holds the records fetched by a run and mirrors them to
// a partial artifact that survives restarts.
package accumulator

import (
	"fmt"
	"sync"

	"tickerflow/models"
)

// Partial is the side artifact a snapshot is flushed to.
type Partial interface {
	Write(records []models.TickerRecord) error
	// Load returns the last flushed snapshot and whether one exists.
	Load() ([]models.TickerRecord, bool, error)
	Remove() error
	Describe() string
}

// Accumulator is an insertion-ordered set of ticker records keyed by symbol.
type Accumulator struct {
	mu      sync.RWMutex
	records []models.TickerRecord
	seen    map[string]struct{}
	partial Partial
}

// New returns an empty accumulator flushing to partial. A nil partial makes
// FlushPartial a no-op.
func New(partial Partial) *Accumulator {
	return &Accumulator{
		seen:    make(map[string]struct{}),
		partial: partial,
	}
}

// Append adds records in order, skipping symbols already held. It returns how
// many were added.
func (a *Accumulator) Append(records []models.TickerRecord) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for _, rec := range records {
		if rec.Ticker != "" {
			if _, dup := a.seen[rec.Ticker]; dup {
				continue
			}
			a.seen[rec.Ticker] = struct{}{}
		}
		a.records = append(a.records, rec)
		added++
	}
	return added
}

// Seed replaces the contents with records, as when resuming from a partial
// artifact.
func (a *Accumulator) Seed(records []models.TickerRecord) {
	a.mu.Lock()
	a.records = nil
	a.seen = make(map[string]struct{}, len(records))
	a.mu.Unlock()
	a.Append(records)
}

// Truncate drops everything after the first n records.
func (a *Accumulator) Truncate(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n < 0 || n > len(a.records) {
		return fmt.Errorf("truncate to %d out of range [0,%d]", n, len(a.records))
	}
	for _, rec := range a.records[n:] {
		delete(a.seen, rec.Ticker)
	}
	a.records = a.records[:n:n]
	return nil
}

// Snapshot returns a copy of the records in fetch order.
func (a *Accumulator) Snapshot() []models.TickerRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]models.TickerRecord, len(a.records))
	copy(out, a.records)
	return out
}

func (a *Accumulator) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// FlushPartial writes the current snapshot to the partial artifact.
func (a *Accumulator) FlushPartial() error {
	if a.partial == nil {
		return nil
	}
	if err := a.partial.Write(a.Snapshot()); err != nil {
		return fmt.Errorf("flush partial %s: %w", a.partial.Describe(), err)
	}
	return nil
}
