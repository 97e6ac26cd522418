// Package ratefeed is the append log of price observations keyed by block
// height. Nothing in the settlement path reads it; it exists for off-core
// consumers and audit.
package ratefeed

import (
	"sync"

	"DerivLedger/internal/errs"
	"DerivLedger/internal/ledger"
)

// Entry is one recorded observation. Re-recording at the same height
// overwrites the previous entry.
type Entry struct {
	Height    int64          `json:"height"`
	Value     int64          `json:"value"`
	Reporter  ledger.Address `json:"reporter"`
	Timestamp int64          `json:"timestamp"`
}

type Feed struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

func NewFeed() *Feed {
	return &Feed{
		entries: make(map[int64]Entry),
	}
}

// Record stores an observation at the given height. The observation
// timestamp is the height itself; the chain clock is block-granular.
func (f *Feed) Record(height, value int64, reporter ledger.Address) error {
	if value <= 0 {
		return errs.ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[height] = Entry{
		Height:    height,
		Value:     value,
		Reporter:  reporter,
		Timestamp: height,
	}
	return nil
}

// Get returns the observation recorded at the given height.
func (f *Feed) Get(height int64) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[height]
	return e, ok
}

// All returns every entry, for snapshots. Order is unspecified.
func (f *Feed) All() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

// Restore replaces feed contents from a snapshot.
func (f *Feed) Restore(entries []Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[int64]Entry, len(entries))
	for _, e := range entries {
		f.entries[e.Height] = e
	}
}
