// Package node implements the per-node protocol core: the dedup ledger, the
// time synchronization unit, the dissemination engine, and the role state
// machine that ties them together. The same code runs inside the simulator
// and behind the firmware's transport, so everything here is driven by an
// injected clockwork.Clock and owns its state from a single goroutine.
package node

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// Freshness classifies an observed (origin, sequence) pair.
type Freshness int

const (
	// Fresh means the pair has not been seen; the ledger was updated.
	Fresh Freshness = iota
	// Duplicate means the pair was already observed; suppress it.
	Duplicate
	// Stale means the sequence fell behind the accepted reorder window.
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// ledgerEntry tracks one origin: the highest sequence seen, a bitmask of
// recently seen sequences below it, and the last local touch time for
// eviction. Bit i of seenMask covers sequence lastSeq-1-i.
type ledgerEntry struct {
	origin   wire.NodeID
	lastSeq  uint32
	seenMask uint64
	lastSeen time.Time
}

// Ledger is the per-origin sequence tracker used for flood suppression.
// Capacity is bounded to fit embedded memory; when full, the
// least-recently-updated origin is evicted, trading perfect dedup accuracy
// for bounded memory. Window is the number of sequence numbers below the
// newest one that are still accepted out of order (at most 64).
type Ledger struct {
	clock    clockwork.Clock
	entries  map[wire.NodeID]*ledgerEntry
	capacity int
	window   uint32
}

// NewLedger creates a ledger holding at most capacity origins with the
// given reorder window. A window of 1 accepts only strictly increasing
// sequences.
func NewLedger(clock clockwork.Clock, capacity int, window uint32) *Ledger {
	if window < 1 {
		window = 1
	}
	if window > 64 {
		window = 64
	}
	return &Ledger{
		clock:    clock,
		entries:  make(map[wire.NodeID]*ledgerEntry, capacity),
		capacity: capacity,
		window:   window,
	}
}

// Observe records an (origin, sequence) sighting and classifies it.
func (l *Ledger) Observe(origin wire.NodeID, seq uint32) Freshness {
	now := l.clock.Now()

	e, ok := l.entries[origin]
	if !ok {
		e = &ledgerEntry{origin: origin, lastSeq: seq}
		l.evictIfFull()
		l.entries[origin] = e
		e.lastSeen = now
		return Fresh
	}
	e.lastSeen = now

	switch {
	case seq > e.lastSeq:
		shift := seq - e.lastSeq
		if shift >= 64 {
			e.seenMask = 0
		} else {
			e.seenMask = e.seenMask<<shift | 1<<(shift-1)
		}
		e.lastSeq = seq
		return Fresh
	case seq == e.lastSeq:
		return Duplicate
	default:
		behind := e.lastSeq - seq // >= 1
		if behind >= l.window {
			return Stale
		}
		bit := uint64(1) << (behind - 1)
		if e.seenMask&bit != 0 {
			return Duplicate
		}
		e.seenMask |= bit
		return Fresh
	}
}

// Known reports how many origins the ledger currently tracks.
func (l *Ledger) Known() int {
	return len(l.entries)
}

// evictIfFull removes the least-recently-updated origin to make room for
// one more.
func (l *Ledger) evictIfFull() {
	if len(l.entries) < l.capacity {
		return
	}
	var victim *ledgerEntry
	for _, e := range l.entries {
		if victim == nil || e.lastSeen.Before(victim.lastSeen) {
			victim = e
		}
	}
	if victim != nil {
		delete(l.entries, victim.origin)
	}
}
