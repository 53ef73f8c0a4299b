package node

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// EngineConfig tunes the dissemination engine.
type EngineConfig struct {
	// QueueCapacity bounds the outbound queue.
	QueueCapacity int
	// MaxAttempts bounds retries per frame before it is dropped.
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// JitterFraction randomizes each backoff by ±fraction to de-correlate
	// retries on the shared medium, in [0, 1).
	JitterFraction float64
}

// DefaultEngineConfig sizes the queue for an embedded node.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QueueCapacity:  16,
		MaxAttempts:    5,
		BaseBackoff:    50 * time.Millisecond,
		JitterFraction: 0.5,
	}
}

// pending is one queued frame with its retry state. Frames are encoded at
// enqueue time so retries resend identical bytes.
type pending struct {
	frame    wire.Frame
	encoded  []byte
	attempts int
	nextTry  time.Time
	onSent   func(at time.Time)
}

// Engine owns a node's bounded outbound queue and pushes it through the
// transport with jittered backoff on contention. It has no goroutine of its
// own: the owning state machine calls Step from its cooperative loop, which
// keeps the queue single-writer without locks.
//
// There is no acknowledgment or retransmission-on-loss here. End-to-end
// delivery is best-effort, relying on the flood's path redundancy plus the
// dedup ledger suppressing the resulting duplicates.
type Engine struct {
	transport Transport
	clock     clockwork.Clock
	rng       *rand.Rand
	cfg       EngineConfig
	logger    *slog.Logger
	counters  *Counters
	queue     []pending
}

// NewEngine creates an engine over the given transport. Zero-value config
// fields fall back to DefaultEngineConfig.
func NewEngine(transport Transport, clock clockwork.Clock, rng *rand.Rand, cfg EngineConfig, logger *slog.Logger, counters *Counters) *Engine {
	def := DefaultEngineConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction >= 1 {
		cfg.JitterFraction = def.JitterFraction
	}
	return &Engine{
		transport: transport,
		clock:     clock,
		rng:       rng,
		cfg:       cfg,
		logger:    logger,
		counters:  counters,
		queue:     make([]pending, 0, cfg.QueueCapacity),
	}
}

// Len reports the current queue depth.
func (e *Engine) Len() int {
	return len(e.queue)
}

// Enqueue encodes and queues a frame for transmission. onSent, if non-nil,
// fires once when the transport accepts the frame. When the queue is
// saturated the oldest non-critical frame (anything but a StrikeEvent) is
// dropped first; a StrikeEvent is only ever dropped when the queue is full
// of other StrikeEvents. Returns false if the frame was not queued.
func (e *Engine) Enqueue(f wire.Frame, onSent func(at time.Time)) bool {
	encoded, err := wire.Encode(f)
	if err != nil {
		e.logger.Error("frame encode failed", "kind", f.Kind.String(), "error", err)
		return false
	}
	if len(e.queue) >= e.cfg.QueueCapacity && !e.dropNonCritical(f.Kind) {
		e.counters.QueueDrops++
		e.logger.Warn("outbound queue saturated, dropping frame",
			"kind", f.Kind.String(), "seq", f.Seq)
		return false
	}
	e.queue = append(e.queue, pending{
		frame:   f,
		encoded: encoded,
		nextTry: e.clock.Now(),
		onSent:  onSent,
	})
	return true
}

// dropNonCritical evicts the oldest queued frame that is not a StrikeEvent.
// For an incoming StrikeEvent with a queue full of strikes, the oldest
// strike is evicted so the freshest detections survive.
func (e *Engine) dropNonCritical(incoming wire.Kind) bool {
	for i := range e.queue {
		if e.queue[i].frame.Kind != wire.KindStrikeEvent {
			e.counters.QueueDrops++
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	if incoming != wire.KindStrikeEvent {
		return false
	}
	e.counters.QueueDrops++
	e.queue = e.queue[1:]
	return true
}

// Step makes at most one transmission attempt for the head of the queue.
// Called from the owning node's cooperative loop.
func (e *Engine) Step() {
	if len(e.queue) == 0 {
		return
	}
	now := e.clock.Now()
	head := &e.queue[0]
	if now.Before(head.nextTry) {
		return
	}

	switch e.transport.TrySend(head.encoded) {
	case Sent:
		if head.onSent != nil {
			head.onSent(now)
		}
		e.counters.FramesSent++
		e.pop()
	case Busy:
		head.attempts++
		if head.attempts >= e.cfg.MaxAttempts {
			e.counters.RetryExhausted++
			e.logger.Warn("retries exhausted on busy medium",
				"kind", head.frame.Kind.String(), "seq", head.frame.Seq)
			e.pop()
			return
		}
		head.nextTry = now.Add(e.backoff(head.attempts))
	case Failed:
		e.counters.SendFailures++
		head.attempts++
		if head.attempts >= e.cfg.MaxAttempts {
			e.counters.RetryExhausted++
			e.logger.Warn("transport failure, frame dropped",
				"kind", head.frame.Kind.String(), "seq", head.frame.Seq)
			e.pop()
			return
		}
		head.nextTry = now.Add(e.backoff(head.attempts))
	}
}

func (e *Engine) pop() {
	e.queue = e.queue[1:]
}

// backoff doubles per attempt and spreads by the jitter fraction.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff << (attempt - 1)
	if e.cfg.JitterFraction > 0 {
		spread := (e.rng.Float64()*2 - 1) * e.cfg.JitterFraction
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}
