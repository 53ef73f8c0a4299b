package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// Role selects a node's behavior. Fixed at boot by hardware strap or build
// configuration; constant for the node's uptime.
type Role uint8

const (
	// RoleSensor originates StrikeEvent frames from physical detections.
	RoleSensor Role = iota
	// RoleRelay forwards fresh frames toward the sink; never originates
	// strike events.
	RoleRelay
	// RoleSink bridges the mesh to the server: time root and
	// dissemination terminus.
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSensor:
		return "sensor"
	case RoleRelay:
		return "relay"
	case RoleSink:
		return "sink"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a configuration string to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "sensor":
		return RoleSensor, nil
	case "relay":
		return RoleRelay, nil
	case "sink":
		return RoleSink, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// State is the node lifecycle phase. There is no terminal state; a node
// runs until power loss.
type State uint8

const (
	// StateIdle is post-boot, before the first sync attempt.
	StateIdle State = iota
	// StateSynchronizing means the node is seeking a sync exchange;
	// outgoing event timestamps are flagged low-confidence.
	StateSynchronizing
	// StateOperational means the clock offset is within acceptable
	// confidence and the node is on normal duty.
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSynchronizing:
		return "synchronizing"
	case StateOperational:
		return "operational"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrNotSensor is returned when a strike trigger reaches a node without
// sensor capability.
var ErrNotSensor = errors.New("node: role cannot originate strike events")

// ErrTriggerBacklog is returned when the strike trigger buffer is full; the
// caller owns the drop accounting in that case.
var ErrTriggerBacklog = errors.New("node: strike trigger backlog full")

// SinkConsumer receives fresh frames surfaced by a sink-role node. On a
// real sink this forwards frames over the bridge; in the simulator it feeds
// the event log directly.
type SinkConsumer interface {
	Consume(f wire.Frame) error
}

// Config assembles a node's identity and tuning. Constructed once at
// startup and handed to New; there is no process-wide state.
type Config struct {
	ID   wire.NodeID
	Role Role
	// TTL is the hop budget stamped on originated frames.
	TTL uint8
	// LedgerCapacity bounds the dedup ledger's origin count.
	LedgerCapacity int
	// ReorderWindow is the dedup out-of-order acceptance window.
	ReorderWindow uint32
	// HeartbeatInterval paces housekeeping traffic; zero disables it.
	HeartbeatInterval time.Duration
	// PollInterval is the cooperative loop cadence used by Run.
	PollInterval time.Duration
	Sync         SyncConfig
	Engine       EngineConfig
}

// DefaultConfig returns tuning suitable for a small field network.
func DefaultConfig(id wire.NodeID, role Role) Config {
	return Config{
		ID:                id,
		Role:              role,
		TTL:               8,
		LedgerCapacity:    32,
		ReorderWindow:     16,
		HeartbeatInterval: time.Minute,
		PollInterval:      10 * time.Millisecond,
		Sync:              DefaultSyncConfig(),
		Engine:            DefaultEngineConfig(),
	}
}

// Node is the per-node behavioral core. All state is owned by one
// goroutine: Run (or a harness calling Step) drives reception, timers, and
// dissemination cooperatively, so the ledger, offset estimate, and outbound
// queue need no locking. Trigger is the only cross-goroutine entry point
// and hands off through a bounded channel.
type Node struct {
	cfg       Config
	clock     clockwork.Clock
	rng       *rand.Rand
	logger    *slog.Logger
	transport Transport
	consumer  SinkConsumer

	engine   *Engine
	ledger   *Ledger
	sync     *TimeSync
	counters Counters

	state    State
	seq      uint32
	booted   bool
	bootTime time.Time

	strikes chan uint8

	nextBeacon     time.Time // sink only
	nextHeartbeat  time.Time
	beaconDeadline time.Time // non-sink: when the next beacon is overdue
	missedBeacons  int
}

// New assembles a node. consumer must be non-nil for RoleSink and is
// ignored otherwise. Zero-value tuning fields fall back to defaults.
func New(cfg Config, transport Transport, consumer SinkConsumer, clock clockwork.Clock, rng *rand.Rand, logger *slog.Logger) *Node {
	def := DefaultConfig(cfg.ID, cfg.Role)
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LedgerCapacity <= 0 {
		cfg.LedgerCapacity = def.LedgerCapacity
	}
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = def.ReorderWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Sync.MissedBeaconLimit <= 0 {
		cfg.Sync.MissedBeaconLimit = def.Sync.MissedBeaconLimit
	}

	n := &Node{
		cfg:       cfg,
		clock:     clock,
		rng:       rng,
		logger:    logger.With("node", cfg.ID, "role", cfg.Role.String()),
		transport: transport,
		consumer:  consumer,
		ledger:    NewLedger(clock, cfg.LedgerCapacity, cfg.ReorderWindow),
		state:     StateIdle,
		strikes:   make(chan uint8, 16),
	}
	n.engine = NewEngine(transport, clock, rng, cfg.Engine, n.logger, &n.counters)
	if cfg.Role == RoleSink {
		n.sync = NewRootTimeSync(clock, cfg.Sync)
	} else {
		n.sync = NewTimeSync(clock, cfg.Sync)
	}
	return n
}

// ID returns the node's identity.
func (n *Node) ID() wire.NodeID { return n.cfg.ID }

// Role returns the node's configured role.
func (n *Node) Role() Role { return n.cfg.Role }

// State returns the current lifecycle state.
func (n *Node) State() State { return n.state }

// Counters returns a snapshot of the diagnostic tallies.
func (n *Node) Counters() Counters { return n.counters }

// QueueDepth reports the outbound queue length.
func (n *Node) QueueDepth() int { return n.engine.Len() }

// Trigger reports a hardware strike detection with the given signal
// quality. Safe to call from another goroutine; the detection is stamped
// and queued on the next cooperative step. Detections are emitted even
// while synchronizing, only flagged low-confidence — never discarded for
// clock reasons.
func (n *Node) Trigger(quality uint8) error {
	if n.cfg.Role != RoleSensor {
		return ErrNotSensor
	}
	select {
	case n.strikes <- quality:
		return nil
	default:
		return ErrTriggerBacklog
	}
}

// Run drives the cooperative loop until the context is cancelled. Node
// shutdown is the only cancellation path; there is no partial-shutdown
// state.
func (n *Node) Run(ctx context.Context) error {
	ticker := n.clock.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("node stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			n.Step()
		}
	}
}

// Step runs one cooperative slice: boot bookkeeping, inbound drain, strike
// triggers, timers, and one dissemination attempt. The simulator calls it
// directly under a virtual clock.
func (n *Node) Step() {
	now := n.clock.Now()
	if !n.booted {
		n.boot(now)
	}

	for {
		raw, ok := n.transport.TryReceive()
		if !ok {
			break
		}
		n.handleRaw(raw, n.clock.Now())
	}

	n.drainTriggers(now)
	n.stepTimers(now)
	n.engine.Step()
}

// boot completes startup: Idle → Synchronizing, or straight to Operational
// for the sink, which is the time root and has nothing to synchronize to.
func (n *Node) boot(now time.Time) {
	n.booted = true
	n.bootTime = now
	if n.cfg.Role == RoleSink {
		n.setState(StateOperational)
		n.nextBeacon = now // first beacon immediately
	} else {
		n.setState(StateSynchronizing)
		n.beaconDeadline = now.Add(2 * n.syncInterval())
	}
	if n.cfg.HeartbeatInterval > 0 && n.cfg.Role != RoleSink {
		n.nextHeartbeat = now.Add(n.jittered(n.cfg.HeartbeatInterval))
	}
}

func (n *Node) drainTriggers(now time.Time) {
	for {
		select {
		case quality := <-n.strikes:
			n.originateStrike(quality, now)
		default:
			return
		}
	}
}

// stepTimers fires whichever periodic duties are due.
func (n *Node) stepTimers(now time.Time) {
	if n.cfg.Role == RoleSink {
		if !now.Before(n.nextBeacon) {
			n.emitBeacon(now)
			n.nextBeacon = now.Add(n.jittered(n.syncInterval()))
		}
		return
	}

	// Missed-beacon accounting for non-root nodes.
	if !now.Before(n.beaconDeadline) {
		n.missedBeacons++
		n.beaconDeadline = n.beaconDeadline.Add(n.syncInterval())
	}
	if n.state == StateOperational &&
		(!n.sync.Confident() || n.missedBeacons >= n.cfg.Sync.MissedBeaconLimit) {
		n.counters.SyncLapses++
		n.setState(StateSynchronizing)
	}

	if n.cfg.HeartbeatInterval > 0 && !now.Before(n.nextHeartbeat) {
		n.emitHeartbeat(now)
		n.nextHeartbeat = now.Add(n.jittered(n.cfg.HeartbeatInterval))
	}
}

// handleRaw decodes and dispatches one received frame. Malformed frames
// are counted and dropped; they never unwind past the node loop.
func (n *Node) handleRaw(raw []byte, now time.Time) {
	n.counters.FramesReceived++

	f, _, err := wire.Decode(raw)
	if err != nil {
		n.counters.CodecErrors++
		n.logger.Debug("dropping malformed frame", "error", err)
		return
	}
	if f.Origin == n.cfg.ID {
		// Own frame echoed back by the flood.
		return
	}

	switch n.ledger.Observe(f.Origin, f.Seq) {
	case Duplicate:
		n.counters.DuplicatesDropped++
		return
	case Stale:
		n.counters.StaleDropped++
		return
	}

	n.consumeLocal(f, now)

	switch n.cfg.Role {
	case RoleSink:
		n.deliver(f)
	case RoleRelay:
		n.forward(f)
	}
}

// consumeLocal applies a fresh frame to the node's own protocol state.
func (n *Node) consumeLocal(f wire.Frame, now time.Time) {
	switch f.Kind {
	case wire.KindSyncBeacon:
		if n.cfg.Role == RoleSink {
			return // roots do not follow other clocks
		}
		p, err := wire.DecodeSyncBeaconPayload(f.Payload)
		if err != nil {
			n.counters.CodecErrors++
			return
		}
		n.observeBeacon(p, now)
	case wire.KindSyncResponse:
		// Only informative at the time root; logged for diagnostics.
		if n.cfg.Role == RoleSink {
			n.logger.Debug("sync response received", "from", f.Origin)
		}
	}
}

// observeBeacon runs the node's half of a sync exchange: fold the beacon
// into the offset estimate, answer with a SyncResponse, and refine the
// round-trip estimate once that response actually leaves the antenna.
func (n *Node) observeBeacon(p wire.SyncBeaconPayload, receivedAt time.Time) {
	n.sync.ObserveBeacon(p.NetworkTimeMicros, receivedAt)
	n.missedBeacons = 0
	n.beaconDeadline = receivedAt.Add(2 * n.syncInterval())

	resp := wire.SyncResponsePayload{
		BeaconTimeMicros: p.NetworkTimeMicros,
		ReceiveMicros:    n.sync.LocalMicros(receivedAt),
		SendMicros:       n.sync.LocalMicros(n.clock.Now()),
	}
	n.enqueue(wire.KindSyncResponse, resp.Encode(), func(sentAt time.Time) {
		n.sync.ObserveExchange(receivedAt, sentAt)
	})

	if n.state != StateOperational && n.sync.Confident() {
		n.setState(StateOperational)
	}
}

// deliver hands a fresh frame to the bridge consumer. The sink is the
// dissemination terminus: it never re-floods.
func (n *Node) deliver(f wire.Frame) {
	if f.Kind != wire.KindStrikeEvent && f.Kind != wire.KindHeartbeat {
		return
	}
	if err := n.consumer.Consume(f); err != nil {
		n.logger.Warn("bridge consume failed", "kind", f.Kind.String(), "origin", f.Origin, "error", err)
		return
	}
	if f.Kind == wire.KindStrikeEvent {
		n.counters.StrikesDelivered++
	}
}

// forward re-queues a fresh frame with the hop budget consumed by one.
// Frames arriving with a zero budget are dropped, never forwarded.
func (n *Node) forward(f wire.Frame) {
	if f.TTL == 0 {
		n.counters.TTLExpired++
		return
	}
	out := f
	out.TTL--
	if out.Kind == wire.KindSyncBeacon && n.sync.Confident() {
		// Restamp with our own estimate so per-hop latency does not
		// accumulate in the advertised time.
		nt, _ := n.sync.NetworkMicros(n.clock.Now())
		out.Payload = wire.SyncBeaconPayload{NetworkTimeMicros: nt}.Encode()
	}
	if n.engine.Enqueue(out, nil) {
		n.counters.FramesForwarded++
	}
}

// originateStrike stamps and queues one detection.
func (n *Node) originateStrike(quality uint8, now time.Time) {
	nt, confident := n.sync.NetworkMicros(now)
	p := wire.StrikePayload{
		NetworkTimeMicros: nt,
		Quality:           quality,
		LowConfidence:     !confident || n.state != StateOperational,
	}
	if n.enqueue(wire.KindStrikeEvent, p.Encode(), nil) {
		n.counters.StrikesOriginated++
	}
}

func (n *Node) emitBeacon(now time.Time) {
	nt, _ := n.sync.NetworkMicros(now)
	n.enqueue(wire.KindSyncBeacon, wire.SyncBeaconPayload{NetworkTimeMicros: nt}.Encode(), nil)
}

func (n *Node) emitHeartbeat(now time.Time) {
	p := wire.HeartbeatPayload{
		UptimeSeconds: uint32(now.Sub(n.bootTime) / time.Second),
		QueueDepth:    uint8(min(n.engine.Len(), 255)),
	}
	n.enqueue(wire.KindHeartbeat, p.Encode(), nil)
}

// enqueue assigns the next local sequence number and queues an originated
// frame.
func (n *Node) enqueue(kind wire.Kind, payload []byte, onSent func(time.Time)) bool {
	n.seq++
	return n.engine.Enqueue(wire.Frame{
		Origin:  n.cfg.ID,
		Seq:     n.seq,
		Kind:    kind,
		TTL:     n.cfg.TTL,
		Payload: payload,
	}, onSent)
}

func (n *Node) setState(s State) {
	if n.state == s {
		return
	}
	n.logger.Info("state transition", "from", n.state.String(), "to", s.String())
	n.state = s
}

func (n *Node) syncInterval() time.Duration {
	if n.cfg.Sync.BeaconInterval > 0 {
		return n.cfg.Sync.BeaconInterval
	}
	return DefaultSyncConfig().BeaconInterval
}

// jittered spreads an interval by a small random fraction to avoid lockstep
// transmissions between nodes.
func (n *Node) jittered(d time.Duration) time.Duration {
	if n.cfg.Sync.BeaconJitter <= 0 {
		return d
	}
	j := time.Duration(n.rng.Int63n(int64(n.cfg.Sync.BeaconJitter)))
	return d + j
}
