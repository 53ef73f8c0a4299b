package node

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// SyncConfig tunes the time synchronization unit.
type SyncConfig struct {
	// BeaconInterval is how often the sink advertises network time.
	BeaconInterval time.Duration
	// BeaconJitter is the random spread added per beacon to avoid
	// collisions between neighboring time roots.
	BeaconJitter time.Duration
	// Smoothing is the EWMA weight of a new offset sample, in (0, 1].
	Smoothing float64
	// ConfidenceWindow is how long an offset estimate stays trustworthy
	// without a successful exchange.
	ConfidenceWindow time.Duration
	// InitialRTT seeds the round-trip estimate before any exchange has
	// been measured.
	InitialRTT time.Duration
	// MissedBeaconLimit is how many expected beacons may pass unheard
	// before the node regresses to Synchronizing.
	MissedBeaconLimit int
}

// DefaultSyncConfig mirrors the timing of the reference radio network:
// 30 s beacons, an 80 ms nominal time on air.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BeaconInterval:    30 * time.Second,
		BeaconJitter:      2 * time.Second,
		Smoothing:         0.25,
		ConfidenceWindow:  2 * time.Minute,
		InitialRTT:        160 * time.Millisecond,
		MissedBeaconLimit: 3,
	}
}

// TimeSync maintains a node's estimate of network-reference time. Local
// time is microseconds since boot; the unit tracks the offset
// (network − local) as an exponentially weighted average so single noisy
// exchanges cannot yank the clock around. The sink is the time root: its
// unit is pinned with offset zero and permanent confidence.
type TimeSync struct {
	clock clockwork.Clock
	cfg   SyncConfig
	boot  time.Time

	root       bool
	haveOffset bool
	offset     float64 // micros, network − local
	rtt        float64 // micros, smoothed round-trip estimate
	lastUpdate time.Time
}

// NewTimeSync creates a unit for a regular node. Zero-value config fields
// fall back to DefaultSyncConfig.
func NewTimeSync(clock clockwork.Clock, cfg SyncConfig) *TimeSync {
	def := DefaultSyncConfig()
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = def.BeaconInterval
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.ConfidenceWindow <= 0 {
		cfg.ConfidenceWindow = def.ConfidenceWindow
	}
	if cfg.InitialRTT <= 0 {
		cfg.InitialRTT = def.InitialRTT
	}
	if cfg.MissedBeaconLimit <= 0 {
		cfg.MissedBeaconLimit = def.MissedBeaconLimit
	}
	return &TimeSync{
		clock: clock,
		cfg:   cfg,
		boot:  clock.Now(),
		rtt:   float64(cfg.InitialRTT.Microseconds()),
	}
}

// NewRootTimeSync creates the sink's unit: local uptime is the network
// timeline by definition.
func NewRootTimeSync(clock clockwork.Clock, cfg SyncConfig) *TimeSync {
	ts := NewTimeSync(clock, cfg)
	ts.root = true
	ts.haveOffset = true
	return ts
}

// LocalMicros maps an instant to microseconds since boot.
func (ts *TimeSync) LocalMicros(t time.Time) uint64 {
	d := t.Sub(ts.boot)
	if d < 0 {
		return 0
	}
	return uint64(d.Microseconds())
}

// ObserveBeacon folds one beacon into the offset estimate:
//
//	offset = beacon_network_time + round_trip/2 − local_receive_time
//
// using the current smoothed round-trip estimate for the propagation term.
func (ts *TimeSync) ObserveBeacon(beaconMicros uint64, receivedAt time.Time) {
	if ts.root {
		return
	}
	local := float64(ts.LocalMicros(receivedAt))
	sample := float64(beaconMicros) + ts.rtt/2 - local

	if !ts.haveOffset {
		ts.offset = sample
		ts.haveOffset = true
	} else {
		ts.offset += ts.cfg.Smoothing * (sample - ts.offset)
	}
	ts.lastUpdate = ts.clock.Now()
}

// ObserveExchange refines the round-trip estimate from a completed
// beacon/response exchange: the interval between hearing the beacon and the
// transport finishing the response transmission brackets one message's
// processing plus air time, so twice that interval approximates the round
// trip.
func (ts *TimeSync) ObserveExchange(beaconReceivedAt, responseSentAt time.Time) {
	if ts.root {
		return
	}
	turn := responseSentAt.Sub(beaconReceivedAt)
	if turn <= 0 {
		return
	}
	sample := float64(2 * turn.Microseconds())
	ts.rtt += ts.cfg.Smoothing * (sample - ts.rtt)
}

// NetworkMicros maps an instant onto the network timeline using the best
// current offset. The second return value is false while the estimate is
// low-confidence: never synchronized, or aged past the confidence window.
// Partial information is preferred over silence, so a best-effort value is
// returned even then.
func (ts *TimeSync) NetworkMicros(t time.Time) (uint64, bool) {
	local := ts.LocalMicros(t)
	if ts.root {
		return local, true
	}
	if !ts.haveOffset {
		return local, false
	}
	est := float64(local) + ts.offset
	if est < 0 {
		est = 0
	}
	return uint64(est), ts.Confident()
}

// Confident reports whether the offset estimate is within the confidence
// window.
func (ts *TimeSync) Confident() bool {
	if ts.root {
		return true
	}
	if !ts.haveOffset {
		return false
	}
	return ts.clock.Now().Sub(ts.lastUpdate) <= ts.cfg.ConfidenceWindow
}

// Age returns how long ago the last successful exchange happened.
func (ts *TimeSync) Age() time.Duration {
	if ts.root || !ts.haveOffset {
		return 0
	}
	return ts.clock.Now().Sub(ts.lastUpdate)
}
