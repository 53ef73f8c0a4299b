package node

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func syncCfg() SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.ConfidenceWindow = time.Minute
	cfg.InitialRTT = 100 * time.Millisecond
	return cfg
}

func TestTimeSync_Unsynchronized(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ts := NewTimeSync(clock, syncCfg())

	clock.Advance(5 * time.Second)
	nt, confident := ts.NetworkMicros(clock.Now())
	assert.False(t, confident)
	// Best effort: local uptime is still reported.
	assert.Equal(t, uint64(5_000_000), nt)
	assert.False(t, ts.Confident())
}

func TestTimeSync_ObserveBeaconEstablishesOffset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ts := NewTimeSync(clock, syncCfg())

	// Ten seconds after boot, the network clock reads 100 s.
	clock.Advance(10 * time.Second)
	ts.ObserveBeacon(100_000_000, clock.Now())

	nt, confident := ts.NetworkMicros(clock.Now())
	assert.True(t, confident)
	// offset = beacon + rtt/2 − local = 100s + 50ms − 10s
	assert.Equal(t, uint64(100_050_000), nt)

	// The mapping advances with the local clock.
	clock.Advance(2 * time.Second)
	nt, _ = ts.NetworkMicros(clock.Now())
	assert.Equal(t, uint64(102_050_000), nt)
}

func TestTimeSync_SmoothsJitter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := syncCfg()
	cfg.Smoothing = 0.25
	ts := NewTimeSync(clock, cfg)

	ts.ObserveBeacon(1_000_000, clock.Now())
	before, _ := ts.NetworkMicros(clock.Now())

	// A wildly late beacon sample moves the estimate by only a quarter of
	// the disagreement.
	ts.ObserveBeacon(9_000_000, clock.Now())
	after, _ := ts.NetworkMicros(clock.Now())

	moved := after - before
	assert.Equal(t, uint64(2_000_000), moved)
}

func TestTimeSync_ConfidenceExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ts := NewTimeSync(clock, syncCfg())

	ts.ObserveBeacon(50_000_000, clock.Now())
	assert.True(t, ts.Confident())

	clock.Advance(2 * time.Minute) // past the 1 min window
	assert.False(t, ts.Confident())

	// A best-effort estimate is still produced.
	nt, confident := ts.NetworkMicros(clock.Now())
	assert.False(t, confident)
	assert.NotZero(t, nt)

	// A new exchange restores confidence.
	ts.ObserveBeacon(200_000_000, clock.Now())
	assert.True(t, ts.Confident())
}

func TestTimeSync_ExchangeRefinesRTT(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := syncCfg()
	cfg.Smoothing = 1 // take samples at face value for the assertion
	ts := NewTimeSync(clock, cfg)

	received := clock.Now()
	clock.Advance(40 * time.Millisecond)
	ts.ObserveExchange(received, clock.Now())

	// rtt = 2 × 40 ms; the next beacon is corrected by rtt/2 = 40 ms.
	ts.ObserveBeacon(10_000_000, clock.Now())
	nt, _ := ts.NetworkMicros(clock.Now())
	assert.Equal(t, uint64(10_040_000), nt)
}

func TestTimeSync_RootIsAlwaysConfident(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ts := NewRootTimeSync(clock, syncCfg())

	clock.Advance(time.Hour)
	nt, confident := ts.NetworkMicros(clock.Now())
	assert.True(t, confident)
	assert.Equal(t, uint64(3600_000_000), nt)

	// Beacons from other nodes must not move the root's clock.
	ts.ObserveBeacon(1, clock.Now())
	after, _ := ts.NetworkMicros(clock.Now())
	assert.Equal(t, nt, after)
}
