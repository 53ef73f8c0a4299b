package node

import (
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/strike-mesh/internal/wire"
)

type collectingConsumer struct {
	frames []wire.Frame
	err    error
}

func (c *collectingConsumer) Consume(f wire.Frame) error {
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func testNode(t *testing.T, role Role, transport Transport, consumer SinkConsumer, clock clockwork.Clock) *Node {
	t.Helper()
	cfg := DefaultConfig(100, role)
	cfg.Sync.BeaconJitter = 0 // deterministic timers
	cfg.HeartbeatInterval = 0 // quiet unless a test enables it
	return New(cfg, transport, consumer, clock, rand.New(rand.NewSource(7)), slog.Default())
}

func beaconFrame(seq uint32, networkMicros uint64) wire.Frame {
	return wire.Frame{
		Origin:  1,
		Seq:     seq,
		Kind:    wire.KindSyncBeacon,
		TTL:     8,
		Payload: wire.SyncBeaconPayload{NetworkTimeMicros: networkMicros}.Encode(),
	}
}

func TestNode_BootEntersSynchronizing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := testNode(t, RoleSensor, &fakeTransport{}, nil, clock)

	assert.Equal(t, StateIdle, n.State())
	n.Step()
	assert.Equal(t, StateSynchronizing, n.State())
}

func TestNode_SinkBootsOperational(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleSink, transport, &collectingConsumer{}, clock)

	n.Step()
	assert.Equal(t, StateOperational, n.State())

	// The sink is the time root and emits the first beacon straight away.
	frames := transport.sentFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.KindSyncBeacon, frames[0].Kind)
}

func TestNode_BeaconSyncsAndAnswers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleSensor, transport, nil, clock)
	n.Step() // boot

	transport.deliver(t, beaconFrame(1, 500_000_000))
	n.Step()

	assert.Equal(t, StateOperational, n.State())
	frames := transport.sentFrames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.KindSyncResponse, frames[0].Kind)
	resp, err := wire.DecodeSyncResponsePayload(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), resp.BeaconTimeMicros)
}

func TestNode_StrikeWhileSynchronizingIsLowConfidence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleSensor, transport, nil, clock)
	n.Step()

	require.NoError(t, n.Trigger(180))
	n.Step()

	frames := transport.sentFrames(t)
	require.Len(t, frames, 1)
	require.Equal(t, wire.KindStrikeEvent, frames[0].Kind)
	p, err := wire.DecodeStrikePayload(frames[0].Payload)
	require.NoError(t, err)
	assert.True(t, p.LowConfidence, "unsynced detections must be flagged, not dropped")
	assert.Equal(t, uint8(180), p.Quality)
	assert.Equal(t, uint64(1), n.Counters().StrikesOriginated)
}

func TestNode_StrikeAfterSyncIsConfident(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleSensor, transport, nil, clock)
	n.Step()

	transport.deliver(t, beaconFrame(1, 500_000_000))
	n.Step()

	clock.Advance(time.Second)
	require.NoError(t, n.Trigger(99))
	n.Step()

	frames := transport.sentFrames(t)
	require.Len(t, frames, 2) // sync response, then the strike
	p, err := wire.DecodeStrikePayload(frames[1].Payload)
	require.NoError(t, err)
	assert.False(t, p.LowConfidence)
	// Stamped on the network timeline: beacon time + rtt/2 + 1 s elapsed.
	assert.InDelta(t, 501_000_000, float64(p.NetworkTimeMicros), 200_000)
}

func TestNode_TriggerRejectedForRelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	n := testNode(t, RoleRelay, &fakeTransport{}, nil, clock)
	assert.ErrorIs(t, n.Trigger(1), ErrNotSensor)
}

func TestNode_RelayForwardsFreshOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleRelay, transport, nil, clock)
	n.Step()

	f := strikeFrame(42, 7)
	transport.deliver(t, f)
	transport.deliver(t, f) // flood duplicate
	n.Step()
	n.Step()

	frames := transport.sentFrames(t)
	require.Len(t, frames, 1, "duplicates must not be retransmitted")
	assert.Equal(t, f.Origin, frames[0].Origin)
	assert.Equal(t, f.Seq, frames[0].Seq)
	assert.Equal(t, f.TTL-1, frames[0].TTL, "hop budget decrements per hop")
	assert.Equal(t, uint64(1), n.Counters().DuplicatesDropped)
}

func TestNode_RelayDropsExhaustedTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleRelay, transport, nil, clock)
	n.Step()

	f := strikeFrame(42, 7)
	f.TTL = 0
	transport.deliver(t, f)
	n.Step()
	n.Step()

	assert.Empty(t, transport.sent, "zero hop budget is never forwarded")
	assert.Equal(t, uint64(1), n.Counters().TTLExpired)
}

func TestNode_SinkDeliversWithoutReflooding(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	consumer := &collectingConsumer{}
	n := testNode(t, RoleSink, transport, consumer, clock)
	n.Step() // boot + first beacon

	transport.deliver(t, strikeFrame(42, 7))
	n.Step()
	n.Step()

	require.Len(t, consumer.frames, 1)
	assert.Equal(t, wire.KindStrikeEvent, consumer.frames[0].Kind)
	assert.Equal(t, uint64(1), n.Counters().StrikesDelivered)

	// Only the sink's own beacon went out; the strike was not re-flooded.
	for _, f := range transport.sentFrames(t) {
		assert.NotEqual(t, wire.KindStrikeEvent, f.Kind)
	}
}

func TestNode_MalformedFramesAreCountedNotFatal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleRelay, transport, nil, clock)
	n.Step()

	transport.inbox = append(transport.inbox, []byte{0xFF, 0x00, 0x01})
	garbled, err := wire.Encode(strikeFrame(9, 1))
	require.NoError(t, err)
	garbled[len(garbled)-1] ^= 0xFF
	transport.inbox = append(transport.inbox, garbled)

	n.Step()
	assert.Equal(t, uint64(2), n.Counters().CodecErrors)
}

func TestNode_ConfidenceExpiryRegressesToSynchronizing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	n := testNode(t, RoleSensor, transport, nil, clock)
	n.Step()

	transport.deliver(t, beaconFrame(1, 500_000_000))
	n.Step()
	require.Equal(t, StateOperational, n.State())

	// No further beacons: confidence ages out.
	clock.Advance(10 * time.Minute)
	n.Step()
	assert.Equal(t, StateSynchronizing, n.State())
	assert.Equal(t, uint64(1), n.Counters().SyncLapses)

	// Subsequent detections carry the low-confidence flag.
	require.NoError(t, n.Trigger(50))
	n.Step()
	frames := transport.sentFrames(t)
	last := frames[len(frames)-1]
	require.Equal(t, wire.KindStrikeEvent, last.Kind)
	p, err := wire.DecodeStrikePayload(last.Payload)
	require.NoError(t, err)
	assert.True(t, p.LowConfidence)
}

func TestNode_HeartbeatCarriesUptime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	cfg := DefaultConfig(100, RoleSensor)
	cfg.Sync.BeaconJitter = 0
	cfg.HeartbeatInterval = time.Minute
	n := New(cfg, transport, nil, clock, rand.New(rand.NewSource(7)), slog.Default())
	n.Step()

	clock.Advance(time.Minute)
	n.Step()
	n.Step()

	frames := transport.sentFrames(t)
	require.NotEmpty(t, frames)
	hb := frames[0]
	require.Equal(t, wire.KindHeartbeat, hb.Kind)
	p, err := wire.DecodeHeartbeatPayload(hb.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(60), p.UptimeSeconds)
}
