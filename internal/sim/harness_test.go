package sim

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/strike-mesh/internal/eventlog"
	"github.com/couchcryptid/strike-mesh/internal/node"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(bytes.Buffer), &slog.HandlerOptions{Level: slog.LevelError}))
}

func runScenario(t *testing.T, sc Scenario) (string, Metadata) {
	t.Helper()
	var out bytes.Buffer
	h, err := New(sc, &out, discardLogger())
	require.NoError(t, err)
	md, err := h.Run()
	require.NoError(t, err)
	return out.String(), md
}

// logLines strips the header and returns the data rows.
func logLines(t *testing.T, log string) []string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(log), "\n")
	require.NotEmpty(t, lines)
	require.Equal(t, eventlog.Header, lines[0])
	return lines[1:]
}

func nodeMeta(t *testing.T, md Metadata, id uint16) NodeMeta {
	t.Helper()
	for _, n := range md.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("metadata has no node %d", id)
	return NodeMeta{}
}

// The canonical chain: the sensor is out of the sink's range, so every
// strike must ride through the relay, and each one reaches the log exactly
// once despite the flood.
func TestHarness_ChainDeliversEveryStrikeOnce(t *testing.T) {
	sc := chainScenario()
	sc.Strikes = []StrikeSpec{
		{Node: 3, At: Duration(2 * time.Second), Quality: 180},
		{Node: 3, At: Duration(5 * time.Second), Quality: 200},
		{Node: 3, At: Duration(8 * time.Second), Quality: 220},
	}

	log, md := runScenario(t, sc)
	rows := logLines(t, log)
	require.Len(t, rows, 3)

	seen := make(map[string]bool)
	var qualities []string
	for _, row := range rows {
		cols := strings.Split(row, ";")
		require.Len(t, cols, 5)
		assert.Equal(t, "3", cols[0], "all strikes originate at the sensor")
		key := cols[0] + ":" + cols[1]
		assert.False(t, seen[key], "record %s appears more than once", key)
		seen[key] = true
		assert.Equal(t, "high", cols[3], "sensor is synchronized well before the first strike")
		qualities = append(qualities, cols[4])
	}
	assert.ElementsMatch(t, []string{"180", "200", "220"}, qualities)

	sensor := nodeMeta(t, md, 3)
	relay := nodeMeta(t, md, 2)
	sink := nodeMeta(t, md, 1)
	assert.Equal(t, uint64(3), sensor.Counters.StrikesOriginated)
	assert.Equal(t, uint64(3), sink.Counters.StrikesDelivered)
	assert.NotZero(t, relay.Counters.FramesForwarded, "strikes must transit the relay")
	assert.Equal(t, "operational", sensor.State)
	assert.Equal(t, "operational", relay.State)
}

// A detection before the first beacon exchange still ships, flagged low
// confidence; one after synchronization is flagged high.
func TestHarness_ConfidenceFlagTracksSyncState(t *testing.T) {
	sc := chainScenario()
	sc.Strikes = []StrikeSpec{
		{Node: 3, At: Duration(10 * time.Millisecond), Quality: 111},
		{Node: 3, At: Duration(5 * time.Second), Quality: 222},
	}

	log, _ := runScenario(t, sc)
	rows := logLines(t, log)
	require.Len(t, rows, 2)

	confidence := make(map[string]string)
	for _, row := range rows {
		cols := strings.Split(row, ";")
		require.Len(t, cols, 5)
		confidence[cols[4]] = cols[3]
	}
	assert.Equal(t, "low", confidence["111"])
	assert.Equal(t, "high", confidence["222"])
}

func TestHarness_EqualSeedsProduceEqualRuns(t *testing.T) {
	sc := Scenario{
		Seed:     1234,
		Duration: Duration(20 * time.Second),
		Tick:     Duration(5 * time.Millisecond),
		Radio: RadioSpec{
			Range:   30,
			Latency: Duration(20 * time.Millisecond),
			LossPPT: 100,
		},
		BeaconInterval: Duration(2 * time.Second),
		Nodes: []NodeSpec{
			{ID: 1, Role: "sink", X: 30, Y: 30},
			{ID: 2, Role: "relay", X: 15, Y: 30},
			{ID: 3, Role: "sensor", X: 0, Y: 30},
			{ID: 4, Role: "sensor", X: 30, Y: 58},
		},
		Strikes: []StrikeSpec{
			{Node: 3, At: Duration(3 * time.Second), Quality: 120},
			{Node: 4, At: Duration(6 * time.Second), Quality: 160},
			{Node: 3, At: Duration(9 * time.Second), Quality: 140},
			{Node: 4, At: Duration(12 * time.Second), Quality: 180},
		},
	}

	log1, md1 := runScenario(t, sc)
	log2, md2 := runScenario(t, sc)

	assert.Equal(t, log1, log2, "event logs must be byte-identical for equal seeds")
	if diff := cmp.Diff(md1, md2); diff != "" {
		t.Errorf("run metadata differs (-first +second):\n%s", diff)
	}
}

func TestHarness_MetadataDescribesRun(t *testing.T) {
	sc := chainScenario()
	sc.Strikes = []StrikeSpec{{Node: 3, At: Duration(2 * time.Second), Quality: 150}}

	_, md := runScenario(t, sc)

	assert.Equal(t, sc.Seed, md.Seed)
	assert.Equal(t, int64(20000), md.DurationMs)
	assert.Equal(t, int64(5), md.TickMs)
	assert.Equal(t, float64(30), md.RadioRange)
	assert.NotZero(t, md.Transmissions)
	require.Len(t, md.Nodes, 3)
	roles := make(map[uint16]string)
	for _, n := range md.Nodes {
		roles[n.ID] = n.Role
	}
	assert.Equal(t, map[uint16]string{1: "sink", 2: "relay", 3: "sensor"}, roles)

	var buf bytes.Buffer
	require.NoError(t, WriteMetadata(&buf, md))
	assert.Contains(t, buf.String(), `"seed": 7`)
	assert.Contains(t, buf.String(), `"role": "sink"`)
}

func TestHarness_TriggerOnNonSensorIsRefused(t *testing.T) {
	h, err := New(chainScenario(), new(bytes.Buffer), discardLogger())
	require.NoError(t, err)
	require.ErrorIs(t, h.node(2).Trigger(100), node.ErrNotSensor)
}
