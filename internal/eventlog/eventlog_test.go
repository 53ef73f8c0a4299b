package eventlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/strike-mesh/internal/wire"
)

func TestWriter_AppendsTabularRecords(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	require.NoError(t, w.Append(Record{Origin: 3, Seq: 12, NetworkTimeMicros: 1_500_000, Quality: 200}))
	require.NoError(t, w.Append(Record{Origin: 4, Seq: 1, NetworkTimeMicros: 1_600_000, LowConfidence: true, Quality: 90}))
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, Header, lines[0])
	assert.Equal(t, "3;12;1500000;high;200", lines[1])
	assert.Equal(t, "4;1;1600000;low;90", lines[2])
}

func TestRecordFromFrame(t *testing.T) {
	f := wire.Frame{
		Origin:  9,
		Seq:     44,
		Kind:    wire.KindStrikeEvent,
		TTL:     2,
		Payload: wire.StrikePayload{NetworkTimeMicros: 777, Quality: 31, LowConfidence: true}.Encode(),
	}
	rec, err := RecordFromFrame(f)
	require.NoError(t, err)
	assert.Equal(t, Record{Origin: 9, Seq: 44, NetworkTimeMicros: 777, LowConfidence: true, Quality: 31}, rec)
	assert.Equal(t, "9:44", rec.Key())
}

func TestRecordFromFrame_RejectsOtherKinds(t *testing.T) {
	f := wire.Frame{
		Kind:    wire.KindHeartbeat,
		Payload: wire.HeartbeatPayload{UptimeSeconds: 1}.Encode(),
	}
	_, err := RecordFromFrame(f)
	assert.Error(t, err)
}
