// Package eventlog persists accepted strike events in the exported format
// consumed by the offline analysis tooling: an appendable
// semicolon-separated table with a fixed header row, plus a JSON metadata
// descriptor for simulator-generated logs.
package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// Header is the stable column order of the event log. Changing it breaks
// downstream analysis; treat it as a published interface.
const Header = "origin;seq;network_time_us;confidence;quality"

// Record is one accepted StrikeEvent.
type Record struct {
	Origin            wire.NodeID `json:"origin"`
	Seq               uint32      `json:"seq"`
	NetworkTimeMicros uint64      `json:"network_time_us"`
	LowConfidence     bool        `json:"low_confidence"`
	Quality           uint8       `json:"quality"`
}

// RecordFromFrame decodes a StrikeEvent frame into a log record.
func RecordFromFrame(f wire.Frame) (Record, error) {
	if f.Kind != wire.KindStrikeEvent {
		return Record{}, fmt.Errorf("eventlog: cannot record %s frame", f.Kind)
	}
	p, err := wire.DecodeStrikePayload(f.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: %w", err)
	}
	return Record{
		Origin:            f.Origin,
		Seq:               f.Seq,
		NetworkTimeMicros: p.NetworkTimeMicros,
		LowConfidence:     p.LowConfidence,
		Quality:           p.Quality,
	}, nil
}

// Key returns the record's stable identity, used as the Kafka message key
// so downstream consumers can dedup replays.
func (r Record) Key() string {
	return strconv.FormatUint(uint64(r.Origin), 10) + ":" + strconv.FormatUint(uint64(r.Seq), 10)
}

func (r Record) confidence() string {
	if r.LowConfidence {
		return "low"
	}
	return "high"
}

// Writer appends records to one log destination. Appends are serialized
// through the writer's lock so multiple bridge connections can share a
// single log file.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
}

// NewWriter wraps an open destination and writes the header row.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, Header); err != nil {
		return nil, fmt.Errorf("eventlog: write header: %w", err)
	}
	lw := &Writer{bw: bw}
	if c, ok := w.(io.Closer); ok {
		lw.closer = c
	}
	return lw, nil
}

// Create opens (truncating) a log file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Append writes one record and flushes it, so a crash loses at most the
// record being written.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.bw, "%d;%d;%d;%s;%d\n",
		r.Origin, r.Seq, r.NetworkTimeMicros, r.confidence(), r.Quality)
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	return nil
}

// Close flushes buffered records and closes the underlying file, if the
// writer owns one.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
