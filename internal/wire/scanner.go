package wire

import "errors"

// ScanStats summarizes a Scanner's activity for diagnostics.
type ScanStats struct {
	Frames       uint64 // complete frames decoded
	BadFrames    uint64 // decode failures encountered
	SkippedBytes uint64 // bytes discarded while resynchronizing
}

// Scanner extracts frames from a reliable ordered byte stream carrying
// concatenated encoded frames with no outer framing. A decode failure is a
// resynchronization signal, not a stream error: the scanner discards bytes
// until the next plausible frame start (current version byte) and tries
// again.
type Scanner struct {
	buf   []byte
	stats ScanStats
}

func NewScanner() *Scanner {
	return &Scanner{buf: make([]byte, 0, 4096)}
}

// Feed appends stream bytes to the scan buffer.
func (s *Scanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next complete frame, or false when the buffer holds no
// complete frame yet.
func (s *Scanner) Next() (Frame, bool) {
	for len(s.buf) >= MinFrameLen {
		f, n, err := Decode(s.buf)
		if err == nil {
			s.buf = s.buf[n:]
			s.stats.Frames++
			return f, true
		}
		if errors.Is(err, ErrTruncated) {
			// The claimed payload has not fully arrived. A corrupted
			// length byte resolves itself: once more bytes arrive the
			// checksum fails and we resynchronize below.
			return Frame{}, false
		}
		s.stats.BadFrames++
		s.resync()
	}
	return Frame{}, false
}

// resync discards the presumed-corrupt leading byte, then scans forward to
// the next version byte.
func (s *Scanner) resync() {
	s.buf = s.buf[1:]
	s.stats.SkippedBytes++
	for len(s.buf) > 0 && s.buf[0] != Version {
		s.buf = s.buf[1:]
		s.stats.SkippedBytes++
	}
}

// Stats returns scan counters accumulated so far.
func (s *Scanner) Stats() ScanStats {
	return s.stats
}
