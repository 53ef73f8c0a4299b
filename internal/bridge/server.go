// Package bridge accepts sink connections and turns their frame streams
// into event log records. Each physical sink holds one TCP connection; the
// stream carries concatenated encoded frames with no extra framing, and
// corruption is handled by scanning forward to the next plausible frame,
// never by dropping the connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/strike-mesh/internal/eventlog"
	"github.com/couchcryptid/strike-mesh/internal/observability"
	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// Publisher forwards accepted records to an external stream. Implemented
// by the Kafka adapter; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, rec eventlog.Record) error
}

// Server is the bridge listener. Every connection owns its decode state;
// appends to the shared event log are serialized inside the writer.
type Server struct {
	addr      string
	log       *eventlog.Writer
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics

	ready   atomic.Bool
	started chan struct{}
	bound   atomic.Value // net.Addr
	wg      sync.WaitGroup
}

// NewServer creates a bridge server. publisher may be nil.
func NewServer(addr string, log *eventlog.Writer, publisher Publisher, logger *slog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		addr:      addr,
		log:       log,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		started:   make(chan struct{}),
	}
}

// CheckReadiness reports nil once at least one record has been decoded and
// persisted.
func (s *Server) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("no strike records received yet")
	}
	return nil
}

// Started is closed once the listener is bound.
func (s *Server) Started() <-chan struct{} {
	return s.started
}

// Addr returns the bound listen address, or "" before Started.
func (s *Server) Addr() string {
	if a, ok := s.bound.Load().(net.Addr); ok {
		return a.String()
	}
	return ""
}

// Run accepts connections until the context is cancelled, then waits for
// in-flight connections to drain.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.addr, err)
	}
	s.bound.Store(ln.Addr())
	close(s.started)
	s.logger.Info("bridge listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	return nil
}

// serveConn drains one sink's stream until EOF or shutdown.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.logger.Info("sink connected", "remote", remote)
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	scanner := wire.NewScanner()
	var prev wire.ScanStats
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			frames := 0
			for {
				f, ok := scanner.Next()
				if !ok {
					break
				}
				frames++
				s.handleFrame(ctx, f, remote)
			}
			s.metrics.FramesPerRead.Observe(float64(frames))

			stats := scanner.Stats()
			s.metrics.FrameErrors.Add(float64(stats.BadFrames - prev.BadFrames))
			s.metrics.ResyncBytes.Add(float64(stats.SkippedBytes - prev.SkippedBytes))
			if stats.BadFrames > prev.BadFrames {
				s.logger.Warn("stream corruption, resynchronized",
					"remote", remote,
					"bad_frames", stats.BadFrames-prev.BadFrames,
					"skipped_bytes", stats.SkippedBytes-prev.SkippedBytes)
			}
			prev = stats
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Info("sink disconnected", "remote", remote, "error", err)
			}
			return
		}
	}
}

// handleFrame routes one decoded frame. Only StrikeEvents are persisted;
// heartbeats are counted as liveness, sync traffic is mesh-internal and
// should not normally reach the bridge at all.
func (s *Server) handleFrame(ctx context.Context, f wire.Frame, remote string) {
	s.metrics.FramesDecoded.Inc()

	switch f.Kind {
	case wire.KindHeartbeat:
		s.metrics.HeartbeatsSeen.Inc()
	case wire.KindStrikeEvent:
		rec, err := eventlog.RecordFromFrame(f)
		if err != nil {
			s.metrics.FrameErrors.Inc()
			s.logger.Warn("undecodable strike payload", "remote", remote, "error", err)
			return
		}
		s.persist(ctx, rec, remote)
	default:
		s.logger.Debug("ignoring mesh-internal frame on bridge", "kind", f.Kind.String(), "remote", remote)
	}
}

func (s *Server) persist(ctx context.Context, rec eventlog.Record, remote string) {
	start := time.Now()
	if err := s.log.Append(rec); err != nil {
		s.logger.Error("event log append failed", "remote", remote, "error", err)
		return
	}
	s.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	s.metrics.StrikesLogged.Inc()
	if rec.LowConfidence {
		s.metrics.LowConfidence.Inc()
	}
	s.ready.Store(true)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, rec); err != nil {
		s.metrics.PublishErrors.Inc()
		s.logger.Warn("kafka publish failed", "key", rec.Key(), "error", err)
	}
}
