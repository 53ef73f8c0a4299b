package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/strike-mesh/internal/eventlog"
	"github.com/couchcryptid/strike-mesh/internal/node"
	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// Harness runs a scenario to completion under a fake clock. All nodes are
// stepped cooperatively in id order each tick, so a run is a pure function
// of the scenario: equal seeds produce byte-identical event logs.
type Harness struct {
	scenario Scenario
	clock    *clockwork.FakeClock
	air      *Air
	nodes    []*node.Node
	ports    map[wire.NodeID]*Port
	writer   *eventlog.Writer
	logger   *slog.Logger
}

// logConsumer feeds the sink's delivered strikes straight into the event
// log, standing in for the TCP bridge.
type logConsumer struct {
	writer *eventlog.Writer
}

func (c logConsumer) Consume(f wire.Frame) error {
	if f.Kind != wire.KindStrikeEvent {
		return nil
	}
	rec, err := eventlog.RecordFromFrame(f)
	if err != nil {
		return err
	}
	return c.writer.Append(rec)
}

// New builds the medium and nodes for a validated scenario. The event log
// is written to out as the run progresses.
func New(sc Scenario, out io.Writer, logger *slog.Logger) (*Harness, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	// The epoch start keeps uptime-derived values reproducible.
	clock := clockwork.NewFakeClockAt(time.Unix(0, 0).UTC())
	airRNG := rand.New(rand.NewSource(sc.Seed))
	air := NewAir(clock, airRNG, AirConfig{
		Range:   sc.Radio.Range,
		Latency: time.Duration(sc.Radio.Latency),
		LossPPT: sc.Radio.LossPPT,
	})

	writer, err := eventlog.NewWriter(out)
	if err != nil {
		return nil, err
	}
	h := &Harness{
		scenario: sc,
		clock:    clock,
		air:      air,
		ports:    make(map[wire.NodeID]*Port, len(sc.Nodes)),
		writer:   writer,
		logger:   logger,
	}

	specs := append([]NodeSpec(nil), sc.Nodes...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	for _, spec := range specs {
		role, err := node.ParseRole(spec.Role)
		if err != nil {
			return nil, err
		}
		id := wire.NodeID(spec.ID)
		port := air.Attach(id, spec.X, spec.Y)
		h.ports[id] = port

		cfg := node.DefaultConfig(id, role)
		if sc.BeaconInterval > 0 {
			cfg.Sync.BeaconInterval = time.Duration(sc.BeaconInterval)
		}
		if sc.HeartbeatInterval > 0 {
			cfg.HeartbeatInterval = time.Duration(sc.HeartbeatInterval)
		}
		var consumer node.SinkConsumer
		if role == node.RoleSink {
			consumer = logConsumer{writer: h.writer}
		}
		// Per-node stream so one node's jitter draws cannot perturb
		// another's.
		rng := rand.New(rand.NewSource(sc.Seed ^ int64(spec.ID)<<16))
		h.nodes = append(h.nodes, node.New(cfg, port, consumer, clock, rng,
			logger.With("component", "sim")))
	}
	return h, nil
}

// Run advances virtual time tick by tick, firing scheduled strikes and
// stepping every node, then reports run metadata.
func (h *Harness) Run() (Metadata, error) {
	strikes := append([]StrikeSpec(nil), h.scenario.Strikes...)
	sort.SliceStable(strikes, func(i, j int) bool { return strikes[i].At < strikes[j].At })

	start := h.clock.Now()
	tick := time.Duration(h.scenario.Tick)
	total := time.Duration(h.scenario.Duration)

	for elapsed := time.Duration(0); elapsed < total; elapsed += tick {
		h.clock.Advance(tick)
		now := h.clock.Now().Sub(start)

		for len(strikes) > 0 && time.Duration(strikes[0].At) <= now {
			st := strikes[0]
			strikes = strikes[1:]
			if err := h.node(wire.NodeID(st.Node)).Trigger(st.Quality); err != nil {
				h.logger.Warn("strike trigger dropped",
					"node", st.Node, "at", now, "error", err)
			}
		}
		for _, n := range h.nodes {
			n.Step()
		}
	}

	if err := h.writer.Close(); err != nil {
		return Metadata{}, fmt.Errorf("closing event log: %w", err)
	}
	return h.metadata(), nil
}

func (h *Harness) node(id wire.NodeID) *node.Node {
	for _, n := range h.nodes {
		if n.ID() == id {
			return n
		}
	}
	panic(fmt.Sprintf("sim: no node with id %d", id))
}

// NodeMeta records one node's placement and final tallies.
type NodeMeta struct {
	ID         uint16        `json:"id"`
	Role       string        `json:"role"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	State      string        `json:"final_state"`
	InboxDrops uint64        `json:"inbox_drops"`
	Counters   node.Counters `json:"counters"`
}

// Metadata is the machine-readable run descriptor emitted alongside the
// event log.
type Metadata struct {
	Seed          int64      `json:"seed"`
	DurationMs    int64      `json:"duration_ms"`
	TickMs        int64      `json:"tick_ms"`
	RadioRange    float64    `json:"radio_range"`
	RadioLossPPT  int        `json:"radio_loss_ppt"`
	Transmissions uint64     `json:"transmissions"`
	FramesLost    uint64     `json:"frames_lost"`
	Nodes         []NodeMeta `json:"nodes"`
}

func (h *Harness) metadata() Metadata {
	tx, lost := h.air.Stats()
	md := Metadata{
		Seed:          h.scenario.Seed,
		DurationMs:    time.Duration(h.scenario.Duration).Milliseconds(),
		TickMs:        time.Duration(h.scenario.Tick).Milliseconds(),
		RadioRange:    h.scenario.Radio.Range,
		RadioLossPPT:  h.scenario.Radio.LossPPT,
		Transmissions: tx,
		FramesLost:    lost,
	}
	byID := make(map[uint16]NodeSpec, len(h.scenario.Nodes))
	for _, spec := range h.scenario.Nodes {
		byID[spec.ID] = spec
	}
	for _, n := range h.nodes {
		spec := byID[uint16(n.ID())]
		md.Nodes = append(md.Nodes, NodeMeta{
			ID:         uint16(n.ID()),
			Role:       n.Role().String(),
			X:          spec.X,
			Y:          spec.Y,
			State:      n.State().String(),
			InboxDrops: h.ports[n.ID()].Drops(),
			Counters:   n.Counters(),
		})
	}
	return md
}

// WriteMetadata renders run metadata as indented JSON.
func WriteMetadata(w io.Writer, md Metadata) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}
