package sim

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/strike-mesh/internal/node"
)

// Duration parses human-readable values like "80ms" or "2m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// RadioSpec configures the shared medium for a run.
type RadioSpec struct {
	Range   float64  `yaml:"range"`
	Latency Duration `yaml:"latency"`
	LossPPT int      `yaml:"loss_ppt"`
}

// NodeSpec places one node on the plane.
type NodeSpec struct {
	ID   uint16  `yaml:"id"`
	Role string  `yaml:"role"`
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
}

// StrikeSpec schedules a detection trigger on a sensor.
type StrikeSpec struct {
	Node    uint16   `yaml:"node"`
	At      Duration `yaml:"at"`
	Quality uint8    `yaml:"quality"`
}

// Scenario is a complete, reproducible simulation description.
type Scenario struct {
	Seed     int64        `yaml:"seed"`
	Duration Duration     `yaml:"duration"`
	Tick     Duration     `yaml:"tick"`
	Radio    RadioSpec    `yaml:"radio"`
	Nodes    []NodeSpec   `yaml:"nodes"`
	Strikes  []StrikeSpec `yaml:"strikes"`

	// BeaconInterval overrides the sink's sync beacon cadence when set.
	BeaconInterval Duration `yaml:"beacon_interval"`
	// HeartbeatInterval overrides node liveness reporting when set.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// Validate fills defaults and rejects scenarios the harness cannot run.
func (s *Scenario) Validate() error {
	if s.Duration <= 0 {
		s.Duration = Duration(60 * time.Second)
	}
	if s.Tick <= 0 {
		s.Tick = Duration(5 * time.Millisecond)
	}
	if s.Tick > s.Duration {
		return fmt.Errorf("tick %s exceeds duration %s", time.Duration(s.Tick), time.Duration(s.Duration))
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("scenario has no nodes")
	}

	seen := make(map[uint16]node.Role, len(s.Nodes))
	sinks := 0
	for _, n := range s.Nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %d", n.ID)
		}
		role, err := node.ParseRole(n.Role)
		if err != nil {
			return fmt.Errorf("node %d: %w", n.ID, err)
		}
		seen[n.ID] = role
		if role == node.RoleSink {
			sinks++
		}
	}
	if sinks != 1 {
		return fmt.Errorf("scenario needs exactly one sink, found %d", sinks)
	}
	for _, st := range s.Strikes {
		role, ok := seen[st.Node]
		if !ok {
			return fmt.Errorf("strike references unknown node %d", st.Node)
		}
		if role != node.RoleSensor {
			return fmt.Errorf("strike scheduled on non-sensor node %d", st.Node)
		}
		if Duration(st.At) > s.Duration {
			return fmt.Errorf("strike on node %d scheduled at %s, past end of run", st.Node, time.Duration(st.At))
		}
	}
	return nil
}

// RandomScenario scatters nodes over a square area and schedules periodic
// strikes on every sensor. Equal seeds produce equal scenarios.
func RandomScenario(seed int64, nodes int, area, radioRange float64, lossPPT int) Scenario {
	if nodes < 2 {
		nodes = 2
	}
	rng := rand.New(rand.NewSource(seed))
	sc := Scenario{
		Seed:     seed,
		Duration: Duration(90 * time.Second),
		Tick:     Duration(5 * time.Millisecond),
		Radio: RadioSpec{
			Range:   radioRange,
			Latency: Duration(80 * time.Millisecond),
			LossPPT: lossPPT,
		},
	}
	// First node is the sink at the center; roughly a third of the rest
	// relay, the remainder sense.
	sc.Nodes = append(sc.Nodes, NodeSpec{ID: 1, Role: "sink", X: area / 2, Y: area / 2})
	for i := 1; i < nodes; i++ {
		role := "sensor"
		if i%3 == 1 && nodes > 3 {
			role = "relay"
		}
		sc.Nodes = append(sc.Nodes, NodeSpec{
			ID:   uint16(i + 1),
			Role: role,
			X:    rng.Float64() * area,
			Y:    rng.Float64() * area,
		})
	}
	for _, n := range sc.Nodes {
		if n.Role != "sensor" {
			continue
		}
		at := 5*time.Second + time.Duration(rng.Intn(10000))*time.Millisecond
		for at < time.Duration(sc.Duration) {
			sc.Strikes = append(sc.Strikes, StrikeSpec{
				Node:    n.ID,
				At:      Duration(at),
				Quality: uint8(100 + rng.Intn(156)),
			})
			at += 15*time.Second + time.Duration(rng.Intn(20000))*time.Millisecond
		}
	}
	return sc
}
