// Package sim drives the protocol stack without hardware: multiple nodes
// share an in-process radio medium with contention, latency, and loss, all
// under a virtual clock. A scripted scenario produces the identical event
// log format as the bridge server, which is what makes simulated and field
// data analyzable by the same tooling.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/strike-mesh/internal/node"
	"github.com/couchcryptid/strike-mesh/internal/wire"
)

// AirConfig models the shared radio medium.
type AirConfig struct {
	// Range is the maximum distance between two nodes that can hear each
	// other, in scenario units.
	Range float64
	// Latency is the time a frame spends in the air; the medium is
	// occupied for this long per transmission (half-duplex).
	Latency time.Duration
	// LossPPT is the per-receiver probability of losing a frame, in
	// parts per thousand.
	LossPPT int
	// InboxCapacity bounds each port's delivery queue.
	InboxCapacity int
}

// DefaultAirConfig mirrors the reference LoRa test network: ~80 ms time on
// air, 30 unit range.
func DefaultAirConfig() AirConfig {
	return AirConfig{
		Range:         30,
		Latency:       80 * time.Millisecond,
		LossPPT:       0,
		InboxCapacity: 32,
	}
}

// Air is the simulated shared medium. One mutex guards all ports so the
// harness may drive nodes from one goroutine or several.
type Air struct {
	clock clockwork.Clock
	rng   *rand.Rand
	cfg   AirConfig

	mu        sync.Mutex
	ports     []*Port
	busyUntil time.Time

	transmissions uint64
	lost          uint64
}

// NewAir creates a medium. Zero-value config fields fall back to
// DefaultAirConfig.
func NewAir(clock clockwork.Clock, rng *rand.Rand, cfg AirConfig) *Air {
	def := DefaultAirConfig()
	if cfg.Range <= 0 {
		cfg.Range = def.Range
	}
	if cfg.Latency <= 0 {
		cfg.Latency = def.Latency
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = def.InboxCapacity
	}
	return &Air{clock: clock, rng: rng, cfg: cfg}
}

// Attach places a node's antenna at (x, y) and returns its transport.
func (a *Air) Attach(id wire.NodeID, x, y float64) *Port {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &Port{air: a, id: id, x: x, y: y}
	a.ports = append(a.ports, p)
	return p
}

// Stats reports medium-level tallies: total transmissions and deliveries
// suppressed by the loss model.
func (a *Air) Stats() (transmissions, lost uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transmissions, a.lost
}

// delivery is one frame en route to a port.
type delivery struct {
	at   time.Time
	data []byte
}

// Port is one node's attachment to the medium. It implements
// node.Transport.
type Port struct {
	air   *Air
	id    wire.NodeID
	x, y  float64
	inbox []delivery
	drops uint64
}

// TrySend broadcasts a frame to every port in range. Busy while another
// transmission occupies the medium, which is what exercises the
// dissemination engine's backoff under contention.
func (p *Port) TrySend(frame []byte) node.SendStatus {
	a := p.air
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if now.Before(a.busyUntil) {
		return node.Busy
	}
	a.busyUntil = now.Add(a.cfg.Latency)
	a.transmissions++

	arrive := now.Add(a.cfg.Latency)
	for _, q := range a.ports {
		if q == p {
			continue
		}
		if distance(p, q) > a.cfg.Range {
			continue
		}
		if a.cfg.LossPPT > 0 && a.rng.Intn(1000) < a.cfg.LossPPT {
			a.lost++
			continue
		}
		if len(q.inbox) >= a.cfg.InboxCapacity {
			q.drops++
			continue
		}
		q.inbox = append(q.inbox, delivery{at: arrive, data: append([]byte(nil), frame...)})
	}
	return node.Sent
}

// TryReceive pops the next frame whose flight time has elapsed.
func (p *Port) TryReceive() ([]byte, bool) {
	a := p.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(p.inbox) == 0 || a.clock.Now().Before(p.inbox[0].at) {
		return nil, false
	}
	d := p.inbox[0]
	p.inbox = p.inbox[1:]
	return d.data, true
}

// Drops reports deliveries discarded because the port's inbox was full.
func (p *Port) Drops() uint64 {
	p.air.mu.Lock()
	defer p.air.mu.Unlock()
	return p.drops
}

func distance(p, q *Port) float64 {
	dx, dy := p.x-q.x, p.y-q.y
	return math.Sqrt(dx*dx + dy*dy)
}
