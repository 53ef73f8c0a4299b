// Command validate performs integrity checks on a strike event log, as
// produced by the bridge server or the simulator. It verifies the table
// format, per-origin sequence consistency, and — when a run descriptor is
// given — cross-consistency between the log and the simulator metadata.
//
// Usage:
//
//	go run ./cmd/validate -log events.csv [-meta events.csv.meta.json]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/strike-mesh/internal/eventlog"
	"github.com/couchcryptid/strike-mesh/internal/sim"
)

// reorderWindow mirrors the dedup tracker's out-of-order acceptance: a
// sequence number this far behind an origin's high-water mark should never
// have reached the log.
const reorderWindow = 16

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	logPath := flag.String("log", "", "path to the event log")
	metaPath := flag.String("meta", "", "optional simulator metadata JSON for cross-checks")
	flag.Parse()

	if *logPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*logPath, *metaPath); code != 0 {
		os.Exit(code)
	}
}

// row is one parsed log line.
type row struct {
	lineNum       int
	origin        uint64
	seq           uint64
	networkMicros uint64
	confidence    string
	quality       uint64
}

func run(logPath, metaPath string) int {
	fmt.Println("=== Strike Event Log Validation ===")
	fmt.Println()

	rows, formatPhase, err := loadLog(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load event log: %v\n", err)
		return 1
	}

	phases := []*phase{
		formatPhase,
		validateSequences(rows),
	}
	if metaPath != "" {
		md, err := loadMetadata(metaPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load metadata: %v\n", err)
			return 1
		}
		phases = append(phases, validateAgainstMetadata(rows, md))
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Records: %d\n", len(rows))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Phase 1: Table Format ──
// Header row, column count, numeric fields, confidence vocabulary.

func loadLog(path string) ([]row, *phase, error) {
	p := &phase{name: "Phase 1: Table Format"}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, nil, fmt.Errorf("empty file %s", path)
	}
	if sc.Text() != eventlog.Header {
		p.errorf("line 1: header is %q, expected %q", sc.Text(), eventlog.Header)
	}

	var rows []row
	lineNum := 1
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if line == "" {
			p.errorf("line %d: blank line", lineNum)
			continue
		}
		cols := strings.Split(line, ";")
		if len(cols) != 5 {
			p.errorf("line %d: %d columns, expected 5", lineNum, len(cols))
			continue
		}

		r := row{lineNum: lineNum, confidence: cols[3]}
		bad := false
		for _, field := range []struct {
			name string
			val  string
			dst  *uint64
			max  uint64
		}{
			{"origin", cols[0], &r.origin, 0xFFFF},
			{"seq", cols[1], &r.seq, 0xFFFFFFFF},
			{"network_time_us", cols[2], &r.networkMicros, ^uint64(0)},
			{"quality", cols[4], &r.quality, 0xFF},
		} {
			v, err := strconv.ParseUint(field.val, 10, 64)
			if err != nil {
				p.errorf("line %d: %s %q is not numeric", lineNum, field.name, field.val)
				bad = true
				continue
			}
			if v > field.max {
				p.errorf("line %d: %s %d exceeds field range", lineNum, field.name, v)
				bad = true
			}
			*field.dst = v
		}
		if r.confidence != "high" && r.confidence != "low" {
			p.errorf("line %d: confidence %q not in {high, low}", lineNum, r.confidence)
			bad = true
		}
		if !bad {
			rows = append(rows, r)
		}
	}
	return rows, p, sc.Err()
}

// ── Phase 2: Sequence Consistency ──
// Each (origin, seq) pair appears at most once, and no accepted sequence
// trails an origin's high-water mark by more than the reorder window.

func validateSequences(rows []row) *phase {
	p := &phase{name: "Phase 2: Sequence Consistency"}

	seen := map[uint64]map[uint64]int{}
	highWater := map[uint64]uint64{}
	for _, r := range rows {
		if seen[r.origin] == nil {
			seen[r.origin] = map[uint64]int{}
		}
		if prev, dup := seen[r.origin][r.seq]; dup {
			p.errorf("line %d: origin %d seq %d already logged at line %d (dedup breach)",
				r.lineNum, r.origin, r.seq, prev)
			continue
		}
		seen[r.origin][r.seq] = r.lineNum

		if hw := highWater[r.origin]; r.seq+reorderWindow < hw {
			p.errorf("line %d: origin %d seq %d trails high-water %d beyond the reorder window",
				r.lineNum, r.origin, r.seq, hw)
		} else if r.seq > hw {
			highWater[r.origin] = r.seq
		}
	}
	return p
}

// ── Phase 3: Metadata Cross-Check ──
// The simulator's counters must agree with what actually reached the log.

func loadMetadata(path string) (sim.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.Metadata{}, err
	}
	var md sim.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return sim.Metadata{}, err
	}
	return md, nil
}

func validateAgainstMetadata(rows []row, md sim.Metadata) *phase {
	p := &phase{name: "Phase 3: Metadata Cross-Check"}

	sensors := map[uint64]bool{}
	var delivered, originated uint64
	for _, n := range md.Nodes {
		if n.Role == "sensor" {
			sensors[uint64(n.ID)] = true
		}
		delivered += n.Counters.StrikesDelivered
		originated += n.Counters.StrikesOriginated
	}

	if uint64(len(rows)) != delivered {
		p.errorf("log has %d records but sink counters report %d delivered", len(rows), delivered)
	}
	if delivered > originated {
		p.errorf("counters report %d delivered but only %d originated", delivered, originated)
	}
	for _, r := range rows {
		if !sensors[r.origin] {
			p.errorf("line %d: origin %d is not a sensor in the run metadata", r.lineNum, r.origin)
		}
	}
	return p
}
