package sim

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TRANSIMS trip table columns (comma-separated).
const (
	tripColHousehold = 0
	tripColPerson    = 1
	tripColMode      = 4
	tripColStart     = 6
	tripColOrigin    = 7
	tripColEnd       = 8
	tripColDest      = 9
	tripMinFields    = 10
)

// Retained TRANSIMS modes.
const (
	modeCarDriver = 1
	modeTaxi      = 2
)

// TransimsTripOptions tunes the TRANSIMS trip reader.
type TransimsTripOptions struct {
	// CorrectStartTime clamps a trip's start forward to the previous
	// trip's end when the input is inconsistent.
	CorrectStartTime bool
}

// LoadTripsTransims reads a TRANSIMS trip file. Rows are grouped by
// consecutive (household, person) pairs; only car-driver and taxi
// trips are retained, and activity locations are remapped to network
// nodes through actLocNodes. Agents whose first trip starts outside
// this worker's strip are skipped.
func LoadTripsTransims(path string, rank int, actLocNodes map[string]string, opts TransimsTripOptions, owns func(nodeID string) (bool, error)) ([]*Agent, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var agents []*Agent
	nTrips := 0

	var (
		curHH, curPerson string
		haveAgent        bool
		trips            []Trip
		prevEnd          float64
	)

	flush := func() error {
		if !haveAgent || len(trips) == 0 {
			trips = nil
			return nil
		}
		local, err := owns(trips[0].Origin)
		if err != nil {
			return err
		}
		if local {
			id := fmt.Sprintf("%s-%s", curHH, curPerson)
			agents = append(agents, NewAgent(id, rank, trips))
		}
		trips = nil
		return nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if first {
			first = false
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < tripMinFields {
			return nil, 0, fmt.Errorf("trips %s:%d: want %d fields, got %d", path, lineNo, tripMinFields, len(fields))
		}

		hh := strings.TrimSpace(fields[tripColHousehold])
		person := strings.TrimSpace(fields[tripColPerson])
		mode, err := strconv.Atoi(strings.TrimSpace(fields[tripColMode]))
		if err != nil {
			return nil, 0, fmt.Errorf("trips %s:%d mode: %w", path, lineNo, err)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(fields[tripColStart]), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("trips %s:%d start: %w", path, lineNo, err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(fields[tripColEnd]), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("trips %s:%d end: %w", path, lineNo, err)
		}
		origLoc := strings.TrimSpace(fields[tripColOrigin])
		destLoc := strings.TrimSpace(fields[tripColDest])

		orig, ok := actLocNodes[origLoc]
		if !ok {
			return nil, 0, fmt.Errorf("trips %s:%d: unknown activity location %q", path, lineNo, origLoc)
		}
		dest, ok := actLocNodes[destLoc]
		if !ok {
			return nil, 0, fmt.Errorf("trips %s:%d: unknown activity location %q", path, lineNo, destLoc)
		}

		if hh != curHH || person != curPerson {
			if err := flush(); err != nil {
				return nil, 0, err
			}
			curHH, curPerson = hh, person
			haveAgent = true
			prevEnd = 0
		}

		if opts.CorrectStartTime && start < prevEnd {
			start = prevEnd
		}
		if orig != dest && (mode == modeCarDriver || mode == modeTaxi) {
			trips = append(trips, Trip{Origin: orig, Destination: dest, Start: start})
			nTrips++
		}
		prevEnd = end
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return agents, nTrips, nil
}
