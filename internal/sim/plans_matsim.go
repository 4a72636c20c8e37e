package sim

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type matsimPlans struct {
	XMLName xml.Name       `xml:"plans"`
	Persons []matsimPerson `xml:"person"`
}

type matsimPerson struct {
	ID   string      `xml:"id,attr"`
	Acts []matsimAct `xml:"plan>act"`
}

type matsimAct struct {
	EndTime string `xml:"end_time,attr"`
	NodeID  string `xml:"node_id,attr"`
}

// LoadPlansMATSim reads a MATSim plans file and builds the agents
// whose first trip starts in this worker's strip (owns filter). Each
// consecutive pair of activities becomes a trip departing at the
// earlier activity's end time; a final return-to-home trip is
// appended. Trips from a node to itself are dropped at ingest.
//
// Returns the local agents and the total number of trips parsed.
func LoadPlansMATSim(path string, rank int, owns func(nodeID string) (bool, error)) ([]*Agent, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var doc matsimPlans
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("plans %s: %w", path, err)
	}

	var agents []*Agent
	nTrips := 0
	for _, person := range doc.Persons {
		if len(person.Acts) == 0 {
			continue
		}
		home := person.Acts[0].NodeID
		local, err := owns(home)
		if err != nil {
			return nil, 0, fmt.Errorf("plans %s person %s: %w", path, person.ID, err)
		}
		if !local {
			continue
		}

		prevEnd, err := parseClock(person.Acts[0].EndTime)
		if err != nil {
			return nil, 0, fmt.Errorf("plans %s person %s: %w", path, person.ID, err)
		}
		cur := home

		var trips []Trip
		for _, act := range person.Acts[1:] {
			if act.NodeID != cur {
				trips = append(trips, Trip{Origin: cur, Destination: act.NodeID, Start: prevEnd})
				nTrips++
			}
			end, err := parseClock(act.EndTime)
			if err != nil {
				return nil, 0, fmt.Errorf("plans %s person %s: %w", path, person.ID, err)
			}
			prevEnd = end
			cur = act.NodeID
		}

		// Return home after the last activity.
		if cur != home {
			trips = append(trips, Trip{Origin: cur, Destination: home, Start: prevEnd})
			nTrips++
		}

		if len(trips) > 0 {
			agents = append(agents, NewAgent(person.ID, rank, trips))
		}
	}
	return agents, nTrips, nil
}

// parseClock converts "HH:MM:SS" to seconds since midnight.
func parseClock(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("time %q: want HH:MM:SS", s)
	}
	var hms [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, err)
		}
		hms[i] = v
	}
	return float64(hms[0]*3600 + hms[1]*60 + hms[2]), nil
}
