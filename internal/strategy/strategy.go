// Package strategy implements the linear-threshold reroute predicate
// and the on-disk strategy catalog.
package strategy

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Strategy decides whether an agent abandons its planned link when
// congestion signals cross the agent's threshold. The zero value never
// reroutes.
type Strategy struct {
	SinAlpha  float64 `json:"sin_alpha"`
	CosAlpha  float64 `json:"cos_alpha"`
	Theta     float64 `json:"theta"`
	Optimized bool    `json:"optimized"`
}

// New precomputes sin/cos for the given angle (radians) and threshold.
func New(alpha, theta float64) Strategy {
	return Strategy{
		SinAlpha:  math.Sin(alpha),
		CosAlpha:  math.Cos(alpha),
		Theta:     theta,
		Optimized: true,
	}
}

// Reroute evaluates x1*cos(alpha) + x2*sin(alpha) - theta > 0.
// x1 is the realised/free-flow duration ratio of the current trip,
// x2 the saturation of the next planned link.
func (s Strategy) Reroute(x1, x2 float64) bool {
	if !s.Optimized {
		return false
	}
	return x1*s.CosAlpha+x2*s.SinAlpha-s.Theta > 0
}

// ReadCatalog parses a strategies file: one "alpha;theta" pair per
// line, angle in radians.
func ReadCatalog(path string) ([]Strategy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Strategy
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ";")
		if len(parts) != 2 {
			return nil, fmt.Errorf("strategies %s:%d: want alpha;theta, got %q", path, lineNo, line)
		}
		alpha, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("strategies %s:%d alpha: %w", path, lineNo, err)
		}
		theta, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("strategies %s:%d theta: %w", path, lineNo, err)
		}
		out = append(out, New(alpha, theta))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
