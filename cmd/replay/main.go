// Command replay decodes a compressed movement log
// (moves_proc_<rank>.jsonl.zst) back into semicolon-separated rows on
// stdout, optionally filtered to one agent.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/klauspost/compress/zstd"

	"gridlock.dev/internal/sim"
)

func main() {
	agent := flag.String("agent", "", "only print moves of this agent id")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: replay [-agent ID] <moves_proc_N.jsonl.zst>")
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		logger.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	fmt.Fprintln(out, "AGENT;LINK;ENTER_TIME;TIME_ON_LINK;PATH;LINK_IN_PATH")

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var ev sim.MoveEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			logger.Fatalf("line %d: %v", line, err)
		}
		if *agent != "" && ev.AgentID != *agent {
			continue
		}
		fmt.Fprintf(out, "%s;%s;%g;%g;%d;%d\n",
			ev.AgentID, ev.Link, ev.EnterTime, ev.TimeOnLink, ev.PathIdx, ev.LinkIdx)
	}
	if err := sc.Err(); err != nil {
		logger.Fatalf("read: %v", err)
	}
}
