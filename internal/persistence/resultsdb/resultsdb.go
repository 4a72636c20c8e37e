// Package resultsdb mirrors the end-of-run outputs into a sqlite
// database so runs can be compared with plain SQL.
package resultsdb

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"gridlock.dev/internal/sim"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	processes   INTEGER NOT NULL,
	nodes       INTEGER NOT NULL,
	links       INTEGER NOT NULL,
	agents      INTEGER NOT NULL,
	ticks       INTEGER NOT NULL,
	trips_done  INTEGER NOT NULL,
	reroutings  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_fitness (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	agent_id TEXT NOT NULL,
	rank     INTEGER NOT NULL,
	fitness  REAL NOT NULL,
	PRIMARY KEY (run_id, agent_id, rank)
);
CREATE TABLE IF NOT EXISTS tick_stats (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	tick            INTEGER NOT NULL,
	agents          INTEGER NOT NULL,
	moving          INTEGER NOT NULL,
	trips_performed INTEGER NOT NULL,
	reroutings      INTEGER NOT NULL,
	PRIMARY KEY (run_id, tick)
);
`

// DB wraps the results database. One writer (rank 0) at a time.
type DB struct {
	db    *sqlx.DB
	runID string
}

// Open creates or opens the database at path and starts a run row.
func Open(path string, processes int) (*DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("results db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("results db schema: %w", err)
	}

	d := &DB{db: db, runID: uuid.NewString()}
	_, err = db.Exec(`INSERT INTO runs (id, started_at, processes, nodes, links, agents, ticks, trips_done, reroutings)
		VALUES (?, ?, ?, 0, 0, 0, 0, 0, 0)`,
		d.runID, time.Now().UTC().Format(time.RFC3339), processes)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("results db run row: %w", err)
	}
	return d, nil
}

func (d *DB) RunID() string { return d.runID }

// FinishRun fills in the run totals.
func (d *DB) FinishRun(nodes, links, agents int, ticks uint64, tripsDone, reroutings int64) error {
	_, err := d.db.Exec(`UPDATE runs SET nodes=?, links=?, agents=?, ticks=?, trips_done=?, reroutings=? WHERE id=?`,
		nodes, links, agents, ticks, tripsDone, reroutings, d.runID)
	return err
}

// InsertFitness stores one rank's agent fitness map.
func (d *DB) InsertFitness(rank int, fitness map[string]float64) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(fitness))
	for id := range fitness {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO agent_fitness (run_id, agent_id, rank, fitness) VALUES (?, ?, ?, ?)`,
			d.runID, id, rank, fitness[id]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertTickStats stores the reduced per-tick aggregates.
func (d *DB) InsertTickStats(rows []sim.TickStats) error {
	tx, err := d.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO tick_stats (run_id, tick, agents, moving, trips_performed, reroutings)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.runID, r.Tick, r.Agents, r.Moving, r.TripsPerformed, r.Rerouting); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) Close() error { return d.db.Close() }
