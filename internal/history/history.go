/*
Copyright © 2020 the VegMAP authors.
This file is part of VegMAP.

VegMAP is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

VegMAP is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with VegMAP.  If not, see <http://www.gnu.org/licenses/>.*/

// Package history keeps a record of classification runs in a SQLite
// database so that runs can be compared and reproduced later.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS vegmap_runs (
	run_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint   TEXT NOT NULL,
	scene         TEXT,
	variable      TEXT,
	clusters      INTEGER,
	iterations    INTEGER,
	inertia       REAL,
	cells         INTEGER,
	output        TEXT,
	started_at    TEXT NOT NULL,
	walltime_secs REAL
);
CREATE INDEX IF NOT EXISTS vegmap_runs_fingerprint ON vegmap_runs(fingerprint);
`

// Run describes one completed classification run.
type Run struct {
	// ID is assigned by the database when the run is recorded.
	ID int64

	// Fingerprint identifies the configuration that produced the run.
	// Runs with equal fingerprints are reproductions of each other.
	Fingerprint string

	// Scene is the path of the scene stack that was classified.
	Scene string

	// Variable is the name of the classified index variable.
	Variable string

	// Clusters is the number of requested clusters.
	Clusters int

	// Iterations is the number of iterations the run took to converge.
	Iterations int

	// Inertia is the total within-cluster variance at convergence.
	Inertia float64

	// Cells is the number of classified grid cells.
	Cells int

	// Output is the path the results were written to.
	Output string

	// StartedAt is when the run started.
	StartedAt time.Time

	// Walltime is how long the run took.
	Walltime time.Duration
}

// Store records classification runs in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens the run history database at path, creating it if it
// doesn't exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run history %s: %v", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing run history %s: %v", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record adds r to the history and sets r.ID.
func (s *Store) Record(r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO vegmap_runs (
			fingerprint, scene, variable, clusters, iterations,
			inertia, cells, output, started_at, walltime_secs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Fingerprint, r.Scene, r.Variable, r.Clusters, r.Iterations,
		r.Inertia, r.Cells, r.Output,
		r.StartedAt.UTC().Format(time.RFC3339), r.Walltime.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("recording run: %v", err)
	}
	r.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("recording run: %v", err)
	}
	return nil
}

// List returns up to limit recorded runs, newest first. If limit <= 0,
// all runs are returned.
func (s *Store) List(limit int) ([]*Run, error) {
	query := `
		SELECT run_id, fingerprint, scene, variable, clusters, iterations,
		       inertia, cells, output, started_at, walltime_secs
		FROM vegmap_runs
		ORDER BY started_at DESC, run_id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %v", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Matching returns the recorded runs with the given configuration
// fingerprint, newest first.
func (s *Store) Matching(fingerprint string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, fingerprint, scene, variable, clusters, iterations,
		       inertia, cells, output, started_at, walltime_secs
		FROM vegmap_runs
		WHERE fingerprint = ?
		ORDER BY started_at DESC, run_id DESC`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %v", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var r Run
	var startedAt string
	var walltime float64
	err := rows.Scan(&r.ID, &r.Fingerprint, &r.Scene, &r.Variable,
		&r.Clusters, &r.Iterations, &r.Inertia, &r.Cells, &r.Output,
		&startedAt, &walltime)
	if err != nil {
		return nil, fmt.Errorf("scanning run: %v", err)
	}
	r.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning run: %v", err)
	}
	r.Walltime = time.Duration(walltime * float64(time.Second))
	return &r, nil
}
