// Package journal persists every lifecycle and verdict transition of a
// run into a sqlite database under .stackctl/, for post-mortem
// inspection with `stackctl history`.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir journal dir")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping journal")
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			result TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			run_id INTEGER NOT NULL,
			service TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			health TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at DATETIME NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(run_id, at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "migrate journal")
		}
	}
	return nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) BeginRun(ctx context.Context, project string) (int64, error) {
	res, err := j.db.ExecContext(ctx, `INSERT INTO runs (project, started_at) VALUES (?, ?)`,
		project, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "insert run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "run id")
	}
	return id, nil
}

func (j *Journal) FinishRun(ctx context.Context, runID int64, result string) error {
	_, err := j.db.ExecContext(ctx, `UPDATE runs SET finished_at=?, result=? WHERE id=?`,
		time.Now().UTC(), result, runID)
	return errors.Wrap(err, "finish run")
}

func (j *Journal) RecordEvent(ctx context.Context, runID int64, ev registry.Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (run_id, service, kind, state, health, reason, at) VALUES (?,?,?,?,?,?,?)`,
		runID, ev.Service, string(ev.Kind), ev.State.String(), ev.Verdict.Status.String(), ev.Reason, ev.At.UTC())
	return errors.Wrap(err, "insert transition")
}

// Attach registers a bus handler that records every registry event
// under the given run.
func (j *Journal) Attach(bus *registry.Bus, runID int64) {
	bus.AddHandler("journal-recorder", func(msg *message.Message) error {
		// Ack before the insert so publishers never wait on sqlite.
		msg.Ack()
		var ev registry.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return errors.Wrap(err, "unmarshal registry event")
		}
		return j.RecordEvent(context.Background(), runID, ev)
	})
}

type Run struct {
	ID         int64
	Project    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     string
}

func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, project, started_at, finished_at, result FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Project, &r.StartedAt, &r.FinishedAt, &r.Result); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

type Transition struct {
	Service string
	Kind    string
	State   string
	Health  string
	Reason  string
	At      time.Time
}

func (j *Journal) Transitions(ctx context.Context, runID int64) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT service, kind, state, health, reason, at FROM transitions WHERE run_id=? ORDER BY at, rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query transitions")
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.Service, &t.Kind, &t.State, &t.Health, &t.Reason, &t.At); err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate transitions")
}
