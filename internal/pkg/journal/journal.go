// Package journal keeps a local SQLite record of device events so they
// survive broker outages and restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"plc-modbus-go/internal/pkg/eventlog"
	"plc-modbus-go/internal/pkg/logger"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    kind TEXT NOT NULL,
    detail TEXT
);`

const timeLayout = "2006-01-02 15:04:05.000"

// Journal is an eventlog.Sink backed by a SQLite file
type Journal struct {
	db *sql.DB
	lc logger.LoggingClient
}

var _ eventlog.Sink = (*Journal)(nil)

// Open opens (or creates) the journal at path
func Open(path string, lc logger.LoggingClient) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table in %s: %w", path, err)
	}
	lc.Info("journal opened", "path", path)
	return &Journal{db: db, lc: lc}, nil
}

func (j *Journal) Name() string { return "journal" }

// WriteEvents inserts the batch in one transaction
func (j *Journal) WriteEvents(events []eventlog.Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO events(timestamp, kind, detail) VALUES(?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var detail []byte
		if len(e.Detail) > 0 {
			if detail, err = json.Marshal(e.Detail); err != nil {
				tx.Rollback()
				return fmt.Errorf("encode detail of %s event: %w", e.Kind, err)
			}
		}
		if _, err := stmt.Exec(e.Timestamp.UTC().Format(timeLayout), string(e.Kind), nullable(detail)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

func nullable(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// Recent returns up to limit events, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]eventlog.Event, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT timestamp, kind, detail FROM events ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		var (
			ts, kind string
			detail   sql.NullString
		)
		if err := rows.Scan(&ts, &kind, &detail); err != nil {
			return nil, err
		}
		e := eventlog.Event{Kind: eventlog.Kind(kind)}
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", ts, err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("bad detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored events
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}
