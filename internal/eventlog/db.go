package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB is the local record journal. Every record is written here before it is
// queued for shipping, so records survive an open circuit breaker.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the journal at path. ":memory:" is accepted for tests.
func OpenDB(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate eventlog: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			ts INTEGER NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			shipped INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_run ON records(run_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_records_shipped ON records(shipped, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Insert writes a record. Re-inserting an existing ID is a no-op.
func (d *DB) Insert(ctx context.Context, r Record) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	if r.Fields == nil {
		fields = []byte("{}")
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (id, run_id, level, category, message, fields, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, string(r.Level), string(r.Category), r.Message, string(fields), r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	return nil
}

// MarkShipped records that the given records were accepted as part of batchID.
func (d *DB) MarkShipped(ctx context.Context, batchID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, batchID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := d.db.ExecContext(ctx,
		`UPDATE records SET shipped = 1, batch_id = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark batch %s shipped: %w", batchID, err)
	}
	return nil
}

// Unshipped returns up to limit records not yet accepted by the backend, oldest first.
func (d *DB) Unshipped(ctx context.Context, limit int) ([]Record, error) {
	return d.query(ctx, `WHERE shipped = 0 ORDER BY ts, rowid LIMIT ?`, limit)
}

// ByRun returns all records for a run, oldest first.
func (d *DB) ByRun(ctx context.Context, runID string) ([]Record, error) {
	return d.query(ctx, `WHERE run_id = ? ORDER BY ts, rowid`, runID)
}

// Count returns the number of records, optionally only unshipped ones.
func (d *DB) Count(ctx context.Context, unshippedOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM records`
	if unshippedOnly {
		q += ` WHERE shipped = 0`
	}
	var n int
	if err := d.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (d *DB) query(ctx context.Context, where string, args ...any) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, run_id, level, category, message, fields, ts FROM records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			level  string
			cat    string
			fields string
			ts     int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &level, &cat, &r.Message, &fields, &ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Level = Level(level)
		r.Category = Category(cat)
		r.Timestamp = time.Unix(0, ts).UTC()
		if fields != "" && fields != "{}" && fields != "null" {
			if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
