package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/accountdeck/schema"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	files INTEGER NOT NULL,
	path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS snapshots_by_account
ON snapshots(account_id, created_at DESC);
`

// Catalog indexes snapshot files in a sqlite database.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens (and migrates) the catalog database at path.
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod catalog: %w", err)
	}
	if _, err := db.ExecContext(ctx, catalogSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

type record struct {
	info schema.SnapshotInfo
	path string
}

func (c *Catalog) insert(ctx context.Context, rec record) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO snapshots(snapshot_id, account_id, reason, created_at, size_bytes, files, path)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, string(rec.info.ID), string(rec.info.AccountID), string(rec.info.Reason), ts(rec.info.CreatedAt), rec.info.SizeBytes, rec.info.Files, rec.path)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (c *Catalog) get(ctx context.Context, id schema.AccountID, snapID schema.SnapshotID) (record, error) {
	query := `
SELECT snapshot_id, account_id, reason, created_at, size_bytes, files, path
FROM snapshots WHERE account_id = ? AND snapshot_id = ?`
	args := []any{string(id), string(snapID)}
	if snapID == "" {
		query = `
SELECT snapshot_id, account_id, reason, created_at, size_bytes, files, path
FROM snapshots WHERE account_id = ?
ORDER BY created_at DESC LIMIT 1`
		args = args[:1]
	}
	rec, err := scanRecord(c.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return record{}, schema.ErrSnapshotNotFound
	}
	return rec, err
}

func (c *Catalog) list(ctx context.Context, id schema.AccountID) ([]record, error) {
	query := `
SELECT snapshot_id, account_id, reason, created_at, size_bytes, files, path
FROM snapshots`
	var args []any
	if id != "" {
		query += ` WHERE account_id = ?`
		args = append(args, string(id))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c *Catalog) delete(ctx context.Context, snapID schema.SnapshotID) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, string(snapID)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record, error) {
	var (
		rec       record
		snapID    string
		accountID string
		reason    string
		createdAt string
	)
	if err := row.Scan(&snapID, &accountID, &reason, &createdAt, &rec.info.SizeBytes, &rec.info.Files, &rec.path); err != nil {
		return record{}, err
	}
	created, err := parseTS(createdAt)
	if err != nil {
		return record{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.info.ID = schema.SnapshotID(snapID)
	rec.info.AccountID = schema.AccountID(accountID)
	rec.info.Reason = schema.RecoveryOp(reason)
	rec.info.CreatedAt = created
	return rec, nil
}

// Fixed-width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}
