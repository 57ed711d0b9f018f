package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pagemill/pagemill/internal/pages"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL DEFAULT '',
	page_num     INTEGER NOT NULL DEFAULT 0,
	sequence     INTEGER NOT NULL,
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	processed_at TEXT,
	image_ref    TEXT NOT NULL DEFAULT '',
	thumb_ref    TEXT NOT NULL DEFAULT '',
	text         TEXT NOT NULL DEFAULT '',
	raw_text     TEXT NOT NULL DEFAULT '',
	logs         TEXT NOT NULL DEFAULT '[]',
	outputs      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(status);
CREATE INDEX IF NOT EXISTS idx_pages_source ON pages(source_id);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	filename   TEXT NOT NULL,
	page_count INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_counter (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	next INTEGER NOT NULL
);
INSERT OR IGNORE INTO order_counter (id, next) VALUES (1, 1);
`

// SQLiteStore persists records in a single SQLite database and blobs as
// files under a root directory.
type SQLiteStore struct {
	db       *sql.DB
	blobRoot string
	logger   *slog.Logger
}

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path to the database file.
	Path string
	// BlobRoot is the directory blob refs are resolved against.
	BlobRoot string
	Logger   *slog.Logger
}

// OpenSQLite opens (creating if needed) the SQLite record store.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite does not tolerate concurrent writers on one connection pool well.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug("record store opened", "path", cfg.Path)
	return &SQLiteStore{db: db, blobRoot: cfg.BlobRoot, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutPage(ctx context.Context, p *pages.Page) error {
	if !pages.Valid(p.Status) {
		return fmt.Errorf("unknown page status %q", p.Status)
	}
	logs, err := json.Marshal(p.Logs)
	if err != nil {
		return fmt.Errorf("failed to encode logs: %w", err)
	}
	outputs, err := json.Marshal(p.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	var processedAt any
	if p.ProcessedAt != nil {
		processedAt = p.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pages (id, source_id, page_num, sequence, status, progress,
			created_at, updated_at, processed_at, image_ref, thumb_ref, text, raw_text, logs, outputs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id=excluded.source_id, page_num=excluded.page_num,
			sequence=excluded.sequence, status=excluded.status,
			progress=excluded.progress, updated_at=excluded.updated_at,
			processed_at=excluded.processed_at, image_ref=excluded.image_ref,
			thumb_ref=excluded.thumb_ref, text=excluded.text,
			raw_text=excluded.raw_text, logs=excluded.logs, outputs=excluded.outputs`,
		p.ID, p.SourceID, p.PageNum, p.Sequence, string(p.Status), p.Progress,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		processedAt, p.ImageRef, p.ThumbRef, p.Text, p.RawText, string(logs), string(outputs))
	if err != nil {
		return fmt.Errorf("failed to put page %s: %w", p.ID, err)
	}
	return nil
}

const pageColumns = `id, source_id, page_num, sequence, status, progress,
	created_at, updated_at, processed_at, image_ref, thumb_ref, text, raw_text, logs, outputs`

func scanPage(row interface{ Scan(...any) error }) (*pages.Page, error) {
	var (
		p                     pages.Page
		status                string
		created, updated      string
		processed             sql.NullString
		logsJSON, outputsJSON string
	)
	err := row.Scan(&p.ID, &p.SourceID, &p.PageNum, &p.Sequence, &status, &p.Progress,
		&created, &updated, &processed, &p.ImageRef, &p.ThumbRef, &p.Text, &p.RawText,
		&logsJSON, &outputsJSON)
	if err != nil {
		return nil, err
	}

	p.Status = pages.Status(status)
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if processed.Valid {
		t, err := time.Parse(time.RFC3339Nano, processed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse processed_at: %w", err)
		}
		p.ProcessedAt = &t
	}
	if err := json.Unmarshal([]byte(logsJSON), &p.Logs); err != nil {
		return nil, fmt.Errorf("failed to decode logs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &p.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetPage(ctx context.Context, id string) (*pages.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) DeletePages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete pages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPages(ctx context.Context) ([]*pages.Page, error) {
	return s.queryPages(ctx, `SELECT `+pageColumns+` FROM pages ORDER BY sequence`)
}

func (s *SQLiteStore) PagesByStatus(ctx context.Context, statuses ...pages.Status) ([]*pages.Page, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryPages(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE status IN (`+placeholders+`) ORDER BY sequence`, args...)
}

func (s *SQLiteStore) queryPages(ctx context.Context, query string, args ...any) ([]*pages.Page, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var out []*pages.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSequences(ctx context.Context, seqs map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reorder: %w", err)
	}
	defer tx.Rollback()

	for id, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pages SET sequence = ?, updated_at = ? WHERE id = ?`,
			seq, time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
			return fmt.Errorf("failed to renumber page %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutSource(ctx context.Context, src *pages.Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, filename, page_count, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename=excluded.filename, page_count=excluded.page_count, size=excluded.size`,
		src.ID, src.Filename, src.PageCount, src.Size, src.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put source %s: %w", src.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*pages.Source, error) {
	var (
		src     pages.Source
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, page_count, size, created_at FROM sources WHERE id = ?`, id).
		Scan(&src.ID, &src.Filename, &src.PageCount, &src.Size, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source %s: %w", id, err)
	}
	if src.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &src, nil
}

func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete source %s: %w", id, err)
	}
	return nil
}

// ReserveOrder reserves n consecutive sequence numbers in one transaction.
func (s *SQLiteStore) ReserveOrder(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid reservation size %d", n)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback()

	var first int64
	if err := tx.QueryRowContext(ctx, `SELECT next FROM order_counter WHERE id = 1`).Scan(&first); err != nil {
		return 0, fmt.Errorf("failed to read order counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE order_counter SET next = next + ? WHERE id = 1`, n); err != nil {
		return 0, fmt.Errorf("failed to advance order counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return first, nil
}

func (s *SQLiteStore) blobPath(ref string) (string, error) {
	cleaned := filepath.Clean(ref)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(s.blobRoot, cleaned), nil
}

func (s *SQLiteStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	path, err := s.blobPath(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", ref, err)
	}
	return nil
}

func (s *SQLiteStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.blobPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}

func (s *SQLiteStore) DeleteBlob(ctx context.Context, ref string) error {
	path, err := s.blobPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", ref, err)
	}
	return nil
}

// Verify interface compliance
var _ Store = (*SQLiteStore)(nil)
