package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"

	_ "modernc.org/sqlite"
)

const createDownloads = `
CREATE TABLE IF NOT EXISTS downloads (
	illust_id     INTEGER NOT NULL,
	page          INTEGER NOT NULL,
	file_path     TEXT NOT NULL,
	illust_title  TEXT,
	artist_name   TEXT,
	downloaded_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (illust_id, page)
)`

// column is an additive migration step; existing rows take the default
type column struct {
	name string
	decl string
}

var addedColumns = []column{
	{"tags", "TEXT DEFAULT '[]'"},
	{"bookmark_count", "INTEGER DEFAULT 0"},
	{"view_count", "INTEGER DEFAULT 0"},
	{"is_r18", "INTEGER DEFAULT 0"},
	{"is_ai", "INTEGER DEFAULT 0"},
	{"create_date", "TEXT"},
	{"bookmarked_at", "TEXT"},
	{"metadata_synced", "INTEGER DEFAULT 0"},
}

const selectColumns = `illust_id, page, file_path, illust_title, artist_name, downloaded_at,
	tags, bookmark_count, view_count, is_r18, is_ai, create_date, bookmarked_at, metadata_synced`

// SQLiteLedger implements domain.Ledger on a SQLite database
type SQLiteLedger struct {
	db     *sql.DB
	wmu    sync.Mutex // serializes writers
	logger *slog.Logger
}

var _ domain.Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger opens or creates the database at path and applies migrations.
func NewSQLiteLedger(path string, logger *slog.Logger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite ledger requires a path", domain.ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, domain.LedgerError("mkdir", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.LedgerError("open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, domain.LedgerError("ping", err)
	}

	l := &SQLiteLedger{db: db, logger: logger}
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, domain.LedgerError("migrate", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createDownloads); err != nil {
		return err
	}

	rows, err := l.db.QueryContext(ctx, `PRAGMA table_info(downloads)`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range addedColumns {
		if existing[c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE downloads ADD COLUMN %s %s", c.name, c.decl)
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
		l.logger.Info("ledger column added", "column", c.name)
	}

	_, err = l.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_downloads_pending ON downloads(metadata_synced, illust_id)`)
	return err
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.LedgerRecord, error) {
	var (
		rec                                 domain.LedgerRecord
		title, author, tags                 sql.NullString
		downloadedAt, createdAt, bookmarked sql.NullString
		bookmarks, views                    sql.NullInt64
		r18, ai, synced                     sql.NullInt64
	)
	err := s.Scan(&rec.ItemID, &rec.Part, &rec.Path, &title, &author, &downloadedAt,
		&tags, &bookmarks, &views, &r18, &ai, &createdAt, &bookmarked, &synced)
	if err != nil {
		return rec, err
	}

	rec.Title = title.String
	rec.Author = author.String
	rec.DownloadedAt = parseStoredTime(downloadedAt.String)
	rec.Tags = []string{}
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return rec, fmt.Errorf("decode tags of %d: %w", rec.ItemID, err)
		}
	}
	rec.BookmarkCount = int(bookmarks.Int64)
	rec.ViewCount = int(views.Int64)
	rec.Restricted = r18.Int64 != 0
	rec.AIGenerated = ai.Int64 != 0
	rec.CreatedAt = parseStoredTime(createdAt.String)
	rec.BookmarkedAt = parseStoredTime(bookmarked.String)
	rec.MetadataSynced = synced.Int64 != 0
	return rec, nil
}

func formatStoredTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	return string(data), err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (l *SQLiteLedger) Get(ctx context.Context, itemID int64, part int) (domain.LedgerRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM downloads WHERE illust_id = ? AND page = ?`, itemID, part)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, domain.PartKey{ItemID: itemID, Part: part})
	}
	if err != nil {
		return domain.LedgerRecord{}, domain.LedgerError("get", err)
	}
	return rec, nil
}

func (l *SQLiteLedger) Upsert(ctx context.Context, rec domain.LedgerRecord) error {
	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return domain.LedgerError("encode tags", err)
	}
	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = time.Now()
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO downloads (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(illust_id, page) DO UPDATE SET
			file_path = excluded.file_path,
			illust_title = excluded.illust_title,
			artist_name = excluded.artist_name,
			downloaded_at = excluded.downloaded_at,
			tags = excluded.tags,
			bookmark_count = excluded.bookmark_count,
			view_count = excluded.view_count,
			is_r18 = excluded.is_r18,
			is_ai = excluded.is_ai,
			create_date = excluded.create_date,
			bookmarked_at = excluded.bookmarked_at,
			metadata_synced = excluded.metadata_synced`,
		rec.ItemID, rec.Part, rec.Path, rec.Title, rec.Author, formatStoredTime(rec.DownloadedAt),
		tags, rec.BookmarkCount, rec.ViewCount, boolInt(rec.Restricted), boolInt(rec.AIGenerated),
		formatStoredTime(rec.CreatedAt), formatStoredTime(rec.BookmarkedAt), boolInt(rec.MetadataSynced),
	)
	return domain.LedgerError("upsert", err)
}

func (l *SQLiteLedger) query(ctx context.Context, op, q string, args ...any) ([]domain.LedgerRecord, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.LedgerError(op, err)
	}
	defer rows.Close()

	var records []domain.LedgerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, domain.LedgerError(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.LedgerError(op, err)
	}
	return records, nil
}

func (l *SQLiteLedger) ListByItem(ctx context.Context, itemID int64) ([]domain.LedgerRecord, error) {
	return l.query(ctx, "list item",
		`SELECT `+selectColumns+` FROM downloads WHERE illust_id = ? ORDER BY page ASC`, itemID)
}

func (l *SQLiteLedger) HasItem(ctx context.Context, itemID int64) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM downloads WHERE illust_id = ? LIMIT 1`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.LedgerError("has item", err)
	}
	return true, nil
}

func (l *SQLiteLedger) UpdateMetadata(ctx context.Context, u domain.MetadataUpdate) error {
	tags, err := encodeTags(u.Tags)
	if err != nil {
		return domain.LedgerError("encode tags", err)
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	_, err = l.db.ExecContext(ctx, `
		UPDATE downloads SET
			tags = ?, bookmark_count = ?, view_count = ?, is_r18 = ?, is_ai = ?,
			create_date = COALESCE(?, create_date)
		WHERE illust_id = ?`,
		tags, u.BookmarkCount, u.ViewCount, boolInt(u.Restricted), boolInt(u.AIGenerated),
		formatStoredTime(u.CreatedAt), u.ItemID,
	)
	return domain.LedgerError("update metadata", err)
}

func (l *SQLiteLedger) MarkMetadataSynced(ctx context.Context, itemID int64) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	_, err := l.db.ExecContext(ctx, `UPDATE downloads SET metadata_synced = 1 WHERE illust_id = ?`, itemID)
	return domain.LedgerError("mark synced", err)
}

func (l *SQLiteLedger) PendingMetadata(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT illust_id FROM downloads
		WHERE COALESCE(metadata_synced, 0) = 0
		ORDER BY illust_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, domain.LedgerError("pending metadata", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, domain.LedgerError("pending metadata", err)
		}
		ids = append(ids, id)
	}
	return ids, domain.LedgerError("pending metadata", rows.Err())
}

func (l *SQLiteLedger) CountPendingMetadata(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT illust_id) FROM downloads WHERE COALESCE(metadata_synced, 0) = 0`).Scan(&n)
	if err != nil {
		return 0, domain.LedgerError("count pending", err)
	}
	return n, nil
}

// Each reads the whole table before calling fn so fn may write to the ledger.
func (l *SQLiteLedger) Each(ctx context.Context, fn func(domain.LedgerRecord) error) error {
	records, err := l.query(ctx, "each",
		`SELECT `+selectColumns+` FROM downloads ORDER BY illust_id ASC, page ASC`)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (l *SQLiteLedger) List(ctx context.Context, offset, limit int) ([]domain.LedgerRecord, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	return l.query(ctx, "list",
		`SELECT `+selectColumns+` FROM downloads ORDER BY illust_id ASC, page ASC LIMIT ? OFFSET ?`,
		limit, offset)
}

func (l *SQLiteLedger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	var stats domain.LedgerStats
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT illust_id),
			COUNT(*),
			COUNT(DISTINCT CASE WHEN COALESCE(metadata_synced, 0) = 0 THEN illust_id END)
		FROM downloads`).Scan(&stats.Items, &stats.Parts, &stats.PendingMetadata)
	if err != nil {
		return stats, domain.LedgerError("stats", err)
	}
	return stats, nil
}

// sqliteColumns lists the column names of the downloads table.
func (l *SQLiteLedger) sqliteColumns(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('downloads')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, strings.ToLower(name))
	}
	return names, rows.Err()
}
