package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var ErrRuleNotFound = errors.New("automation rule not found")

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_deletions",
			Up: []string{`
CREATE TABLE deletion_records (
	id           TEXT PRIMARY KEY,
	category     TEXT NOT NULL,
	count        INTEGER NOT NULL,
	message_ids  TEXT NOT NULL DEFAULT '[]',
	sender_email TEXT NOT NULL DEFAULT '',
	sender_name  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
)`,
				`CREATE INDEX deletion_records_created ON deletion_records (created_at)`,
			},
			Down: []string{`DROP TABLE deletion_records`},
		},
		{
			Id: "0002_blobs",
			Up: []string{`
CREATE TABLE blobs (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`},
			Down: []string{`DROP TABLE blobs`},
		},
		{
			Id: "0003_rules",
			Up: []string{`
CREATE TABLE automation_rules (
	id                 TEXT PRIMARY KEY,
	category           TEXT NOT NULL,
	older_than_days    INTEGER NOT NULL,
	frequency          TEXT NOT NULL,
	created_at         INTEGER NOT NULL,
	last_run_at        INTEGER,
	messages_processed INTEGER NOT NULL DEFAULT 0
)`},
			Down: []string{`DROP TABLE automation_rules`},
		},
	},
}

// SQLiteStore keeps the deletion log, the reconciliation blob and the
// automation rules in a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
	l  *logrus.Logger
}

// NewSQLiteStore opens (or creates) the database at the given path and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_STORE)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	applied, err := migrate.Exec(db.DB, "sqlite3", migrations, migrate.Up)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	l.WithFields(logrus.Fields{"file": dbPath, "migrations": applied}).Debug("Opened store")

	return &SQLiteStore{db: db, l: l}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type deletionRow struct {
	ID          string `db:"id"`
	Category    string `db:"category"`
	Count       int    `db:"count"`
	MessageIDs  string `db:"message_ids"`
	SenderEmail string `db:"sender_email"`
	SenderName  string `db:"sender_name"`
	CreatedAt   int64  `db:"created_at"`
}

func (r deletionRow) record() (model.DeletionRecord, error) {
	rec := model.DeletionRecord{
		ID:          r.ID,
		Category:    model.Category(r.Category),
		Count:       r.Count,
		SenderEmail: r.SenderEmail,
		SenderName:  r.SenderName,
		Timestamp:   time.UnixMilli(r.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.MessageIDs), &rec.MessageIDs); err != nil {
		return rec, fmt.Errorf("decode message ids of %s: %w", r.ID, err)
	}
	return rec, nil
}

// AppendDeletion writes one record of the append-only deletion log.
func (s *SQLiteStore) AppendDeletion(ctx context.Context, rec model.DeletionRecord) error {
	ids := rec.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO deletion_records (id, category, count, message_ids, sender_email, sender_name, created_at)
		VALUES (:id, :category, :count, :message_ids, :sender_email, :sender_name, :created_at)
	`, deletionRow{
		ID:          rec.ID,
		Category:    string(rec.Category),
		Count:       rec.Count,
		MessageIDs:  string(encoded),
		SenderEmail: rec.SenderEmail,
		SenderName:  rec.SenderName,
		CreatedAt:   rec.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("append deletion record: %w", err)
	}
	s.l.WithFields(logrus.Fields{"category": rec.Category, "count": rec.Count}).Debug("Recorded deletion")
	return nil
}

// DeletionFilter narrows ListDeletions. Zero values match everything.
type DeletionFilter struct {
	Category model.Category
	Since    time.Time
	Limit    int
}

// ListDeletions returns matching records, newest first.
func (s *SQLiteStore) ListDeletions(ctx context.Context, f DeletionFilter) ([]model.DeletionRecord, error) {
	query := `SELECT id, category, count, message_ids, sender_email, sender_name, created_at
		FROM deletion_records WHERE created_at >= ?`
	args := []any{max(f.Since.UnixMilli(), 0)}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, string(f.Category))
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []deletionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list deletions: %w", err)
	}
	out := make([]model.DeletionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// TotalDeleted sums the counts of every record since the given time.
func (s *SQLiteStore) TotalDeleted(ctx context.Context, since time.Time) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(count), 0) FROM deletion_records WHERE created_at >= ?", max(since.UnixMilli(), 0))
	return total, err
}

// LoadBlob returns nil data for a key that was never saved.
func (s *SQLiteStore) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.GetContext(ctx, &val, "SELECT value FROM blobs WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return val, err
}

func (s *SQLiteStore) SaveBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, data)
	return err
}

type ruleRow struct {
	ID                string        `db:"id"`
	Category          string        `db:"category"`
	OlderThanDays     int           `db:"older_than_days"`
	Frequency         string        `db:"frequency"`
	CreatedAt         int64         `db:"created_at"`
	LastRunAt         sql.NullInt64 `db:"last_run_at"`
	MessagesProcessed int           `db:"messages_processed"`
}

func (r ruleRow) rule() model.AutomationRule {
	out := model.AutomationRule{
		ID:                r.ID,
		Category:          model.Category(r.Category),
		OlderThanDays:     r.OlderThanDays,
		Frequency:         model.RuleFrequency(r.Frequency),
		CreatedAt:         time.UnixMilli(r.CreatedAt).UTC(),
		MessagesProcessed: r.MessagesProcessed,
	}
	if r.LastRunAt.Valid {
		t := time.UnixMilli(r.LastRunAt.Int64).UTC()
		out.LastRunAt = &t
	}
	return out
}

const ruleColumns = "id, category, older_than_days, frequency, created_at, last_run_at, messages_processed"

func (s *SQLiteStore) CreateRule(ctx context.Context, r model.AutomationRule) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO automation_rules ("+ruleColumns+") VALUES (?, ?, ?, ?, ?, NULL, 0)",
		r.ID, string(r.Category), r.OlderThanDays, string(r.Frequency), r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// ListRules returns every rule in creation order.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]model.AutomationRule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+ruleColumns+" FROM automation_rules ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]model.AutomationRule, len(rows))
	for i, r := range rows {
		out[i] = r.rule()
	}
	return out, nil
}

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (model.AutomationRule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row, "SELECT "+ruleColumns+" FROM automation_rules WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AutomationRule{}, fmt.Errorf("%s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return model.AutomationRule{}, err
	}
	return row.rule(), nil
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM automation_rules WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// RecordRuleRun stamps the run time and adds processed to the rule's total.
func (s *SQLiteStore) RecordRuleRun(ctx context.Context, id string, at time.Time, processed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET last_run_at = ?, messages_processed = messages_processed + ?
		WHERE id = ?
	`, at.UnixMilli(), processed, id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrRuleNotFound)
	}
	return nil
}
