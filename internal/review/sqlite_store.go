package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout sorts lexically in time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS review_queue_items (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	messages TEXT NOT NULL DEFAULT '[]',
	synthesized_question TEXT NOT NULL DEFAULT '',
	detected_version TEXT NOT NULL DEFAULT '',
	version_confidence REAL NOT NULL DEFAULT 0,
	detection_signals TEXT NOT NULL DEFAULT '{}',
	confirmed_version TEXT NOT NULL DEFAULT '',
	version_change_reason TEXT NOT NULL DEFAULT '',
	training_version TEXT NOT NULL DEFAULT '',
	requires_clarification INTEGER NOT NULL DEFAULT 0,
	clarifying_question TEXT NOT NULL DEFAULT '',
	clarification_source TEXT NOT NULL DEFAULT '',
	generated_response TEXT NOT NULL DEFAULT '',
	sources TEXT NOT NULL DEFAULT '[]',
	confidence REAL,
	routing_action TEXT NOT NULL DEFAULT '',
	edited_response TEXT NOT NULL DEFAULT '',
	rag_error TEXT NOT NULL DEFAULT '',
	rag_error_reason TEXT NOT NULL DEFAULT '',
	rag_error_retryable INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	skip_reason TEXT NOT NULL DEFAULT '',
	reject_reason TEXT NOT NULL DEFAULT '',
	reviewed_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN (
		'pending_version_review', 'generating', 'pending_response_review', 'rag_failed',
		'approved', 'edited', 'rejected', 'skipped'
	)),
	created_at TEXT NOT NULL,
	version_confirmed_at TEXT,
	generation_started_at TEXT,
	response_generated_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_queue_items_status_created ON review_queue_items (status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_review_queue_items_channel_created ON review_queue_items (channel_id, created_at, id);

CREATE TABLE IF NOT EXISTS review_audit_events (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	transition TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_audit_events_item ON review_audit_events (item_id, created_at);
`

// SQLiteStore is the single-binary backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("review: sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("review: create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("review: open sqlite db: %w", err)
	}
	// one writer at a time keeps CAS updates serialized without SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("review: apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("review: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the connection so the audit log can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sqliteBind(int) string { return "?" }

func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteArgs(args []any) []any {
	for i, v := range args {
		if b, ok := v.([]byte); ok {
			args[i] = string(b)
		}
	}
	return args
}

var (
	sqliteInsertSQL = fmt.Sprintf(`INSERT INTO review_queue_items (%s) VALUES (%s)`,
		itemColumnList, placeholders(len(itemColumns), sqliteBind))
	sqliteSelectSQL = fmt.Sprintf(`SELECT %s FROM review_queue_items`, itemColumnList)
	sqliteUpdateSQL = func() string {
		set, _ := updateAssignments(sqliteBind)
		return fmt.Sprintf(`UPDATE review_queue_items SET %s WHERE id = ? AND status = ?`, set)
	}()
)

func (s *SQLiteStore) Create(ctx context.Context, item *QueueItem) error {
	enc, err := encodeItemJSON(item)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteInsertSQL, sqliteArgs(itemArgs(item, enc, sqliteTime))...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("review: create %s: %w", item.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("review: insert item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*QueueItem, error) {
	item, err := scanSQLiteItem(s.db.QueryRowContext(ctx, sqliteSelectSQL+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("review: get item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*QueueItem, int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, 0, err
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue_items`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("review: count items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		sqliteSelectSQL+clause+` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("review: list items: %w", err)
	}
	defer rows.Close()

	items := make([]*QueueItem, 0, filter.Limit)
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("review: scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("review: list items: %w", err)
	}
	return items, total, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, expected Status, mutator Mutator) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("review: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanSQLiteItem(tx.QueryRowContext(ctx, sqliteSelectSQL+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("review: read item: %w", err)
	}
	if current.Status != expected {
		return nil, conflict(expected, current.Status)
	}

	next, err := applyMutator(current, mutator, s.now())
	if err != nil {
		return nil, err
	}
	enc, err := encodeItemJSON(next)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, sqliteUpdateSQL, updateArgs(sqliteArgs(itemArgs(next, enc, sqliteTime)), id, expected)...)
	if err != nil {
		return nil, fmt.Errorf("review: update item: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, conflict(expected, current.Status)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review: commit update: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM review_queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("review: delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("review: delete item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(confidence), 0), COUNT(confidence)
		FROM review_queue_items
		GROUP BY status
	`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("review: count by status: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *SQLiteStore) StaleGenerating(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM review_queue_items
		WHERE status = ? AND (generation_started_at IS NULL OR generation_started_at < ?)
		ORDER BY id
	`, string(StatusGenerating), sqliteTime(&cutoff))
	if err != nil {
		return nil, fmt.Errorf("review: stale generating: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("review: scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSQLiteItem(row rowScanner) (*QueueItem, error) {
	var (
		item                                QueueItem
		messages, signals, sources          string
		confidence                          sql.NullFloat64
		status, createdAt, updatedAt        string
		confirmedAt, startedAt, generatedAt sql.NullString
	)
	err := row.Scan(
		&item.ID, &item.ChannelID, &item.UserID, &messages, &item.SynthesizedQuestion,
		&item.DetectedVersion, &item.VersionConfidence, &signals,
		&item.ConfirmedVersion, &item.VersionChangeReason, &item.TrainingVersion,
		&item.RequiresClarification, &item.ClarifyingQuestion, &item.ClarificationSource,
		&item.GeneratedResponse, &sources, &confidence, &item.RoutingAction,
		&item.EditedResponse, &item.RagError, &item.RagErrorReason, &item.RagErrorRetryable, &item.RetryCount,
		&item.SkipReason, &item.RejectReason, &item.ReviewedBy, &status,
		&createdAt, &confirmedAt, &startedAt, &generatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeItemJSON(&item, []byte(messages), []byte(signals), []byte(sources)); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	if confidence.Valid {
		c := confidence.Float64
		item.Confidence = &c
	}
	if item.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{confirmedAt, &item.VersionConfirmedAt},
		{startedAt, &item.GenerationStartedAt},
		{generatedAt, &item.ResponseGeneratedAt},
	} {
		if !pair.src.Valid {
			continue
		}
		t, err := parseSQLiteTime(pair.src.String)
		if err != nil {
			return nil, err
		}
		*pair.dst = &t
	}
	return &item, nil
}

func parseSQLiteTime(value string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("review: parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}
