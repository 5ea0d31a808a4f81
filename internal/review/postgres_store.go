package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore persists queue items in the review_queue_items table.
type PostgresStore struct {
	db  pgQuerier
	now func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("review: pgx pool required")
	}
	return newPostgresStoreWithDB(pool)
}

func newPostgresStoreWithDB(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("review: db required")
	}
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func pgBind(i int) string { return fmt.Sprintf("$%d", i) }

func pgTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var (
	pgInsertSQL = fmt.Sprintf(`INSERT INTO review_queue_items (%s) VALUES (%s)`,
		itemColumnList, placeholders(len(itemColumns), pgBind))
	pgSelectSQL = fmt.Sprintf(`SELECT %s FROM review_queue_items`, itemColumnList)
	pgUpdateSQL = func() string {
		set, n := updateAssignments(pgBind)
		return fmt.Sprintf(`UPDATE review_queue_items SET %s WHERE id = $%d AND status = $%d`, set, n+1, n+2)
	}()
)

func (s *PostgresStore) Create(ctx context.Context, item *QueueItem) error {
	enc, err := encodeItemJSON(item)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, pgInsertSQL, itemArgs(item, enc, pgTime)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("review: create %s: %w", item.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("review: insert item: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*QueueItem, error) {
	item, err := scanPostgresItem(s.db.QueryRow(ctx, pgSelectSQL+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("review: get item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*QueueItem, int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, 0, err
	}

	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ChannelID != "" {
		args = append(args, filter.ChannelID)
		where = append(where, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM review_queue_items`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("review: count items: %w", err)
	}

	query := fmt.Sprintf(`%s%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		pgSelectSQL, clause, len(args)+1, len(args)+2)
	rows, err := s.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("review: list items: %w", err)
	}
	defer rows.Close()

	items := make([]*QueueItem, 0, filter.Limit)
	for rows.Next() {
		item, err := scanPostgresItem(rows)
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

func (s *PostgresStore) Update(ctx context.Context, id string, expected Status, mutator Mutator) (*QueueItem, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPostgresItem(tx.QueryRow(ctx, pgSelectSQL+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("review: lock item: %w", err)
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
	tag, err := tx.Exec(ctx, pgUpdateSQL, updateArgs(itemArgs(next, enc, pgTime), id, expected)...)
	if err != nil {
		return nil, fmt.Errorf("review: update item: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, conflict(expected, current.Status)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("review: commit update: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM review_queue_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("review: delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Counts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.Query(ctx, `
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

func (s *PostgresStore) StaleGenerating(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM review_queue_items
		WHERE status = $1 AND (generation_started_at IS NULL OR generation_started_at < $2)
		ORDER BY id
	`, string(StatusGenerating), cutoff)
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

type countRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCounts(rows countRows) (StatusCounts, error) {
	counts := StatusCounts{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var (
			status  string
			n       int64
			sum     float64
			nonNull int64
		)
		if err := rows.Scan(&status, &n, &sum, &nonNull); err != nil {
			return StatusCounts{}, fmt.Errorf("review: scan counts: %w", err)
		}
		counts.ByStatus[Status(status)] += int(n)
		counts.ConfidenceSum += sum
		counts.ConfidenceCount += int(nonNull)
	}
	if err := rows.Err(); err != nil {
		return StatusCounts{}, fmt.Errorf("review: count rows: %w", err)
	}
	return counts, nil
}

func scanPostgresItem(row rowScanner) (*QueueItem, error) {
	var (
		item                       QueueItem
		messages, signals, sources []byte
		status                     string
	)
	err := row.Scan(
		&item.ID, &item.ChannelID, &item.UserID, &messages, &item.SynthesizedQuestion,
		&item.DetectedVersion, &item.VersionConfidence, &signals,
		&item.ConfirmedVersion, &item.VersionChangeReason, &item.TrainingVersion,
		&item.RequiresClarification, &item.ClarifyingQuestion, &item.ClarificationSource,
		&item.GeneratedResponse, &sources, &item.Confidence, &item.RoutingAction,
		&item.EditedResponse, &item.RagError, &item.RagErrorReason, &item.RagErrorRetryable, &item.RetryCount,
		&item.SkipReason, &item.RejectReason, &item.ReviewedBy, &status,
		&item.CreatedAt, &item.VersionConfirmedAt, &item.GenerationStartedAt, &item.ResponseGeneratedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeItemJSON(&item, messages, signals, sources); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	for _, t := range []*time.Time{item.VersionConfirmedAt, item.GenerationStartedAt, item.ResponseGeneratedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return &item, nil
}
