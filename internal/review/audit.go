package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an immutable record of one transition.
type AuditEntry struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Transition string          `json:"transition"`
	FromStatus Status          `json:"from_status"`
	ToStatus   Status          `json:"to_status"`
	Actor      string          `json:"actor,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditDetails holds transition-specific context.
type AuditDetails struct {
	ConfirmedVersion    string `json:"confirmed_version,omitempty"`
	DetectedVersion     string `json:"detected_version,omitempty"`
	VersionChangeReason string `json:"version_change_reason,omitempty"`
	TrainingVersion     string `json:"training_version,omitempty"`
	Reason              string `json:"reason,omitempty"`
	GenerationError     string `json:"generation_error,omitempty"`
	GenerationReason    string `json:"generation_reason,omitempty"`
	RetryCount          int    `json:"retry_count,omitempty"`
	TextChanged         bool   `json:"text_changed,omitempty"`
}

// AuditLog records and reads transition history.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
	History(ctx context.Context, itemID string) ([]AuditEntry, error)
}

func prepareEntry(entry AuditEntry) AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	return entry
}

// MemoryAuditLog keeps history in process memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries map[string][]AuditEntry
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{entries: make(map[string][]AuditEntry)}
}

func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) error {
	entry = prepareEntry(entry)
	l.mu.Lock()
	l.entries[entry.ItemID] = append(l.entries[entry.ItemID], entry)
	l.mu.Unlock()
	return nil
}

func (l *MemoryAuditLog) History(_ context.Context, itemID string) ([]AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := append([]AuditEntry(nil), l.entries[itemID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SQLDialect selects placeholder and timestamp encoding for SQLAuditLog.
type SQLDialect string

const (
	DialectPostgres SQLDialect = "postgres"
	DialectSQLite   SQLDialect = "sqlite"
)

// SQLAuditLog writes history to the review_audit_events table.
type SQLAuditLog struct {
	db      *sql.DB
	dialect SQLDialect
}

func NewSQLAuditLog(db *sql.DB, dialect SQLDialect) *SQLAuditLog {
	if db == nil {
		panic("review: sql db required")
	}
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &SQLAuditLog{db: db, dialect: dialect}
}

// rebind rewrites $n placeholders for drivers that only understand "?".
func (l *SQLAuditLog) rebind(query string) string {
	if l.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (l *SQLAuditLog) Record(ctx context.Context, entry AuditEntry) error {
	entry = prepareEntry(entry)

	query := `
		INSERT INTO review_audit_events (
			id, item_id, transition, from_status, to_status, actor, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var createdAt any = entry.CreatedAt
	details := any([]byte(entry.Details))
	if l.dialect == DialectSQLite {
		createdAt = entry.CreatedAt.UTC().Format(sqliteTimeLayout)
		details = string(entry.Details)
	}
	_, err := l.db.ExecContext(ctx, l.rebind(query),
		entry.ID,
		entry.ItemID,
		entry.Transition,
		string(entry.FromStatus),
		string(entry.ToStatus),
		entry.Actor,
		details,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("review: record audit entry: %w", err)
	}
	return nil
}

func (l *SQLAuditLog) History(ctx context.Context, itemID string) ([]AuditEntry, error) {
	query := `
		SELECT id, item_id, transition, from_status, to_status, actor, details, created_at
		FROM review_audit_events
		WHERE item_id = $1
		ORDER BY created_at ASC
	`
	rows, err := l.db.QueryContext(ctx, l.rebind(query), itemID)
	if err != nil {
		return nil, fmt.Errorf("review: query audit history: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			entry      AuditEntry
			from, to   string
			details    []byte
			createdStr string
		)
		dest := []any{&entry.ID, &entry.ItemID, &entry.Transition, &from, &to, &entry.Actor, &details}
		if l.dialect == DialectSQLite {
			dest = append(dest, &createdStr)
		} else {
			dest = append(dest, &entry.CreatedAt)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("review: scan audit entry: %w", err)
		}
		if l.dialect == DialectSQLite {
			if entry.CreatedAt, err = parseSQLiteTime(createdStr); err != nil {
				return nil, err
			}
		}
		entry.FromStatus = Status(from)
		entry.ToStatus = Status(to)
		if len(details) > 0 {
			entry.Details = json.RawMessage(details)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: audit rows: %w", err)
	}
	return entries, nil
}
