package review

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLAuditLog_RecordPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	log := NewSQLAuditLog(db, DialectPostgres)
	mock.ExpectExec(`INSERT INTO review_audit_events`).
		WithArgs(sqlmock.AnyArg(), "item-1", TransitionApprove, "pending_response_review", "approved", "mod-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = log.Record(context.Background(), AuditEntry{
		ItemID:     "item-1",
		Transition: TransitionApprove,
		FromStatus: StatusPendingResponseReview,
		ToStatus:   StatusApproved,
		Actor:      "mod-1",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAuditLog_HistoryPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "item_id", "transition", "from_status", "to_status", "actor", "details", "created_at",
	}).
		AddRow("a1", "item-1", TransitionCreate, "", "pending_version_review", "", []byte(`{}`), now).
		AddRow("a2", "item-1", TransitionSkip, "pending_version_review", "skipped", "mod-1", []byte(`{"reason":"spam"}`), now.Add(time.Minute))

	mock.ExpectQuery(`SELECT (.+) FROM review_audit_events WHERE item_id = \$1`).
		WithArgs("item-1").
		WillReturnRows(rows)

	entries, err := NewSQLAuditLog(db, DialectPostgres).History(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusSkipped, entries[1].ToStatus)

	var details AuditDetails
	require.NoError(t, json.Unmarshal(entries[1].Details, &details))
	assert.Equal(t, "spam", details.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAuditLog_SQLiteRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(context.Background(), t.TempDir()+"/audit.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := NewSQLAuditLog(store.DB(), DialectSQLite)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, log.Record(ctx, AuditEntry{ItemID: "item-1", Transition: TransitionCreate, ToStatus: StatusPendingVersionReview, CreatedAt: base}))
	require.NoError(t, log.Record(ctx, AuditEntry{
		ItemID:     "item-1",
		Transition: TransitionReject,
		FromStatus: StatusPendingResponseReview,
		ToStatus:   StatusRejected,
		Actor:      "mod-3",
		Details:    json.RawMessage(`{"reason":"outdated"}`),
		CreatedAt:  base.Add(time.Second),
	}))
	require.NoError(t, log.Record(ctx, AuditEntry{ItemID: "other", Transition: TransitionCreate, CreatedAt: base}))

	entries, err := log.History(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TransitionCreate, entries[0].Transition)
	assert.Equal(t, "mod-3", entries[1].Actor)
	assert.True(t, base.Add(time.Second).Equal(entries[1].CreatedAt))
	assert.JSONEq(t, `{"reason":"outdated"}`, string(entries[1].Details))
}

func TestSQLAuditLog_Rebind(t *testing.T) {
	log := &SQLAuditLog{dialect: DialectSQLite}
	assert.Equal(t, "WHERE a = ? AND b = ?", log.rebind("WHERE a = $1 AND b = $12"))

	log.dialect = DialectPostgres
	assert.Equal(t, "WHERE a = $1", log.rebind("WHERE a = $1"))
}

func TestMemoryAuditLog(t *testing.T) {
	log := NewMemoryAuditLog()
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, log.Record(ctx, AuditEntry{ItemID: "x", Transition: TransitionApprove, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, log.Record(ctx, AuditEntry{ItemID: "x", Transition: TransitionCreate, CreatedAt: base}))

	entries, err := log.History(ctx, "x")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, TransitionCreate, entries[0].Transition)
	assert.NotEmpty(t, entries[0].ID)
	assert.JSONEq(t, `{}`, string(entries[0].Details))

	empty, err := log.History(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
