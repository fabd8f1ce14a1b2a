package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyd/notifyd/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteNotificationStore {
	t.Helper()
	db, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewSQLiteNotificationStore(db)
}

func newRecord(requestID string) *storage.NotificationRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.NotificationRecord{
		ID:           uuid.NewString(),
		RecipientID:  "u1",
		Channel:      storage.ChannelEmail,
		TemplateCode: "welcome_email",
		Variables:    `{"name":"Ada"}`,
		Priority:     5,
		RequestID:    requestID,
		Status:       storage.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("abc123")
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Equal(t, "welcome_email", got.TemplateCode)
	assert.Equal(t, `{"name":"Ada"}`, got.Variables)
	assert.Nil(t, got.DeliveredAt)

	byReq, err := store.GetByRequestID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byReq.ID)

	// Creation is audited.
	audit, err := store.ListAudit(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, storage.EventCreated, audit[0].Event)
}

func TestCreate_DuplicateRequestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRecord("abc123")))
	err := store.Create(ctx, newRecord("abc123"))
	assert.ErrorIs(t, err, storage.ErrDuplicateRequest)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkDelivered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("abc123")
	require.NoError(t, store.Create(ctx, rec))
	require.NoError(t, store.MarkDelivered(ctx, rec.ID))

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Nil(t, got.FailedAt)

	audit, err := store.ListAudit(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, storage.EventDelivered, audit[1].Event)
}

func TestMarkFailed_RecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("abc123")
	require.NoError(t, store.Create(ctx, rec))
	require.NoError(t, store.MarkFailed(ctx, rec.ID, "ECONNREFUSED"))

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "ECONNREFUSED", got.LastError)
	require.NotNil(t, got.FailedAt)

	audit, err := store.ListAudit(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, storage.EventFailed, audit[1].Event)
	assert.Equal(t, "ECONNREFUSED", audit[1].Detail)
}

func TestTerminalStatesAreProtected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("abc123")
	require.NoError(t, store.Create(ctx, rec))
	require.NoError(t, store.MarkDelivered(ctx, rec.ID))

	// delivered → failed is forbidden.
	err := store.MarkFailed(ctx, rec.ID, "late failure")
	assert.ErrorIs(t, err, storage.ErrTerminalState)

	// delivered → delivered is also forbidden (no double transitions).
	err = store.MarkDelivered(ctx, rec.ID)
	assert.ErrorIs(t, err, storage.ErrTerminalState)

	// The record and its audit trail are unchanged.
	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, got.Status)

	audit, err := store.ListAudit(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2)
}

func TestTransition_MissingRecord(t *testing.T) {
	store := newTestStore(t)
	err := store.MarkDelivered(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListStalePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := newRecord("old-req")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, store.Create(ctx, old))

	fresh := newRecord("fresh-req")
	require.NoError(t, store.Create(ctx, fresh))

	done := newRecord("done-req")
	done.CreatedAt = time.Now().UTC().Add(-time.Hour)
	done.UpdatedAt = done.CreatedAt
	require.NoError(t, store.Create(ctx, done))
	require.NoError(t, store.MarkDelivered(ctx, done.ID))

	stale, err := store.ListStalePending(ctx, time.Now().UTC().Add(-10*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}
