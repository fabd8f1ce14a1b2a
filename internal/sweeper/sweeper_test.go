package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyd/notifyd/internal/logger"
	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/storage"
	"github.com/notifyd/notifyd/internal/sweeper"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []queue.Message
	failAfter int // fail once this many publishes succeeded; 0 disables
}

func (p *capturePublisher) Publish(_ context.Context, _ string, msg *queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter > 0 && len(p.published) >= p.failAfter {
		return errors.New("connection refused")
	}
	p.published = append(p.published, *msg)
	return nil
}

func (p *capturePublisher) PublishStatus(context.Context, *queue.StatusUpdate) error { return nil }

func newSweepFixture(t *testing.T, pub *capturePublisher) (*sweeper.Sweeper, storage.NotificationStore) {
	t.Helper()
	db, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewSQLiteNotificationStore(db)

	s, err := sweeper.New(sweeper.Config{
		Store:     store,
		Publisher: pub,
		Logger:    logger.NewTestLogger(),
		Interval:  time.Hour,
		MinAge:    10 * time.Minute,
	})
	require.NoError(t, err)
	return s, store
}

func createAged(t *testing.T, store storage.NotificationStore, id string, age time.Duration) {
	t.Helper()
	err := store.Create(context.Background(), &storage.NotificationRecord{
		ID:           id,
		RecipientID:  "user-1",
		Channel:      storage.ChannelEmail,
		TemplateCode: "welcome",
		Variables:    `{"name":"Ada"}`,
		Priority:     5,
		RequestID:    "req-" + id,
		CreatedAt:    time.Now().UTC().Add(-age),
	})
	require.NoError(t, err)
}

func TestSweep_RepublishesStalePending(t *testing.T) {
	pub := &capturePublisher{}
	s, store := newSweepFixture(t, pub)

	createAged(t, store, "old", time.Hour)
	createAged(t, store, "fresh", time.Minute)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.published, 1)
	msg := pub.published[0]
	assert.Equal(t, "old", msg.NotificationID)
	assert.Equal(t, "email", msg.Channel)
	assert.Equal(t, "Ada", msg.Variables["name"])
	// Republished messages start with a fresh retry budget.
	assert.Zero(t, msg.RetryCount)
}

func TestSweep_SkipsTerminalRecords(t *testing.T) {
	pub := &capturePublisher{}
	s, store := newSweepFixture(t, pub)

	createAged(t, store, "done", time.Hour)
	require.NoError(t, store.MarkDelivered(context.Background(), "done"))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.published)
}

func TestSweep_StopsOnPublishFailure(t *testing.T) {
	pub := &capturePublisher{failAfter: 1}
	s, store := newSweepFixture(t, pub)

	createAged(t, store, "a", 2*time.Hour)
	createAged(t, store, "b", time.Hour)
	createAged(t, store, "c", 30*time.Minute)

	n, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep_EmptyStore(t *testing.T) {
	pub := &capturePublisher{}
	s, _ := newSweepFixture(t, pub)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
