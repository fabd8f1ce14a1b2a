package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyd/notifyd/internal/directory"
	"github.com/notifyd/notifyd/internal/dispatch"
	"github.com/notifyd/notifyd/internal/failure"
	"github.com/notifyd/notifyd/internal/idempotency"
	"github.com/notifyd/notifyd/internal/logger"
	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/storage"
)

// --- fake publisher ---

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.Message
	failWith  error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, msg *queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, *msg)
	return nil
}

func (f *fakePublisher) PublishStatus(context.Context, *queue.StatusUpdate) error { return nil }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// --- fake resolver ---

type fakeResolver struct {
	mu         sync.Mutex
	recipients map[string]*directory.Recipient
	failOnce   error // returned for the next call only, then cleared
	calls      int
}

func (f *fakeResolver) Resolve(_ context.Context, id string) (*directory.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOnce != nil {
		err := f.failOnce
		f.failOnce = nil
		return nil, err
	}
	r, ok := f.recipients[id]
	if !ok {
		return nil, &failure.NotFoundError{Resource: "recipient", ID: id}
	}
	return r, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *fakePublisher, storage.NotificationStore, *fakeResolver) {
	t.Helper()
	db, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := storage.NewSQLiteNotificationStore(db)
	pub := &fakePublisher{}
	resolver := &fakeResolver{recipients: map[string]*directory.Recipient{
		"U1": {ID: "U1", Email: "u1@example.com", EmailEnabled: true, PushEnabled: false},
	}}
	d := dispatch.New(idempotency.NewMemoryStore(time.Hour), store, pub, resolver, logger.NewTestLogger(), nil)
	return d, pub, store, resolver
}

func newRequest() *dispatch.CreateRequest {
	return &dispatch.CreateRequest{
		RecipientID:  "U1",
		Channel:      "email",
		TemplateCode: "welcome_email",
		Variables:    map[string]any{"name": "Ada"},
		RequestID:    "abc123",
		Priority:     5,
	}
}

func TestCreateNotification_HappyPath(t *testing.T) {
	d, pub, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	resp, err := d.CreateNotification(ctx, newRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.NotificationID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "abc123", resp.RequestID)

	// Record persisted as pending.
	rec, err := store.GetByID(ctx, resp.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, rec.Status)

	// Message snapshot published with a fresh retry counter.
	require.Equal(t, 1, pub.count())
	msg := pub.published[0]
	assert.Equal(t, resp.NotificationID, msg.NotificationID)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, 5, msg.Priority)
}

func TestCreateNotification_DuplicateReturnsStoredResponse(t *testing.T) {
	d, pub, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	first, err := d.CreateNotification(ctx, newRequest())
	require.NoError(t, err)

	second, err := d.CreateNotification(ctx, newRequest())
	require.NoError(t, err)

	// One record, one publish, byte-identical responses.
	assert.Equal(t, 1, pub.count())
	firstBody, err := json.Marshal(first)
	require.NoError(t, err)
	secondBody, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstBody, secondBody)
}

func TestCreateNotification_ConcurrentDuplicates(t *testing.T) {
	d, pub, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	responses := make(chan *dispatch.CreateResponse, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.CreateNotification(ctx, newRequest())
			assert.NoError(t, err)
			responses <- resp
		}()
	}
	wg.Wait()
	close(responses)

	assert.Equal(t, 1, pub.count(), "exactly one message published")
	var id string
	for resp := range responses {
		if id == "" {
			id = resp.NotificationID
		}
		assert.Equal(t, id, resp.NotificationID)
	}
}

func TestCreateNotification_Validation(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*dispatch.CreateRequest)
	}{
		{"missing recipient", func(r *dispatch.CreateRequest) { r.RecipientID = "" }},
		{"missing template", func(r *dispatch.CreateRequest) { r.TemplateCode = "" }},
		{"missing request id", func(r *dispatch.CreateRequest) { r.RequestID = "" }},
		{"bad channel", func(r *dispatch.CreateRequest) { r.Channel = "sms" }},
		{"priority too low", func(r *dispatch.CreateRequest) { r.Priority = 0 }},
		{"priority too high", func(r *dispatch.CreateRequest) { r.Priority = 11 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest()
			tt.mutate(req)
			_, err := d.CreateNotification(ctx, req)
			var ve *failure.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestCreateNotification_UnknownRecipient(t *testing.T) {
	d, pub, _, _ := newTestDispatcher(t)

	req := newRequest()
	req.RecipientID = "missing"
	_, err := d.CreateNotification(context.Background(), req)

	var nf *failure.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 0, pub.count())
}

func TestCreateNotification_ChannelDisabled(t *testing.T) {
	d, pub, _, _ := newTestDispatcher(t)

	req := newRequest()
	req.Channel = "push" // U1 has push disabled
	_, err := d.CreateNotification(context.Background(), req)

	var conflict *failure.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, pub.count())
}

func TestCreateNotification_PublishFailureLeavesPending(t *testing.T) {
	d, pub, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	pub.failWith = errors.New("broker not connected")

	_, err := d.CreateNotification(ctx, newRequest())
	require.Error(t, err)

	// The record exists and is stuck pending for the sweeper to reconcile.
	rec, err := store.GetByRequestID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, rec.Status)

	// A client retry does not duplicate the record; it gets the pending
	// response rebuilt from the store.
	pub.failWith = nil
	resp, err := d.CreateNotification(ctx, newRequest())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, resp.NotificationID)
	assert.Equal(t, "pending", resp.Status)
}

func TestCreateNotification_RetryAfterTransientFailure(t *testing.T) {
	d, pub, store, resolver := newTestDispatcher(t)
	ctx := context.Background()
	resolver.failOnce = failure.Retriable(errors.New("connection refused"))

	// First attempt fails before anything is persisted.
	_, err := d.CreateNotification(ctx, newRequest())
	require.Error(t, err)
	assert.Equal(t, 0, pub.count())
	_, err = store.GetByRequestID(ctx, "abc123")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The failed attempt must not hold the request identifier: the retry
	// runs the full pipeline and creates the notification.
	resp, err := d.CreateNotification(ctx, newRequest())
	require.NoError(t, err)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, 2, resolver.callCount())

	rec, err := store.GetByRequestID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, resp.NotificationID, rec.ID)

	// A later duplicate still deduplicates against the retry's result.
	dup, err := d.CreateNotification(ctx, newRequest())
	require.NoError(t, err)
	assert.Equal(t, resp.NotificationID, dup.NotificationID)
	assert.Equal(t, 1, pub.count())
}

func TestCreateNotification_RejectionRepeatsOnRetry(t *testing.T) {
	d, pub, _, resolver := newTestDispatcher(t)
	ctx := context.Background()

	req := newRequest()
	req.RecipientID = "missing"

	// Business rejections keep their type on every retry instead of
	// decaying into a generic lookup failure.
	for i := 0; i < 2; i++ {
		_, err := d.CreateNotification(ctx, req)
		var nf *failure.NotFoundError
		require.ErrorAs(t, err, &nf)
	}
	assert.Equal(t, 2, resolver.callCount())
	assert.Equal(t, 0, pub.count())
}
