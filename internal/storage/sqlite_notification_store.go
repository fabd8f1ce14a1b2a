package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteNotificationStore implements NotificationStore backed by SQLite.
type SQLiteNotificationStore struct {
	db *sql.DB
}

// NewSQLiteNotificationStore returns a new SQLiteNotificationStore.
func NewSQLiteNotificationStore(db *sql.DB) *SQLiteNotificationStore {
	return &SQLiteNotificationStore{db: db}
}

// Create inserts a pending record and its "created" audit entry in one transaction.
func (s *SQLiteNotificationStore) Create(ctx context.Context, rec *NotificationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications
			(id, recipient_id, channel, template_code, variables, priority,
			 request_id, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		rec.ID, rec.RecipientID, rec.Channel, rec.TemplateCode, rec.Variables,
		rec.Priority, rec.RequestID, StatusPending, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("inserting notification: %w", err)
	}

	if err := appendLog(ctx, tx, rec.ID, EventCreated, ""); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// GetByID returns the record with the given id.
func (s *SQLiteNotificationStore) GetByID(ctx context.Context, id string) (*NotificationRecord, error) {
	return s.getWhere(ctx, "id = ?", id)
}

// GetByRequestID returns the record created under the given request identifier.
func (s *SQLiteNotificationStore) GetByRequestID(ctx context.Context, requestID string) (*NotificationRecord, error) {
	return s.getWhere(ctx, "request_id = ?", requestID)
}

const selectColumns = `
	SELECT id, recipient_id, channel, template_code, variables, priority,
	       request_id, status, last_error, created_at, updated_at,
	       delivered_at, failed_at
	FROM notifications`

func (s *SQLiteNotificationStore) getWhere(ctx context.Context, where string, arg any) (*NotificationRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE "+where, arg)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return rec, nil
}

// MarkDelivered transitions pending → delivered.
func (s *SQLiteNotificationStore) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, EventDelivered, "", `
		UPDATE notifications
		SET status = ?, delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusDelivered, now, now, id, StatusPending)
}

// MarkFailed transitions pending → failed, recording the final error message.
func (s *SQLiteNotificationStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, EventFailed, errMsg, `
		UPDATE notifications
		SET status = ?, failed_at = ?, updated_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, now, now, errMsg, id, StatusPending)
}

// transition runs a guarded status update plus its audit entry in one
// transaction. The WHERE status = 'pending' guard enforces terminal-state
// protection at the SQL level regardless of concurrent writers.
func (s *SQLiteNotificationStore) transition(ctx context.Context, id, event, detail, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating notification %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of notification %s: %w", id, err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, "SELECT status FROM notifications WHERE id = ?", id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking notification %s: %w", id, err)
		}
		return ErrTerminalState
	}

	if err := appendLog(ctx, tx, id, event, detail); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ListAudit returns the audit entries for a notification in append order.
func (s *SQLiteNotificationStore) ListAudit(ctx context.Context, id string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notification_id, event, detail, created_at
		FROM notification_log
		WHERE notification_id = ?
		ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying notification log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification log rows: %w", err)
	}
	return entries, nil
}

// ListStalePending returns pending records created before cutoff, oldest first.
func (s *SQLiteNotificationStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?`, StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale pending notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []NotificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return recs, nil
}

// scanRecord reads one notifications row via the provided scan function.
func scanRecord(scan func(...any) error) (*NotificationRecord, error) {
	var rec NotificationRecord
	var deliveredAt, failedAt sql.NullTime
	if err := scan(&rec.ID, &rec.RecipientID, &rec.Channel, &rec.TemplateCode,
		&rec.Variables, &rec.Priority, &rec.RequestID, &rec.Status, &rec.LastError,
		&rec.CreatedAt, &rec.UpdatedAt, &deliveredAt, &failedAt); err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		rec.DeliveredAt = &deliveredAt.Time
	}
	if failedAt.Valid {
		rec.FailedAt = &failedAt.Time
	}
	return &rec, nil
}

// appendLog inserts one append-only audit entry inside tx.
func appendLog(ctx context.Context, tx *sql.Tx, notificationID, event, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_log (notification_id, event, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		notificationID, event, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("appending notification log: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
