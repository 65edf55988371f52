package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when an operation targets a row that does not
// exist or is not owned by the calling user. Callers must not be able to
// tell the two apart.
var ErrNotFound = errors.New("not found")

// NotificationStore handles database operations for the notification log
type NotificationStore struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationStore creates a new notification store
func NewNotificationStore(db *DB, logger *zap.Logger) *NotificationStore {
	return &NotificationStore{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new notification. The row is born unread; created_at is
// assigned by the database so listing order matches insertion order.
func (s *NotificationStore) Create(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, type, title, message, related_id, metadata, read
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, FALSE
		)
		RETURNING read, created_at
	`

	err := s.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Type,
		notif.Title,
		notif.Message,
		notif.RelatedID,
		notif.Metadata,
	).Scan(&notif.Read, &notif.CreatedAt)

	if err != nil {
		s.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
			zap.String("user_id", notif.UserID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	s.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("type", notif.Type),
	)

	return nil
}

// List retrieves a user's notifications, newest first. An out-of-range
// offset yields an empty slice, not an error.
func (s *NotificationStore) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, related_id, metadata, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.UserID,
			&notif.Type,
			&notif.Title,
			&notif.Message,
			&notif.RelatedID,
			&notif.Metadata,
			&notif.Read,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkAsRead flips the read flag on a single notification. Ownership is
// enforced in the WHERE clause: a foreign id reports ErrNotFound exactly like
// a missing one. Marking an already-read row succeeds.
func (s *NotificationStore) MarkAsRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	query := `
		UPDATE notifications
		SET read = TRUE
		WHERE id = $1 AND user_id = $2
	`

	result, err := s.db.Pool().Exec(ctx, query, notificationID, userID)
	if err != nil {
		s.logger.Error("failed to mark notification as read",
			zap.Error(err),
			zap.String("notification_id", notificationID.String()),
		)
		return fmt.Errorf("mark as read: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}

	return nil
}

// MarkAllAsRead sets read=TRUE on every unread row owned by the user.
// Idempotent; zero rows affected is still success.
func (s *NotificationStore) MarkAllAsRead(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE notifications
		SET read = TRUE
		WHERE user_id = $1 AND read = FALSE
	`

	result, err := s.db.Pool().Exec(ctx, query, userID)
	if err != nil {
		s.logger.Error("failed to mark all notifications as read",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return fmt.Errorf("mark all as read: %w", err)
	}

	s.logger.Info("notifications marked read",
		zap.String("user_id", userID.String()),
		zap.Int64("count", result.RowsAffected()),
	)

	return nil
}

// ClearAll deletes every notification owned by the user. Idempotent.
func (s *NotificationStore) ClearAll(ctx context.Context, userID uuid.UUID) error {
	query := `DELETE FROM notifications WHERE user_id = $1`

	result, err := s.db.Pool().Exec(ctx, query, userID)
	if err != nil {
		s.logger.Error("failed to clear notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return fmt.Errorf("clear notifications: %w", err)
	}

	s.logger.Info("notifications cleared",
		zap.String("user_id", userID.String()),
		zap.Int64("count", result.RowsAffected()),
	)

	return nil
}

// UnreadCount returns the number of unread notifications for the user.
func (s *NotificationStore) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`

	var count int
	if err := s.db.Pool().QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}

	return count, nil
}
