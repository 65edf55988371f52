package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PreferenceStore reads per-user notification preferences. The rows are
// owned by the dashboard's settings pages; this core never writes them.
type PreferenceStore struct {
	db *DB
}

// NewPreferenceStore creates a new preference store
func NewPreferenceStore(db *DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// Get returns the user's preferences. A user with no row gets everything
// enabled except email, matching the dashboard's defaults.
func (s *PreferenceStore) Get(ctx context.Context, userID uuid.UUID) (*NotificationPreference, error) {
	query := `
		SELECT user_id, task_assigned, task_due, status_changed, email_enabled
		FROM notification_preferences
		WHERE user_id = $1
	`

	var pref NotificationPreference
	err := s.db.Pool().QueryRow(ctx, query, userID).Scan(
		&pref.UserID,
		&pref.TaskAssigned,
		&pref.TaskDue,
		&pref.StatusChanged,
		&pref.EmailEnabled,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return &NotificationPreference{
			UserID:        userID,
			TaskAssigned:  true,
			TaskDue:       true,
			StatusChanged: true,
			EmailEnabled:  false,
		}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query notification preferences: %w", err)
	}

	return &pref, nil
}
