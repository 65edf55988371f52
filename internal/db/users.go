package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UserDirectory resolves user contact details from the dashboard's users
// table. That table belongs to the auth side of the dashboard and is not
// created by this service's migrations; deploy against a database where it
// already exists, or leave SES unconfigured so the email fallback stays off.
type UserDirectory struct {
	db *DB
}

// NewUserDirectory creates a new user directory
func NewUserDirectory(db *DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// Email returns the user's email address, or ErrNotFound for an unknown id.
func (d *UserDirectory) Email(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := d.db.Pool().QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	return email, nil
}
