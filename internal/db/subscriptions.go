package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionDirectory handles database operations for push subscriptions.
// Rows are keyed by the push-service endpoint URL: re-subscribing the same
// endpoint replaces the keys in place instead of creating a duplicate.
type SubscriptionDirectory struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriptionDirectory creates a new push subscription directory
func NewSubscriptionDirectory(db *DB, logger *zap.Logger) *SubscriptionDirectory {
	return &SubscriptionDirectory{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts a subscription or, when the endpoint already exists, updates
// its owner, keys and user agent and stamps last_used. Returns whether a new
// row was created. The subscription's ID and timestamps are filled in from
// the winning row.
func (d *SubscriptionDirectory) Upsert(ctx context.Context, sub *PushSubscription) (bool, error) {
	query := `
		INSERT INTO push_subscriptions (
			id, user_id, endpoint, p256dh, auth, user_agent, last_used
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (endpoint) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent,
			last_used = NOW()
		RETURNING id, created_at, last_used, (xmax = 0) AS inserted
	`

	var created bool
	err := d.db.Pool().QueryRow(
		ctx,
		query,
		sub.ID,
		sub.UserID,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
		sub.UserAgent,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.LastUsed, &created)

	if err != nil {
		d.logger.Error("failed to upsert push subscription",
			zap.Error(err),
			zap.String("user_id", sub.UserID.String()),
		)
		return false, fmt.Errorf("upsert push subscription: %w", err)
	}

	d.logger.Info("push subscription stored",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.Bool("created", created),
	)

	return created, nil
}

// Delete removes the subscription matching both user and endpoint. Deleting
// a pair that never existed is a no-op success - callers cannot distinguish
// "already gone" from "never subscribed".
func (d *SubscriptionDirectory) Delete(ctx context.Context, userID uuid.UUID, endpoint string) error {
	query := `DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`

	result, err := d.db.Pool().Exec(ctx, query, userID, endpoint)
	if err != nil {
		d.logger.Error("failed to delete push subscription",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return fmt.Errorf("delete push subscription: %w", err)
	}

	if result.RowsAffected() > 0 {
		d.logger.Info("push subscription removed",
			zap.String("user_id", userID.String()),
		)
	}

	return nil
}

// ListByUser returns every subscription registered for a user, for the push
// fallback fan-out.
func (d *SubscriptionDirectory) ListByUser(ctx context.Context, userID uuid.UUID) ([]*PushSubscription, error) {
	query := `
		SELECT id, user_id, endpoint, p256dh, auth, user_agent, created_at, last_used
		FROM push_subscriptions
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := d.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var sub PushSubscription
		err := rows.Scan(
			&sub.ID,
			&sub.UserID,
			&sub.Endpoint,
			&sub.P256dh,
			&sub.Auth,
			&sub.UserAgent,
			&sub.CreatedAt,
			&sub.LastUsed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// DeleteByEndpoint prunes a subscription regardless of owner. Used when the
// push service reports the endpoint gone (404/410).
func (d *SubscriptionDirectory) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	_, err := d.db.Pool().Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("prune push subscription: %w", err)
	}
	return nil
}

// TouchLastUsed stamps last_used on an endpoint. Called on every outbound
// push attempt.
func (d *SubscriptionDirectory) TouchLastUsed(ctx context.Context, endpoint string) error {
	_, err := d.db.Pool().Exec(ctx, `UPDATE push_subscriptions SET last_used = NOW() WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("touch push subscription: %w", err)
	}
	return nil
}
