// Package notify orchestrates notification creation and delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/db"
	"github.com/opsdeck/pulse/internal/metrics"
	"github.com/opsdeck/pulse/internal/stream"
)

// Store is the durable notification log the dispatcher writes to.
type Store interface {
	Create(ctx context.Context, notif *db.Notification) error
}

// Preferences gates which event categories are created at all.
type Preferences interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error)
}

// Fallback is the wake-up path for recipients with no live connection,
// typically the web-push queue. Enqueue must not block.
type Fallback interface {
	Enqueue(notif *db.Notification) bool
}

// Dispatcher persists notifications and then attempts live delivery.
// The durable row is authoritative: when persistence fails the whole
// operation fails and no delivery is attempted, so a notification can never
// be shown once and then be missing from history. Live delivery failures
// are absorbed - the client reconciles through list/unread-count.
type Dispatcher struct {
	store    Store
	prefs    Preferences
	registry *stream.Registry
	fallback Fallback // nil when web push is not configured
	logger   *zap.Logger
}

// New creates a dispatcher. fallback may be nil.
func New(store Store, prefs Preferences, registry *stream.Registry, fallback Fallback, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		prefs:    prefs,
		registry: registry,
		fallback: fallback,
		logger:   logger,
	}
}

// Notify creates a notification for the recipient and delivers it
// best-effort. Returns the created notification and whether it reached a
// live connection. A category disabled by the recipient's preferences
// yields (nil, false, nil): no row, no delivery.
func (d *Dispatcher) Notify(
	ctx context.Context,
	userID uuid.UUID,
	notifType, title, message string,
	relatedID *uuid.UUID,
	metadata json.RawMessage,
) (*db.Notification, bool, error) {
	pref, err := d.prefs.Get(ctx, userID)
	if err != nil {
		// Fail open: a broken preference lookup must not swallow events.
		d.logger.Warn("preference lookup failed, delivering anyway",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
	} else if !pref.Allows(notifType) {
		d.logger.Debug("notification suppressed by preference",
			zap.String("user_id", userID.String()),
			zap.String("type", notifType),
		)
		return nil, false, nil
	}

	notif := &db.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      notifType,
		Title:     title,
		Message:   message,
		RelatedID: relatedID,
		Metadata:  metadata,
	}

	if err := d.store.Create(ctx, notif); err != nil {
		return nil, false, fmt.Errorf("persist notification: %w", err)
	}

	metrics.RecordNotificationCreated(notifType)

	payload, err := json.Marshal(notif)
	if err != nil {
		// The row exists; the client will pick it up on its next list.
		d.logger.Error("failed to encode notification for live delivery",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return notif, false, nil
	}

	delivered := d.registry.Send(userID, payload)
	metrics.RecordLiveDelivery(delivered)

	if delivered {
		d.logger.Debug("notification delivered live",
			zap.String("notification_id", notif.ID.String()),
			zap.String("user_id", userID.String()),
		)
	} else if d.fallback != nil {
		if !d.fallback.Enqueue(notif) {
			d.logger.Warn("push fallback queue full, relying on reconnect",
				zap.String("notification_id", notif.ID.String()),
			)
		}
	}

	return notif, delivered, nil
}
