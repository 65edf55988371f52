package push

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/circuitbreaker"
	"github.com/opsdeck/pulse/internal/db"
	"github.com/opsdeck/pulse/internal/metrics"
)

// Directory is the push subscription store the worker fans out over.
type Directory interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*db.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
	TouchLastUsed(ctx context.Context, endpoint string) error
}

// Preferences gates the email fallback per user.
type Preferences interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error)
}

// Emails resolves a user's email address for the fallback channel.
type Emails interface {
	Email(ctx context.Context, userID uuid.UUID) (string, error)
}

// Transport sends one payload to one push subscription.
type Transport interface {
	Send(ctx context.Context, sub *db.PushSubscription, payload []byte) error
}

// Mailer sends the email fallback. Satisfied by EmailSender.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config holds worker settings.
type Config struct {
	QueueSize int
}

// Worker consumes queued notifications and wakes disconnected clients:
// web push to every registered endpoint (pruning the dead ones), plus an
// SES email when the user opted in. Everything here is best-effort - the
// durable notification row already exists by the time a job is queued.
type Worker struct {
	queue     chan *db.Notification
	dir       Directory
	prefs     Preferences
	emails    Emails
	transport Transport // nil when VAPID keys are not configured
	mailer    Mailer    // nil when SES is not configured
	logger    *zap.Logger
}

// New creates a push worker. transport and mailer may each be nil.
func New(dir Directory, prefs Preferences, emails Emails, transport Transport, mailer Mailer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &Worker{
		queue:     make(chan *db.Notification, cfg.QueueSize),
		dir:       dir,
		prefs:     prefs,
		emails:    emails,
		transport: transport,
		mailer:    mailer,
		logger:    logger,
	}
}

// Enqueue hands a notification to the worker without blocking. Returns
// false when the queue is full; the notification is already durable, so a
// dropped job only costs the out-of-band wake-up.
func (w *Worker) Enqueue(notif *db.Notification) bool {
	select {
	case w.queue <- notif:
		return true
	default:
		return false
	}
}

// Start consumes the queue until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("push worker stopping")
			return
		case notif := <-w.queue:
			w.process(ctx, notif)
		}
	}
}

// wirePayload is what the service worker displays. Matches the shape sent
// over the live stream so the client handles both paths identically.
type wirePayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (w *Worker) process(ctx context.Context, notif *db.Notification) {
	payload, err := json.Marshal(wirePayload{
		ID:      notif.ID.String(),
		Type:    notif.Type,
		Title:   notif.Title,
		Message: notif.Message,
	})
	if err != nil {
		w.logger.Error("failed to encode push payload", zap.Error(err))
		return
	}

	if w.transport != nil {
		w.fanOut(ctx, notif.UserID, payload)
	}

	if w.mailer != nil {
		w.sendEmail(ctx, notif)
	}
}

func (w *Worker) fanOut(ctx context.Context, userID uuid.UUID, payload []byte) {
	subs, err := w.dir.ListByUser(ctx, userID)
	if err != nil {
		w.logger.Error("failed to list push subscriptions",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return
	}

	for _, sub := range subs {
		if err := w.dir.TouchLastUsed(ctx, sub.Endpoint); err != nil {
			w.logger.Warn("failed to stamp last_used", zap.Error(err))
		}

		err := w.transport.Send(ctx, sub, payload)
		switch {
		case err == nil:
			metrics.RecordPushSend("sent")

		case errors.Is(err, ErrEndpointGone):
			metrics.RecordPushSend("gone")
			w.logger.Info("pruning dead push endpoint",
				zap.String("subscription_id", sub.ID.String()),
			)
			if err := w.dir.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				w.logger.Warn("failed to prune push subscription", zap.Error(err))
			}

		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			metrics.RecordPushSend("rejected")
			// Circuit open means every remaining send would fail fast too.
			w.logger.Warn("web push circuit open, skipping remaining endpoints",
				zap.String("user_id", userID.String()),
			)
			return

		default:
			metrics.RecordPushSend("failed")
			w.logger.Warn("web push failed",
				zap.Error(err),
				zap.String("subscription_id", sub.ID.String()),
			)
		}
	}
}

func (w *Worker) sendEmail(ctx context.Context, notif *db.Notification) {
	pref, err := w.prefs.Get(ctx, notif.UserID)
	if err != nil {
		w.logger.Warn("preference lookup failed, skipping email fallback",
			zap.Error(err),
			zap.String("user_id", notif.UserID.String()),
		)
		return
	}
	if !pref.EmailEnabled {
		return
	}

	addr, err := w.emails.Email(ctx, notif.UserID)
	if err != nil {
		w.logger.Warn("no email address for user, skipping email fallback",
			zap.Error(err),
			zap.String("user_id", notif.UserID.String()),
		)
		return
	}

	if err := w.mailer.Send(ctx, addr, notif.Title, notif.Message); err != nil {
		metrics.RecordEmailFallback("failed")
		w.logger.Warn("email fallback failed",
			zap.Error(err),
			zap.String("user_id", notif.UserID.String()),
		)
		return
	}

	metrics.RecordEmailFallback("sent")
}
