// Package push is the wake-up path for users with no live connection:
// a queue-fed worker that fans notifications out to the user's web push
// endpoints, with an optional email fallback.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/db"
)

// ErrEndpointGone indicates the push service no longer recognizes the
// endpoint (404/410). The subscription should be pruned.
var ErrEndpointGone = errors.New("push endpoint gone")

// WebPushConfig holds VAPID credentials for the web push transport.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // contact address the push service may use
}

// WebPushTransport sends notification payloads to browser push services
// using VAPID authentication.
type WebPushTransport struct {
	cfg    WebPushConfig
	logger *zap.Logger
}

// NewWebPushTransport creates a web push transport. Both VAPID keys are
// required; generate them once per deployment.
func NewWebPushTransport(cfg WebPushConfig, logger *zap.Logger) (*WebPushTransport, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, errors.New("VAPID public and private keys are required")
	}

	return &WebPushTransport{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Send pushes the payload to a single subscription. Returns ErrEndpointGone
// when the push service reports the endpoint dead; the caller prunes it.
func (t *WebPushTransport) Send(ctx context.Context, sub *db.PushSubscription, payload []byte) error {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, s, &webpush.Options{
		Subscriber:      t.cfg.Subscriber,
		VAPIDPublicKey:  t.cfg.PublicKey,
		VAPIDPrivateKey: t.cfg.PrivateKey,
		TTL:             60 * 60 * 24, // the client may be offline for a while
	})
	if err != nil {
		return fmt.Errorf("webpush send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w (status %d)", ErrEndpointGone, resp.StatusCode)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.logger.Debug("web push accepted",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("status", resp.StatusCode),
		)
		return nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webpush unexpected status %d: %s", resp.StatusCode, body)
	}
}
