package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/db"
)

// Transport mirrors the push transport interface to avoid circular imports.
type Transport interface {
	Send(ctx context.Context, sub *db.PushSubscription, payload []byte) error
}

// ProtectedTransport wraps a push transport with a CircuitBreaker. When the
// push service starts failing, the circuit opens and sends fail fast; errors
// from the wrapped transport pass through unchanged so callers can still
// inspect them (e.g. endpoint-gone pruning).
type ProtectedTransport struct {
	transport Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with circuit breaker protection.
func NewProtectedTransport(transport Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// Send attempts a push through the circuit breaker. If the circuit is open,
// returns ErrCircuitOpen immediately.
func (p *ProtectedTransport) Send(ctx context.Context, sub *db.PushSubscription, payload []byte) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.transport.Send(ctx, sub, payload)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
