package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/transport"
)

// ProtectedTransport wraps a transport.Transport with a CircuitBreaker
type ProtectedTransport struct {
	next    transport.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedTransport(next transport.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the breaker is open. A caller
// cancellation is not counted against the gateway.
func (p *ProtectedTransport) Send(ctx context.Context, req transport.SendRequest) (*transport.SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("queue_item_id", req.ItemID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	res, err := p.next.Send(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			p.breaker.RecordFailure()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return res, nil
}

func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
