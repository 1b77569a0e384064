package chain

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles calls to another Gateway so a drain cannot exceed the
// RPC provider's request quota. Waiting honours ctx.
type Limited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls per second with the given burst.
// perSecond <= 0 disables limiting.
func NewLimited(next Gateway, perSecond float64, burst int) *Limited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Read implements Gateway.
func (l *Limited) Read(ctx context.Context, namespace, key string) (Record, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Record{}, &TransportError{Op: "read", Retryable: true, Err: err}
	}
	return l.next.Read(ctx, namespace, key)
}

// Write implements Gateway.
func (l *Limited) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &TransportError{Op: "write", Retryable: true, Err: err}
	}
	return l.next.Write(ctx, namespace, key, value, expectedVersion)
}
