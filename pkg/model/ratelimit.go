package model

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited wraps a client so it issues at most requestsPerMinute calls per minute.
// Callers block until capacity is available or ctx ends.
func RateLimited(next Client, requestsPerMinute int) Client {
	if next == nil || requestsPerMinute <= 0 {
		return next
	}
	every := time.Minute / time.Duration(requestsPerMinute)
	return &limitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (c *limitedClient) Provider() string {
	return c.next.Provider()
}

func (c *limitedClient) Generate(ctx context.Context, req Request) (*Turn, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Unavailable(c.next.Provider(), err)
	}
	return c.next.Generate(ctx, req)
}
