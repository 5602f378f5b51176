package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"relay-rpc/message"
)

// RateLimit rejects requests beyond a token-bucket budget.
//
// The limiter lives in the outer closure — one bucket shared by every
// request. Creating it per-request would hand each call a fresh full bucket.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			if !limiter.Allow() {
				return message.Fail("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
