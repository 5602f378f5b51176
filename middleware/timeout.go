package middleware

import (
	"context"
	"time"

	"relay-rpc/message"
)

// Timeout bounds how long the caller waits for the wrapped handler.
//
// The handler goroutine is not cancelled — the timeout only controls when the
// provider gives up and answers with a failure. Handlers wanting true
// cancellation must watch ctx.Done themselves.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RpcResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Fail("handler timed out")
			}
		}
	}
}
