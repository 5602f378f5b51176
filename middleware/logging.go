package middleware

import (
	"context"
	"time"

	"relay-rpc/logging"
	"relay-rpc/message"
)

// Logging records the service, method, duration, and outcome of each call.
func Logging() Middleware {
	log := logging.Component("provider")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
			start := time.Now()
			resp := next(ctx, req)

			evt := log.Info()
			if resp != nil && !resp.OK() {
				evt = log.Warn()
			}
			evt.Str("service", req.ServiceName).
				Str("method", req.MethodName).
				Dur("elapsed", time.Since(start)).
				Msg("handled request")
			return resp
		}
	}
}
