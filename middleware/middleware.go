// Package middleware implements the onion-model handler chain wrapped around
// the provider's invoker.
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
//
// Each middleware can pre-process, call next, post-process, or short-circuit
// by returning early without calling next (e.g. rate limiting).
package middleware

import (
	"context"

	"relay-rpc/message"
)

// HandlerFunc is the signature shared by the invoker and every wrapped layer.
type HandlerFunc func(ctx context.Context, req *message.RpcRequest) *message.RpcResponse

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first in the list is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
