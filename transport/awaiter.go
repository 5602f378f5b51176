// Package transport implements the shared session layer: a single-shot
// Awaiter primitive and a multiplexed TCP connection that routes responses
// back to waiting callers by request id.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single TCP conn ──→ peer
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"sync"
	"time"

	"relay-rpc/message"
	"relay-rpc/rpcerror"
)

// Awaiter is a single-shot response handle. It is completed exactly once —
// by response delivery, by error, or by timeout — whichever comes first.
type Awaiter struct {
	done chan struct{}
	once sync.Once

	resp *message.Message
	err  error

	// drop detaches this awaiter from its pending table. Set by the owning
	// connection; invoked on timeout so a late response is treated as unknown.
	drop func()
}

// NewAwaiter returns an unfulfilled awaiter.
func NewAwaiter() *Awaiter {
	return &Awaiter{done: make(chan struct{})}
}

// Complete fulfils the awaiter with a response envelope.
// Later completions are ignored.
func (a *Awaiter) Complete(resp *message.Message) {
	a.once.Do(func() {
		a.resp = resp
		close(a.done)
	})
}

// Fail fulfils the awaiter with an error. Later completions are ignored.
func (a *Awaiter) Fail(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Await blocks until the awaiter is fulfilled or the timeout elapses.
// On timeout the pending entry is removed and rpcerror.ErrTimeout returned;
// the underlying send is not retracted.
func (a *Awaiter) Await(timeout time.Duration) (*message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
		return a.resp, a.err
	case <-timer.C:
		if a.drop != nil {
			a.drop()
		}
		a.Fail(rpcerror.ErrTimeout)
		// Re-read under the closed channel: a response may have won the race.
		<-a.done
		return a.resp, a.err
	}
}

// Done exposes the completion signal for select-based callers.
func (a *Awaiter) Done() <-chan struct{} { return a.done }

// Cancel is not supported for an individual request; the only way to stop
// waiting is the timeout. Always returns false.
func (a *Awaiter) Cancel() bool { return false }
