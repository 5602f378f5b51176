// Package client implements the consumer side: discovery, uniform-random
// balancing, a per-address connection cache, and the request pipeline that
// parks a pending awaiter before each framed write.
//
// Call flow:
//
//	Call(req, timeout)
//	  → Discovery.Lookup(name, version, group)   → provider snapshot
//	  → Balancer.Pick(snapshot)                  → one address
//	  → getConn(addr)                            → cached or fresh session
//	  → conn.Send()                              → awaiter parked, frame written
//	  → awaiter.Await(timeout)                   → response or typed error
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay-rpc/discovery"
	"relay-rpc/loadbalance"
	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/regclient"
	"relay-rpc/rpcerror"
	"relay-rpc/transport"
)

// The registry client is the canonical discovery backend.
var _ discovery.Discovery = (*regclient.Client)(nil)

// Client is the consumer-side RPC client.
type Client struct {
	disc     discovery.Discovery
	balancer loadbalance.Balancer

	mu    sync.Mutex
	conns map[string]*transport.Conn // address → active session

	idCounter uint64
	closed    atomic.Bool
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBalancer swaps the selection strategy.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// New creates a consumer client over the given discovery backend.
func New(disc discovery.Discovery, opts ...Option) *Client {
	c := &Client{
		disc:     disc,
		balancer: &loadbalance.Random{},
		conns:    make(map[string]*transport.Conn),
		log:      logging.Component("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.idCounter, 1)
}

// SendRequest resolves a provider, obtains a session, and writes the framed
// request. ServiceNotFound and TransportError come back as the returned
// error; the returned awaiter resolves with the RESPONSE envelope or fails
// with Timeout / ConnClosed.
func (c *Client) SendRequest(req *message.RpcRequest) (*transport.Awaiter, error) {
	if c.closed.Load() {
		return nil, rpcerror.ErrShutdown
	}

	instances, err := c.disc.Lookup(req.ServiceName, req.Version, req.Group)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, rpcerror.ServiceNotFound(req.ServiceKey())
	}

	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, rpcerror.ServiceNotFound(req.ServiceKey())
	}

	conn, err := c.getConn(inst.Address)
	if err != nil {
		return nil, err
	}

	m, err := message.New(message.TypeRequest, 0, req)
	if err != nil {
		return nil, err
	}
	return conn.Send(m)
}

// Call is the synchronous surface: send, await, decode.
// A FAIL envelope becomes a RemoteError carrying the remote diagnostic.
func (c *Client) Call(req *message.RpcRequest, timeout time.Duration) (*message.RpcResponse, error) {
	a, err := c.SendRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.Await(timeout)
	if err != nil {
		return nil, err
	}

	var body message.RpcResponse
	if err := resp.DecodePayload(&body); err != nil {
		return nil, err
	}
	if resp.Status == message.StatusFail {
		code := message.CodeFail
		if body.Code != nil {
			code = *body.Code
		}
		return nil, &rpcerror.RemoteError{Code: code, Message: body.Message}
	}
	return &body, nil
}

// getConn returns the cached session for addr, evicting and redialing when
// the cached one has gone inactive. A dial is retried at most once.
func (c *Client) getConn(addr string) (*transport.Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[addr]; ok {
		if conn.Active() {
			c.mu.Unlock()
			return conn, nil
		}
		_ = conn.Close()
		delete(c.conns, addr)
		c.log.Debug().Str("addr", addr).Msg("evicted inactive session")
	}
	c.mu.Unlock()

	// Dial outside the lock. Per-address reconnection is not serialized;
	// the loser of a dial race is closed below.
	conn, err := transport.Dial(addr, c.nextID)
	if err != nil {
		conn, err = transport.Dial(addr, c.nextID)
		if err != nil {
			return nil, err
		}
	}
	conn.StartHeartbeat(transport.HeartbeatInterval)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[addr]; ok && existing.Active() {
		_ = conn.Close()
		return existing, nil
	}
	c.conns[addr] = conn
	return conn, nil
}

// Close drops every cached session. Idempotent.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, addr)
	}
}
