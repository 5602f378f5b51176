// Package regclient maintains one session to the registry for the life of
// its holder: register/unregister/lookup plus the reconnect and re-register
// discipline that recovers the session after registry restarts.
//
// Providers run with the heartbeat task enabled so their entries stay live
// and their TCP session survives the registry's reader-idle window; consumers
// typically disable it and only reconnect lazily on the next lookup.
package regclient

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/rpcerror"
	"relay-rpc/transport"
)

const (
	// DefaultTimeout bounds every registry call.
	DefaultTimeout = 5 * time.Second

	// Reconnect discipline: up to ReconnectAttempts dials, ReconnectInterval
	// apart, each bounded by the transport's connect deadline.
	ReconnectAttempts  = 10
	ReconnectInterval  = 3 * time.Second
	HeartbeatInterval  = 5 * time.Second
	heartbeatWarnAfter = 3
)

// Client is a resilient registry session.
type Client struct {
	addr            string
	enableHeartbeat bool

	mu   sync.Mutex // guards conn and reconnect attempts
	conn *transport.Conn

	idCounter uint64

	// registered preserves registration order for reconnect replay.
	regMu      sync.Mutex
	registered []message.ServiceInfo

	destroyed atomic.Bool
	stopBeat  chan struct{}
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHeartbeat enables the periodic heartbeat task. Providers want this;
// consumers usually do not.
func WithHeartbeat() Option {
	return func(c *Client) { c.enableHeartbeat = true }
}

// New dials the registry and returns a ready client.
func New(addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:     addr,
		stopBeat: make(chan struct{}),
		log:      logging.Component("regclient").With().Str("registry", addr).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := transport.Dial(addr, c.nextID)
	if err != nil {
		// The registry may still be coming up; apply the full retry
		// discipline before giving up.
		c.mu.Lock()
		rerr := c.reconnectLocked()
		c.mu.Unlock()
		if rerr != nil {
			return nil, rerr
		}
	} else {
		c.conn = conn
	}

	if c.enableHeartbeat {
		go c.heartbeatLoop()
	}
	return c, nil
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.idCounter, 1)
}

// Register adds a service entry at the registry and caches it locally so it
// can be replayed after a reconnect.
func (c *Client) Register(info message.ServiceInfo) error {
	info.Normalize()
	if _, err := c.call(message.TypeRegRegister, &info); err != nil {
		return err
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	for _, existing := range c.registered {
		if existing.Address == info.Address && existing.ServiceKey() == info.ServiceKey() {
			return nil
		}
	}
	c.registered = append(c.registered, info)
	return nil
}

// Unregister removes a service entry at the registry and from the local cache.
func (c *Client) Unregister(info message.ServiceInfo) error {
	info.Normalize()
	if _, err := c.call(message.TypeRegUnregister, &info); err != nil {
		return err
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	kept := c.registered[:0]
	for _, existing := range c.registered {
		if existing.Address != info.Address || existing.ServiceKey() != info.ServiceKey() {
			kept = append(kept, existing)
		}
	}
	c.registered = kept
	return nil
}

// Lookup returns the registry's provider snapshot for a service.
func (c *Client) Lookup(name, version, group string) ([]message.ServiceInfo, error) {
	resp, err := c.call(message.TypeRegLookup, &message.LookupRequest{
		ServiceName: name,
		Version:     version,
		Group:       group,
	})
	if err != nil {
		return nil, err
	}

	var body message.RegistryResponse
	if err := resp.DecodePayload(&body); err != nil {
		return nil, err
	}
	return body.Services, nil
}

// Registered returns a copy of the locally cached registrations in order.
func (c *Client) Registered() []message.ServiceInfo {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	out := make([]message.ServiceInfo, len(c.registered))
	copy(out, c.registered)
	return out
}

// Destroy gracefully unregisters all cached registrations and closes the
// session. Idempotent.
func (c *Client) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopBeat)

	// Best-effort unregister over the existing session only; a dead session
	// is not worth a reconnect cycle during teardown.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil && conn.Active() {
		for _, info := range c.Registered() {
			m, err := message.New(message.TypeRegUnregister, 0, &info)
			if err != nil {
				continue
			}
			a, err := conn.Send(m)
			if err == nil {
				_, err = a.Await(DefaultTimeout)
			}
			if err != nil {
				c.log.Warn().Err(err).Str("service", info.ServiceName).Msg("unregister on destroy failed")
			}
		}
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// call sends one envelope and awaits its REG_RESPONSE.
func (c *Client) call(t message.MsgType, payload any) (*message.Message, error) {
	if c.destroyed.Load() {
		return nil, rpcerror.ErrShutdown
	}

	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	m, err := message.New(t, 0, payload)
	if err != nil {
		return nil, err
	}

	a, err := conn.Send(m)
	if err != nil {
		return nil, err
	}

	resp, err := a.Await(DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Status == message.StatusFail {
		var body message.RegistryResponse
		_ = resp.DecodePayload(&body)
		return nil, &rpcerror.RemoteError{Code: message.CodeFail, Message: body.Message}
	}
	return resp, nil
}

// activeConn returns the live session, reconnecting if it died.
func (c *Client) activeConn() (*transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Active() {
		return c.conn, nil
	}
	if err := c.reconnectLocked(); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// reconnectLocked dials with the retry discipline and, when the heartbeat
// task is enabled, replays every cached registration in order. Replay errors
// are logged but not fatal.
func (c *Client) reconnectLocked() error {
	var lastErr error
	for attempt := 1; attempt <= ReconnectAttempts; attempt++ {
		conn, err := transport.Dial(c.addr, c.nextID)
		if err == nil {
			if c.conn != nil {
				_ = c.conn.Close()
			}
			c.conn = conn
			c.log.Info().Int("attempt", attempt).Msg("reconnected to registry")
			if c.enableHeartbeat {
				c.replayRegistrations(conn)
			}
			return nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("registry dial failed")

		if attempt < ReconnectAttempts {
			time.Sleep(ReconnectInterval)
		}
	}
	return fmt.Errorf("regclient: reconnect exhausted after %d attempts: %w", ReconnectAttempts, lastErr)
}

func (c *Client) replayRegistrations(conn *transport.Conn) {
	for _, info := range c.Registered() {
		m, err := message.New(message.TypeRegRegister, 0, &info)
		if err != nil {
			continue
		}
		a, err := conn.Send(m)
		if err != nil {
			c.log.Warn().Err(err).Str("service", info.ServiceName).Msg("re-register send failed")
			continue
		}
		if _, err := a.Await(DefaultTimeout); err != nil {
			c.log.Warn().Err(err).Str("service", info.ServiceName).Msg("re-register failed")
		} else {
			c.log.Info().Str("service", info.ServiceName).Str("addr", info.Address).Msg("re-registered")
		}
	}
}

// heartbeatLoop pings the registry every tick. A dead session triggers
// reconnect plus re-registration; three consecutive send failures raise a
// warning and reconnection is retried on the next tick.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.stopBeat:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			dead := conn == nil || !conn.Active()
			if dead {
				if err := c.reconnectLocked(); err != nil {
					c.mu.Unlock()
					failures++
					if failures == heartbeatWarnAfter {
						c.log.Warn().Int("failures", failures).Msg("heartbeat failing repeatedly")
					}
					continue
				}
				conn = c.conn
			}
			c.mu.Unlock()

			ping, err := message.New(message.TypeHeartbeatReq, 0, message.HeartbeatPing)
			if err != nil {
				continue
			}
			if err := conn.SendOnly(ping); err != nil {
				failures++
				c.log.Debug().Err(err).Msg("heartbeat send failed")
				if failures == heartbeatWarnAfter {
					c.log.Warn().Int("failures", failures).Msg("heartbeat failing repeatedly")
				}
				continue
			}
			failures = 0
		}
	}
}
