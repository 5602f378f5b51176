package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/protocol"
	"relay-rpc/rpcerror"
)

// DialTimeout bounds a single connection attempt.
const DialTimeout = 5 * time.Second

// HeartbeatInterval is how often an idle-keeping heartbeat is written.
// Peers close connections after 30 s without traffic, so this must stay
// comfortably below that.
const HeartbeatInterval = 15 * time.Second

// Conn is a multiplexed session over one TCP connection.
//
// Request ids come from an external generator so they stay strictly monotonic
// across every connection the owning client holds. Each in-flight request
// parks an Awaiter in the pending table; a background recvLoop reads frames
// and routes each response to its caller.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	nextID  func() uint64
	pending sync.Map // uint64 → *Awaiter

	// sending serializes frame writes. Multiple goroutines share one conn;
	// without the lock their frames would interleave and corrupt the stream.
	sending sync.Mutex

	closed   atomic.Bool
	stopBeat chan struct{}
	beatOnce sync.Once
	log      zerolog.Logger
}

// Dial opens a TCP session to addr with the standard connect deadline.
func Dial(addr string, nextID func() uint64) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, &rpcerror.TransportError{Op: "dial", Addr: addr, Err: err}
	}
	return NewConn(raw, nextID), nil
}

// NewConn wraps an established connection and starts its recvLoop.
func NewConn(conn net.Conn, nextID func() uint64) *Conn {
	c := &Conn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		nextID:   nextID,
		stopBeat: make(chan struct{}),
		log:      logging.Component("transport").With().Str("peer", conn.RemoteAddr().String()).Logger(),
	}
	go c.recvLoop()
	return c
}

// StartHeartbeat launches a periodic PING writer that keeps the session
// alive across the peer's reader-idle window. Safe to call once.
func (c *Conn) StartHeartbeat(interval time.Duration) {
	c.beatOnce.Do(func() {
		go c.heartbeatLoop(interval)
	})
}

// Send assigns a request id, parks an Awaiter, and writes the framed
// envelope. The Awaiter is registered before the write so a fast response
// cannot race past the pending table.
//
// On write failure the pending entry is removed and the awaiter failed, so
// the caller observes the transport error exactly once.
func (c *Conn) Send(m *message.Message) (*Awaiter, error) {
	if c.closed.Load() {
		return nil, rpcerror.ErrConnClosed
	}

	id := c.nextID()
	m.RequestID = id

	a := NewAwaiter()
	a.drop = func() { c.pending.Delete(id) }
	c.pending.Store(id, a)

	if err := c.write(m); err != nil {
		c.pending.Delete(id)
		terr := &rpcerror.TransportError{Op: "write", Addr: c.RemoteAddr(), Err: err}
		a.Fail(terr)
		return nil, terr
	}
	return a, nil
}

// SendOnly writes an envelope without parking a response handle.
// Used for one-way traffic such as heartbeats.
func (c *Conn) SendOnly(m *message.Message) error {
	if c.closed.Load() {
		return rpcerror.ErrConnClosed
	}
	if err := c.write(m); err != nil {
		return &rpcerror.TransportError{Op: "write", Addr: c.RemoteAddr(), Err: err}
	}
	return nil
}

func (c *Conn) write(m *message.Message) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.conn, m)
}

// recvLoop runs in a dedicated goroutine, continuously reading frames.
// TCP is a byte stream — reads must be sequential to keep frame boundaries,
// so this is the only reader on the connection.
func (c *Conn) recvLoop() {
	for {
		m, err := protocol.Decode(c.reader)
		if err != nil {
			c.teardown()
			return
		}

		switch m.Type {
		case message.TypeResponse, message.TypeRegResponse:
			if v, ok := c.pending.LoadAndDelete(m.RequestID); ok {
				v.(*Awaiter).Complete(m)
			} else {
				c.log.Warn().Uint64("requestId", m.RequestID).
					Msg("dropping response for unknown request id")
			}
		case message.TypeHeartbeatResp:
			c.log.Debug().Msg("heartbeat acknowledged")
		default:
			c.log.Warn().Stringer("type", m.Type).Msg("dropping unexpected message")
		}
	}
}

// heartbeatLoop writes a PING on every tick until the session closes.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopBeat:
			return
		case <-ticker.C:
			ping, err := message.New(message.TypeHeartbeatReq, c.nextID(), message.HeartbeatPing)
			if err != nil {
				return
			}
			if err := c.SendOnly(ping); err != nil {
				return
			}
		}
	}
}

// teardown marks the session dead and completes every pending awaiter
// exceptionally so no caller blocks forever.
func (c *Conn) teardown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopBeat)
	_ = c.conn.Close()
	c.pending.Range(func(key, value any) bool {
		value.(*Awaiter).Fail(rpcerror.ErrConnClosed)
		c.pending.Delete(key)
		return true
	})
}

// Close shuts the session down. Idempotent.
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

// Active reports whether the session is still usable.
func (c *Conn) Active() bool { return !c.closed.Load() }

// RemoteAddr returns the peer address string.
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }
