package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/protocol"
)

// ReaderIdleTimeout closes connections that send no traffic. Providers must
// heartbeat to keep their TCP session alive across this window.
const ReaderIdleTimeout = 30 * time.Second

// Server accepts registry sessions and dispatches their requests against a
// Store. It keeps no durable per-connection state; the only session-scoped
// memory is the set of addresses registered on the session, which a PING on
// that session refreshes.
type Server struct {
	store    *Store
	listener net.Listener

	sweepInterval time.Duration
	expiryTimeout time.Duration

	shutdown  atomic.Bool
	stopSweep chan struct{}
	wg        sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	log zerolog.Logger
}

// NewServer creates a registry server around a fresh store with the standard
// sweep timing.
func NewServer() *Server {
	return &Server{
		store:         NewStore(),
		sweepInterval: SweepInterval,
		expiryTimeout: ExpiryTimeout,
		stopSweep:     make(chan struct{}),
		conns:         make(map[net.Conn]struct{}),
		log:           logging.Component("registry"),
	}
}

// Store exposes the underlying tables, used by the CLI's test mode to
// pre-register demo entries.
func (s *Server) Store() *Store { return s.store }

// ListenAndServe binds addr, starts the expiry sweeper, and enters the
// accept loop. Blocks until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("registry: bind %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("registry listening")

	go s.sweepLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops the sweeper, closes the listener, and waits for session
// handlers to drain. Idempotent.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopSweep)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("registry: timeout waiting for sessions to drain")
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if expired := s.store.Sweep(s.expiryTimeout); len(expired) > 0 {
				s.log.Info().Strs("addresses", expired).Msg("swept expired providers")
			}
		}
	}
}

// session is the per-connection state: the write lock and the addresses
// registered through this connection, so a PING refreshes them all.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	addrs   []string
	log     zerolog.Logger
}

func (sess *session) trackAddress(addr string) {
	for _, a := range sess.addrs {
		if a == addr {
			return
		}
	}
	sess.addrs = append(sess.addrs, addr)
}

func (sess *session) reply(m *message.Message) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := protocol.Encode(sess.conn, m); err != nil {
		sess.log.Warn().Err(err).Msg("write reply failed")
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	sess := &session{
		conn: conn,
		log:  s.log.With().Str("peer", conn.RemoteAddr().String()).Logger(),
	}

	for {
		// Reader-idle edge: each frame renews the deadline.
		_ = conn.SetReadDeadline(time.Now().Add(ReaderIdleTimeout))
		m, err := protocol.Decode(conn)
		if err != nil {
			// The frame was read whole and only its JSON is bad: the stream is
			// still aligned, so answer FAIL and keep the session.
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.replyFail(sess, 0, err.Error())
				continue
			}
			sess.log.Debug().Err(err).Msg("session closed")
			return
		}
		s.dispatch(sess, m)
	}
}

// dispatch handles one decoded envelope. Payload decode failures and handler
// panics produce a FAIL response with a diagnostic; they never close the
// session.
func (s *Server) dispatch(sess *session, m *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			sess.log.Error().Interface("panic", r).Msg("handler panicked")
			s.replyFail(sess, m.RequestID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch m.Type {
	case message.TypeRegRegister:
		var info message.ServiceInfo
		if err := m.DecodePayload(&info); err != nil {
			s.replyFail(sess, m.RequestID, err.Error())
			return
		}
		s.store.Register(info)
		sess.trackAddress(info.Address)
		sess.log.Info().Str("service", info.ServiceName).Str("addr", info.Address).Msg("registered")
		s.replyOK(sess, m.RequestID, &message.RegistryResponse{Message: "registered"})

	case message.TypeRegUnregister:
		var info message.ServiceInfo
		if err := m.DecodePayload(&info); err != nil {
			s.replyFail(sess, m.RequestID, err.Error())
			return
		}
		s.store.Unregister(info)
		sess.log.Info().Str("service", info.ServiceName).Str("addr", info.Address).Msg("unregistered")
		s.replyOK(sess, m.RequestID, &message.RegistryResponse{Message: "unregistered"})

	case message.TypeRegLookup:
		var req message.LookupRequest
		if err := m.DecodePayload(&req); err != nil {
			s.replyFail(sess, m.RequestID, err.Error())
			return
		}
		services := s.store.Lookup(req.ServiceName, req.Version, req.Group)
		s.replyOK(sess, m.RequestID, &message.RegistryResponse{Services: services})

	case message.TypeHeartbeatReq:
		// REGISTER already refreshes implicitly; a bare PING refreshes every
		// address registered on this session. A session that never registered
		// is keyed by its observed remote endpoint.
		if len(sess.addrs) == 0 {
			s.store.Heartbeat(sess.conn.RemoteAddr().String())
		}
		for _, addr := range sess.addrs {
			s.store.Heartbeat(addr)
		}
		pong, err := message.New(message.TypeHeartbeatResp, m.RequestID, message.HeartbeatPong)
		if err == nil {
			sess.reply(pong)
		}

	default:
		if !m.Type.Known() {
			sess.log.Warn().Stringer("type", m.Type).Msg("discarding unknown message type")
			return
		}
		s.replyFail(sess, m.RequestID, fmt.Sprintf("unexpected message type %s", m.Type))
	}
}

func (s *Server) replyOK(sess *session, requestID uint64, payload *message.RegistryResponse) {
	resp, err := message.New(message.TypeRegResponse, requestID, payload)
	if err != nil {
		sess.log.Error().Err(err).Msg("encode registry response")
		return
	}
	resp.Status = message.StatusOK
	sess.reply(resp)
}

func (s *Server) replyFail(sess *session, requestID uint64, diagnostic string) {
	resp, err := message.New(message.TypeRegResponse, requestID, &message.RegistryResponse{Message: diagnostic})
	if err != nil {
		return
	}
	resp.Status = message.StatusFail
	sess.reply(resp)
}
