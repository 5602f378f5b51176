// Package server implements the provider side: a TCP accept loop, a framed
// request dispatcher with parallel handling, the middleware chain around the
// invoker, and registration of the served implementations at the registry.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each REQUEST: go handleRequest (parallel processing)
//	    → decode payload → middleware chain → invoker → write RESPONSE
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay-rpc/discovery"
	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/middleware"
	"relay-rpc/protocol"
)

// ReaderIdleTimeout closes consumer connections with no inbound traffic.
// Consumers heartbeat below this interval to keep their sessions cached.
const ReaderIdleTimeout = 30 * time.Second

// Server is the provider-side RPC server.
type Server struct {
	services    map[string]*service // serviceKey → implementation
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener      net.Listener
	advertiseAddr string
	reg           discovery.Discovery // nil when running without a registry

	wg       sync.WaitGroup
	shutdown atomic.Bool
	log      zerolog.Logger
}

// NewServer creates a provider server with an empty handler table.
func NewServer() *Server {
	return &Server{
		services: make(map[string]*service),
		log:      logging.Component("server"),
	}
}

// Register adds an implementation under its resolved (name, version, group).
func (svr *Server) Register(rcvr any, opts ServiceOptions) error {
	svc, err := newService(rcvr, opts)
	if err != nil {
		return err
	}
	if _, ok := svr.services[svc.key()]; ok {
		return fmt.Errorf("rpc: service %s already registered", svc.key())
	}
	svr.services[svc.key()] = svc
	return nil
}

// Use appends a middleware; middlewares wrap the invoker in registration order.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address, announces every registered service at the
// registry under advertiseAddr, and runs the accept loop until Shutdown.
//
// advertiseAddr differs from the listen address: ":9000" binds locally but
// consumers need a routable "host:port".
func (svr *Server) Serve(network, address, advertiseAddr string, reg discovery.Discovery) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = ln
	svr.advertiseAddr = advertiseAddr
	svr.handler = middleware.Chain(svr.middlewares...)(svr.invoke)

	if reg != nil {
		svr.reg = reg
		for _, svc := range svr.services {
			if err := reg.Register(svc.info(advertiseAddr)); err != nil {
				svr.log.Warn().Err(err).Str("service", svc.name).Msg("registration failed")
			}
		}
	}
	svr.log.Info().Str("addr", ln.Addr().String()).Int("services", len(svr.services)).Msg("provider listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Shutdown unregisters everything first so consumers stop routing here, then
// closes the listener and waits for in-flight requests.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if svr.reg != nil {
		for _, svc := range svr.services {
			if err := svr.reg.Unregister(svc.info(svr.advertiseAddr)); err != nil {
				svr.log.Warn().Err(err).Str("service", svc.name).Msg("unregister failed")
			}
		}
	}
	if svr.listener != nil {
		_ = svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// handleConn reads frames sequentially and fans each request out to its own
// goroutine. The per-connection write lock keeps concurrently written
// response frames from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(ReaderIdleTimeout))
		m, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		switch m.Type {
		case message.TypeRequest:
			go svr.handleRequest(m, conn, writeMu)
		case message.TypeHeartbeatReq:
			pong, err := message.New(message.TypeHeartbeatResp, m.RequestID, message.HeartbeatPong)
			if err == nil {
				svr.write(conn, writeMu, pong)
			}
		default:
			if !m.Type.Known() {
				svr.log.Warn().Stringer("type", m.Type).Msg("discarding unknown message type")
				continue
			}
			svr.respond(conn, writeMu, m.RequestID,
				message.Fail(fmt.Sprintf("unexpected message type %s", m.Type)))
		}
	}
}

// handleRequest runs one REQUEST through the middleware chain and writes the
// RESPONSE with the matching request id. Panics and handler errors become
// FAIL responses; they never close the connection.
func (svr *Server) handleRequest(m *message.Message, conn net.Conn, writeMu *sync.Mutex) {
	svr.wg.Add(1)
	defer svr.wg.Done()

	var req message.RpcRequest
	if err := m.DecodePayload(&req); err != nil {
		svr.respond(conn, writeMu, m.RequestID, message.Fail(err.Error()))
		return
	}

	resp := svr.safeHandle(&req)
	svr.respond(conn, writeMu, m.RequestID, resp)
}

func (svr *Server) safeHandle(req *message.RpcRequest) (resp *message.RpcResponse) {
	defer func() {
		if r := recover(); r != nil {
			svr.log.Error().Interface("panic", r).
				Str("service", req.ServiceName).Str("method", req.MethodName).
				Msg("invocation panicked")
			resp = message.Fail(fmt.Sprintf("invocation panicked: %v", r))
		}
	}()
	return svr.handler(context.Background(), req)
}

// invoke is the innermost handler: service lookup, method lookup, reflective
// call.
func (svr *Server) invoke(ctx context.Context, req *message.RpcRequest) *message.RpcResponse {
	svc, ok := svr.services[req.ServiceKey()]
	if !ok {
		return message.Fail("unknown service: " + req.ServiceKey())
	}
	mt, ok := svc.method[req.MethodName]
	if !ok {
		return message.Fail(fmt.Sprintf("unknown method: %s.%s", svc.name, req.MethodName))
	}

	result, err := svc.call(mt, req.Parameters)
	if err != nil {
		return message.Fail(err.Error())
	}
	return message.Success(result)
}

// respond derives the envelope status from the response code and writes the
// RESPONSE frame. A response without a code is coerced to FAIL=500 with a
// warning.
func (svr *Server) respond(conn net.Conn, writeMu *sync.Mutex, requestID uint64, resp *message.RpcResponse) {
	if resp == nil {
		resp = message.Fail("handler returned no response")
	}
	if resp.Code == nil {
		svr.log.Warn().Uint64("requestId", requestID).Msg("response without code, coercing to 500")
		code := message.CodeFail
		resp.Code = &code
	}

	env, err := message.New(message.TypeResponse, requestID, resp)
	if err != nil {
		svr.log.Error().Err(err).Msg("encode response")
		return
	}
	if resp.OK() {
		env.Status = message.StatusOK
	} else {
		env.Status = message.StatusFail
	}
	svr.write(conn, writeMu, env)
}

func (svr *Server) write(conn net.Conn, writeMu *sync.Mutex, m *message.Message) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, m); err != nil {
		svr.log.Warn().Err(err).Msg("write response failed")
	}
}
