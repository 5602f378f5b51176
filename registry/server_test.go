package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-rpc/message"
	"relay-rpc/protocol"
)

// startServer runs a registry on an ephemeral port and returns its address.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s, ln.Addr().String()
}

func dialRegistry(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, m *message.Message) *message.Message {
	t.Helper()
	require.NoError(t, protocol.Encode(conn, m))
	resp, err := protocol.Decode(conn)
	require.NoError(t, err)
	return resp
}

func TestRegisterAndLookupOverWire(t *testing.T) {
	_, addr := startServer(t)
	conn := dialRegistry(t, addr)

	reg, _ := message.New(message.TypeRegRegister, 1, &message.ServiceInfo{
		ServiceName: "Echo", Version: "1.0.0", Address: "10.0.0.1:9000",
	})
	resp := roundTrip(t, conn, reg)
	assert.Equal(t, message.TypeRegResponse, resp.Type)
	assert.Equal(t, message.StatusOK, resp.Status)
	assert.Equal(t, uint64(1), resp.RequestID)

	lookup, _ := message.New(message.TypeRegLookup, 2, &message.LookupRequest{
		ServiceName: "Echo", Version: "1.0.0",
	})
	resp = roundTrip(t, conn, lookup)
	require.Equal(t, message.StatusOK, resp.Status)

	var body message.RegistryResponse
	require.NoError(t, resp.DecodePayload(&body))
	require.Len(t, body.Services, 1)
	assert.Equal(t, "10.0.0.1:9000", body.Services[0].Address)
}

func TestLookupUnknownServiceReturnsEmptyOK(t *testing.T) {
	_, addr := startServer(t)
	conn := dialRegistry(t, addr)

	lookup, _ := message.New(message.TypeRegLookup, 1, &message.LookupRequest{ServiceName: "Missing"})
	resp := roundTrip(t, conn, lookup)
	assert.Equal(t, message.StatusOK, resp.Status)

	var body message.RegistryResponse
	require.NoError(t, resp.DecodePayload(&body))
	assert.Empty(t, body.Services)
}

func TestHeartbeatRepliesPong(t *testing.T) {
	_, addr := startServer(t)
	conn := dialRegistry(t, addr)

	ping, _ := message.New(message.TypeHeartbeatReq, 5, message.HeartbeatPing)
	resp := roundTrip(t, conn, ping)
	assert.Equal(t, message.TypeHeartbeatResp, resp.Type)
	assert.Equal(t, uint64(5), resp.RequestID)
	assert.Equal(t, message.HeartbeatPong, resp.HeartbeatToken())
}

func TestPingRefreshesSessionAddresses(t *testing.T) {
	s, addr := startServer(t)
	conn := dialRegistry(t, addr)

	reg, _ := message.New(message.TypeRegRegister, 1, &message.ServiceInfo{
		ServiceName: "Echo", Version: "1.0.0", Address: "10.0.0.1:9000",
	})
	roundTrip(t, conn, reg)

	before, ok := s.Store().LastSeen("10.0.0.1:9000")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ping, _ := message.New(message.TypeHeartbeatReq, 2, message.HeartbeatPing)
	roundTrip(t, conn, ping)

	after, ok := s.Store().LastSeen("10.0.0.1:9000")
	require.True(t, ok)
	assert.True(t, after.After(before), "PING must refresh the registered address")
}

func TestBadPayloadFailsWithoutClosing(t *testing.T) {
	_, addr := startServer(t)
	conn := dialRegistry(t, addr)

	// A register whose payload is not a ServiceInfo object.
	bad := &message.Message{
		Type:          message.TypeRegRegister,
		Serialization: message.SerializationJSON,
		RequestID:     1,
		Payload:       []byte(`"not an object"`),
	}
	resp := roundTrip(t, conn, bad)
	assert.Equal(t, message.StatusFail, resp.Status)

	var body message.RegistryResponse
	require.NoError(t, resp.DecodePayload(&body))
	assert.NotEmpty(t, body.Message)

	// Session survives: a normal request still works.
	lookup, _ := message.New(message.TypeRegLookup, 2, &message.LookupRequest{ServiceName: "Echo"})
	resp = roundTrip(t, conn, lookup)
	assert.Equal(t, message.StatusOK, resp.Status)
}

func TestMisdirectedTypeFailsWithoutClosing(t *testing.T) {
	_, addr := startServer(t)
	conn := dialRegistry(t, addr)

	// An RPC REQUEST does not belong on a registry session.
	stray, _ := message.New(message.TypeRequest, 1, &message.RpcRequest{ServiceName: "Echo"})
	resp := roundTrip(t, conn, stray)
	assert.Equal(t, message.StatusFail, resp.Status)

	ping, _ := message.New(message.TypeHeartbeatReq, 2, message.HeartbeatPing)
	resp = roundTrip(t, conn, ping)
	assert.Equal(t, message.TypeHeartbeatResp, resp.Type)
}

func TestUnknownTypeDiscardedSilently(t *testing.T) {
	_, addr := startServer(t)
	conn := dialRegistry(t, addr)

	unknown := &message.Message{Type: message.MsgType(99), RequestID: 1}
	require.NoError(t, protocol.Encode(conn, unknown))

	// No reply for the unknown frame; the next request is answered normally.
	ping, _ := message.New(message.TypeHeartbeatReq, 2, message.HeartbeatPing)
	resp := roundTrip(t, conn, ping)
	assert.Equal(t, message.TypeHeartbeatResp, resp.Type)
	assert.Equal(t, uint64(2), resp.RequestID)
}
