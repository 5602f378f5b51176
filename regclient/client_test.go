package regclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-rpc/message"
	"relay-rpc/registry"
)

func startRegistry(t *testing.T, addr string) *registry.Server {
	t.Helper()
	s := registry.NewServer()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s
}

func info(name, addr string) message.ServiceInfo {
	return message.ServiceInfo{ServiceName: name, Version: "1.0.0", Address: addr}
}

func TestRegisterLookupUnregister(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	s := registry.NewServer()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	c, err := New(addr)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	require.NoError(t, c.Register(info("Echo", "10.0.0.1:9000")))

	got, err := c.Lookup("Echo", "1.0.0", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1:9000", got[0].Address)

	require.NoError(t, c.Unregister(info("Echo", "10.0.0.1:9000")))
	got, err = c.Lookup("Echo", "1.0.0", "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, c.Registered())
}

func TestRegisteredCachePreservesOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := registry.NewServer()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	c, err := New(ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	require.NoError(t, c.Register(info("A", "10.0.0.1:9000")))
	require.NoError(t, c.Register(info("B", "10.0.0.1:9000")))
	// Duplicate registration does not grow the cache.
	require.NoError(t, c.Register(info("A", "10.0.0.1:9000")))

	cached := c.Registered()
	require.Len(t, cached, 2)
	assert.Equal(t, "A", cached[0].ServiceName)
	assert.Equal(t, "B", cached[1].ServiceName)
}

// After a registry restart, the next call reconnects and replays every cached
// registration in order.
func TestReconnectReplaysRegistrations(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	first := registry.NewServer()
	go func() { _ = first.Serve(ln) }()

	c, err := New(addr, WithHeartbeat())
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	require.NoError(t, c.Register(info("A", "10.0.0.1:9000")))
	require.NoError(t, c.Register(info("B", "10.0.0.1:9001")))

	// Registry dies and comes back empty on the same address.
	require.NoError(t, first.Shutdown(time.Second))
	second := startRegistry(t, addr)

	// Give the old session a moment to observe the close.
	require.Eventually(t, func() bool {
		got, err := c.Lookup("A", "1.0.0", "")
		return err == nil && len(got) == 1
	}, 10*time.Second, 100*time.Millisecond)

	gotA, err := c.Lookup("A", "1.0.0", "")
	require.NoError(t, err)
	require.Len(t, gotA, 1)
	assert.Equal(t, "10.0.0.1:9000", gotA[0].Address)

	gotB, err := c.Lookup("B", "1.0.0", "")
	require.NoError(t, err)
	require.Len(t, gotB, 1)
	assert.Equal(t, "10.0.0.1:9001", gotB[0].Address)

	_ = second
}

func TestDestroyUnregistersAll(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := registry.NewServer()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	c, err := New(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, c.Register(info("Echo", "10.0.0.1:9000")))

	c.Destroy()
	c.Destroy() // idempotent

	assert.Empty(t, s.Store().Lookup("Echo", "1.0.0", ""))
}
