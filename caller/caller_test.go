package caller

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-rpc/client"
	"relay-rpc/condition"
	"relay-rpc/localsvc"
	"relay-rpc/message"
	"relay-rpc/regclient"
	"relay-rpc/registry"
	"relay-rpc/rpcerror"
	"relay-rpc/server"
	"relay-rpc/transport"
)

// emptyDiscovery simulates a registry with no providers.
type emptyDiscovery struct{}

func (emptyDiscovery) Register(message.ServiceInfo) error   { return nil }
func (emptyDiscovery) Unregister(message.ServiceInfo) error { return nil }
func (emptyDiscovery) Lookup(string, string, string) ([]message.ServiceInfo, error) {
	return nil, nil
}

type UserService struct{}

func (u *UserService) GetUser(id int) (string, error) {
	return "user-42", nil
}

func (u *UserService) Boom() (string, error) {
	return "", errors.New("kaput")
}

// startStack runs registry + provider and returns a consumer client.
func startStack(t *testing.T) *client.Client {
	t.Helper()

	regLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	regSrv := registry.NewServer()
	go func() { _ = regSrv.Serve(regLn) }()
	t.Cleanup(func() { _ = regSrv.Shutdown(time.Second) })
	regAddr := regLn.Addr().String()

	provLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	provAddr := provLn.Addr().String()
	_ = provLn.Close()

	provReg, err := regclient.New(regAddr, regclient.WithHeartbeat())
	require.NoError(t, err)
	t.Cleanup(provReg.Destroy)

	svr := server.NewServer()
	require.NoError(t, svr.Register(&UserService{}, server.ServiceOptions{
		ServiceName: "com.ex.UserService",
	}))
	go func() { _ = svr.Serve("tcp", provAddr, provAddr, provReg) }()
	t.Cleanup(func() { _ = svr.Shutdown(time.Second) })

	consReg, err := regclient.New(regAddr)
	require.NoError(t, err)
	t.Cleanup(consReg.Destroy)

	cl := client.New(consReg)
	t.Cleanup(cl.Close)

	require.Eventually(t, func() bool {
		got, err := consReg.Lookup("com.ex.UserService", "1.0.0", "")
		return err == nil && len(got) == 1
	}, 3*time.Second, 50*time.Millisecond)
	return cl
}

func TestEndToEndInvoke(t *testing.T) {
	cl := startStack(t)
	c := New(Config{ServiceName: "com.ex.UserService"}, cl, nil, nil)

	got := c.Invoke("GetUser", []string{"int"}, []any{float64(123)}, KindString)
	assert.Equal(t, "user-42", got)
}

func TestEndToEndAsync(t *testing.T) {
	cl := startStack(t)
	c := New(Config{ServiceName: "com.ex.UserService"}, cl, nil, nil)

	a := c.InvokeAsync("GetUser", []string{"int"}, []any{float64(123)})
	resp, err := a.Await(5 * time.Second)
	require.NoError(t, err)

	var body message.RpcResponse
	require.NoError(t, resp.DecodePayload(&body))
	assert.Equal(t, "user-42", body.Data)
}

func TestRemoteFailureYieldsFriendlyValue(t *testing.T) {
	cl := startStack(t)
	c := New(Config{ServiceName: "com.ex.UserService"}, cl, nil, nil)

	got := c.Invoke("Boom", nil, nil, KindString)
	s, ok := got.(string)
	require.True(t, ok)
	assert.Contains(t, s, "error: ")
	assert.Contains(t, s, "kaput")
}

func TestServiceNotFoundFriendlyString(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)

	c := New(Config{ServiceName: "com.ex.UserService"}, cl, nil, nil)
	got := c.Invoke("getUser", []string{"int"}, []any{float64(123)}, KindString)
	assert.Equal(t, "error: service not found: com.ex.UserService_1.0.0_", got)
}

func TestFriendlyValuesPerKind(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)
	c := New(Config{ServiceName: "S"}, cl, nil, nil)

	assert.Equal(t, false, c.Invoke("m", nil, nil, KindBool))
	assert.Equal(t, 0, c.Invoke("m", nil, nil, KindInt))
	assert.Equal(t, 0.0, c.Invoke("m", nil, nil, KindFloat))
	assert.Equal(t, []any{}, c.Invoke("m", nil, nil, KindList))
	assert.Equal(t, map[string]any{}, c.Invoke("m", nil, nil, KindMap))
	assert.Nil(t, c.Invoke("m", nil, nil, KindObject))
}

func TestConditionFalseUsesLocal(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)

	locals := localsvc.NewRegistry()
	locals.RegisterLocal("com.ex.UserService", "1.0.0", "", localsvc.Func(
		func(method string, params []any) (any, error) {
			return "local-user", nil
		}))

	c := New(Config{
		ServiceName:        "com.ex.UserService",
		EnableLocalService: true,
		Condition:          "boolfalse",
	}, cl, locals, condition.New())

	got := c.Invoke("GetUser", nil, nil, KindString)
	assert.Equal(t, "local-user", got)
}

func TestLocalDecisionWithoutImplGoesRemote(t *testing.T) {
	cl := startStack(t)
	c := New(Config{
		ServiceName:        "com.ex.UserService",
		EnableLocalService: true,
		Condition:          "boolfalse", // steers local, but nothing is registered
	}, cl, nil, nil)

	got := c.Invoke("GetUser", []string{"int"}, []any{float64(1)}, KindString)
	assert.Equal(t, "user-42", got)
}

func TestFallbackAfterRemoteFailure(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)

	locals := localsvc.NewRegistry()
	locals.RegisterFallback("com.ex.UserService", localsvc.Func(
		func(method string, params []any) (any, error) {
			return "fallback-user", nil
		}))

	c := New(Config{
		ServiceName:        "com.ex.UserService",
		EnableLocalService: true, // condition "" keeps the remote path first
	}, cl, locals, nil)

	got := c.Invoke("GetUser", nil, nil, KindString)
	assert.Equal(t, "fallback-user", got)
}

func TestSyntheticFallbackYieldsZero(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)

	c := New(Config{ServiceName: "S", EnableLocalService: true}, cl, nil, nil)
	assert.Equal(t, "", c.Invoke("m", nil, nil, KindString))
	assert.Equal(t, false, c.Invoke("m", nil, nil, KindBool))
}

func TestFallbackFailureCarriesMessage(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)

	locals := localsvc.NewRegistry()
	locals.RegisterFallback("S", localsvc.Func(func(string, []any) (any, error) {
		return nil, errors.New("fallback exploded")
	}))

	c := New(Config{ServiceName: "S", EnableLocalService: true}, cl, locals, nil)
	got := c.Invoke("m", nil, nil, KindString)
	assert.Equal(t, "error: fallback exploded", got)
}

func TestAsyncSurfaceReturnsAwaiter(t *testing.T) {
	cl := client.New(emptyDiscovery{})
	t.Cleanup(cl.Close)

	c := New(Config{ServiceName: "S", Async: true}, cl, nil, nil)
	got := c.Invoke("m", nil, nil, KindObject)

	a, ok := got.(*transport.Awaiter)
	require.True(t, ok, "async surface must return the awaiter")

	// No providers: the awaiter is already failed.
	_, err := a.Await(time.Second)
	assert.ErrorIs(t, err, rpcerror.ErrServiceNotFound)
}

func TestDefaultsApplied(t *testing.T) {
	c := New(Config{ServiceName: "S"}, nil, nil, nil)
	assert.Equal(t, DefaultVersion, c.cfg.Version)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, DefaultRetries, c.cfg.Retries)
	assert.False(t, c.cfg.Async)
	assert.False(t, c.cfg.EnableLocalService)
	assert.Equal(t, "", c.cfg.Condition)
}
