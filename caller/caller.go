// Package caller is the typed invocation façade: it steers each call
// between the remote and local paths, retries transport failures, and
// converts every routine error into a friendly value so the surface never
// throws for network or service conditions.
package caller

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"relay-rpc/client"
	"relay-rpc/condition"
	"relay-rpc/localsvc"
	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/rpcerror"
	"relay-rpc/transport"
)

// Defaults for a call surface.
const (
	DefaultVersion = "1.0.0"
	DefaultTimeout = 20 * time.Second
	DefaultRetries = 2

	transportBackoff = time.Second
)

// Config mirrors the per-surface reference settings.
type Config struct {
	ServiceName        string
	Version            string        // [DefaultVersion]
	Group              string        // [""]
	Timeout            time.Duration // [DefaultTimeout]
	Retries            int           // [DefaultRetries]; negative disables retries
	Async              bool
	EnableLocalService bool
	Condition          string // [""] — empty always chooses remote
}

func (c *Config) withDefaults() {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	// Zero means unset; a negative value requests no retries.
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	} else if c.Retries < 0 {
		c.Retries = 0
	}
}

func (c *Config) serviceKey() string {
	return message.ServiceKey(c.ServiceName, c.Version, c.Group)
}

// Caller is one configured call surface over one service.
type Caller struct {
	cfg    Config
	client *client.Client
	locals *localsvc.Registry
	cond   *condition.Evaluator
	log    zerolog.Logger

	// sleep is swapped by tests to skip the transport back-off.
	sleep func(time.Duration)
}

// New builds a call surface. locals and cond may be nil when the local
// plane is unused.
func New(cfg Config, cl *client.Client, locals *localsvc.Registry, cond *condition.Evaluator) *Caller {
	cfg.withDefaults()
	if locals == nil {
		locals = localsvc.NewRegistry()
	}
	if cond == nil {
		cond = condition.New()
	}
	return &Caller{
		cfg:    cfg,
		client: cl,
		locals: locals,
		cond:   cond,
		log:    logging.Component("caller").With().Str("service", cfg.ServiceName).Logger(),
		sleep:  time.Sleep,
	}
}

// Invoke performs one call and always produces a value of the declared
// kind. Routine failures never escape as errors; they come back as the
// friendly stand-in.
func (c *Caller) Invoke(method string, paramTypes []string, params []any, kind ReturnKind) any {
	// An async surface gets the awaiter itself; failures come back as an
	// already-failed awaiter.
	if c.cfg.Async {
		return c.InvokeAsync(method, paramTypes, params)
	}

	// A false condition steers local when a local impl exists; a "local"
	// decision that cannot be satisfied falls through to remote.
	if c.cfg.EnableLocalService && !c.cond.Evaluate(c.cfg.Condition) {
		if impl := c.locals.Get(c.cfg.serviceKey()); impl != nil {
			return c.invokeLocal(impl, method, params, kind)
		}
	}

	resp, err := c.callRemote(method, paramTypes, params)
	if err == nil {
		if resp.Data == nil {
			return zeroValue(kind)
		}
		return resp.Data
	}

	if c.cfg.EnableLocalService {
		impl := c.locals.GetWithFallback(c.cfg.serviceKey(), c.cfg.ServiceName)
		return c.invokeLocal(impl, method, params, kind)
	}
	return FriendlyValue(kind, err.Error())
}

// InvokeAsync returns the raw awaiter for the in-flight request. Errors on
// the send path come back as an already-failed awaiter.
func (c *Caller) InvokeAsync(method string, paramTypes []string, params []any) *transport.Awaiter {
	if c.cfg.EnableLocalService && !c.cond.Evaluate(c.cfg.Condition) {
		if impl := c.locals.Get(c.cfg.serviceKey()); impl != nil {
			a := transport.NewAwaiter()
			result, err := impl.Invoke(method, params)
			if err != nil {
				a.Fail(err)
				return a
			}
			m, merr := message.New(message.TypeResponse, 0, message.Success(result))
			if merr != nil {
				a.Fail(merr)
				return a
			}
			a.Complete(m)
			return a
		}
	}

	a, err := c.client.SendRequest(c.buildRequest(method, paramTypes, params))
	if err != nil {
		failed := transport.NewAwaiter()
		failed.Fail(err)
		return failed
	}
	return a
}

// callRemote drives the retry loop: transport errors back off one second
// and retry up to the configured count; everything else is terminal.
func (c *Caller) callRemote(method string, paramTypes []string, params []any) (*message.RpcResponse, error) {
	req := c.buildRequest(method, paramTypes, params)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		resp, err := c.client.Call(req, c.cfg.Timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var terr *rpcerror.TransportError
		if errors.As(err, &terr) {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("transport failure, backing off")
			if attempt < c.cfg.Retries {
				c.sleep(transportBackoff)
			}
			continue
		}

		// ServiceNotFound, Timeout, RemoteError: retrying will not help.
		return nil, err
	}
	return nil, lastErr
}

func (c *Caller) buildRequest(method string, paramTypes []string, params []any) *message.RpcRequest {
	return &message.RpcRequest{
		ServiceName:    c.cfg.ServiceName,
		MethodName:     method,
		ParameterTypes: paramTypes,
		Parameters:     params,
		Version:        c.cfg.Version,
		Group:          c.cfg.Group,
	}
}

func (c *Caller) invokeLocal(impl localsvc.Invokable, method string, params []any, kind ReturnKind) any {
	result, err := impl.Invoke(method, params)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Msg("local invocation failed")
		return FriendlyValue(kind, err.Error())
	}
	if result == nil {
		return zeroValue(kind)
	}
	return result
}
