package discovery

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"relay-rpc/message"
)

const etcdPrefix = "/relay-rpc/"

// DefaultLeaseTTL is the etcd lease lifetime in seconds. KeepAlive renews it
// automatically; when the provider dies, the lease expires and the entry
// vanishes without a sweep.
const DefaultLeaseTTL int64 = 10

// Etcd implements Discovery on an etcd v3 cluster.
//
// Layout:
//
//	Key:   /relay-rpc/{serviceKey}/{addr}
//	Value: JSON-encoded ServiceInfo
//
// Liveness comes from etcd's lease mechanism rather than the registry's
// heartbeat table, so there is no sweeper on this path.
type Etcd struct {
	client *clientv3.Client
	ttl    int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // key → keepalive cancel
}

// NewEtcd connects to the given endpoints.
func NewEtcd(endpoints []string, ttl int64) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Etcd{client: c, ttl: ttl, cancels: make(map[string]context.CancelFunc)}, nil
}

func etcdKey(info *message.ServiceInfo) string {
	return etcdPrefix + info.ServiceKey() + "/" + info.Address
}

// Register puts the entry under a TTL lease and starts KeepAlive renewal.
func (e *Etcd) Register(info message.ServiceInfo) error {
	info.Normalize()
	ctx := context.Background()

	lease, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, etcdKey(&info), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()

	e.mu.Lock()
	if old, ok := e.cancels[etcdKey(&info)]; ok {
		old()
	}
	e.cancels[etcdKey(&info)] = cancel
	e.mu.Unlock()
	return nil
}

// Unregister deletes the entry and stops its lease renewal.
func (e *Etcd) Unregister(info message.ServiceInfo) error {
	info.Normalize()
	key := etcdKey(&info)

	e.mu.Lock()
	if cancel, ok := e.cancels[key]; ok {
		cancel()
		delete(e.cancels, key)
	}
	e.mu.Unlock()

	_, err := e.client.Delete(context.Background(), key)
	return err
}

// Lookup fetches every entry under the service-key prefix.
func (e *Etcd) Lookup(name, version, group string) ([]message.ServiceInfo, error) {
	prefix := etcdPrefix + message.ServiceKey(name, version, group) + "/"

	resp, err := e.client.Get(context.Background(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	services := make([]message.ServiceInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info message.ServiceInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			continue // skip malformed entries
		}
		services = append(services, info)
	}
	return services, nil
}

// Watch emits an updated provider list whenever the service's entries change.
func (e *Etcd) Watch(name, version, group string) <-chan []message.ServiceInfo {
	prefix := etcdPrefix + message.ServiceKey(name, version, group) + "/"
	out := make(chan []message.ServiceInfo, 1)

	go func() {
		watchChan := e.client.Watch(context.Background(), prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list on any change; simpler than replaying
			// individual events.
			services, err := e.Lookup(name, version, group)
			if err == nil {
				out <- services
			}
		}
	}()
	return out
}

// Close stops all lease renewals and closes the etcd client.
func (e *Etcd) Close() error {
	e.mu.Lock()
	for key, cancel := range e.cancels {
		cancel()
		delete(e.cancels, key)
	}
	e.mu.Unlock()
	return e.client.Close()
}
