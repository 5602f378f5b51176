// Package loadbalance selects one provider from a discovery snapshot.
//
// The core strategy is uniform random: every provider is equally likely,
// regardless of weight. Weights travel in the model for operators that want
// them, but the balancer here ignores them.
package loadbalance

import (
	"fmt"
	"math/rand"

	"relay-rpc/message"
)

// Balancer picks one instance from the available list.
// Called on every RPC call — implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []message.ServiceInfo) (*message.ServiceInfo, error)
	Name() string
}

// Random picks uniformly at random.
type Random struct{}

func (b *Random) Pick(instances []message.ServiceInfo) (*message.ServiceInfo, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	return &instances[rand.Intn(len(instances))], nil
}

func (b *Random) Name() string {
	return "Random"
}
