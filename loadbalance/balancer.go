// Package loadbalance picks which advertised bridge a client talks to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread calls evenly over equal bridges
//   - WeightedRandom:  favour bridges with a higher advertised weight
//   - ConsistentHash:  keep every call about one document on the same bridge,
//     since documents live in the memory of one host application
package loadbalance

import (
	"github.com/juju/errors"

	"cad-bridge/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
const ErrNoInstances = errors.ConstError("no bridge instances available")

// Balancer selects a target before each call. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one of instances. key identifies what the call is about,
	// usually a document name, and may be empty.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name for logging.
	Name() string
}

// New returns the balancer with the given config name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
