// Package loadbalance picks the bridge server a new session connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  a client key always lands on the same server, which
//     keeps remote session state (servlet contexts) on one host
package loadbalance

import (
	"errors"
	"fmt"

	"pjbridge/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint. Pick is called for every new session and
// must be goroutine-safe. key is only used by key-based strategies.
type Balancer interface {
	Pick(eps []registry.Endpoint, key string) (*registry.Endpoint, error)
	Name() string
}

// New returns the balancer called name: round_robin, weighted_random or
// consistent_hash. An empty name is round_robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
