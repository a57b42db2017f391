package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pjbridge/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring with virtual
// nodes. The ring is rebuilt whenever the endpoint list changes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string   // endpoint addresses the ring was built from
	ring  []uint32 // sorted
	nodes map[uint32]int
}

// NewConsistentHashBalancer uses 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) build(eps []registry.Endpoint) {
	addrs := make([]string, len(eps))
	for i, ep := range eps {
		addrs[i] = ep.Addr
	}
	sig := strings.Join(addrs, ",")
	if sig == b.sig && b.ring != nil {
		return
	}
	b.sig = sig
	b.ring = make([]uint32, 0, len(eps)*b.replicas)
	b.nodes = make(map[uint32]int, len(eps)*b.replicas)
	for i, ep := range eps {
		for r := 0; r < b.replicas; r++ {
			h := crc32.ChecksumIEEE([]byte(ep.Addr + "#" + strconv.Itoa(r)))
			b.ring = append(b.ring, h)
			b.nodes[h] = i
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick returns the endpoint owning key: the first ring node at or after the
// key's hash, wrapping around.
func (b *ConsistentHashBalancer) Pick(eps []registry.Endpoint, key string) (*registry.Endpoint, error) {
	if len(eps) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.build(eps)

	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return &eps[b.nodes[b.ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }
