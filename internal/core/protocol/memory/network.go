// Package memory is an in-process datagram network with configurable loss,
// duplication and reordering. It backs tests and local demos.
package memory

import (
	"math/rand"
	"slices"
	"sync"

	"github.com/zeusync/scopesync/internal/core/protocol"
)

// Conditions are per-datagram probabilities in [0,1].
type Conditions struct {
	Loss      float64
	Duplicate float64
	Reorder   float64
}

// Datagram is one queued delivery.
type Datagram struct {
	From string
	Data []byte
}

type Stats struct {
	Sent       uint64
	Dropped    uint64
	Duplicated uint64
	Reordered  uint64
	Delivered  uint64
}

// Network holds one inbound queue per address. Delivery happens when the
// owner of an address drains it, which keeps tests in control of time.
type Network struct {
	mu     sync.Mutex
	rng    *rand.Rand
	cond   Conditions
	queues map[string][]Datagram
	down   map[string]bool
	stats  Stats
}

func NewNetwork(seed int64, cond Conditions) *Network {
	return &Network{
		rng:    rand.New(rand.NewSource(seed)),
		cond:   cond,
		queues: make(map[string][]Datagram),
		down:   make(map[string]bool),
	}
}

// SetConditions changes the link quality for subsequent sends.
func (n *Network) SetConditions(cond Conditions) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cond = cond
}

// Transport returns the sending side bound to local.
func (n *Network) Transport(local string) *Transport {
	return &Transport{network: n, local: local}
}

// Down makes sends to addr disappear until Up is called.
func (n *Network) Down(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = true
	delete(n.queues, addr)
}

func (n *Network) Up(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, addr)
}

func (n *Network) send(from, to string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.Sent++
	if n.down[to] || n.rng.Float64() < n.cond.Loss {
		n.stats.Dropped++
		return
	}
	copies := 1
	if n.rng.Float64() < n.cond.Duplicate {
		copies = 2
		n.stats.Duplicated++
	}
	for range copies {
		d := Datagram{From: from, Data: slices.Clone(data)}
		q := n.queues[to]
		if len(q) > 0 && n.rng.Float64() < n.cond.Reorder {
			q = slices.Insert(q, n.rng.Intn(len(q)), d)
			n.stats.Reordered++
		} else {
			q = append(q, d)
		}
		n.queues[to] = q
	}
}

// Drain removes and returns everything queued for addr.
func (n *Network) Drain(addr string) []Datagram {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queues[addr]
	delete(n.queues, addr)
	n.stats.Delivered += uint64(len(q))
	return q
}

// Deliver drains addr into fn and returns how many datagrams it handed over.
func (n *Network) Deliver(addr string, fn func(from string, data []byte)) int {
	q := n.Drain(addr)
	for _, d := range q {
		fn(d.From, d.Data)
	}
	return len(q)
}

// Pending is the number of datagrams queued for addr.
func (n *Network) Pending(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queues[addr])
}

func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

var _ protocol.Transport = (*Transport)(nil)

// Transport sends datagrams from one address of a Network.
type Transport struct {
	network *Network
	local   string
}

func (t *Transport) Type() protocol.TransportType { return protocol.TransportMemory }

func (t *Transport) Addr() string { return t.local }

func (t *Transport) Send(addr string, datagram []byte) error {
	t.network.send(t.local, addr, datagram)
	return nil
}
