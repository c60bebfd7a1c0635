// Package nodedb defines the NodeDB external contract (spec.md §6) the
// Pool consults when creating sessions, plus a trivial in-memory
// implementation for tests and example wiring. Persistence itself is
// explicitly out of scope (spec.md §1); this package never touches disk.
package nodedb

import (
	"sync"

	"github.com/eth2030/discv5/enr"
	"github.com/eth2030/discv5/nodeid"
)

// NodeDB is the external contract: set_enr, get_enr, get_endpoint.
type NodeDB interface {
	SetENR(*enr.Record) error
	GetENR(nodeid.ID) (*enr.Record, bool)
	GetEndpoint(nodeid.ID) (nodeid.Endpoint, bool)
}

// Memory is a trivial, non-persistent NodeDB guarded by a single mutex —
// intentionally simple since persistence is out of scope; the Pool only
// ever depends on the NodeDB interface, never this type.
type Memory struct {
	mu      sync.RWMutex
	records map[nodeid.ID]*enr.Record
}

// NewMemory builds an empty in-memory NodeDB.
func NewMemory() *Memory {
	return &Memory{records: make(map[nodeid.ID]*enr.Record)}
}

// SetENR stores (or replaces) the record for its node ID.
func (m *Memory) SetENR(r *enr.Record) error {
	id, err := r.NodeID()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = r
	return nil
}

// GetENR returns the stored record for id, if any.
func (m *Memory) GetENR(id nodeid.ID) (*enr.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

// GetEndpoint derives an Endpoint from the stored record's "ip"/"udp"
// pairs, per spec.md §6's required ENR fields.
func (m *Memory) GetEndpoint(id nodeid.ID) (nodeid.Endpoint, bool) {
	r, ok := m.GetENR(id)
	if !ok {
		return nodeid.Endpoint{}, false
	}
	ipb, ok := r.Get("ip")
	if !ok {
		return nodeid.Endpoint{}, false
	}
	udpb, ok := r.Get("udp")
	if !ok || len(udpb) == 0 {
		return nodeid.Endpoint{}, false
	}
	addr, ok := parseIP(ipb)
	if !ok {
		return nodeid.Endpoint{}, false
	}
	port := beUint16(udpb)
	return nodeid.Endpoint{Addr: addr, Port: port}, true
}
