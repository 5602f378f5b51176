// Package registry implements the service registry: the in-memory service
// and heartbeat tables, the expiry sweeper, and the TCP request dispatcher.
//
// The registry is intentionally volatile. Nothing is persisted; after a
// restart the state is rebuilt from provider re-registration.
package registry

import (
	"strings"
	"sync"
	"time"

	"relay-rpc/message"
)

// Timing for the expiry plane. A provider that has not been seen for
// ExpiryTimeout is removed by the next sweep.
const (
	SweepInterval = 10 * time.Second
	ExpiryTimeout = 120 * time.Second
)

// Store holds the two registry tables behind one lock so mutations appear
// atomic with respect to concurrent lookups: a lookup observes either the
// pre- or post-state of a register/unregister/sweep, never a half-update.
type Store struct {
	mu sync.RWMutex

	// services maps serviceKey → providers, ordered by insertion,
	// unique by address.
	services map[string][]message.ServiceInfo

	// heartbeats maps "host:port" → last-seen time. The full address is the
	// key; collapsing on host alone would make co-located providers share
	// liveness incorrectly.
	heartbeats map[string]time.Time

	// now is swapped by tests to drive expiry deterministically.
	now func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		services:   make(map[string][]message.ServiceInfo),
		heartbeats: make(map[string]time.Time),
		now:        time.Now,
	}
}

// storeKey derives the table key for an entry, synthesizing one for entries
// whose service name is empty. The synthesis happens here, at the registry
// boundary, so clients never need the rule.
func storeKey(info *message.ServiceInfo) string {
	if strings.TrimSpace(info.ServiceName) == "" {
		return "unknown_service_" + info.Address
	}
	return info.ServiceKey()
}

// Register adds a provider entry and refreshes its heartbeat.
// Registering the same address twice leaves a single entry (idempotent).
func (s *Store) Register(info message.ServiceInfo) {
	info.Normalize()
	key := storeKey(&info)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.services[key]
	exists := false
	for _, e := range entries {
		if e.Address == info.Address {
			exists = true
			break
		}
	}
	if !exists {
		s.services[key] = append(entries, info)
	}
	s.heartbeats[info.Address] = s.now()
}

// Unregister removes the entry for info's address under info's key. The
// heartbeat entry goes too, unless another service still references the
// address.
func (s *Store) Unregister(info message.ServiceInfo) {
	info.Normalize()
	key := storeKey(&info)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.services[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.Address != info.Address {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s.services, key)
	} else {
		s.services[key] = kept
	}

	if !s.addressReferencedLocked(info.Address) {
		delete(s.heartbeats, info.Address)
	}
}

// Lookup returns a snapshot copy of the providers under the derived key.
// Missing keys yield an empty list, never an error.
func (s *Store) Lookup(name, version, group string) []message.ServiceInfo {
	key := message.ServiceKey(name, version, group)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.services[key]
	out := make([]message.ServiceInfo, len(entries))
	copy(out, entries)
	return out
}

// Heartbeat records that the given address is alive now.
func (s *Store) Heartbeat(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[address] = s.now()
}

// Sweep removes every address not seen within timeout, dropping all of its
// service entries, any emptied service keys, and the heartbeat entry itself.
// Returns the removed addresses.
func (s *Store) Sweep(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []string
	for addr, last := range s.heartbeats {
		if now.Sub(last) > timeout {
			expired = append(expired, addr)
		}
	}

	for _, addr := range expired {
		delete(s.heartbeats, addr)
		for key, entries := range s.services {
			kept := entries[:0]
			for _, e := range entries {
				if e.Address != addr {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(s.services, key)
			} else {
				s.services[key] = kept
			}
		}
	}
	return expired
}

// LastSeen reports the heartbeat timestamp for an address.
func (s *Store) LastSeen(address string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.heartbeats[address]
	return t, ok
}

// Len reports the number of live service keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

func (s *Store) addressReferencedLocked(address string) bool {
	for _, entries := range s.services {
		for _, e := range entries {
			if e.Address == address {
				return true
			}
		}
	}
	return false
}
