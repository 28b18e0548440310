package isolation

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
)

// MemoryBackend keeps policy in memory and evaluates it with Permits. It
// mirrors the iptables layout: each installed run is a chain hooked at the
// top of OUTPUT, and the first hooked chain decides every packet.
//
// The error fields inject failures for tests.
type MemoryBackend struct {
	mu     sync.Mutex
	chains map[string]*memChain
	order  []string // hooked run ids, most recent first

	installs int
	removes  int

	InstallErr error
	GrantErr   error
	RemoveErr  error
}

type memChain struct {
	base   []Entry
	grants []Entry
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{chains: make(map[string]*memChain)}
}

// Name returns "memory".
func (m *MemoryBackend) Name() string { return "memory" }

// Available always reports true.
func (m *MemoryBackend) Available() bool { return true }

// CheckDependencies reports no problems.
func (m *MemoryBackend) CheckDependencies() *DependencyCheck { return &DependencyCheck{} }

// Install records the run's chain.
func (m *MemoryBackend) Install(_ context.Context, runID string, base []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.installs++
	if m.InstallErr != nil {
		return m.InstallErr
	}
	if _, ok := m.chains[runID]; ok {
		return fmt.Errorf("run %s already installed", runID)
	}
	m.chains[runID] = &memChain{base: slices.Clone(base)}
	m.order = append([]string{runID}, m.order...)
	return nil
}

// Grant adds entries to runID.
func (m *MemoryBackend) Grant(_ context.Context, runID string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GrantErr != nil {
		return m.GrantErr
	}
	c, ok := m.chains[runID]
	if !ok {
		return fmt.Errorf("run %s not installed", runID)
	}
	for _, e := range entries {
		if !slices.Contains(c.grants, e) {
			c.grants = append(c.grants, e)
		}
	}
	return nil
}

// Revoke removes granted entries from runID.
func (m *MemoryBackend) Revoke(_ context.Context, runID string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[runID]
	if !ok {
		return nil
	}
	c.grants = slices.DeleteFunc(c.grants, func(e Entry) bool {
		return slices.Contains(entries, e)
	})
	return nil
}

// Remove deletes runID. Removing an absent run is a no-op.
func (m *MemoryBackend) Remove(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removes++
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	delete(m.chains, runID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == runID })
	return nil
}

// Permits reports whether a packet to addr:port over proto would leave the
// host. With no run installed everything is permitted.
func (m *MemoryBackend) Permits(addr netip.Addr, port uint16, proto Proto) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return true
	}
	c := m.chains[m.order[0]]
	for _, e := range c.grants {
		if e.Permits(addr, port, proto) {
			return true
		}
	}
	for _, e := range c.base {
		if e.Permits(addr, port, proto) {
			return true
		}
	}
	return false
}

// Installed reports whether runID is currently installed.
func (m *MemoryBackend) Installed(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chains[runID]
	return ok
}

// Installs returns how many times Install was called.
func (m *MemoryBackend) Installs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs
}

// Removes returns how many times Remove was called.
func (m *MemoryBackend) Removes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removes
}
