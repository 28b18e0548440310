// Package portpool hands out local listener ports from a fixed range so
// proxies started side by side never share one.
package portpool

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// ErrExhausted is returned when every port in the pool is taken.
var ErrExhausted = errors.New("portpool: no free port")

// maxPort is the highest TCP port.
const maxPort = 65535

// probeFn checks that a port can actually be bound, replaced in tests.
var probeFn = func(addr netip.AddrPort) bool {
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Pool is a set of ports on one address. It is safe for concurrent use.
type Pool struct {
	addr netip.Addr

	mu    sync.Mutex
	free  []uint16
	taken map[uint16]bool
}

// New returns a pool of size ports starting at base on addr. The range is
// clipped at 65535.
func New(addr netip.Addr, base, size int) (*Pool, error) {
	if !addr.IsValid() {
		return nil, errors.New("portpool: invalid address")
	}
	if base < 1 || base > maxPort {
		return nil, fmt.Errorf("portpool: base port %d out of range", base)
	}
	if size < 1 {
		return nil, fmt.Errorf("portpool: size %d must be positive", size)
	}
	end := min(base+size, maxPort+1)
	p := &Pool{addr: addr, taken: make(map[uint16]bool)}
	for port := base; port < end; port++ {
		p.free = append(p.free, uint16(port))
	}
	return p, nil
}

// Take reserves a port. Ports that cannot be bound right now are skipped
// and stay in the pool.
func (p *Pool) Take() (netip.AddrPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, port := range p.free {
		ap := netip.AddrPortFrom(p.addr, port)
		if !probeFn(ap) {
			continue
		}
		p.free = append(p.free[:i:i], p.free[i+1:]...)
		p.taken[port] = true
		return ap, nil
	}
	return netip.AddrPort{}, ErrExhausted
}

// Release returns a port taken from the pool. Releasing a port the pool
// does not hold is a no-op.
func (p *Pool) Release(ap netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := ap.Port()
	if !p.taken[port] {
		return
	}
	delete(p.taken, port)
	p.free = append(p.free, port)
}

// InUse returns the number of taken ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.taken)
}

// String describes the pool for logs.
func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr.String() + " free=" + strconv.Itoa(len(p.free)) + " taken=" + strconv.Itoa(len(p.taken))
}
