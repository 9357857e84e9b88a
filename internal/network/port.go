package network

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pinacle/podcore/internal/transport"
)

const (
	portRangeStart = 30000
	portRangeEnd   = 40000
)

// PortAllocator hands out external ports from the process-wide [30000,
// 40000] range, one Manager (i.e. one host) at a time. It keeps a
// per-pod reserved set so Release can be scoped, and a single mutex
// across the whole range since the range itself, not any one pod, is the
// contended resource — see spec.md's "process-wide port-allocator lock"
// design note.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]string // port -> podId
	byPod    map[string]map[int]bool
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		reserved: make(map[int]string),
		byPod:    make(map[string]map[int]bool),
	}
}

// Allocate reserves the first free port in range for podID/serviceName,
// treating ports the host reports as already bound (via `netstat -tuln`)
// as unavailable even if this process never reserved them.
func (a *PortAllocator) Allocate(ctx context.Context, m *Manager, podID, serviceName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bound, _ := hostBoundPorts(ctx, m)

	for port := portRangeStart; port <= portRangeEnd; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if bound[port] {
			continue
		}
		a.reserved[port] = podID
		if a.byPod[podID] == nil {
			a.byPod[podID] = make(map[int]bool)
		}
		a.byPod[podID][port] = true
		return port, nil
	}
	return 0, ErrPortExhausted
}

// Release removes a single port reservation. Idempotent: releasing an
// unreserved port is a no-op.
func (a *PortAllocator) Release(podID string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
	delete(a.byPod[podID], port)
}

// ReleaseAll releases every port reserved for podID, called on network
// destruction per spec.md's "release on network destruction only".
func (a *PortAllocator) ReleaseAll(podID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := range a.byPod[podID] {
		delete(a.reserved, port)
	}
	delete(a.byPod, podID)
}

// Reserved reports the ports currently held by podID, for tests and
// diagnostics.
func (a *PortAllocator) Reserved(podID string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ports := make([]int, 0, len(a.byPod[podID]))
	for p := range a.byPod[podID] {
		ports = append(ports, p)
	}
	return ports
}

// hostBoundPorts queries the remote host's listening TCP/UDP sockets via
// `netstat -tuln` so the allocator doesn't hand out a port some other
// process on the host already owns.
func hostBoundPorts(ctx context.Context, m *Manager) (map[int]bool, error) {
	bound := make(map[int]bool)
	if m == nil || m.Transport == nil {
		return bound, nil
	}

	cmd := "netstat -tuln"
	stdout, _, err := m.Transport.Exec(ctx, m.Host, cmd, transport.ExecOptions{Label: "list-bound-ports"})
	if err != nil {
		return bound, err
	}

	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		localAddr := fields[3]
		idx := strings.LastIndex(localAddr, ":")
		if idx == -1 {
			continue
		}
		if port, err := strconv.Atoi(localAddr[idx+1:]); err == nil {
			bound[port] = true
		}
	}
	return bound, nil
}
