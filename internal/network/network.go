// Package network manages each pod's private bridge network: subnet
// allocation, the reverse-proxy external port, and the external port pool
// services draw from. Like internal/runtime, it drives the remote docker
// daemon entirely via composed shell commands over the remote transport
// rather than the Docker SDK client, since the daemon it manages lives on
// a remote host with no local socket to dial — see internal/runtime's
// package doc for the full rationale.
package network

import (
	"context"
	"crypto/fnv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pinacle/podcore/internal/log"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/transport"
)

const (
	subnetRangeStart = 100
	subnetRangeEnd   = 254
	subnetRangeSize  = subnetRangeEnd - subnetRangeStart + 1
)

// ErrSubnetExhausted and ErrPortExhausted are the NetworkAllocationExhausted
// error taxonomy members: surfaced to the caller with no partial state.
var (
	ErrSubnetExhausted = fmt.Errorf("no free subnet in range [%d,%d]", subnetRangeStart, subnetRangeEnd)
	ErrPortExhausted    = fmt.Errorf("no free external port")
)

func NetworkName(podID string) string {
	return "pinacle-net-" + podID
}

func bridgeName(podID string) string {
	s := "br-" + podID
	if len(s) > 15 {
		s = s[:15] // linux interface name limit
	}
	return s
}

// Executor is the subset of *transport.Transport this package needs.
type Executor interface {
	Exec(ctx context.Context, host transport.Host, cmd string, opts transport.ExecOptions) (stdout, stderr string, err error)
}

// Manager owns one host's bridge networks and its external port pool.
// PortAllocator is shared across all pods assigned to the same host (the
// external port space is process-wide per design note §292's "per-host
// allocator" decision), while subnet allocation is purely a function of
// podId and the engine's current state.
type Manager struct {
	Transport Executor
	Host      transport.Host
	Ports     *PortAllocator
	BaseDomain string
}

func New(t Executor, host transport.Host, baseDomain string) *Manager {
	return &Manager{Transport: t, Host: host, Ports: NewPortAllocator(), BaseDomain: baseDomain}
}

func (m *Manager) exec(ctx context.Context, podID, label string, argv []string) (string, string, error) {
	cmd := "docker " + transport.QuoteArgs(argv)
	return m.Transport.Exec(ctx, m.Host, cmd, transport.ExecOptions{PodID: podID, Label: label, ContainerCommand: cmd})
}

// rawExec runs cmd on the host directly, bypassing the "docker " prefix
// m.exec adds — used for the host-local iptables/tc commands ApplyPolicy
// issues against the pod's bridge interface rather than against the
// docker daemon.
func (m *Manager) rawExec(ctx context.Context, podID, label, cmd string) (string, string, error) {
	return m.Transport.Exec(ctx, m.Host, cmd, transport.ExecOptions{PodID: podID, Label: label, ContainerCommand: cmd})
}

// dockerNetwork is the subset of `docker network ls --format json`'s
// per-line output this package reads.
type dockerNetwork struct {
	Name string `json:"Name"`
}

type networkInspect struct {
	IPAM struct {
		Config []struct {
			Subnet string `json:"Subnet"`
		} `json:"Config"`
	} `json:"IPAM"`
}

func (m *Manager) existingSubnets(ctx context.Context) (map[int]bool, error) {
	stdout, stderr, err := m.exec(ctx, "", "list-networks", []string{"network", "ls", "--format", "{{.Name}}"})
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w: %s", err, stderr)
	}

	used := make(map[int]bool)
	for _, name := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if name == "" {
			continue
		}
		inspectOut, _, err := m.exec(ctx, "", "inspect-network", []string{"network", "inspect", name})
		if err != nil {
			continue
		}
		var entries []networkInspect
		if err := json.Unmarshal([]byte(inspectOut), &entries); err != nil {
			continue
		}
		for _, e := range entries {
			for _, cfg := range e.IPAM.Config {
				var a, b int
				if _, err := fmt.Sscanf(cfg.Subnet, "10.%d.%d.0/24", &a, &b); err == nil {
					used[a] = true
				}
			}
		}
	}
	return used, nil
}

// allocateSubnet picks a deterministic starting octet from a hash of
// podID, then scans forward modulo the range for one not already in use.
func allocateSubnet(podID string, used map[int]bool) (octet int, err error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(podID))
	start := subnetRangeStart + int(h.Sum32()%uint32(subnetRangeSize))

	for i := 0; i < subnetRangeSize; i++ {
		candidate := subnetRangeStart + (start-subnetRangeStart+i)%subnetRangeSize
		if !used[candidate] {
			return candidate, nil
		}
	}
	return 0, ErrSubnetExhausted
}

// Create builds a pod's bridge network, allocating a free subnet, and
// returns the network's PodIP/GatewayIP/Subnet/CIDR values to bind into the
// runtime spec. If a network with the target name already exists, it is
// destroyed first so creation is idempotent.
func (m *Manager) Create(ctx context.Context, podID string) (podspec.NetworkSpec, error) {
	name := NetworkName(podID)

	if _, _, err := m.exec(ctx, podID, "remove-stale-network", []string{"network", "rm", name}); err == nil {
		log.Info(ctx, "removed stale pod network before recreation", "network", name)
	}

	used, err := m.existingSubnets(ctx)
	if err != nil {
		return podspec.NetworkSpec{}, err
	}
	octet, err := allocateSubnet(podID, used)
	if err != nil {
		return podspec.NetworkSpec{}, err
	}

	subnet := fmt.Sprintf("10.%d.1.0/24", octet)
	gateway := fmt.Sprintf("10.%d.1.1", octet)
	podIP := fmt.Sprintf("10.%d.1.2", octet)

	argv := []string{
		"network", "create",
		"--driver", "bridge",
		"--subnet", subnet,
		"--gateway", gateway,
		"--opt", "com.docker.network.bridge.name=" + bridgeName(podID),
		name,
	}
	if _, stderr, err := m.exec(ctx, podID, "create-network", argv); err != nil {
		return podspec.NetworkSpec{}, fmt.Errorf("creating network %s: %w: %s", name, err, stderr)
	}

	external, err := m.Ports.Allocate(ctx, m, podID, "nginx-proxy")
	if err != nil {
		_, _, _ = m.exec(ctx, podID, "remove-network-after-port-failure", []string{"network", "rm", name})
		return podspec.NetworkSpec{}, err
	}

	return podspec.NetworkSpec{
		Subnet:    subnet,
		PodIP:     podIP,
		GatewayIP: gateway,
		Ports: []podspec.PortSpec{
			{Name: "nginx-proxy", Internal: 80, External: external, Protocol: "tcp", Public: true},
		},
		AllowEgress: true,
	}, nil
}

// Destroy releases a pod's external ports, tears down any ApplyPolicy
// rules left on its bridge interface, and removes its bridge network.
// Removing an already-absent network is swallowed (AlreadyGone).
func (m *Manager) Destroy(ctx context.Context, podID string) error {
	m.Ports.ReleaseAll(podID)
	m.teardownPolicy(ctx, podID)

	name := NetworkName(podID)
	_, stderr, err := m.exec(ctx, podID, "remove-network", []string{"network", "rm", name})
	if err != nil && !strings.Contains(stderr, "No such network") {
		return fmt.Errorf("removing network %s: %w: %s", name, err, stderr)
	}
	return nil
}

// teardownPolicy best-effort removes the FORWARD jump and egress chain
// ApplyPolicy may have created; a pod that never had a policy applied
// leaves nothing to remove, which is not an error.
func (m *Manager) teardownPolicy(ctx context.Context, podID string) {
	iface := bridgeName(podID)
	chain := egressChainName(podID)
	cmd := fmt.Sprintf(
		"iptables -D FORWARD -i %s -j %s 2>/dev/null; iptables -F %s 2>/dev/null; iptables -X %s 2>/dev/null",
		iface, chain, chain, chain)
	if _, stderr, err := m.rawExec(ctx, podID, "teardown-egress-policy", cmd); err != nil {
		log.Warn(ctx, "failed to tear down egress policy", "pod_id", podID, "error", err, "stderr", stderr)
	}
}

// egressChainName is the iptables FORWARD-chain jump target ApplyPolicy
// creates per pod, so a re-applied policy can flush and rebuild its own
// rules without touching any other pod's.
func egressChainName(podID string) string {
	name := "pinacle-eg-" + podID
	if len(name) > 28 { // iptables chain names are capped at 29 bytes
		name = name[:28]
	}
	return name
}

// ApplyPolicy translates a network policy into host firewall/traffic-control
// rules scoped to the pod's bridge interface. Every policy line is
// best-effort: unsupported or already-applied rules degrade to a warning
// log, never a returned error, per spec.md §4.4. This cannot be applied
// from inside the container itself (it runs with --cap-drop ALL and no
// NET_ADMIN), so every rule here targets the host-side bridge/veth that
// carries the pod's traffic instead.
func (m *Manager) ApplyPolicy(ctx context.Context, podID string, spec podspec.NetworkSpec) {
	iface := bridgeName(podID)

	if !spec.AllowEgress {
		m.applyEgressAllowlist(ctx, podID, iface, spec)
	}
	if spec.BandwidthLimitMbps > 0 {
		m.applyBandwidthLimit(ctx, podID, iface, spec.BandwidthLimitMbps)
	}
}

// applyEgressAllowlist drops all forwarded traffic from the pod's bridge
// except to the resolved addresses of spec.AllowedDomains (and established/
// related replies). Rules are rebuilt from scratch on every call: the chain
// is flushed (or created, if this is the first policy application for the
// pod) before new ACCEPT rules are inserted.
func (m *Manager) applyEgressAllowlist(ctx context.Context, podID, iface string, spec podspec.NetworkSpec) {
	chain := egressChainName(podID)

	if _, stderr, err := m.rawExec(ctx, podID, "ensure-egress-chain",
		fmt.Sprintf("iptables -N %s 2>/dev/null; iptables -F %s", chain, chain)); err != nil {
		log.Warn(ctx, "failed to ensure egress chain", "pod_id", podID, "chain", chain, "error", err, "stderr", stderr)
		return
	}

	cmds := []string{
		fmt.Sprintf("iptables -A %s -m state --state ESTABLISHED,RELATED -j ACCEPT", chain),
	}
	for _, domain := range spec.AllowedDomains {
		cmds = append(cmds, fmt.Sprintf(
			"for ip in $(getent ahosts %s | awk '{print $1}' | sort -u); do iptables -A %s -d \"$ip\" -j ACCEPT; done",
			transport.Quote(domain), chain))
	}
	cmds = append(cmds, fmt.Sprintf("iptables -A %s -j DROP", chain))
	cmds = append(cmds,
		fmt.Sprintf("iptables -C FORWARD -i %s -j %s 2>/dev/null || iptables -I FORWARD -i %s -j %s", iface, chain, iface, chain))

	if _, stderr, err := m.rawExec(ctx, podID, "apply-egress-policy", strings.Join(cmds, " && ")); err != nil {
		log.Warn(ctx, "failed to apply egress allowlist", "pod_id", podID, "interface", iface, "error", err, "stderr", stderr)
	}
}

// applyBandwidthLimit shapes the pod's bridge interface to limitMbps using
// an htb qdisc, replacing any limit from a prior policy application.
func (m *Manager) applyBandwidthLimit(ctx context.Context, podID, iface string, limitMbps int) {
	cmd := fmt.Sprintf(
		"tc qdisc replace dev %s root handle 1: htb default 10 && "+
			"tc class replace dev %s parent 1: classid 1:10 htb rate %dmbit ceil %dmbit",
		iface, iface, limitMbps, limitMbps)
	if _, stderr, err := m.rawExec(ctx, podID, "apply-bandwidth-limit", cmd); err != nil {
		log.Warn(ctx, "failed to apply bandwidth limit", "pod_id", podID, "interface", iface, "error", err, "stderr", stderr)
	}
}

// PublicURL derives the pod's public URL from its slug and the manager's
// base domain, per spec.md's `publicUrl = https://<slug>.<baseDomain>`.
func (m *Manager) PublicURL(slug string) string {
	return "https://" + slug + "." + m.BaseDomain
}
