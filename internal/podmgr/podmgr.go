package podmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pinacle/podcore/internal/lifecycle"
	"github.com/pinacle/podcore/internal/lock"
	"github.com/pinacle/podcore/internal/log"
	"github.com/pinacle/podcore/internal/network"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/runtime"
)

// ContainerRuntime is the capability this manager needs from the
// container runtime driver, narrowed so tests can substitute a fake
// without a live docker daemon.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, req runtime.Request) (*runtime.Response, error)
	StartContainer(ctx context.Context, podID, containerID string) error
	StopContainer(ctx context.Context, podID, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, podID, containerID string, removeVolumes bool) error
	GetContainer(ctx context.Context, podID, containerID string) (*runtime.Response, error)
	ExecInContainer(ctx context.Context, podID, containerID string, argv []string) (stdout, stderr string, err error)
	GetContainerLogs(ctx context.Context, podID, containerID string, tail int) (string, error)
	EnsureUniversalVolumes(ctx context.Context, podID string) error
}

// NetworkManager is the capability needed from the network manager.
type NetworkManager interface {
	Create(ctx context.Context, podID string) (podspec.NetworkSpec, error)
	Destroy(ctx context.Context, podID string) error
	ApplyPolicy(ctx context.Context, podID string, spec podspec.NetworkSpec)
	PublicURL(slug string) string
}

// ServiceProvisioner is the capability needed from the service provisioner.
type ServiceProvisioner interface {
	Provision(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error
	Start(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec, startDelay time.Duration, retries int) error
	Stop(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error
	Remove(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error
	HealthCheck(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error
}

// ProcessProvisioner is the capability needed from the process provisioner.
type ProcessProvisioner interface {
	RunInstall(ctx context.Context, spec *podspec.Spec, containerID string, isExistingRepo bool) error
	ProvisionProcess(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec) error
	StartProcess(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec) error
	StopProcess(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec) error
	CheckProcessHealth(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec, isExistingRepo bool, timeout time.Duration) (bool, error)
}

// RepoIntegrator is the capability needed from the repository integrator.
type RepoIntegrator interface {
	CloneRepository(ctx context.Context, spec *podspec.Spec, containerID, repo, branch string, keyPair podspec.SSHKeyPair) error
	InitializeTemplate(ctx context.Context, spec *podspec.Spec, containerID, repo string, tmpl *podspec.Template, keyPair podspec.SSHKeyPair) (pushed bool, err error)
	InjectPinacleConfig(ctx context.Context, spec *podspec.Spec, containerID string, cfg *podspec.Config) error
}

// PodInstance is the Pod Manager's in-memory view of one pod.
type PodInstance struct {
	Spec        *podspec.Spec
	Status      PodStatus
	ContainerID string
	PublicURL   string
	RepoPushed  bool
}

// CreateOptions carries the per-create decisions the orchestrator has
// already made and that createPod needs but can't derive from spec alone.
type CreateOptions struct {
	// HasPinacleYaml, when true, skips InjectPinacleConfig even before
	// the container-side existence check runs — the caller already knows
	// (e.g. from a prior clone) that a config file is present.
	HasPinacleYaml bool

	StartDelay   time.Duration
	StartRetries int
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.StartDelay <= 0 {
		o.StartDelay = 2 * time.Second
	}
	if o.StartRetries <= 0 {
		o.StartRetries = 5
	}
	return o
}

// Manager composes the four managers behind a single pod lifecycle state
// machine. It holds no persistence of its own; PodInstance state lives
// only as long as the process does.
type Manager struct {
	Runtime   ContainerRuntime
	Network   NetworkManager
	Services  ServiceProvisioner
	Processes ProcessProvisioner
	Repo      RepoIntegrator

	locks *lock.Keyed
	bus   *bus

	mu   sync.Mutex
	pods map[string]*PodInstance
}

func New(rt ContainerRuntime, net NetworkManager, svc ServiceProvisioner, proc ProcessProvisioner, repo RepoIntegrator) *Manager {
	return &Manager{
		Runtime:   rt,
		Network:   net,
		Services:  svc,
		Processes: proc,
		Repo:      repo,
		locks:     lock.NewKeyed(),
		bus:       newBus(),
		pods:      make(map[string]*PodInstance),
	}
}

func (m *Manager) withPods(fn func(map[string]*PodInstance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.pods)
}

// Subscribe registers a new event subscriber; callers should Unsubscribe
// when done to free the channel.
func (m *Manager) Subscribe() Subscriber {
	return m.bus.subscribe()
}

func (m *Manager) Unsubscribe(sub Subscriber) {
	m.bus.unsubscribe(sub)
}

func (m *Manager) emit(podID string, typ EventType, data any, err error) {
	m.bus.emit(Event{PodID: podID, Type: typ, Timestamp: time.Now(), Data: data, Err: err})
}

func (m *Manager) get(podID string) (*PodInstance, bool) {
	var inst *PodInstance
	var ok bool
	m.withPods(func(pods map[string]*PodInstance) {
		inst, ok = pods[podID]
	})
	return inst, ok
}

func validateSpec(spec *podspec.Spec) error {
	if spec.ID == "" {
		return fmt.Errorf("spec validation: id is required")
	}
	if !spec.Tier.IsValid() {
		return fmt.Errorf("spec validation: unknown tier %q", spec.Tier)
	}
	seen := make(map[int]bool)
	for _, p := range spec.Network.Ports {
		if p.External == 0 {
			continue
		}
		if seen[p.External] {
			return fmt.Errorf("spec validation: duplicate external port %d", p.External)
		}
		seen[p.External] = true
	}
	return nil
}

// orderServices returns spec.Services topologically sorted over DependsOn,
// so provisioning and starting happen in dependency order (§4.2 step 7)
// and stopping happens in the reverse.
func orderServices(services []podspec.ServiceSpec) ([]podspec.ServiceSpec, error) {
	byName := make(map[string]podspec.ServiceSpec, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}

	var ordered []podspec.ServiceSpec
	visited := make(map[string]int) // 0=unvisited 1=visiting 2=done

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("service dependency cycle detected at %s", name)
		}
		visited[name] = 1
		svc, ok := byName[name]
		if !ok {
			return fmt.Errorf("dependsOn names unknown service %s", name)
		}
		for _, dep := range svc.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		ordered = append(ordered, svc)
		return nil
	}

	for _, s := range services {
		if err := visit(s.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func reversed(services []podspec.ServiceSpec) []podspec.ServiceSpec {
	out := make([]podspec.ServiceSpec, len(services))
	for i, s := range services {
		out[len(services)-1-i] = s
	}
	return out
}

// CreatePod runs the ordered provisioning pipeline of spec.md §4.2: any
// step's failure unwinds the compensations already pushed, in reverse
// order, before the error is returned.
func (m *Manager) CreatePod(ctx context.Context, spec *podspec.Spec, opts CreateOptions) (*PodInstance, error) {
	opts = opts.withDefaults()
	unlock := m.locks.Lock(spec.ID)
	defer unlock()

	ctx = log.With(ctx, "pod_id", spec.ID)

	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	orderedServices, err := orderServices(spec.Services)
	if err != nil {
		return nil, err
	}

	inst := &PodInstance{Spec: spec, Status: PodPending}
	m.withPods(func(pods map[string]*PodInstance) { pods[spec.ID] = inst })

	inst.Status = PodProvisioning
	stack := lifecycle.NewStack()

	fail := func(stepErr error) (*PodInstance, error) {
		log.Error(ctx, "pod creation failed, unwinding", "error", stepErr)
		if unwindErr := stack.Unwind(ctx); unwindErr != nil {
			log.Error(ctx, "teardown during unwind reported errors", "error", unwindErr)
		}
		inst.Status = PodFailed
		m.emit(spec.ID, EventFailed, nil, stepErr)
		return nil, stepErr
	}

	// Step 2+3: network, including reverse-proxy port allocation.
	netSpec, err := m.Network.Create(ctx, spec.ID)
	if err != nil {
		return fail(fmt.Errorf("creating pod network: %w", err))
	}
	spec.Network = netSpec
	stack.Push(func(ctx context.Context) error { return m.Network.Destroy(ctx, spec.ID) })
	m.Network.ApplyPolicy(ctx, spec.ID, spec.Network)

	// Step 4: container.
	if err := m.Runtime.EnsureUniversalVolumes(ctx, spec.ID); err != nil {
		return fail(fmt.Errorf("ensuring universal volumes: %w", err))
	}
	req := runtime.Request{
		PodID:      spec.ID,
		Name:       runtime.ContainerName(spec.ID),
		Image:      spec.BaseImage,
		Env:        spec.Environment,
		Mounts:     runtime.UniversalMounts(spec.ID),
		Ports:      spec.Network.Ports,
		Network:    network.NetworkName(spec.ID),
		Resources:  spec.Resources,
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
	}
	resp, err := m.Runtime.CreateContainer(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("creating container: %w", err))
	}
	inst.ContainerID = resp.ContainerID
	stack.Push(func(ctx context.Context) error {
		return m.Runtime.RemoveContainer(ctx, spec.ID, inst.ContainerID, true)
	})

	// Step 5: start, then verify running.
	inst.Status = PodStarting
	if err := m.Runtime.StartContainer(ctx, spec.ID, inst.ContainerID); err != nil {
		return fail(fmt.Errorf("starting container: %w", err))
	}

	// Step 6: repository setup, if present.
	isExistingRepo := false
	if setup := spec.GithubRepoSetup; setup != nil {
		if setup.IsExisting() {
			isExistingRepo = true
			if err := m.Repo.CloneRepository(ctx, spec, inst.ContainerID, setup.Repository, spec.GithubBranch, setup.SSHKeyPair); err != nil {
				return fail(fmt.Errorf("cloning repository: %w", err))
			}
		} else {
			tmpl, tmplErr := podspec.LookupTemplate(setup.Template)
			if tmplErr != nil {
				return fail(fmt.Errorf("resolving template for repo init: %w", tmplErr))
			}
			pushed, err := m.Repo.InitializeTemplate(ctx, spec, inst.ContainerID, setup.Repository, tmpl, setup.SSHKeyPair)
			if err != nil {
				return fail(fmt.Errorf("initializing template: %w", err))
			}
			inst.RepoPushed = pushed
		}
		if !opts.HasPinacleYaml {
			if err := m.Repo.InjectPinacleConfig(ctx, spec, inst.ContainerID, spec.ToConfig()); err != nil {
				log.Warn(ctx, "failed to inject pinacle.yaml, continuing", "error", err)
			}
		}
	}

	// Step 7+8: provision then start built-in services, dependency order.
	for _, svc := range orderedServices {
		if err := m.Services.Provision(ctx, spec, inst.ContainerID, &svc); err != nil {
			return fail(fmt.Errorf("provisioning service %s: %w", svc.Name, err))
		}
		stack.Push(func(ctx context.Context) error { return m.Services.Remove(ctx, spec, inst.ContainerID, &svc) })
	}
	for _, svc := range orderedServices {
		if err := m.Services.Start(ctx, spec, inst.ContainerID, &svc, opts.StartDelay, opts.StartRetries); err != nil {
			return fail(fmt.Errorf("starting service %s: %w", svc.Name, err))
		}
		stack.Push(func(ctx context.Context) error { return m.Services.Stop(ctx, spec, inst.ContainerID, &svc) })
	}

	// Step 9: user install command.
	if err := m.Processes.RunInstall(ctx, spec, inst.ContainerID, isExistingRepo); err != nil {
		return fail(fmt.Errorf("running install command: %w", err))
	}

	// Step 10: user processes.
	for i := range spec.Processes {
		proc := &spec.Processes[i]
		if err := m.Processes.ProvisionProcess(ctx, spec, inst.ContainerID, proc); err != nil {
			return fail(fmt.Errorf("starting process %s: %w", proc.Name, err))
		}
		stack.Push(func(ctx context.Context) error { return m.Processes.StopProcess(ctx, spec, inst.ContainerID, proc) })
	}

	inst.PublicURL = m.Network.PublicURL(spec.Slug)
	inst.Status = PodRunning
	m.emit(spec.ID, EventCreated, inst, nil)
	m.emit(spec.ID, EventStarted, inst, nil)
	return inst, nil
}

// StartPod restarts a stopped pod's container, then its services and user
// processes. Process restart always kills any stale multiplexer session
// first (handled inside Processes.StartProcess), since sessions can
// survive on a persisted volume across container recreation.
func (m *Manager) StartPod(ctx context.Context, podID string) error {
	unlock := m.locks.Lock(podID)
	defer unlock()
	ctx = log.With(ctx, "pod_id", podID)

	inst, ok := m.get(podID)
	if !ok {
		return fmt.Errorf("pod %s: no such pod", podID)
	}

	inst.Status = PodStarting
	if err := m.Runtime.StartContainer(ctx, podID, inst.ContainerID); err != nil {
		inst.Status = PodFailed
		m.emit(podID, EventFailed, nil, err)
		return fmt.Errorf("starting container: %w", err)
	}

	orderedServices, err := orderServices(inst.Spec.Services)
	if err != nil {
		return err
	}
	for _, svc := range orderedServices {
		if err := m.Services.Start(ctx, inst.Spec, inst.ContainerID, &svc, 2*time.Second, 5); err != nil {
			log.Warn(ctx, "service failed to restart", "service", svc.Name, "error", err)
		}
	}
	for i := range inst.Spec.Processes {
		proc := &inst.Spec.Processes[i]
		if err := m.Processes.StartProcess(ctx, inst.Spec, inst.ContainerID, proc); err != nil {
			log.Warn(ctx, "process failed to restart", "process", proc.Name, "error", err)
		}
	}

	inst.Status = PodRunning
	m.emit(podID, EventStarted, inst, nil)
	return nil
}

// StopPod stops services in reverse dependency order, then the container.
// Volumes are never removed on stop.
func (m *Manager) StopPod(ctx context.Context, podID string) error {
	unlock := m.locks.Lock(podID)
	defer unlock()
	ctx = log.With(ctx, "pod_id", podID)

	inst, ok := m.get(podID)
	if !ok {
		return fmt.Errorf("pod %s: no such pod", podID)
	}

	inst.Status = PodStopping
	orderedServices, err := orderServices(inst.Spec.Services)
	if err != nil {
		return err
	}
	for _, svc := range reversed(orderedServices) {
		if err := m.Services.Stop(ctx, inst.Spec, inst.ContainerID, &svc); err != nil {
			log.Warn(ctx, "service failed to stop cleanly", "service", svc.Name, "error", err)
		}
	}

	if err := m.Runtime.StopContainer(ctx, podID, inst.ContainerID, 10*time.Second); err != nil {
		inst.Status = PodFailed
		m.emit(podID, EventFailed, nil, err)
		return fmt.Errorf("stopping container: %w", err)
	}

	inst.Status = PodStopped
	m.emit(podID, EventStopped, inst, nil)
	return nil
}

// DeletePod stops the pod if running, removes services, the container
// (with its volumes), and the network, then drops the in-memory record.
func (m *Manager) DeletePod(ctx context.Context, podID string) error {
	unlock := m.locks.Lock(podID)
	defer unlock()
	ctx = log.With(ctx, "pod_id", podID)

	inst, ok := m.get(podID)
	if !ok {
		return fmt.Errorf("pod %s: no such pod", podID)
	}

	inst.Status = PodTerminating
	orderedServices, err := orderServices(inst.Spec.Services)
	if err != nil {
		return err
	}
	for _, svc := range reversed(orderedServices) {
		if err := m.Services.Remove(ctx, inst.Spec, inst.ContainerID, &svc); err != nil {
			log.Warn(ctx, "service failed to remove cleanly", "service", svc.Name, "error", err)
		}
	}

	if err := m.Runtime.RemoveContainer(ctx, podID, inst.ContainerID, true); err != nil {
		inst.Status = PodFailed
		m.emit(podID, EventFailed, nil, err)
		return fmt.Errorf("removing container: %w", err)
	}
	if err := m.Network.Destroy(ctx, podID); err != nil {
		log.Warn(ctx, "network teardown reported an error", "error", err)
	}

	inst.Status = PodDeleted
	m.emit(podID, EventDeleted, inst, nil)
	m.withPods(func(pods map[string]*PodInstance) { delete(pods, podID) })
	return nil
}

// ExecInPod runs argv inside podID's container.
func (m *Manager) ExecInPod(ctx context.Context, podID string, argv []string) (stdout, stderr string, err error) {
	inst, ok := m.get(podID)
	if !ok {
		return "", "", fmt.Errorf("pod %s: no such pod", podID)
	}
	return m.Runtime.ExecInContainer(ctx, podID, inst.ContainerID, argv)
}

// GetPodLogsOptions carries log-fetch parameters; Follow is accepted for
// interface parity with spec.md but is a best-effort pass-through the
// caller is expected to terminate, not implemented by this in-process
// driver beyond a single tail fetch.
type GetPodLogsOptions struct {
	Tail   int
	Follow bool
}

// GetPodLogs returns the pod container's recent combined stdout/stderr.
func (m *Manager) GetPodLogs(ctx context.Context, podID string, opts GetPodLogsOptions) (string, error) {
	inst, ok := m.get(podID)
	if !ok {
		return "", fmt.Errorf("pod %s: no such pod", podID)
	}
	tail := opts.Tail
	if tail <= 0 {
		tail = 500
	}
	return m.Runtime.GetContainerLogs(ctx, podID, inst.ContainerID, tail)
}

// CheckPodHealth reports whether the pod's container is running and every
// enabled service is healthy. It never returns an error — an unreachable
// service or container is simply unhealthy.
func (m *Manager) CheckPodHealth(ctx context.Context, podID string) bool {
	inst, ok := m.get(podID)
	if !ok {
		return false
	}

	resp, err := m.Runtime.GetContainer(ctx, podID, inst.ContainerID)
	if err != nil || NormalizeContainerStatus(resp.State) != ContainerRunning {
		m.emit(podID, EventHealthCheck, false, nil)
		return false
	}

	for i := range inst.Spec.Services {
		svc := &inst.Spec.Services[i]
		if err := m.Services.HealthCheck(ctx, inst.Spec, inst.ContainerID, svc); err != nil {
			m.emit(podID, EventHealthCheck, false, nil)
			return false
		}
	}

	m.emit(podID, EventHealthCheck, true, nil)
	return true
}

// GetPodContainer returns the pod's observed container, or nil if it
// can't be found — absence is not an error.
func (m *Manager) GetPodContainer(ctx context.Context, podID string) (*runtime.Response, error) {
	inst, ok := m.get(podID)
	if !ok || inst.ContainerID == "" {
		return nil, nil
	}
	resp, err := m.Runtime.GetContainer(ctx, podID, inst.ContainerID)
	if err != nil {
		return nil, nil
	}
	return resp, nil
}

// GetActiveContainerForPodOrThrow is GetPodContainer but fatal on absence,
// for callers that require a running container to proceed.
func (m *Manager) GetActiveContainerForPodOrThrow(ctx context.Context, podID string) (*runtime.Response, error) {
	resp, err := m.GetPodContainer(ctx, podID)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("pod %s: no active container", podID)
	}
	return resp, nil
}

// CleanupPodByContainerID force-tears-down a container by id without
// requiring an in-memory PodInstance — the path the orchestrator uses when
// its own record lost track of the Pod Manager's state (e.g. after a
// control-plane restart).
func (m *Manager) CleanupPodByContainerID(ctx context.Context, podID, containerID string, removeVolumes bool) error {
	unlock := m.locks.Lock(podID)
	defer unlock()

	if err := m.Runtime.StopContainer(ctx, podID, containerID, 10*time.Second); err != nil {
		log.Warn(ctx, "cleanup: stop reported an error, continuing to remove", "pod_id", podID, "error", err)
	}
	if err := m.Runtime.RemoveContainer(ctx, podID, containerID, removeVolumes); err != nil {
		return fmt.Errorf("cleanup: removing container %s: %w", containerID, err)
	}
	if err := m.Network.Destroy(ctx, podID); err != nil {
		log.Warn(ctx, "cleanup: network teardown reported an error", "pod_id", podID, "error", err)
	}
	m.withPods(func(pods map[string]*PodInstance) { delete(pods, podID) })
	return nil
}

// CleanupPod resolves the pod's container by the naming convention and
// delegates to CleanupPodByContainerID; a pod with no container is still
// cleaned up at the network/volume level.
func (m *Manager) CleanupPod(ctx context.Context, podID string, removeVolumes bool) error {
	containerID := runtime.ContainerName(podID)
	if inst, ok := m.get(podID); ok && inst.ContainerID != "" {
		containerID = inst.ContainerID
	}
	return m.CleanupPodByContainerID(ctx, podID, containerID, removeVolumes)
}
