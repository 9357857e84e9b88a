// Package runtime drives the sandboxed container runtime entirely through
// shell command composition executed over the remote transport, rather
// than an in-process SDK client: every operation builds an argv for the
// `docker` CLI (configured with a gVisor-class --runtime), quotes it with
// transport.QuoteArgs, and runs it via transport.Transport.Exec. This is a
// deliberate divergence from the Docker SDK client (`docker/docker/client`)
// used elsewhere in the ecosystem: a pod's docker daemon lives on a remote
// host reached only over the Remote Transport's SSH connection, not over a
// local Unix socket an in-process client could dial, so every operation has
// to be a command line run on that host rather than an API call. The
// Request/Response/error-wrapping shape mirrors what an SDK-backed driver
// would expose, so the rest of the core is insulated from this choice.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/pinacle/podcore/internal/log"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/transport"
)

// ContainerNamePrefix and VolumeNamePrefix are the naming conventions every
// pod's resources are created under, letting cleanup commands select them
// by filter rather than tracking ids out of band.
const (
	ContainerNamePrefix = "pinacle-pod-"
	VolumeNamePrefix    = "pinacle-vol-"
)

// DefaultSandboxRuntime is the gVisor-class container runtime name passed
// to `docker create --runtime=`.
const DefaultSandboxRuntime = "runsc"

// UniversalVolumeRoles are the stable per-pod volume roles that persist
// across container recreation, making a pod behave like a long-lived VM:
// system packages installed via the distro package manager survive.
// /tmp, /proc, /sys, /dev, and /run are deliberately not persisted.
var UniversalVolumeRoles = map[string]string{
	"workspace": "/workspace",
	"home":      "/home",
	"root":      "/root",
	"etc":       "/etc",
	"usr-local": "/usr/local",
	"opt":       "/opt",
	"var":       "/var",
	"srv":       "/srv",
}

func ContainerName(podID string) string {
	return ContainerNamePrefix + podID
}

func VolumeName(podID, role string) string {
	return VolumeNamePrefix + podID + "-" + role
}

// containerNamePattern recovers a podId from a container name; it backs
// PodIDFromContainerName.
var containerNamePattern = regexp.MustCompile(`^/?` + ContainerNamePrefix + `(.+)$`)

// PodIDFromContainerName extracts the podId from a `pinacle-pod-{podId}`
// name, returning ok=false if name doesn't match the convention.
func PodIDFromContainerName(name string) (podID string, ok bool) {
	m := containerNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Request is the shape every container lifecycle call is built from — the
// Docker-SDK-shaped request this package's teacher used, generalized so it
// can be marshaled to `docker run`/`docker create` flags instead of passed
// to a client struct.
type Request struct {
	PodID      string
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        map[string]string
	Labels     map[string]string
	Mounts     []Mount
	Ports      []podspec.PortSpec
	Network    string
	Resources  podspec.Resources
	Privileged bool
	Runtime    string // defaults to DefaultSandboxRuntime
	User       string
	WorkingDir string
}

// Mount is a bind/volume mount declaration.
type Mount struct {
	Source   string // host path or volume name
	Target   string
	ReadOnly bool
}

// Response is the driver's view of a created/started container.
type Response struct {
	ContainerID string
	Name        string
	State       string
}

// RunError wraps a non-zero container exit, mirroring the teacher's
// RunError shape (ExitCode + Message) but sourced from a captured `docker
// wait`/`docker inspect` result instead of the Docker API's wait channel.
type RunError struct {
	ExitCode int64
	Message  string
}

func (e *RunError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("container exited with non-zero exit code: %d", e.ExitCode)
	}
	return fmt.Sprintf("container exited with non-zero exit code: %d: %s", e.ExitCode, e.Message)
}

// Executor is the subset of *transport.Transport this driver needs,
// narrowed to an interface so tests can substitute a fake remote host
// without dialing real SSH.
type Executor interface {
	Exec(ctx context.Context, host transport.Host, cmd string, opts transport.ExecOptions) (stdout, stderr string, err error)
}

// Driver composes and executes docker commands against a single remote
// host through an Executor.
type Driver struct {
	Transport Executor
	Host      transport.Host

	// StartPollDelay is how long StartContainer waits before re-inspecting
	// the container to verify it reached running; defaults to 2s.
	StartPollDelay time.Duration
}

func New(t Executor, host transport.Host) *Driver {
	return &Driver{Transport: t, Host: host, StartPollDelay: 2 * time.Second}
}

func (d *Driver) exec(ctx context.Context, podID, label string, argv []string) (string, string, error) {
	cmd := "docker " + transport.QuoteArgs(argv)
	return d.Transport.Exec(ctx, d.Host, cmd, transport.ExecOptions{
		PodID:            podID,
		Label:            label,
		ContainerCommand: cmd,
	})
}

// CreateContainer composes and runs `docker create` for req, returning the
// created container's id. If a container already occupies req.Name, it is
// force-removed first so exactly one container with that name exists
// afterward, regardless of whether one was already running under it.
func (d *Driver) CreateContainer(ctx context.Context, req Request) (*Response, error) {
	if existing, err := d.GetContainer(ctx, req.PodID, req.Name); err == nil {
		if err := d.RemoveContainer(ctx, req.PodID, existing.ContainerID, false); err != nil {
			return nil, fmt.Errorf("removing existing container %s before recreate: %w", req.Name, err)
		}
	}

	argv := d.buildCreateArgs(req)
	stdout, stderr, err := d.exec(ctx, req.PodID, "create-container", argv)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w: %s", req.Name, err, stderr)
	}
	id := strings.TrimSpace(stdout)
	return &Response{ContainerID: id, Name: req.Name, State: "created"}, nil
}

func (d *Driver) buildCreateArgs(req Request) []string {
	runtimeName := req.Runtime
	if runtimeName == "" {
		runtimeName = DefaultSandboxRuntime
	}

	argv := []string{"create",
		"--name", req.Name,
		"--runtime=" + runtimeName,
		"--restart", "unless-stopped",
	}

	if req.Network != "" {
		argv = append(argv, "--network", req.Network)
	}
	if req.User != "" {
		argv = append(argv, "-u", req.User)
	}
	if req.WorkingDir != "" {
		argv = append(argv, "-w", req.WorkingDir)
	}
	if req.Privileged {
		argv = append(argv, "--privileged")
	} else {
		argv = append(argv,
			"--security-opt", "seccomp=unconfined",
			"--cap-drop", "ALL",
			"--cap-add", "NET_BIND_SERVICE",
		)
	}
	if req.Resources.MemoryMb > 0 {
		argv = append(argv, "--memory", strconv.Itoa(req.Resources.MemoryMb)+"m")
	}
	if req.Resources.CPUCores > 0 {
		quota := int(req.Resources.CPUCores * 100000)
		argv = append(argv, "--cpu-period", "100000", "--cpu-quota", strconv.Itoa(quota))
	}

	for k, v := range req.Env {
		argv = append(argv, "-e", k+"="+v)
	}
	for k, v := range req.Labels {
		argv = append(argv, "-l", k+"="+v)
	}
	for _, m := range req.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		argv = append(argv, "-v", spec)
	}
	for _, p := range req.Ports {
		if p.External == 0 {
			continue
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort, err := nat.NewPort(proto, strconv.Itoa(p.Internal))
		if err != nil {
			// p has already passed podspec validation; a bad proto/port here
			// means our own construction is wrong, not user input, so fall
			// back to the plain docker CLI spelling rather than drop the
			// publish entirely.
			argv = append(argv, "-p", fmt.Sprintf("%d:%d/%s", p.External, p.Internal, proto))
			continue
		}
		argv = append(argv, "-p", fmt.Sprintf("%d:%s", p.External, containerPort))
	}

	argv = append(argv, req.Image)
	argv = append(argv, req.Entrypoint...)
	argv = append(argv, req.Cmd...)
	return argv
}

// StartContainer starts a previously created container, waits briefly,
// then verifies it actually reached the running state.
func (d *Driver) StartContainer(ctx context.Context, podID, containerID string) error {
	_, stderr, err := d.exec(ctx, podID, "start-container", []string{"start", containerID})
	if err != nil {
		return fmt.Errorf("starting container %s: %w: %s", containerID, err, stderr)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.StartPollDelay):
	}

	resp, err := d.GetContainer(ctx, podID, containerID)
	if err != nil {
		return fmt.Errorf("verifying container %s started: %w", containerID, err)
	}
	if resp.State != "running" {
		return fmt.Errorf("container %s did not reach running state, got %q", containerID, resp.State)
	}
	return nil
}

func isAlreadyGone(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "is not running")
}

// StopContainer stops a running container, waiting up to timeout for a
// graceful exit before the daemon escalates to SIGKILL. A container that
// no longer exists is swallowed (AlreadyGone), not an error.
func (d *Driver) StopContainer(ctx context.Context, podID, containerID string, timeout time.Duration) error {
	argv := []string{"stop", "-t", strconv.Itoa(int(timeout.Seconds())), containerID}
	_, stderr, err := d.exec(ctx, podID, "stop-container", argv)
	if err != nil && !isAlreadyGone(stderr) {
		return fmt.Errorf("stopping container %s: %w: %s", containerID, err, stderr)
	}
	return nil
}

// RemoveContainer force-removes containerID (`docker rm -f`, which also
// stops a running container) and — if removeVolumes is set — removes the
// caller-supplied podID's `pinacle-vol-{podId}-{role}` volume for every
// role in UniversalVolumeRoles. Per-volume removal errors are logged, not
// fatal; the overall call never fails because cleanup couldn't find a
// volume that was already gone.
func (d *Driver) RemoveContainer(ctx context.Context, podID, containerID string, removeVolumes bool) error {
	_, stderr, err := d.exec(ctx, podID, "remove-container", []string{"rm", "-f", containerID})
	if err != nil && !isAlreadyGone(stderr) {
		return fmt.Errorf("removing container %s: %w: %s", containerID, err, stderr)
	}

	if !removeVolumes {
		return nil
	}
	for role := range UniversalVolumeRoles {
		name := VolumeName(podID, role)
		if err := d.RemoveVolume(ctx, podID, name); err != nil {
			log.Warn(ctx, "failed to remove pod volume", "pod_id", podID, "volume", name, "error", err)
		}
	}
	return nil
}

// inspectEntry is the subset of `docker inspect`'s JSON output this driver
// reads from.
type inspectEntry struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int64  `json:"ExitCode"`
	} `json:"State"`
}

// GetContainer inspects a single container by id or name.
func (d *Driver) GetContainer(ctx context.Context, podID, containerID string) (*Response, error) {
	stdout, stderr, err := d.exec(ctx, podID, "inspect-container", []string{"inspect", containerID})
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w: %s", containerID, err, stderr)
	}

	var entries []inspectEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		return nil, fmt.Errorf("parsing inspect output for %s: %w", containerID, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("container %s not found", containerID)
	}

	e := entries[0]
	return &Response{
		ContainerID: e.ID,
		Name:        strings.TrimPrefix(e.Name, "/"),
		State:       e.State.Status,
	}, nil
}

// ListContainers lists containers whose name matches the pinacle prefix.
func (d *Driver) ListContainers(ctx context.Context) ([]Response, error) {
	argv := []string{"ps", "-a", "--filter", "name=" + ContainerNamePrefix, "--format", "{{.ID}}\t{{.Names}}\t{{.State}}"}
	stdout, stderr, err := d.exec(ctx, "", "list-containers", argv)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w: %s", err, stderr)
	}

	var out []Response
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		out = append(out, Response{ContainerID: fields[0], Name: fields[1], State: fields[2]})
	}
	return out, nil
}

// ExecInContainer runs argv inside containerID via `docker exec`.
func (d *Driver) ExecInContainer(ctx context.Context, podID, containerID string, argv []string) (string, string, error) {
	full := append([]string{"exec", containerID}, argv...)
	return d.exec(ctx, podID, "exec-in-container", full)
}

// GetContainerLogs returns the last n lines of a container's combined
// stdout/stderr.
func (d *Driver) GetContainerLogs(ctx context.Context, podID, containerID string, tail int) (string, error) {
	argv := []string{"logs", "--tail", strconv.Itoa(tail), containerID}
	stdout, _, err := d.exec(ctx, podID, "container-logs", argv)
	if err != nil {
		return "", fmt.Errorf("fetching logs for %s: %w", containerID, err)
	}
	return stdout, nil
}

// ValidateSandboxRuntime confirms the gVisor-class runtime is registered
// with the remote docker daemon before any pod is scheduled against it.
func (d *Driver) ValidateSandboxRuntime(ctx context.Context, runtimeName string) error {
	if runtimeName == "" {
		runtimeName = DefaultSandboxRuntime
	}
	stdout, stderr, err := d.exec(ctx, "", "validate-runtime", []string{"info", "--format", "{{json .Runtimes}}"})
	if err != nil {
		return fmt.Errorf("querying docker runtimes: %w: %s", err, stderr)
	}
	if !strings.Contains(stdout, `"`+runtimeName+`"`) {
		return fmt.Errorf("sandbox runtime %q is not registered with the docker daemon", runtimeName)
	}
	return nil
}

// CreateVolume creates a named docker volume for a pod's persistent role
// (e.g. "workspace", "home").
func (d *Driver) CreateVolume(ctx context.Context, podID, name string) error {
	_, stderr, err := d.exec(ctx, podID, "create-volume", []string{"volume", "create", name})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w: %s", name, err, stderr)
	}
	return nil
}

// RemoveVolume removes a named docker volume. Already-absent is swallowed.
func (d *Driver) RemoveVolume(ctx context.Context, podID, name string) error {
	_, stderr, err := d.exec(ctx, podID, "remove-volume", []string{"volume", "rm", "-f", name})
	if err != nil && !strings.Contains(stderr, "no such volume") {
		return fmt.Errorf("removing volume %s: %w: %s", name, err, stderr)
	}
	return nil
}

// EnsureUniversalVolumes creates every universal volume role for podID,
// idempotently (create-if-absent per spec.md's volume creation contract).
func (d *Driver) EnsureUniversalVolumes(ctx context.Context, podID string) error {
	for role := range UniversalVolumeRoles {
		if err := d.CreateVolume(ctx, podID, VolumeName(podID, role)); err != nil {
			return err
		}
	}
	return nil
}

// UniversalMounts returns the Mount set for every universal volume role,
// for building a Request's Mounts field.
func UniversalMounts(podID string) []Mount {
	mounts := make([]Mount, 0, len(UniversalVolumeRoles))
	for role, path := range UniversalVolumeRoles {
		mounts = append(mounts, Mount{Source: VolumeName(podID, role), Target: path})
	}
	return mounts
}
