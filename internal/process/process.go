// Package process implements the Process Provisioner: running a pod's
// install command, and running/health-checking/stopping each of its user
// processes inside a detached tmux session, per spec.md §4.6.
package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pinacle/podcore/internal/log"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/transport"
)

// ContainerExec is the capability this provisioner needs from the
// container runtime driver.
type ContainerExec interface {
	ExecInContainer(ctx context.Context, podID, containerID string, argv []string) (stdout, stderr string, err error)
}

// Provisioner drives one pod's install command and user processes.
type Provisioner struct {
	Exec ContainerExec

	// HealthPollInterval is the delay between health-check attempts;
	// defaults to 2s (spec.md §4.6) when zero.
	HealthPollInterval time.Duration
}

func New(exec ContainerExec) *Provisioner {
	return &Provisioner{Exec: exec, HealthPollInterval: 2 * time.Second}
}

// RunInstall executes spec.InstallCommand inside the container in
// spec.WorkingDir. For an existing repository, a failing install is logged
// and swallowed (the repo may already be set up); for a newly scaffolded
// repository, a failing install is fatal.
func (p *Provisioner) RunInstall(ctx context.Context, spec *podspec.Spec, containerID string, isExistingRepo bool) error {
	if len(spec.InstallCommand) == 0 {
		return nil
	}

	cmd := fmt.Sprintf("cd %s && %s", spec.WorkingDir, spec.InstallCommand.Joined())
	_, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", cmd})
	if err != nil {
		if isExistingRepo {
			log.Warn(ctx, "install command failed on existing repo, continuing", "pod_id", spec.ID, "error", err, "stderr", stderr)
			return nil
		}
		return fmt.Errorf("install command failed: %w: %s", err, stderr)
	}
	return nil
}

// ProvisionProcess creates a detached tmux session running the process's
// start command. It always kills any existing session of the same name
// first, since sessions can survive a container restart via persisted
// volumes (startProcess semantics of spec.md §4.6).
func (p *Provisioner) ProvisionProcess(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec) error {
	return p.StartProcess(ctx, spec, containerID, proc)
}

// StartProcess (re)starts proc's tmux session, killing any prior session
// of the same name first.
func (p *Provisioner) StartProcess(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec) error {
	if err := p.StopProcess(ctx, spec, containerID, proc); err != nil {
		log.Warn(ctx, "failed to kill existing process session before restart", "session", proc.SessionName, "error", err)
	}

	cmd := fmt.Sprintf("cd %s && %s", spec.WorkingDir, proc.StartCommand.Joined())
	argv := []string{"tmux", "new-session", "-d", "-s", proc.SessionName, cmd}
	_, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, argv)
	if err != nil {
		return fmt.Errorf("starting process session %s: %w: %s", proc.SessionName, err, stderr)
	}
	return nil
}

// CheckProcessHealth polls proc's health check (if any) until it succeeds
// or timeout elapses, waiting p.HealthPollInterval between attempts. A
// process with no health check is considered healthy immediately; an
// existing-repo process is considered healthy without being executed at
// all, per spec.md §4.6.
func (p *Provisioner) CheckProcessHealth(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec, isExistingRepo bool, timeout time.Duration) (bool, error) {
	if proc.HealthCheck == "" {
		return true, nil
	}
	if isExistingRepo {
		return true, nil
	}

	interval := p.HealthPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	argv, err := transport.Split(proc.HealthCheck)
	if err != nil {
		return false, fmt.Errorf("parsing health check command for %s: %w", proc.Name, err)
	}

	deadline := timeNow().Add(timeout)
	for {
		_, _, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, argv)
		if err == nil {
			return true, nil
		}
		if timeNow().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// StopProcess kills proc's tmux session by name, best-effort: a missing
// session is not an error.
func (p *Provisioner) StopProcess(ctx context.Context, spec *podspec.Spec, containerID string, proc *podspec.ProcessSpec) error {
	_, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"tmux", "kill-session", "-t", proc.SessionName})
	if err != nil && !strings.Contains(stderr, "session not found") {
		return fmt.Errorf("killing process session %s: %w: %s", proc.SessionName, err, stderr)
	}
	return nil
}

// ListMultiplexerSessions is a diagnostic helper listing every tmux
// session currently alive in the container.
func (p *Provisioner) ListMultiplexerSessions(ctx context.Context, spec *podspec.Spec, containerID string) ([]string, error) {
	stdout, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"tmux", "list-sessions", "-F", "#{session_name}"})
	if err != nil {
		if strings.Contains(stderr, "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("listing multiplexer sessions: %w: %s", err, stderr)
	}

	var sessions []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

var timeNow = time.Now
