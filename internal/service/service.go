// Package service implements the Service Provisioner: installing,
// starting, stopping, and health-checking the built-in capabilities a pod
// opts into (web-terminal, claude-code, kanban, postgres, redis), each
// drawn from podspec.ServiceRegistry and supervised inside the container
// by a runit-style service file, per spec.md §4.5.
package service

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
// container runtime driver — narrowed to the one operation it uses so it
// doesn't import internal/runtime directly.
type ContainerExec interface {
	ExecInContainer(ctx context.Context, podID, containerID string, argv []string) (stdout, stderr string, err error)
}

// supervisorDir is where per-service run scripts are written inside the
// container, following the runit "service directory" convention.
const supervisorDir = "/etc/service"

// Provisioner drives one pod's service lifecycle.
type Provisioner struct {
	Exec ContainerExec
}

func New(exec ContainerExec) *Provisioner {
	return &Provisioner{Exec: exec}
}

func unitPath(name string) string {
	return supervisorDir + "/" + name + "/run"
}

// Provision runs a service's install steps once, writes its supervisor run
// script, and marks it enabled. Install steps are themselves idempotent
// shell commands (apk/apt installs, initdb-if-absent, ...), so re-running
// Provision for an already-provisioned service is safe.
func (p *Provisioner) Provision(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error {
	def, err := podspec.LookupService(svc.Name)
	if err != nil {
		return err
	}

	for i, step := range def.Install {
		cmd := step(spec)
		if _, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", cmd}); err != nil {
			return fmt.Errorf("install step %d for service %s: %w: %s", i, svc.Name, err, stderr)
		}
	}

	argv := def.StartCommand(spec, svc)
	runScript := "#!/bin/sh\nexec " + transport.QuoteArgs(argv) + "\n"
	mkdirCmd := []string{"mkdir", "-p", supervisorDir + "/" + svc.Name}
	if _, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, mkdirCmd); err != nil {
		return fmt.Errorf("creating service directory for %s: %w: %s", svc.Name, err, stderr)
	}

	writeCmd := []string{"sh", "-c", fmt.Sprintf("cat > %s << 'PINACLE_EOF'\n%sPINACLE_EOF\nchmod +x %s", unitPath(svc.Name), runScript, unitPath(svc.Name))}
	if _, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, writeCmd); err != nil {
		return fmt.Errorf("writing service unit for %s: %w: %s", svc.Name, err, stderr)
	}

	log.Info(ctx, "provisioned service", "pod_id", spec.ID, "service", svc.Name)
	return nil
}

// Start brings a supervised service up and waits, with retries, for it to
// report healthy.
func (p *Provisioner) Start(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec, startDelay time.Duration, retries int) error {
	startCmd := []string{"sv", "up", svc.Name}
	if _, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, startCmd); err != nil {
		return fmt.Errorf("starting service %s: %w: %s", svc.Name, err, stderr)
	}

	time.Sleep(startDelay)
	for attempt := 0; attempt <= retries; attempt++ {
		if err := p.HealthCheck(ctx, spec, containerID, svc); err == nil {
			return nil
		}
		if attempt < retries {
			time.Sleep(startDelay)
		}
	}
	return fmt.Errorf("service %s did not become healthy after %d retries", svc.Name, retries)
}

// Stop stops the supervised service, best-effort.
func (p *Provisioner) Stop(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error {
	_, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sv", "down", svc.Name})
	if err != nil && !strings.Contains(stderr, "unable to open supervise/ok") {
		return fmt.Errorf("stopping service %s: %w: %s", svc.Name, err, stderr)
	}
	return nil
}

// Remove stops the service and removes its unit file.
func (p *Provisioner) Remove(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error {
	_ = p.Stop(ctx, spec, containerID, svc)
	_, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"rm", "-rf", supervisorDir + "/" + svc.Name})
	if err != nil {
		return fmt.Errorf("removing service unit %s: %w: %s", svc.Name, err, stderr)
	}
	return nil
}

// HealthCheck runs the service's registry-declared health check inside the
// container; a non-zero exit means unhealthy. No retry loop lives here —
// the Pod Manager owns timing, per spec.md §4.5.
func (p *Provisioner) HealthCheck(ctx context.Context, spec *podspec.Spec, containerID string, svc *podspec.ServiceSpec) error {
	def, err := podspec.LookupService(svc.Name)
	if err != nil {
		return err
	}
	argv := def.HealthCheck(spec, svc)
	if argv == nil {
		return nil
	}
	_, stderr, err := p.Exec.ExecInContainer(ctx, spec.ID, containerID, argv)
	if err != nil {
		return fmt.Errorf("service %s unhealthy: %w: %s", svc.Name, err, stderr)
	}
	return nil
}
