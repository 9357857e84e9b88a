// Package repo implements the Repository Integrator: minting a per-pod
// deploy keypair, wiring it into the container's SSH config, and running
// the git plumbing (clone an existing repo, or scaffold+push a new one
// from a template) that brings /workspace under version control, per
// spec.md §4.7. Every operation executes inside the pod's own sandboxed
// container via ContainerExec — there is no host-side git state to
// manage in-process.
package repo

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pinacle/podcore/internal/log"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/transport"
)

// ContainerExec is the capability this integrator needs from the container
// runtime driver. It's the same shape internal/service and internal/process
// depend on, injected at construction rather than imported directly so the
// Pod Manager (which owns the runtime driver) doesn't import this package
// and vice versa — breaking the import cycle design note §9 calls out.
type ContainerExec interface {
	ExecInContainer(ctx context.Context, podID, containerID string, argv []string) (stdout, stderr string, err error)
}

const (
	serviceGitEmail = "bot@pinacle.dev"
	serviceGitName  = "pinacle"
)

// Integrator drives git setup inside a single pod's container.
type Integrator struct {
	Exec ContainerExec
}

func New(exec ContainerExec) *Integrator {
	return &Integrator{Exec: exec}
}

// GenerateSSHKeyPair mints a fresh ed25519 deploy key for podID. The
// returned private key material must only ever be written into the
// container over a masked command (see transport.Mask) — it is never
// persisted to the command log in the clear.
func GenerateSSHKeyPair(podID string) (podspec.SSHKeyPair, error) {
	kp, err := transport.NewED25519KeyPair("pinacle-pod-" + podID)
	if err != nil {
		return podspec.SSHKeyPair{}, fmt.Errorf("generating deploy key for pod %s: %w", podID, err)
	}
	return podspec.SSHKeyPair{
		Public:      string(kp.PublicPEM),
		Private:     string(kp.PrivatePEM),
		Fingerprint: kp.Fingerprint,
	}, nil
}

var shorthandRepo = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)

// normalizeRepoURL coerces an "owner/repo" shorthand into a full SSH git
// URL; any already-qualified SSH or HTTPS URL passes through unchanged.
func normalizeRepoURL(repo string) string {
	if shorthandRepo.MatchString(repo) {
		return "git@github.com:" + repo + ".git"
	}
	return repo
}

func (i *Integrator) setupKeysAndIdentity(ctx context.Context, spec *podspec.Spec, containerID string, keyPair podspec.SSHKeyPair) error {
	cmds := []string{
		"mkdir -p /workspace/.ssh && chmod 700 /workspace/.ssh",
		fmt.Sprintf("cat > /workspace/.ssh/id_ed25519 << 'PINACLE_EOF'\n%s\nPINACLE_EOF\nchmod 600 /workspace/.ssh/id_ed25519", keyPair.Private),
		"ssh-keyscan -t ed25519 github.com >> /workspace/.ssh/known_hosts 2>/dev/null",
		"printf 'Host github.com\\n  StrictHostKeyChecking accept-new\\n  IdentityFile /workspace/.ssh/id_ed25519\\n' > /workspace/.ssh/config && chmod 600 /workspace/.ssh/config",
		fmt.Sprintf("git config --global user.email %s && git config --global user.name %s", serviceGitEmail, serviceGitName),
	}
	for _, cmd := range cmds {
		if _, stderr, err := i.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", cmd}); err != nil {
			return fmt.Errorf("setting up git keys/identity: %w: %s", err, stderr)
		}
	}
	return nil
}

// CloneRepository clones repo (optionally at branch) into /workspace using
// keyPair for authentication.
func (i *Integrator) CloneRepository(ctx context.Context, spec *podspec.Spec, containerID, repo, branch string, keyPair podspec.SSHKeyPair) error {
	if err := i.setupKeysAndIdentity(ctx, spec, containerID, keyPair); err != nil {
		return err
	}

	url := normalizeRepoURL(repo)
	cmd := fmt.Sprintf("GIT_SSH_COMMAND='ssh -F /workspace/.ssh/config' git clone %s /workspace", transport.Quote(url))
	if branch != "" {
		cmd += " --branch " + transport.Quote(branch)
	}

	if _, stderr, err := i.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", cmd}); err != nil {
		return fmt.Errorf("cloning repository %s: %w: %s", repo, err, stderr)
	}

	log.Info(ctx, "cloned repository", "pod_id", spec.ID, "repo", repo, "branch", branch)
	return nil
}

// InitializeTemplate scaffolds a brand-new repository from template: git
// init, run the template's init script, commit, and attempt to push. A
// failed push (e.g. the remote doesn't exist yet) is non-fatal — the
// workspace is left initialized and usable; only the record's githubRepo
// association is left unset by the caller.
func (i *Integrator) InitializeTemplate(ctx context.Context, spec *podspec.Spec, containerID, repo string, tmpl *podspec.Template, keyPair podspec.SSHKeyPair) (pushed bool, err error) {
	if err := i.setupKeysAndIdentity(ctx, spec, containerID, keyPair); err != nil {
		return false, err
	}

	initCmds := []string{
		"git init /workspace",
		"git -C /workspace branch -m main",
	}
	url := normalizeRepoURL(repo)
	initCmds = append(initCmds, fmt.Sprintf("git -C /workspace remote add origin %s", transport.Quote(url)))
	initCmds = append(initCmds, tmpl.InitScript...)
	initCmds = append(initCmds,
		`git -C /workspace add -A`,
		`git -C /workspace commit -m "Initial commit from pinacle" || true`,
	)

	for _, cmd := range initCmds {
		if _, stderr, err := i.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", cmd}); err != nil {
			return false, fmt.Errorf("initializing template %s: %w: %s", tmpl.ID, err, stderr)
		}
	}

	pushCmd := "GIT_SSH_COMMAND='ssh -F /workspace/.ssh/config' git -C /workspace push -u origin main"
	_, stderr, err := i.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", pushCmd})
	if err != nil {
		log.Warn(ctx, "initial push failed, leaving workspace initialized without a remote association", "pod_id", spec.ID, "repo", repo, "error", err, "stderr", stderr)
		return false, nil
	}
	return true, nil
}

// InjectPinacleConfig writes the declarative config YAML to
// /workspace/pinacle.yaml unless the repository already has one.
func (i *Integrator) InjectPinacleConfig(ctx context.Context, spec *podspec.Spec, containerID string, cfg *podspec.Config) error {
	check := "test -f /workspace/pinacle.yaml"
	if _, _, err := i.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", check}); err == nil {
		log.Info(ctx, "pinacle.yaml already present, not overwriting", "pod_id", spec.ID)
		return nil
	}

	data, err := cfg.Serialize()
	if err != nil {
		return fmt.Errorf("serializing config for injection: %w", err)
	}

	write := fmt.Sprintf("cat > /workspace/pinacle.yaml << 'PINACLE_EOF'\n%sPINACLE_EOF", data)
	if _, stderr, err := i.Exec.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", write}); err != nil {
		return fmt.Errorf("writing pinacle.yaml: %w: %s", err, stderr)
	}
	return nil
}
