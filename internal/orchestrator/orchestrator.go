// Package orchestrator implements the Provisioning Orchestrator: the only
// caller of Pod Manager that also touches persisted state, per spec.md
// §4.1. It resolves a pod record to a host, drives the Pod Manager through
// createPod/cleanup, and is the sole writer of the pod table's
// host/container/network columns.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pinacle/podcore/internal/lock"
	"github.com/pinacle/podcore/internal/log"
	"github.com/pinacle/podcore/internal/network"
	"github.com/pinacle/podcore/internal/podmgr"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/process"
	"github.com/pinacle/podcore/internal/repo"
	"github.com/pinacle/podcore/internal/runtime"
	"github.com/pinacle/podcore/internal/service"
	"github.com/pinacle/podcore/internal/store"
	"github.com/pinacle/podcore/internal/transport"
)

// timeNow is the clock every persisted status timestamp is read from, held
// in a variable as internal/transport does.
var timeNow = time.Now

// ManagerFactory builds the Pod Manager wired to one server's transport.
// Every orchestrator call builds a fresh Manager rather than caching one:
// createPod/cleanupPod/cleanupPodByContainerId never depend on in-memory
// PodInstance state surviving between calls (only startPod/stopPod/execInPod
// do, and those are outside this contract), so a fresh Manager per call is
// both correct and avoids pinning stale host credentials in memory.
type ManagerFactory func(server *store.ServerRecord) (*podmgr.Manager, error)

// Orchestrator composes persisted state (Store) with the Pod Manager
// construction needed to reach a remote host. The zero value is usable
// once Store and NewManager are set — locks initializes lazily — so tests
// can build one as a struct literal without going through New.
type Orchestrator struct {
	Store      *store.Store
	NewManager ManagerFactory

	lockInit sync.Once
	locks    *lock.Keyed
}

// New wires an Orchestrator against real remote hosts: each call resolves
// a store.ServerRecord to credentials, dials through pool, and composes
// the four managers the way cmd/orchestratorctl does for a live deployment.
func New(st *store.Store, pool *transport.Pool, logStore transport.CommandLogStore, baseDomain string) *Orchestrator {
	return &Orchestrator{
		Store:      st,
		NewManager: defaultManagerFactory(pool, logStore, baseDomain),
	}
}

// lock acquires the per-podId serialization lock, lazily creating the
// underlying Keyed map on first use.
func (o *Orchestrator) lock(podID string) func() {
	o.lockInit.Do(func() { o.locks = lock.NewKeyed() })
	return o.locks.Lock(podID)
}

func defaultManagerFactory(pool *transport.Pool, logStore transport.CommandLogStore, baseDomain string) ManagerFactory {
	return func(server *store.ServerRecord) (*podmgr.Manager, error) {
		signer, err := transport.ParsePrivateKey([]byte(server.SSHPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: parsing ssh key for server %s: %w", ErrHostUnavailable, server.ID, err)
		}
		host := transport.Host{Addr: server.Address, User: server.SSHUser, Signer: signer}
		tr := transport.New(pool, logStore)

		rt := runtime.New(tr, host)
		net := network.New(tr, host, baseDomain)
		svc := service.New(rt)
		proc := process.New(rt)
		repoIntegrator := repo.New(rt)

		return podmgr.New(rt, net, svc, proc, repoIntegrator), nil
	}
}

// ProvisionInput carries provisionPod's request-scoped arguments, per the
// `provisionPod({ podId, serverId?, githubRepoSetup?, hasPinacleYaml? }, cleanupOnError=true)`
// contract.
type ProvisionInput struct {
	PodID           string
	ServerID        string // optional; next available host is chosen if empty
	GithubRepoSetup *podspec.GithubRepoSetup
	HasPinacleYaml  bool
}

// ProvisionPod runs the provision sequence of spec.md §4.1 steps 1-9. The
// per-podId lock is held for the whole call, matching §5's requirement
// that it be acquired before the record is read and released only after
// the final status write.
func (o *Orchestrator) ProvisionPod(ctx context.Context, in ProvisionInput, cleanupOnError bool) error {
	unlock := o.lock(in.PodID)
	defer unlock()
	ctx = log.With(ctx, "pod_id", in.PodID)

	// step 1
	rec, err := o.Store.GetPod(ctx, in.PodID)
	if err != nil {
		return err
	}

	// step 2
	serverID := in.ServerID
	if serverID == "" {
		srv, err := o.Store.NextAvailableServer(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHostUnavailable, err)
		}
		serverID = srv.ID
	}

	// step 3
	server, err := o.Store.GetServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("%w: resolving server %s: %w", ErrHostUnavailable, serverID, err)
	}
	mgr, err := o.NewManager(server)
	if err != nil {
		return err
	}

	// step 4
	if err := o.Store.AssignHost(ctx, in.PodID, server.ID, timeNow()); err != nil {
		return err
	}

	// step 5
	cfg, err := podspec.ParseConfig([]byte(rec.Config))
	if err != nil {
		return o.failProvision(ctx, mgr, in.PodID, cleanupOnError, err)
	}

	envSet, dotenvContent, err := o.loadEnvSet(ctx, rec)
	if err != nil {
		return o.failProvision(ctx, mgr, in.PodID, cleanupOnError, err)
	}

	spec, err := podspec.Expand(cfg, podspec.ExpandInputs{
		ID:              in.PodID,
		Name:            rec.Name,
		EnvSet:          envSet,
		GithubRepo:      rec.GithubRepo,
		GithubBranch:    rec.GithubBranch,
		GithubRepoSetup: in.GithubRepoSetup,
	})
	if err != nil {
		return o.failProvision(ctx, mgr, in.PodID, cleanupOnError, err)
	}

	// step 6 — the only call that mutates the remote host
	inst, err := mgr.CreatePod(ctx, spec, podmgr.CreateOptions{HasPinacleYaml: in.HasPinacleYaml})
	if err != nil {
		return o.failProvision(ctx, mgr, in.PodID, cleanupOnError, err)
	}

	// step 7 — best-effort, never fails provisioning
	if dotenvContent != "" && spec.GithubRepo != "" {
		if err := writeDotenv(ctx, mgr, spec, inst.ContainerID, dotenvContent); err != nil {
			log.Warn(ctx, "failed to write .env file into pod, continuing", "error", err)
		}
	}

	// step 8
	finalConfig, err := spec.ToConfig().Serialize()
	if err != nil {
		return o.failProvision(ctx, mgr, in.PodID, cleanupOnError, fmt.Errorf("serializing final config: %w", err))
	}
	portsJSON, err := json.Marshal(spec.Network.Ports)
	if err != nil {
		return o.failProvision(ctx, mgr, in.PodID, cleanupOnError, fmt.Errorf("serializing port map: %w", err))
	}

	if err := o.Store.MarkRunning(ctx, in.PodID, inst.ContainerID, spec.Network.PodIP, inst.PublicURL,
		string(finalConfig), string(portsJSON), timeNow()); err != nil {
		return err
	}

	// step 9 — usage-tracking event emission is an external sink, out of
	// scope for this core beyond this log line standing in for it.
	log.Info(ctx, "pod provisioned", "server_id", server.ID, "container_id", inst.ContainerID, "public_url", inst.PublicURL)
	return nil
}

// failProvision implements the failure policy: best-effort teardown by pod
// name convention, mark the record error, then re-raise the original error.
func (o *Orchestrator) failProvision(ctx context.Context, mgr *podmgr.Manager, podID string, cleanupOnError bool, provisionErr error) error {
	if cleanupOnError {
		if cleanupErr := mgr.CleanupPod(ctx, podID, true); cleanupErr != nil {
			log.Warn(ctx, "best-effort teardown after failed provision reported an error", "error", cleanupErr)
		}
	}
	if markErr := o.Store.MarkError(ctx, podID, timeNow()); markErr != nil {
		log.Warn(ctx, "failed to mark pod record as error", "error", markErr)
	}
	return fmt.Errorf("provisioning pod %s: %w", podID, provisionErr)
}

// DeprovisionPod runs the deprovision sequence of spec.md §4.1: it never
// fails on "already gone", and is a no-op if the pod was never assigned a
// host.
func (o *Orchestrator) DeprovisionPod(ctx context.Context, podID string) error {
	unlock := o.lock(podID)
	defer unlock()
	ctx = log.With(ctx, "pod_id", podID)

	rec, err := o.Store.GetPod(ctx, podID)
	if err != nil {
		return err
	}
	if rec.ServerID == nil {
		return nil
	}

	server, err := o.Store.GetServer(ctx, *rec.ServerID)
	if err != nil {
		return fmt.Errorf("%w: resolving server %s: %w", ErrHostUnavailable, *rec.ServerID, err)
	}
	mgr, err := o.NewManager(server)
	if err != nil {
		return err
	}

	if rec.ContainerID != nil {
		if err := mgr.CleanupPodByContainerID(ctx, podID, *rec.ContainerID, true); err != nil {
			return fmt.Errorf("deprovisioning pod %s: %w", podID, err)
		}
	} else if err := mgr.CleanupPod(ctx, podID, true); err != nil {
		return fmt.Errorf("deprovisioning pod %s: %w", podID, err)
	}

	return o.Store.MarkStopped(ctx, podID, timeNow())
}

// CleanupPod forces removal of a pod's remote resources by {podId, serverId}
// alone, without consulting the pod record — the reconciliation-sweep path
// for a container observed on a host with no (or a stale) matching record.
func (o *Orchestrator) CleanupPod(ctx context.Context, podID, serverID string) error {
	unlock := o.lock(podID)
	defer unlock()
	ctx = log.With(ctx, "pod_id", podID)

	server, err := o.Store.GetServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("%w: resolving server %s: %w", ErrHostUnavailable, serverID, err)
	}
	mgr, err := o.NewManager(server)
	if err != nil {
		return err
	}
	return mgr.CleanupPod(ctx, podID, true)
}

// GetPodLogs fetches a pod's recent container logs directly through the
// runtime driver rather than through the Pod Manager's createPod-populated
// in-memory state, since the orchestrator's own lifetime does not
// guarantee that state exists.
func (o *Orchestrator) GetPodLogs(ctx context.Context, podID string) (string, error) {
	rec, err := o.Store.GetPod(ctx, podID)
	if err != nil {
		return "", err
	}
	if rec.ServerID == nil || rec.ContainerID == nil {
		return "", fmt.Errorf("pod %s has no active container", podID)
	}

	server, err := o.Store.GetServer(ctx, *rec.ServerID)
	if err != nil {
		return "", fmt.Errorf("%w: resolving server %s: %w", ErrHostUnavailable, *rec.ServerID, err)
	}
	mgr, err := o.NewManager(server)
	if err != nil {
		return "", err
	}
	return mgr.Runtime.GetContainerLogs(ctx, podID, *rec.ContainerID, 500)
}

// loadEnvSet resolves a pod's env-set, if any, into the map Expand needs
// plus the raw content writeDotenv needs. A load failure is non-fatal to
// provisioning: the pod still provisions without the env-set rather than
// failing outright, matching the "best-effort" framing of step 7.
func (o *Orchestrator) loadEnvSet(ctx context.Context, rec *store.PodRecord) (envSet map[string]string, rawContent string, err error) {
	if rec.DotenvID == nil {
		return nil, "", nil
	}
	de, loadErr := o.Store.GetDotenv(ctx, *rec.DotenvID)
	if loadErr != nil {
		log.Warn(ctx, "failed to load env-set, provisioning without it", "error", loadErr)
		return nil, "", nil
	}
	return parseDotenv(de.Content), de.Content, nil
}

// writeDotenv writes raw env-set content to a `.env` file in the pod's
// working directory, the same heredoc style internal/repo uses to write
// files into a container.
func writeDotenv(ctx context.Context, mgr *podmgr.Manager, spec *podspec.Spec, containerID, content string) error {
	script := fmt.Sprintf("cat > %s/.env <<'PINACLE_EOF'\n%s\nPINACLE_EOF\n", spec.WorkingDir, content)
	_, stderr, err := mgr.Runtime.ExecInContainer(ctx, spec.ID, containerID, []string{"sh", "-c", script})
	if err != nil {
		return fmt.Errorf("writing .env: %w (%s)", err, stderr)
	}
	return nil
}
