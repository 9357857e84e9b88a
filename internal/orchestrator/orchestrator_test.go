package orchestrator_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinacle/podcore/internal/orchestrator"
	"github.com/pinacle/podcore/internal/podmgr"
	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/runtime"
	"github.com/pinacle/podcore/internal/store"
)

type fakeRuntime struct {
	failCreate  bool
	logs        string
	execScripts []string
}

func (f *fakeRuntime) CreateContainer(_ context.Context, req runtime.Request) (*runtime.Response, error) {
	if f.failCreate {
		return nil, fmt.Errorf("create failed")
	}
	return &runtime.Response{ContainerID: "container-" + req.PodID, Name: req.Name, State: "created"}, nil
}

func (f *fakeRuntime) StartContainer(context.Context, string, string) error { return nil }
func (f *fakeRuntime) StopContainer(context.Context, string, string, time.Duration) error {
	return nil
}
func (f *fakeRuntime) RemoveContainer(context.Context, string, string, bool) error { return nil }
func (f *fakeRuntime) GetContainer(_ context.Context, _, containerID string) (*runtime.Response, error) {
	return &runtime.Response{ContainerID: containerID, State: "running"}, nil
}

func (f *fakeRuntime) ExecInContainer(_ context.Context, _, _ string, argv []string) (string, string, error) {
	if len(argv) == 3 {
		f.execScripts = append(f.execScripts, argv[2])
	}
	return "ok", "", nil
}

func (f *fakeRuntime) GetContainerLogs(context.Context, string, string, int) (string, error) {
	if f.logs != "" {
		return f.logs, nil
	}
	return "log-lines", nil
}

func (f *fakeRuntime) EnsureUniversalVolumes(context.Context, string) error { return nil }

type fakeNetwork struct{ destroyed []string }

func (f *fakeNetwork) Create(context.Context, string) (podspec.NetworkSpec, error) {
	return podspec.NetworkSpec{
		Subnet: "10.100.1.0/24", PodIP: "10.100.1.2", GatewayIP: "10.100.1.1",
		Ports: []podspec.PortSpec{{Name: "nginx-proxy", Internal: 80, External: 30001, Protocol: "tcp", Public: true}},
	}, nil
}
func (f *fakeNetwork) Destroy(_ context.Context, podID string) error {
	f.destroyed = append(f.destroyed, podID)
	return nil
}
func (f *fakeNetwork) ApplyPolicy(context.Context, string, podspec.NetworkSpec) {}
func (f *fakeNetwork) PublicURL(slug string) string                           { return "https://" + slug + ".pinacle.dev" }

type fakeServices struct{}

func (fakeServices) Provision(context.Context, *podspec.Spec, string, *podspec.ServiceSpec) error {
	return nil
}
func (fakeServices) Start(context.Context, *podspec.Spec, string, *podspec.ServiceSpec, time.Duration, int) error {
	return nil
}
func (fakeServices) Stop(context.Context, *podspec.Spec, string, *podspec.ServiceSpec) error {
	return nil
}
func (fakeServices) Remove(context.Context, *podspec.Spec, string, *podspec.ServiceSpec) error {
	return nil
}
func (fakeServices) HealthCheck(context.Context, *podspec.Spec, string, *podspec.ServiceSpec) error {
	return nil
}

type fakeProcesses struct{}

func (fakeProcesses) RunInstall(context.Context, *podspec.Spec, string, bool) error { return nil }
func (fakeProcesses) ProvisionProcess(context.Context, *podspec.Spec, string, *podspec.ProcessSpec) error {
	return nil
}
func (fakeProcesses) StartProcess(context.Context, *podspec.Spec, string, *podspec.ProcessSpec) error {
	return nil
}
func (fakeProcesses) StopProcess(context.Context, *podspec.Spec, string, *podspec.ProcessSpec) error {
	return nil
}
func (fakeProcesses) CheckProcessHealth(context.Context, *podspec.Spec, string, *podspec.ProcessSpec, bool, time.Duration) (bool, error) {
	return true, nil
}

type fakeRepo struct{}

func (fakeRepo) CloneRepository(context.Context, *podspec.Spec, string, string, string, podspec.SSHKeyPair) error {
	return nil
}
func (fakeRepo) InitializeTemplate(context.Context, *podspec.Spec, string, string, *podspec.Template, podspec.SSHKeyPair) (bool, error) {
	return true, nil
}
func (fakeRepo) InjectPinacleConfig(context.Context, *podspec.Spec, string, *podspec.Config) error {
	return nil
}

// testOrchestrator wires a real sqlite-backed Store (tested separately in
// internal/store) to a fake Pod Manager factory, so these tests exercise
// the orchestrator's own sequencing and persistence without a live host.
func testOrchestrator(t *testing.T, rt *fakeRuntime, net *fakeNetwork) (*orchestrator.Orchestrator, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pinacle.db")
	st, err := store.NewSqlite(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	o := &orchestrator.Orchestrator{
		Store: st,
		NewManager: func(*store.ServerRecord) (*podmgr.Manager, error) {
			return podmgr.New(rt, net, fakeServices{}, fakeProcesses{}, fakeRepo{}), nil
		},
	}
	return o, st
}

func insertPodAndServer(t *testing.T, st *store.Store, podID string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	serverID := "server-1"
	require.NoError(t, st.InsertServer(ctx, store.ServerRecord{
		ID: serverID, Label: "host-1", Address: "10.0.0.1:22", SSHUser: "root",
		SSHPrivateKey: "unused-by-fake-manager", Status: store.ServerOnline,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.InsertPod(ctx, store.PodRecord{
		ID: podID, Slug: podID, Name: podID,
		Config:    "version: \"1.0\"\ntier: dev.small\nservices: [web-terminal]\n",
		CreatedAt: now, UpdatedAt: now,
	}))
	return serverID
}

func TestProvisionPodRunsSequenceAndPersistsRunning(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	insertPodAndServer(t, st, "pod-1")

	err := o.ProvisionPod(context.Background(), orchestrator.ProvisionInput{PodID: "pod-1"}, true)
	require.NoError(t, err)

	rec, err := st.GetPod(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, store.PodStatusRunning, rec.Status)
	require.NotNil(t, rec.ServerID)
	assert.Equal(t, "server-1", *rec.ServerID)
	require.NotNil(t, rec.ContainerID)
	assert.Equal(t, "container-pod-1", *rec.ContainerID)
	require.NotNil(t, rec.PublicURL)
	assert.Equal(t, "https://pod-1.pinacle.dev", *rec.PublicURL)
	require.NotNil(t, rec.LastStartedAt)
}

func TestProvisionPodSelectsHostWhenServerIDEmpty(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	insertPodAndServer(t, st, "pod-1")

	err := o.ProvisionPod(context.Background(), orchestrator.ProvisionInput{PodID: "pod-1"}, true)
	require.NoError(t, err)
}

func TestProvisionPodFailsWhenNoServerOnline(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.InsertPod(ctx, store.PodRecord{
		ID: "pod-1", Slug: "pod-1", Name: "pod-1",
		Config: "version: \"1.0\"\ntier: dev.small\nservices: [web-terminal]\n", CreatedAt: now, UpdatedAt: now,
	}))

	err := o.ProvisionPod(ctx, orchestrator.ProvisionInput{PodID: "pod-1"}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrHostUnavailable)
}

func TestProvisionPodMarksErrorAndTeardsDownOnContainerCreateFailure(t *testing.T) {
	rt := &fakeRuntime{failCreate: true}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	insertPodAndServer(t, st, "pod-1")

	err := o.ProvisionPod(context.Background(), orchestrator.ProvisionInput{PodID: "pod-1"}, true)
	require.Error(t, err)

	rec, err := st.GetPod(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, store.PodStatusError, rec.Status)
	assert.Contains(t, net.destroyed, "pod-1")
}

func TestProvisionPodRejectsInvalidConfig(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	ctx := context.Background()
	now := time.Now()
	serverID := "server-1"
	require.NoError(t, st.InsertServer(ctx, store.ServerRecord{
		ID: serverID, Label: "h", Address: "10.0.0.1:22", SSHUser: "root",
		SSHPrivateKey: "unused", Status: store.ServerOnline, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.InsertPod(ctx, store.PodRecord{
		ID: "pod-1", Slug: "pod-1", Name: "pod-1",
		Config: "version: \"1.0\"\ntier: bogus-tier\n", CreatedAt: now, UpdatedAt: now,
	}))

	err := o.ProvisionPod(ctx, orchestrator.ProvisionInput{PodID: "pod-1"}, true)
	require.Error(t, err)

	rec, err := st.GetPod(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, store.PodStatusError, rec.Status)
}

func TestDeprovisionPodCleansUpByContainerIDAndMarksStopped(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	insertPodAndServer(t, st, "pod-1")
	require.NoError(t, o.ProvisionPod(context.Background(), orchestrator.ProvisionInput{PodID: "pod-1"}, true))

	err := o.DeprovisionPod(context.Background(), "pod-1")
	require.NoError(t, err)

	rec, err := st.GetPod(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, store.PodStatusStopped, rec.Status)
}

func TestDeprovisionPodIsNoOpWithoutHost(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.InsertPod(ctx, store.PodRecord{
		ID: "pod-1", Slug: "pod-1", Name: "pod-1", Config: "version: \"1.0\"\n", CreatedAt: now, UpdatedAt: now,
	}))

	err := o.DeprovisionPod(ctx, "pod-1")
	require.NoError(t, err)

	rec, err := st.GetPod(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, store.PodStatusCreating, rec.Status)
}

func TestCleanupPodDelegatesToManagerByNamingConvention(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.InsertServer(ctx, store.ServerRecord{
		ID: "server-1", Label: "h", Address: "10.0.0.1:22", SSHUser: "root",
		SSHPrivateKey: "unused", Status: store.ServerOnline, CreatedAt: now, UpdatedAt: now,
	}))

	err := o.CleanupPod(ctx, "orphan-pod", "server-1")
	require.NoError(t, err)
	assert.Contains(t, net.destroyed, "orphan-pod")
}

func TestGetPodLogsReturnsContainerLogs(t *testing.T) {
	rt := &fakeRuntime{logs: "hello from container"}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	insertPodAndServer(t, st, "pod-1")
	require.NoError(t, o.ProvisionPod(context.Background(), orchestrator.ProvisionInput{PodID: "pod-1"}, true))

	logs, err := o.GetPodLogs(context.Background(), "pod-1")
	require.NoError(t, err)
	assert.Equal(t, "hello from container", logs)
}

func TestGetPodLogsErrorsWithoutActiveContainer(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.InsertPod(ctx, store.PodRecord{
		ID: "pod-1", Slug: "pod-1", Name: "pod-1", Config: "version: \"1.0\"\n", CreatedAt: now, UpdatedAt: now,
	}))

	_, err := o.GetPodLogs(ctx, "pod-1")
	require.Error(t, err)
}

func TestProvisionPodWritesDotenvWhenRepoAndEnvSetPresent(t *testing.T) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	o, st := testOrchestrator(t, rt, net)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.InsertServer(ctx, store.ServerRecord{
		ID: "server-1", Label: "h", Address: "10.0.0.1:22", SSHUser: "root",
		SSHPrivateKey: "unused", Status: store.ServerOnline, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.InsertDotenv(ctx, store.DotenvRecord{
		ID: "env-1", Content: "API_KEY=secret\n", CreatedAt: now, UpdatedAt: now,
	}))
	dotenvID := "env-1"
	require.NoError(t, st.InsertPod(ctx, store.PodRecord{
		ID: "pod-1", Slug: "pod-1", Name: "pod-1",
		Config:     "version: \"1.0\"\ntier: dev.small\nservices: [web-terminal]\n",
		DotenvID:   &dotenvID,
		GithubRepo: "acme/widgets",
		CreatedAt:  now, UpdatedAt: now,
	}))

	err := o.ProvisionPod(ctx, orchestrator.ProvisionInput{PodID: "pod-1"}, true)
	require.NoError(t, err)

	require.Len(t, rt.execScripts, 1)
	assert.Contains(t, rt.execScripts[0], "API_KEY=secret")
	assert.Contains(t, rt.execScripts[0], "/workspace/.env")
}
