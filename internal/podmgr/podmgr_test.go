package podmgr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinacle/podcore/internal/podspec"
	"github.com/pinacle/podcore/internal/runtime"
)

type fakeRuntime struct {
	mu              sync.Mutex
	calls           []string
	failCreate      bool
	failStart       bool
	containerStatus string
}

func (f *fakeRuntime) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeRuntime) CreateContainer(_ context.Context, req runtime.Request) (*runtime.Response, error) {
	f.record("create:" + req.Name)
	if f.failCreate {
		return nil, fmt.Errorf("create failed")
	}
	return &runtime.Response{ContainerID: "container-" + req.PodID, Name: req.Name, State: "created"}, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, podID, containerID string) error {
	f.record("start:" + containerID)
	if f.failStart {
		return fmt.Errorf("start failed")
	}
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, podID, containerID string, _ time.Duration) error {
	f.record("stop:" + containerID)
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, podID, containerID string, removeVolumes bool) error {
	f.record(fmt.Sprintf("remove:%s:vols=%v", containerID, removeVolumes))
	return nil
}

func (f *fakeRuntime) GetContainer(_ context.Context, podID, containerID string) (*runtime.Response, error) {
	status := f.containerStatus
	if status == "" {
		status = "running"
	}
	return &runtime.Response{ContainerID: containerID, Name: containerID, State: status}, nil
}

func (f *fakeRuntime) ExecInContainer(_ context.Context, podID, containerID string, argv []string) (string, string, error) {
	f.record("exec:" + containerID)
	return "ok", "", nil
}

func (f *fakeRuntime) GetContainerLogs(_ context.Context, podID, containerID string, tail int) (string, error) {
	return "log-lines", nil
}

func (f *fakeRuntime) EnsureUniversalVolumes(_ context.Context, podID string) error {
	f.record("ensure-volumes:" + podID)
	return nil
}

type fakeNetwork struct {
	destroyed []string
}

func (f *fakeNetwork) Create(_ context.Context, podID string) (podspec.NetworkSpec, error) {
	return podspec.NetworkSpec{
		Subnet:    "10.100.1.0/24",
		PodIP:     "10.100.1.2",
		GatewayIP: "10.100.1.1",
		Ports:     []podspec.PortSpec{{Name: "nginx-proxy", Internal: 80, External: 30001, Protocol: "tcp", Public: true}},
	}, nil
}

func (f *fakeNetwork) Destroy(_ context.Context, podID string) error {
	f.destroyed = append(f.destroyed, podID)
	return nil
}

func (f *fakeNetwork) ApplyPolicy(context.Context, string, podspec.NetworkSpec) {}

func (f *fakeNetwork) PublicURL(slug string) string { return "https://" + slug + ".pinacle.dev" }

type fakeServices struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeServices) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeServices) Provision(_ context.Context, _ *podspec.Spec, _ string, svc *podspec.ServiceSpec) error {
	f.record("provision:" + svc.Name)
	return nil
}

func (f *fakeServices) Start(_ context.Context, _ *podspec.Spec, _ string, svc *podspec.ServiceSpec, _ time.Duration, _ int) error {
	f.record("start:" + svc.Name)
	return nil
}

func (f *fakeServices) Stop(_ context.Context, _ *podspec.Spec, _ string, svc *podspec.ServiceSpec) error {
	f.record("stop:" + svc.Name)
	return nil
}

func (f *fakeServices) Remove(_ context.Context, _ *podspec.Spec, _ string, svc *podspec.ServiceSpec) error {
	f.record("remove:" + svc.Name)
	return nil
}

func (f *fakeServices) HealthCheck(context.Context, *podspec.Spec, string, *podspec.ServiceSpec) error {
	return nil
}

type fakeProcesses struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeProcesses) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeProcesses) RunInstall(context.Context, *podspec.Spec, string, bool) error {
	return nil
}

func (f *fakeProcesses) ProvisionProcess(_ context.Context, _ *podspec.Spec, _ string, proc *podspec.ProcessSpec) error {
	f.record("provision:" + proc.Name)
	return nil
}

func (f *fakeProcesses) StartProcess(_ context.Context, _ *podspec.Spec, _ string, proc *podspec.ProcessSpec) error {
	f.record("start:" + proc.Name)
	return nil
}

func (f *fakeProcesses) StopProcess(_ context.Context, _ *podspec.Spec, _ string, proc *podspec.ProcessSpec) error {
	f.record("stop:" + proc.Name)
	return nil
}

func (f *fakeProcesses) CheckProcessHealth(context.Context, *podspec.Spec, string, *podspec.ProcessSpec, bool, time.Duration) (bool, error) {
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

func testSpec(t *testing.T) *podspec.Spec {
	t.Helper()
	cfg := &podspec.Config{Version: "1.0", Tier: podspec.TierDevSmall, Services: []string{"web-terminal", "kanban"}}
	spec, err := podspec.Expand(cfg, podspec.ExpandInputs{ID: "pod-1", Name: "pod-1"})
	require.NoError(t, err)
	return spec
}

func newTestManager() (*Manager, *fakeRuntime, *fakeNetwork, *fakeServices, *fakeProcesses) {
	rt := &fakeRuntime{}
	net := &fakeNetwork{}
	svc := &fakeServices{}
	proc := &fakeProcesses{}
	return New(rt, net, svc, proc, fakeRepo{}), rt, net, svc, proc
}

func TestCreatePodRunsFullPipeline(t *testing.T) {
	m, rt, _, svc, _ := newTestManager()
	spec := testSpec(t)

	inst, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, PodRunning, inst.Status)
	assert.Equal(t, "https://pod-1.pinacle.dev", inst.PublicURL)
	assert.Contains(t, rt.calls, "create:pinacle-pod-pod-1")
	assert.Contains(t, svc.calls, "provision:web-terminal")
	assert.Contains(t, svc.calls, "start:kanban")
}

func TestCreatePodUnwindsOnContainerStartFailure(t *testing.T) {
	rt := &fakeRuntime{failStart: true}
	net := &fakeNetwork{}
	svc := &fakeServices{}
	proc := &fakeProcesses{}
	m := New(rt, net, svc, proc, fakeRepo{})
	spec := testSpec(t)

	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.Error(t, err)

	var sawRemove bool
	for _, c := range rt.calls {
		if c == fmt.Sprintf("remove:container-%s:vols=true", spec.ID) {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove, "expected container removal compensation to run, got calls: %v", rt.calls)
	assert.Contains(t, net.destroyed, spec.ID)
}

func TestCreatePodRejectsUnknownTier(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	spec := testSpec(t)
	spec.Tier = "bogus"

	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.Error(t, err)
}

func TestOrderServicesRespectsDependsOn(t *testing.T) {
	services := []podspec.ServiceSpec{
		{Name: "web", DependsOn: []string{"db"}},
		{Name: "db"},
	}
	ordered, err := orderServices(services)
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "db", ordered[0].Name)
	assert.Equal(t, "web", ordered[1].Name)
}

func TestOrderServicesDetectsCycle(t *testing.T) {
	services := []podspec.ServiceSpec{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}
	_, err := orderServices(services)
	require.Error(t, err)
}

func TestStopPodStopsServicesThenContainer(t *testing.T) {
	m, rt, _, svc, _ := newTestManager()
	spec := testSpec(t)
	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.NoError(t, err)

	err = m.StopPod(context.Background(), spec.ID)
	require.NoError(t, err)

	inst, ok := m.get(spec.ID)
	require.True(t, ok)
	assert.Equal(t, PodStopped, inst.Status)
	assert.Contains(t, svc.calls, "stop:web-terminal")
	assert.Contains(t, rt.calls, "stop:container-pod-1")
}

func TestDeletePodRemovesContainerAndNetworkThenForgetsPod(t *testing.T) {
	m, rt, net, _, _ := newTestManager()
	spec := testSpec(t)
	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.NoError(t, err)

	err = m.DeletePod(context.Background(), spec.ID)
	require.NoError(t, err)

	_, ok := m.get(spec.ID)
	assert.False(t, ok)
	assert.Contains(t, rt.calls, fmt.Sprintf("remove:container-%s:vols=true", spec.ID))
	assert.Contains(t, net.destroyed, spec.ID)
}

func TestCheckPodHealthFalseWhenContainerNotRunning(t *testing.T) {
	m, rt, _, _, _ := newTestManager()
	spec := testSpec(t)
	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.NoError(t, err)

	rt.containerStatus = "exited"
	assert.False(t, m.CheckPodHealth(context.Background(), spec.ID))
}

func TestCheckPodHealthTrueWhenRunningAndServicesHealthy(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	spec := testSpec(t)
	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, m.CheckPodHealth(context.Background(), spec.ID))
}

func TestExecInPodRequiresKnownPod(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	_, _, err := m.ExecInPod(context.Background(), "unknown", []string{"true"})
	require.Error(t, err)
}

func TestGetPodContainerReturnsNilWithoutError(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	resp, err := m.GetPodContainer(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	spec := testSpec(t)
	_, err := m.CreatePod(context.Background(), spec, CreateOptions{})
	require.NoError(t, err)

	var types []EventType
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Contains(t, types, EventCreated)
	assert.Contains(t, types, EventStarted)
}
