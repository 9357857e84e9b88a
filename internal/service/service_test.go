package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinacle/podcore/internal/podspec"
)

type fakeContainerExec struct {
	calls   [][]string
	healthy bool
}

func (f *fakeContainerExec) ExecInContainer(_ context.Context, _, _ string, argv []string) (string, string, error) {
	f.calls = append(f.calls, argv)
	joined := strings.Join(argv, " ")
	if strings.Contains(joined, "curl") || strings.Contains(joined, "pg_isready") || strings.Contains(joined, "redis-cli") || strings.Contains(joined, "which") {
		if f.healthy {
			return "", "", nil
		}
		return "", "unhealthy", assertErr{}
	}
	return "", "", nil
}

type assertErr struct{}

func (assertErr) Error() string { return "exit status 1" }

func testSpec(t *testing.T) *podspec.Spec {
	t.Helper()
	cfg := &podspec.Config{
		Version:  "1.0",
		Tier:     podspec.TierDevSmall,
		Services: []string{"web-terminal"},
	}
	spec, err := podspec.Expand(cfg, podspec.ExpandInputs{ID: "pod-1", Name: "pod-1"})
	require.NoError(t, err)
	return spec
}

func TestProvisionRunsInstallStepsAndWritesUnit(t *testing.T) {
	exec := &fakeContainerExec{}
	p := New(exec)
	spec := testSpec(t)

	err := p.Provision(context.Background(), spec, "container-1", &spec.Services[0])
	require.NoError(t, err)

	var sawInstall, sawUnit bool
	for _, call := range exec.calls {
		joined := strings.Join(call, " ")
		if strings.Contains(joined, "ttyd tmux") {
			sawInstall = true
		}
		if strings.Contains(joined, "/etc/service/web-terminal/run") {
			sawUnit = true
		}
	}
	assert.True(t, sawInstall)
	assert.True(t, sawUnit)
}

func TestHealthCheckReturnsErrorOnNonZeroExit(t *testing.T) {
	exec := &fakeContainerExec{healthy: false}
	p := New(exec)
	spec := testSpec(t)
	spec.Services[0].Ports = []int{7681}

	err := p.HealthCheck(context.Background(), spec, "container-1", &spec.Services[0])
	require.Error(t, err)
}

func TestHealthCheckPassesWhenHealthy(t *testing.T) {
	exec := &fakeContainerExec{healthy: true}
	p := New(exec)
	spec := testSpec(t)
	spec.Services[0].Ports = []int{7681}

	err := p.HealthCheck(context.Background(), spec, "container-1", &spec.Services[0])
	require.NoError(t, err)
}

func TestStartSucceedsWhenHealthy(t *testing.T) {
	exec := &fakeContainerExec{healthy: true}
	p := New(exec)
	spec := testSpec(t)
	spec.Services[0].Ports = []int{7681}

	err := p.Start(context.Background(), spec, "container-1", &spec.Services[0], time.Millisecond, 2)
	require.NoError(t, err)
}

func TestStartFailsAfterExhaustingRetries(t *testing.T) {
	exec := &fakeContainerExec{healthy: false}
	p := New(exec)
	spec := testSpec(t)
	spec.Services[0].Ports = []int{7681}

	err := p.Start(context.Background(), spec, "container-1", &spec.Services[0], time.Millisecond, 1)
	require.Error(t, err)
}

func TestRemoveStopsThenDeletesUnit(t *testing.T) {
	exec := &fakeContainerExec{}
	p := New(exec)
	spec := testSpec(t)

	err := p.Remove(context.Background(), spec, "container-1", &spec.Services[0])
	require.NoError(t, err)

	var sawRemove bool
	for _, call := range exec.calls {
		if strings.Contains(strings.Join(call, " "), "rm -rf /etc/service/web-terminal") {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove)
}
