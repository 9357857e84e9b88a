package podspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandRoundTripsDeclarativeFields(t *testing.T) {
	cases := []*Config{
		{
			Version:  "1.0",
			Tier:     TierDevSmall,
			Services: []string{"web-terminal"},
		},
		{
			Version:  "1.0",
			Tier:     TierDevMedium,
			Services: []string{"web-terminal", "postgres"},
			Template: "vite",
			Install:  StrOrArr{"pnpm install"},
			Processes: []Process{
				{Name: "app", StartCommand: StrOrArr{"pnpm dev"}, URL: "http://localhost:3000"},
			},
			Tabs: []any{map[string]any{"kind": "terminal"}},
		},
	}

	for _, cfg := range cases {
		spec, err := Expand(cfg, ExpandInputs{ID: "pod-123", Name: "my-pod"})
		require.NoError(t, err)

		got := spec.ToConfig()
		assert.Equal(t, cfg.Version, got.Version)
		assert.Equal(t, cfg.Tier, got.Tier)
		assert.Equal(t, cfg.Services, got.Services)
		assert.Equal(t, cfg.Template, got.Template)
		assert.Equal(t, []string(cfg.Install), []string(got.Install))
		assert.Equal(t, cfg.Processes, got.Processes)
		assert.Equal(t, cfg.Tabs, got.Tabs)
	}
}

func TestExpandIsDeterministic(t *testing.T) {
	cfg := &Config{Version: "1.0", Tier: TierDevSmall, Services: []string{"web-terminal"}}
	in := ExpandInputs{ID: "pod-1", Name: "pod-1"}

	a, err := Expand(cfg, in)
	require.NoError(t, err)
	b, err := Expand(cfg, in)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestExpandRejectsUnknownTierAndService(t *testing.T) {
	_, err := Expand(&Config{Version: "1.0", Tier: "dev.huge", Services: []string{"web-terminal"}}, ExpandInputs{ID: "x"})
	require.Error(t, err)

	_, err = Expand(&Config{Version: "1.0", Tier: TierDevSmall, Services: []string{"nonexistent"}}, ExpandInputs{ID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestExpandGeneratesProcessSessionName(t *testing.T) {
	cfg := &Config{
		Version:  "1.0",
		Tier:     TierDevSmall,
		Services: []string{"web-terminal"},
		Processes: []Process{
			{Name: "app", StartCommand: StrOrArr{"npm start"}},
		},
	}
	spec, err := Expand(cfg, ExpandInputs{ID: "pod-77"})
	require.NoError(t, err)
	require.Len(t, spec.Processes, 1)
	assert.Equal(t, "process-pod-77-app", spec.Processes[0].SessionName)
}

func TestGithubRepoSetupDiscriminatedUnion(t *testing.T) {
	_, err := NewNewRepoSetup("acme/app", "", SSHKeyPair{})
	require.Error(t, err, "new repo setup requires a template")

	setup, err := NewNewRepoSetup("acme/app", "vite", SSHKeyPair{})
	require.NoError(t, err)
	assert.True(t, setup.IsNew())
	assert.False(t, setup.IsExisting())

	existing, err := NewExistingRepoSetup("acme/app", SSHKeyPair{}, "")
	require.NoError(t, err)
	assert.True(t, existing.IsExisting())
}

func TestBoundaryNoInstallIsNoOp(t *testing.T) {
	cfg := &Config{Version: "1.0", Tier: TierDevSmall, Services: []string{"web-terminal"}}
	spec, err := Expand(cfg, ExpandInputs{ID: "pod-1"})
	require.NoError(t, err)
	assert.Empty(t, spec.InstallCommand)
}

func TestBoundaryNoProcessesMeansEmptySlice(t *testing.T) {
	cfg := &Config{Version: "1.0", Tier: TierDevSmall, Services: []string{"web-terminal"}}
	spec, err := Expand(cfg, ExpandInputs{ID: "pod-1"})
	require.NoError(t, err)
	assert.Empty(t, spec.Processes)
}
