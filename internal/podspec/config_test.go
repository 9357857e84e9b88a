package podspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsQuotedAndUnquotedVersion(t *testing.T) {
	quoted := []byte("version: \"1.0\"\ntier: dev.small\nservices:\n  - web-terminal\n")
	unquoted := []byte("version: 1.0\ntier: dev.small\nservices:\n  - web-terminal\n")

	a, err := ParseConfig(quoted)
	require.NoError(t, err)
	b, err := ParseConfig(unquoted)
	require.NoError(t, err)

	assert.Equal(t, "1.0", a.Version)
	assert.Equal(t, "1.0", b.Version)
}

func TestParseSerializeRoundTrip(t *testing.T) {
	cfg := &Config{
		Version:  "1.0",
		Tier:     TierDevSmall,
		Services: []string{"web-terminal", "postgres"},
		Install:  StrOrArr{"pnpm install"},
		Processes: []Process{
			{Name: "app", StartCommand: StrOrArr{"pnpm dev"}, URL: "http://localhost:3000"},
		},
	}

	data, err := cfg.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(data), "# pinacle.yaml")

	parsed, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestSerializeOmitsEmptyProcessesAndTabs(t *testing.T) {
	cfg := &Config{Version: "1.0", Tier: TierDevSmall, Services: []string{"web-terminal"}}
	data, err := cfg.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "processes:")
	assert.NotContains(t, string(data), "tabs:")
}

func TestValidateRejectsEmptyServices(t *testing.T) {
	cfg := &Config{Version: "1.0", Tier: TierDevSmall}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestStrOrArrJoined(t *testing.T) {
	s := StrOrArr{"echo a", "echo b"}
	assert.Equal(t, "echo a && echo b", s.Joined())
}
