// Package podspec models the declarative pod configuration (the YAML a
// user writes) and its total, deterministic expansion into a runtime Spec
// the rest of the orchestration core drives.
package podspec

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier names the resource preset a pod runs under.
type Tier string

const (
	TierDevSmall  Tier = "dev.small"
	TierDevMedium Tier = "dev.medium"
	TierDevLarge  Tier = "dev.large"
	TierDevXLarge Tier = "dev.xlarge"
)

// IsValid reports whether t is one of the known tiers.
func (t Tier) IsValid() bool {
	switch t {
	case TierDevSmall, TierDevMedium, TierDevLarge, TierDevXLarge:
		return true
	default:
		return false
	}
}

// Process describes a user-defined application started inside the pod.
type Process struct {
	Name         string   `yaml:"name"`
	StartCommand StrOrArr `yaml:"startCommand"`
	URL          string   `yaml:"url,omitempty"`
	HealthCheck  string   `yaml:"healthCheck,omitempty"`
}

// StrOrArr marshals/unmarshals a YAML scalar or sequence of strings into a
// single Go type, matching the "string|string[]" shape used by both
// `install` and `processes[].startCommand` in the declarative config.
type StrOrArr []string

func (s StrOrArr) MarshalYAML() (any, error) {
	switch len(s) {
	case 0:
		return nil, nil
	case 1:
		return s[0], nil
	default:
		return []string(s), nil
	}
}

func (s *StrOrArr) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		*s = StrOrArr{str}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := value.Decode(&arr); err != nil {
			return err
		}
		*s = StrOrArr(arr)
		return nil
	default:
		return fmt.Errorf("expected scalar or sequence for string|string[] field, got %v", value.Kind)
	}
}

// Joined returns the commands joined with "&&", the shell form used to run
// an install command as a single remote invocation.
func (s StrOrArr) Joined() string {
	return strings.Join([]string(s), " && ")
}

// Config is the user-visible, versioned declarative pod configuration —
// what is serialized to pinacle.yaml.
type Config struct {
	Version   string   `yaml:"version"`
	Tier      Tier     `yaml:"tier"`
	Services  []string `yaml:"services"`
	Template  string   `yaml:"template,omitempty"`
	Install   StrOrArr `yaml:"install,omitempty"`
	Processes []Process `yaml:"processes,omitempty"`
	Tabs      []any    `yaml:"tabs,omitempty"`
}

const serializationBanner = "# pinacle.yaml - generated pod configuration\n# do not edit while the pod is provisioning\n"

// normalizeVersion accepts both a quoted string and a bare numeric scalar
// for `version: 1.0` and normalizes both to the string "1.0".
func normalizeVersion(v string) string {
	if v == "" {
		return "1.0"
	}
	return v
}

// ParseConfig parses the declarative config YAML format described in
// spec.md §6, accepting both quoted and unquoted `version`.
func ParseConfig(data []byte) (*Config, error) {
	// yaml.v3 decodes `version: 1.0` as a float node under our string field,
	// which fails strict decode. Handle it via a permissive intermediate type.
	var raw struct {
		Version   yaml.Node `yaml:"version"`
		Tier      Tier      `yaml:"tier"`
		Services  []string  `yaml:"services"`
		Template  string    `yaml:"template,omitempty"`
		Install   StrOrArr  `yaml:"install,omitempty"`
		Processes []Process `yaml:"processes,omitempty"`
		Tabs      []any     `yaml:"tabs,omitempty"`
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing declarative config: %w", err)
	}

	cfg := &Config{
		Version:   normalizeVersion(raw.Version.Value),
		Tier:      raw.Tier,
		Services:  raw.Services,
		Template:  raw.Template,
		Install:   raw.Install,
		Processes: raw.Processes,
		Tabs:      raw.Tabs,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the config against spec.md's declarative-config shape
// requirements: a known tier, a non-empty service list, known service ids.
func (c *Config) Validate() error {
	if !c.Tier.IsValid() {
		return fmt.Errorf("%w: unknown tier %q", ErrConfigInvalid, c.Tier)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("%w: services must be non-empty", ErrConfigInvalid)
	}
	for _, id := range c.Services {
		if _, err := LookupService(id); err != nil {
			return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
	}
	for _, name := range c.Processes {
		if name.Name == "" {
			return fmt.Errorf("%w: process entries require a name", ErrConfigInvalid)
		}
		if len(name.StartCommand) == 0 {
			return fmt.Errorf("%w: process %q requires a startCommand", ErrConfigInvalid, name.Name)
		}
	}
	return nil
}

// Serialize renders cfg back to the declarative YAML format, with the
// two-line comment banner and omitting empty processes/tabs, per spec.md §6.
func (c *Config) Serialize() ([]byte, error) {
	out := struct {
		Version   string    `yaml:"version"`
		Tier      Tier      `yaml:"tier"`
		Services  []string  `yaml:"services"`
		Template  string    `yaml:"template,omitempty"`
		Install   StrOrArr  `yaml:"install,omitempty"`
		Processes []Process `yaml:"processes,omitempty"`
		Tabs      []any     `yaml:"tabs,omitempty"`
	}{
		Version:  normalizeVersion(c.Version),
		Tier:     c.Tier,
		Services: c.Services,
		Template: c.Template,
		Install:  c.Install,
	}
	if len(c.Processes) > 0 {
		out.Processes = c.Processes
	}
	if len(c.Tabs) > 0 {
		out.Tabs = c.Tabs
	}

	var buf bytes.Buffer
	buf.WriteString(serializationBanner)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("serializing declarative config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("serializing declarative config: %w", err)
	}

	return buf.Bytes(), nil
}
