package podspec

import (
	"fmt"

	"github.com/gosimple/slug"
)

// RepoSetupType discriminates the two github repo setup shapes: attaching
// to an existing repository, or scaffolding a new one from a template.
type RepoSetupType string

const (
	RepoSetupExisting RepoSetupType = "existing"
	RepoSetupNew      RepoSetupType = "new"
)

// SSHKeyPair is the deploy key minted for a pod's repository access.
type SSHKeyPair struct {
	Public      string
	Private     string
	Fingerprint string
}

// GithubRepoSetup is a tagged union over {existing, new}; use
// NewExistingRepoSetup/NewNewRepoSetup rather than the zero value so the
// existing/new invariant (new requires Template, existing forbids it) is
// enforced at construction instead of by convention.
type GithubRepoSetup struct {
	setupType   RepoSetupType
	Repository  string
	Template    string
	SSHKeyPair  SSHKeyPair
	DeployKeyID string
}

func NewExistingRepoSetup(repository string, keypair SSHKeyPair, deployKeyID string) (*GithubRepoSetup, error) {
	if repository == "" {
		return nil, fmt.Errorf("%w: existing repo setup requires a repository", ErrConfigInvalid)
	}
	return &GithubRepoSetup{
		setupType:   RepoSetupExisting,
		Repository:  repository,
		SSHKeyPair:  keypair,
		DeployKeyID: deployKeyID,
	}, nil
}

func NewNewRepoSetup(repository, template string, keypair SSHKeyPair) (*GithubRepoSetup, error) {
	if template == "" {
		return nil, fmt.Errorf("%w: new repo setup requires a template", ErrConfigInvalid)
	}
	if _, err := LookupTemplate(template); err != nil {
		return nil, err
	}
	return &GithubRepoSetup{
		setupType:  RepoSetupNew,
		Repository: repository,
		Template:   template,
		SSHKeyPair: keypair,
	}, nil
}

func (g *GithubRepoSetup) Type() RepoSetupType { return g.setupType }
func (g *GithubRepoSetup) IsNew() bool          { return g.setupType == RepoSetupNew }
func (g *GithubRepoSetup) IsExisting() bool     { return g.setupType == RepoSetupExisting }

// PortSpec is a port mapping on the pod network, per the `{ name, internal,
// external?, protocol, public?, subdomain? }` shape persisted as the pod
// record's ports JSON.
type PortSpec struct {
	Name      string `json:"name"`
	Internal  int    `json:"internal"`
	External  int    `json:"external,omitempty"` // 0 means internal-only
	Protocol  string `json:"protocol"`
	Public    bool   `json:"public,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
}

// NetworkSpec is the runtime network expansion of a pod.
type NetworkSpec struct {
	Ports              []PortSpec
	Subnet             string
	PodIP              string
	GatewayIP          string
	AllowEgress        bool
	AllowedDomains     []string
	BandwidthLimitMbps int
}

// ProcessSpec is a processes[] entry's runtime expansion: the declarative
// Process plus the generated terminal-multiplexer session name.
type ProcessSpec struct {
	Process
	SessionName string
}

const (
	DefaultWorkingDir = "/workspace"
	DefaultUser       = "root"
)

// Spec is the runtime expansion of a declarative Config — a superset
// carrying everything the rest of the core needs to drive a pod to
// running, without re-consulting the registries.
type Spec struct {
	ID   string
	Name string
	Slug string

	Version  string
	Tier     Tier
	Template string
	Tabs     []any

	BaseImage string
	Resources Resources

	Network NetworkSpec

	Services       []ServiceSpec
	InstallCommand StrOrArr
	Processes      []ProcessSpec

	// installFromTemplate records that InstallCommand is the template's
	// default rather than the config's own install, so ToConfig omits it.
	installFromTemplate bool

	Environment map[string]string

	GithubRepo      string
	GithubBranch    string
	GithubRepoSetup *GithubRepoSetup

	WorkingDir string
	User       string
}

// ExpandInputs are the runtime inputs to expansion that don't come from
// the user's declarative config: generated id, resolved name/slug inputs,
// env-set overlay, and repository wiring decided by the caller.
type ExpandInputs struct {
	ID              string
	Name            string
	EnvSet          map[string]string
	GithubRepo      string
	GithubBranch    string
	GithubRepoSetup *GithubRepoSetup
}

// Expand is total and deterministic given (cfg, in): every branch either
// resolves to a concrete value or returns an error, and two calls with
// equal arguments always produce an equal Spec (mod generated key material,
// which the caller supplies rather than Expand inventing).
func Expand(cfg *Config, in ExpandInputs) (*Spec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("%w: expansion requires an id", ErrConfigInvalid)
	}

	resources, err := LookupTier(cfg.Tier)
	if err != nil {
		return nil, err
	}

	baseImage := DefaultBaseImage
	var tmpl *Template
	if cfg.Template != "" {
		tmpl, err = LookupTemplate(cfg.Template)
		if err != nil {
			return nil, err
		}
		baseImage = tmpl.BaseImage
	}

	services := make([]ServiceSpec, 0, len(cfg.Services))
	for _, id := range cfg.Services {
		def, err := LookupService(id)
		if err != nil {
			return nil, err
		}
		env := make(map[string]string, len(def.DefaultEnv))
		for k, v := range def.DefaultEnv {
			env[k] = v
		}
		var ports []int
		if def.DefaultPort != 0 {
			ports = []int{def.DefaultPort}
		}
		services = append(services, ServiceSpec{
			Name:        id,
			Ports:       ports,
			Environment: env,
			AutoRestart: true,
		})
	}

	processes := make([]ProcessSpec, 0, len(cfg.Processes))
	for _, p := range cfg.Processes {
		processes = append(processes, ProcessSpec{
			Process:     p,
			SessionName: fmt.Sprintf("process-%s-%s", in.ID, p.Name),
		})
	}

	environment := make(map[string]string)
	if tmpl != nil {
		// template defaults would be seeded here if templates carried
		// environment defaults; none currently do, so this is a no-op
		// placeholder for the ⊕ in spec.md's `environment{}` definition.
		_ = tmpl
	}
	for k, v := range in.EnvSet {
		environment[k] = v
	}

	install := cfg.Install
	installFromTemplate := false
	if len(install) == 0 && tmpl != nil {
		install = tmpl.DefaultInstall
		installFromTemplate = len(install) > 0
	}

	name := in.Name
	if name == "" {
		name = in.ID
	}

	return &Spec{
		ID:              in.ID,
		Name:            name,
		Slug:            slug.Make(name),
		Version:         normalizeVersion(cfg.Version),
		Tier:            cfg.Tier,
		Template:        cfg.Template,
		Tabs:            cfg.Tabs,
		BaseImage:       baseImage,
		Resources:       resources,
		Services:        services,
		InstallCommand:  install,
		installFromTemplate: installFromTemplate,
		Processes:       processes,
		Environment:     environment,
		GithubRepo:      in.GithubRepo,
		GithubBranch:    in.GithubBranch,
		GithubRepoSetup: in.GithubRepoSetup,
		WorkingDir:      DefaultWorkingDir,
		User:            DefaultUser,
	}, nil
}

// ToConfig converts a Spec back to its declarative Config, the inverse of
// Expand restricted to the declarative fields. ToConfig(Expand(cfg, r))
// must equal cfg on {version, tier, services, template, install, processes,
// tabs} for every valid cfg — Expand never drops or reorders those fields,
// it only adds runtime-derived ones alongside them.
func (s *Spec) ToConfig() *Config {
	services := make([]string, len(s.Services))
	for i, svc := range s.Services {
		services[i] = svc.Name
	}

	processes := make([]Process, len(s.Processes))
	for i, p := range s.Processes {
		processes[i] = p.Process
	}

	install := s.InstallCommand
	if s.installFromTemplate {
		install = nil
	}

	return &Config{
		Version:   normalizeVersion(s.Version),
		Tier:      s.Tier,
		Services:  services,
		Template:  s.Template,
		Install:   install,
		Processes: processes,
		Tabs:      s.Tabs,
	}
}
