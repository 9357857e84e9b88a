package podspec

import "fmt"

// InstallStep is one install-time action for a service. Most steps are
// fixed shell commands; Literal wraps those. A few services (e.g. ones
// that template a config file with the pod's own environment) need the
// resolved Spec, hence the function form itself.
type InstallStep func(spec *Spec) string

// Literal returns an InstallStep that ignores spec and always runs cmd.
func Literal(cmd string) InstallStep {
	return func(*Spec) string { return cmd }
}

// ServiceDefinition is one entry in the service registry: a built-in
// capability a pod can opt into via its `services[]` list.
type ServiceDefinition struct {
	ID string

	// Install runs once per pod, in order, to bring the service's binaries
	// and config into the container's persistent volumes.
	Install []InstallStep

	// StartCommand resolves to the argv run by the container's process
	// supervisor; it must be deterministic and idempotent.
	StartCommand func(spec *Spec, svc *ServiceSpec) []string

	// HealthCheck resolves to an argv whose exit code is 0 iff healthy.
	HealthCheck func(spec *Spec, svc *ServiceSpec) []string

	DefaultPort int
	DefaultEnv  map[string]string
	RequiredEnv []string
}

// ServiceSpec is a service[] entry's runtime expansion.
type ServiceSpec struct {
	Name        string
	Ports       []int
	Environment map[string]string
	AutoRestart bool
	DependsOn   []string
}

// ServiceRegistry is the id -> definition lookup used by spec expansion and
// the Service Provisioner.
var ServiceRegistry = map[string]*ServiceDefinition{
	"web-terminal": {
		ID: "web-terminal",
		Install: []InstallStep{
			Literal("apk add --no-cache ttyd tmux || apt-get install -y ttyd tmux"),
		},
		StartCommand: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"ttyd", "-p", fmt.Sprint(svc.Ports[0]), "-W", "tmux", "new", "-A", "-s", "main"}
		},
		HealthCheck: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"curl", "-fsS", fmt.Sprintf("http://127.0.0.1:%d/", svc.Ports[0])}
		},
		DefaultPort: 7681,
	},
	"claude-code": {
		ID: "claude-code",
		Install: []InstallStep{
			Literal("npm install -g @anthropic-ai/claude-code"),
		},
		StartCommand: func(_ *Spec, _ *ServiceSpec) []string {
			return []string{"true"}
		},
		HealthCheck: func(_ *Spec, _ *ServiceSpec) []string {
			return []string{"which", "claude"}
		},
		RequiredEnv: []string{"ANTHROPIC_API_KEY"},
	},
	"kanban": {
		ID: "kanban",
		Install: []InstallStep{
			Literal("npm install -g pinacle-kanban-server"),
		},
		StartCommand: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"pinacle-kanban-server", "--port", fmt.Sprint(svc.Ports[0])}
		},
		HealthCheck: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"curl", "-fsS", fmt.Sprintf("http://127.0.0.1:%d/healthz", svc.Ports[0])}
		},
		DefaultPort: 3900,
	},
	"postgres": {
		ID: "postgres",
		Install: []InstallStep{
			Literal("apk add --no-cache postgresql16 || apt-get install -y postgresql"),
			Literal("pg_ctlcluster 16 main start || initdb -D /var/lib/postgresql/data"),
		},
		StartCommand: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"postgres", "-D", "/var/lib/postgresql/data", "-p", fmt.Sprint(svc.Ports[0])}
		},
		HealthCheck: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"pg_isready", "-p", fmt.Sprint(svc.Ports[0])}
		},
		DefaultPort: 5432,
		DefaultEnv: map[string]string{
			"POSTGRES_PASSWORD": "pinacle",
		},
	},
	"redis": {
		ID: "redis",
		Install: []InstallStep{
			Literal("apk add --no-cache redis || apt-get install -y redis-server"),
		},
		StartCommand: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"redis-server", "--port", fmt.Sprint(svc.Ports[0])}
		},
		HealthCheck: func(_ *Spec, svc *ServiceSpec) []string {
			return []string{"redis-cli", "-p", fmt.Sprint(svc.Ports[0]), "ping"}
		},
		DefaultPort: 6379,
	},
}

// LookupService resolves a service id to its registry definition.
func LookupService(id string) (*ServiceDefinition, error) {
	def, ok := ServiceRegistry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return def, nil
}
