package podspec

import "fmt"

// Template is one entry in the template registry: a project skeleton used
// both to pick a base image/defaults for an existing-repo pod and to
// render the initial commit for a brand-new repository.
type Template struct {
	ID string

	BaseImage string

	// InitScript is the sequence of shell commands run in /workspace to
	// scaffold a brand-new project, per Repository Integrator.initializeTemplate.
	InitScript []string

	DefaultInstall  StrOrArr
	DefaultProcess  Process
	DefaultServices []string
}

// TemplateRegistry is the id -> Template lookup.
var TemplateRegistry = map[string]*Template{
	"nextjs": {
		ID:             "nextjs",
		BaseImage:      "pinacle/base-node:20",
		InitScript:     []string{"npx --yes create-next-app@latest . --yes"},
		DefaultInstall: StrOrArr{"pnpm install"},
		DefaultProcess: Process{
			Name:         "app",
			StartCommand: StrOrArr{"pnpm dev"},
			URL:          "http://localhost:3000",
			HealthCheck:  "curl -fsS http://localhost:3000",
		},
	},
	"vite": {
		ID:             "vite",
		BaseImage:      "pinacle/base-node:20",
		InitScript:     []string{"npm create vite@latest . -- --template react-ts --yes"},
		DefaultInstall: StrOrArr{"npm install"},
		DefaultProcess: Process{
			Name:         "app",
			StartCommand: StrOrArr{"npm run dev -- --host 0.0.0.0"},
			URL:          "http://localhost:5173",
			HealthCheck:  "curl -fsS http://localhost:5173",
		},
	},
	"express": {
		ID:             "express",
		BaseImage:      "pinacle/base-node:20",
		InitScript:     []string{"npm init -y", "npm install express"},
		DefaultInstall: StrOrArr{"npm install"},
		DefaultProcess: Process{
			Name:         "app",
			StartCommand: StrOrArr{"node index.js"},
			URL:          "http://localhost:8080",
			HealthCheck:  "curl -fsS http://localhost:8080",
		},
	},
}

const DefaultBaseImage = "pinacle/base-ubuntu:24.04"

// LookupTemplate resolves a template id to its registry entry.
func LookupTemplate(id string) (*Template, error) {
	t, ok := TemplateRegistry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	return t, nil
}
