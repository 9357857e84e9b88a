// orchestratorctl is a one-shot operator CLI over the Provisioning
// Orchestrator: it loads the sqlite store, wires a Transport pool, and
// dispatches a single provision/deprovision/cleanup/logs command per
// invocation. There is no long-running server mode — the HTTP/RPC surface
// that would trigger provisioning from a web UI is out of scope for this
// core; this binary is the stand-in an operator or a cron job drives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/pinacle/podcore/internal/orchestrator"
	"github.com/pinacle/podcore/internal/store"
	"github.com/pinacle/podcore/internal/transport"
)

const DefaultTimeout = 5 * time.Minute

// opts carries the flag/environment-populated configuration, following the
// same flag-based pattern as cmd/entrypoint's opts struct: no viper/cobra,
// just flag.FlagSet plus a thin positional-argument dispatch.
type opts struct {
	DBPath     string
	BaseDomain string
	Timeout    time.Duration

	command string
	args    []string
}

func parseFlags() (*opts, error) {
	o := &opts{}

	flag.StringVar(&o.DBPath, "db-path", envOr("PINACLE_DB_PATH", "pinacle.db"), "Path to the sqlite store database")
	flag.StringVar(&o.BaseDomain, "base-domain", envOr("PINACLE_BASE_DOMAIN", "pinacle.dev"), "Base domain pods' public URLs are derived from")
	flag.DurationVar(&o.Timeout, "timeout", DefaultTimeout, "How long to allow the command to run before cancelling it")

	flag.Parse()

	rest := flag.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("usage: orchestratorctl [flags] <provision|deprovision|cleanup|logs> <pod-id> [server-id]")
	}
	o.command = rest[0]
	o.args = rest[1:]

	return o, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := clog.New(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	ctx := clog.WithLogger(context.Background(), logger)

	o, err := parseFlags()
	if err != nil {
		clog.ErrorContextf(ctx, "%v", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	if err := o.run(ctx); err != nil {
		clog.ErrorContextf(ctx, "command failed: %v", err)
		os.Exit(1)
	}
}

func (o *opts) run(ctx context.Context) error {
	st, err := store.NewSqlite(o.DBPath)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", o.DBPath, err)
	}
	defer st.Close()

	pool := transport.NewPool()
	orch := orchestrator.New(st, pool, st, o.BaseDomain)

	switch o.command {
	case "provision":
		if len(o.args) < 1 {
			return fmt.Errorf("provision requires a pod id")
		}
		in := orchestrator.ProvisionInput{PodID: o.args[0]}
		if len(o.args) > 1 {
			in.ServerID = o.args[1]
		}
		return orch.ProvisionPod(ctx, in, true)

	case "deprovision":
		if len(o.args) < 1 {
			return fmt.Errorf("deprovision requires a pod id")
		}
		return orch.DeprovisionPod(ctx, o.args[0])

	case "cleanup":
		if len(o.args) < 2 {
			return fmt.Errorf("cleanup requires a pod id and a server id")
		}
		return orch.CleanupPod(ctx, o.args[0], o.args[1])

	case "logs":
		if len(o.args) < 1 {
			return fmt.Errorf("logs requires a pod id")
		}
		logs, err := orch.GetPodLogs(ctx, o.args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, logs)
		return nil

	default:
		return fmt.Errorf("unknown command %q", o.command)
	}
}
