package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/pinacle/podcore/internal/log"
)

const dialTimeout = 10 * time.Second

var (
	ErrDial        = errors.New("failed to establish SSH connection")
	ErrSessionInit = errors.New("failed to begin SSH session")
)

// Host identifies a remote host and the credential used to reach it. Pool
// keys its cached connections on Addr+User, so two Hosts with the same
// address and user share a single underlying *ssh.Client.
type Host struct {
	Addr   string // host:port; port defaults to 22 if absent
	User   string
	Signer ssh.Signer
}

func (h Host) key() string {
	return h.User + "@" + h.Addr
}

// Pool caches one *ssh.Client per distinct Host, reused across calls.
// Every Exec opens its own ssh.Session on top of the cached client — SSH
// sessions are not safely reentrant, but connections are, so this gives
// each command its own channel while amortizing the TCP/key-exchange cost
// of dialing.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewPool constructs an empty connection pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*ssh.Client)}
}

func (p *Pool) client(host Host) (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := host.key()
	if c, ok := p.clients[key]; ok {
		// A dead connection surfaces on first use as a session-open error;
		// execOnce then evicts it, so the next Exec dials afresh and a stale
		// entry here is self-healing. The failing call is not retried.
		return c, nil
	}

	addr := host.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(host.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrDial, addr, err)
	}
	p.clients[key] = client
	return client, nil
}

// evict drops a cached client, used after Exec observes a connection-level
// failure so the next call dials fresh rather than repeating the error.
func (p *Pool) evict(host Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[host.key()]; ok {
		c.Close()
		delete(p.clients, host.key())
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}

// ExecOptions configures a single Exec call.
type ExecOptions struct {
	// Sudo prepends "sudo -n " to the command.
	Sudo bool
	// Label is a short human-readable tag stored alongside the log entry
	// (e.g. "create-bridge", "install-deps"), not sent to the remote host.
	Label string
	// PodID, when non-empty, attributes this command to a pod in the
	// command log and triggers pre/post log persistence.
	PodID string
	// ContainerCommand, when set, is logged as the "inner" command this
	// invocation wraps (e.g. the `docker exec` argv), separately from the
	// outer SSH command text.
	ContainerCommand string
}

// Error wraps a failed remote command with its exit code and captured
// output, letting callers branch on ExitCode without re-parsing err.
type Error struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote command failed (exit %d): %v", e.ExitCode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is the single point every manager routes remote execution
// through. It owns a connection Pool and, optionally, a CommandLogStore for
// auditing.
type Transport struct {
	pool  *Pool
	store CommandLogStore
}

// New constructs a Transport. A nil store is replaced with NopCommandLogStore.
func New(pool *Pool, store CommandLogStore) *Transport {
	if store == nil {
		store = NopCommandLogStore{}
	}
	return &Transport{pool: pool, store: store}
}

// Exec runs cmd on host, returning its captured stdout/stderr. If opts.Sudo
// is set, the command is run as "sudo -n <cmd>". If opts.PodID is set, a
// masked log entry is inserted before execution and updated with the
// result afterward; masking strips any PEM blocks (private keys) from the
// logged command text so secrets never reach persistent storage.
func (t *Transport) Exec(ctx context.Context, host Host, cmd string, opts ExecOptions) (stdout, stderr string, err error) {
	actual := cmd
	if opts.Sudo {
		actual = "sudo -n " + cmd
	}

	var logID string
	if opts.PodID != "" {
		logID = uuid.NewString()
		entry := CommandLogEntry{
			ID:               logID,
			PodID:            opts.PodID,
			Command:          Mask(actual),
			ContainerCommand: Mask(opts.ContainerCommand),
			Label:            opts.Label,
			Timestamp:        timeNow(),
		}
		if insertErr := t.store.InsertCommandLog(ctx, entry); insertErr != nil {
			log.Warn(ctx, "failed to insert command log entry", "error", insertErr)
		}
	}

	start := timeNow()
	stdout, stderr, execErr := t.execOnce(ctx, host, actual)
	duration := timeNow().Sub(start)

	if logID != "" {
		exitCode := 0
		var cmdErr *Error
		if errors.As(execErr, &cmdErr) {
			exitCode = cmdErr.ExitCode
		} else if execErr != nil {
			exitCode = -1
		}
		if updateErr := t.store.UpdateCommandLog(ctx, logID, stdout, stderr, exitCode, duration.Milliseconds()); updateErr != nil {
			log.Warn(ctx, "failed to update command log entry", "error", updateErr)
		}
	}

	return stdout, stderr, execErr
}

func (t *Transport) execOnce(ctx context.Context, host Host, cmd string) (string, string, error) {
	client, err := t.pool.client(host)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		t.pool.evict(host)
		return "", "", fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdoutBuf.String(), stderrBuf.String(), ctx.Err()
	case runErr := <-done:
		if runErr == nil {
			return stdoutBuf.String(), stderrBuf.String(), nil
		}
		exitCode := -1
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitStatus()
		}
		return stdoutBuf.String(), stderrBuf.String(), &Error{
			Command:  cmd,
			ExitCode: exitCode,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Err:      runErr,
		}
	}
}

// timeNow is the clock Exec reads for command-log timestamps and
// durations, held in a variable so it can be swapped.
var timeNow = time.Now
