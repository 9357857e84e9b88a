package orchestrator

import "errors"

// ErrHostUnavailable is the orchestrator's HostUnavailable error taxonomy
// entry: no server with capacity, or the assigned server's transport
// credentials are absent/unusable. Surfaced with no remote side effects —
// callers see it before anything touches a host.
var ErrHostUnavailable = errors.New("no host available")
