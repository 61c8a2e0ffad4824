package mountauth

import "context"

// Process classifies the work a ClientRequest carries. It mirrors the
// `process` function-pointer values of spec.md's AuthClient: new-listener,
// remove-listener, source-auth, stream-start, stream-end.
type Process int

const (
	ProcessNewListener Process = iota
	ProcessRemoveListener
	ProcessSourceAuth
	ProcessStreamStart
	ProcessStreamEnd
)

func (p Process) String() string {
	switch p {
	case ProcessNewListener:
		return "new_listener"
	case ProcessRemoveListener:
		return "remove_listener"
	case ProcessSourceAuth:
		return "source_auth"
	case ProcessStreamStart:
		return "stream_start"
	case ProcessStreamEnd:
		return "stream_end"
	default:
		return "unknown"
	}
}

// ClientRequest is a queued work item on an Instance's FIFO: spec.md's
// AuthClient. Client is nullable -- stream-start/stream-end callbacks have
// none.
type ClientRequest struct {
	ID       string
	Mount    string
	Host     string
	Kind     Process
	Instance *Instance
	Client   *Client

	HandlerID  int
	ThreadData any

	// Callback is the pipeline-level function invoked by the worker loop.
	// It plays the role of the `process` function pointer: for
	// ProcessNewListener it is pipeline.newListenerCallback, etc. Kept as
	// a closure rather than a backend method so Instance stays a generic
	// FIFO + worker pool with no pipeline policy baked in.
	Callback func(ctx context.Context, req *ClientRequest) Outcome

	// onDispose, if set, overrides the default post-callback disposal
	// (terminate-with-401-if-client-still-attached). The pipeline sets
	// this for requests whose outcome it wants to inspect itself (e.g.
	// ProcessNewListener runs postprocessListener from here instead of
	// from the default disposal path).
	onDispose func(req *ClientRequest, outcome Outcome)
}

// Backend is the opaque, per-mount authentication back-end described in
// spec.md §3 ("vtable: authenticate, release_listener, stream_auth,
// stream_start, stream_end, release, alloc_thread_data,
// release_thread_data; any may be absent"). Rather than a single interface
// with optional methods, each capability is its own interface and a
// concrete backend implements whichever it needs -- the same optional-
// capability idiom the teacher already uses for http.Flusher checks in
// internal/server/listener.go.
type (
	// Authenticator validates a new listener attempt.
	Authenticator interface {
		Authenticate(ctx context.Context, req *ClientRequest) Outcome
	}
	// ListenerReleaser runs on listener release/disconnect.
	ListenerReleaser interface {
		ReleaseListener(ctx context.Context, req *ClientRequest) Outcome
	}
	// StreamAuthenticator validates a source (publisher) connection.
	StreamAuthenticator interface {
		StreamAuth(ctx context.Context, req *ClientRequest) Outcome
	}
	// StreamStarter is notified when a mount's source goes live.
	StreamStarter interface {
		StreamStart(ctx context.Context, req *ClientRequest) Outcome
	}
	// StreamEnder is notified when a mount's source disconnects.
	StreamEnder interface {
		StreamEnd(ctx context.Context, req *ClientRequest) Outcome
	}
	// ThreadDataAllocator lets a backend attach private per-worker state
	// (e.g. a pooled HTTP client, a persistent command pipe) the first
	// time a worker slot is spawned.
	ThreadDataAllocator interface {
		AllocThreadData() any
	}
	// ThreadDataReleaser tears down per-worker state on shutdown.
	ThreadDataReleaser interface {
		ReleaseThreadData(any)
	}
	// SelfReleaser runs once, when the Instance's refcount reaches zero.
	SelfReleaser interface {
		Release()
	}
)
