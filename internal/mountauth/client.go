package mountauth

import (
	"context"
	"net/http"
	"sync"
)

// Flags mirrors the Client flag set of spec.md §3: bit flags, set one at a
// time, read far more often than written.
type Flags uint32

const (
	FlagAuthenticated Flags = 1 << iota
	FlagActive
	FlagIsSlave
	FlagHasMoved
	FlagInFserve
	FlagSkipAccessLog
	FlagIPBanLift
	FlagHasIntroContent
	FlagWantsFLV
	FlagNoContentLength
)

// Client is the auth-pipeline view of a listener or source connection: the
// subset of spec.md's Client record that the auth pipeline reads and
// writes. It is intentionally narrower than the file-serving engine's
// listener type (fileserve.Listener) -- the two are connected only by the
// handoff at the end of AddListener, mirroring how the C source shares one
// struct but the two subsystems touch disjoint fields of it.
type Client struct {
	mu sync.Mutex

	Username string
	Password string
	Mount    string
	Host     string // Host header, used for mount redirects and M3U synthesis
	Remote   string // client IP
	UserAgent string

	RespCode  int
	ConnError bool
	flags     Flags

	// ResponseWriter/Request carry the originating HTTP round-trip, set
	// by the internal/server caller before AddListener is invoked. The
	// auth pipeline itself never writes to these (it only reads Username/
	// Password/flags); they exist so that a terminal handoff -- to the
	// source subsystem or to fileserve.Engine -- has something to write
	// the response and stream body to.
	ResponseWriter http.ResponseWriter
	Request        *http.Request

	// Opaque carries the file-serving handle or source-subsystem listener
	// once the pipeline has decided where to attach the client; it plays
	// the role of spec.md's `shared_data` opaque pointer.
	Opaque any

	// Finish is supplied by the HTTP-facing caller (internal/server) and
	// is how the auth pipeline and instance disposal terminate a client
	// that was never handed off to source or file serving: it writes the
	// given status code (with WWW-Authenticate: Basic realm="realm" for
	// 401s) and closes the connection.
	Finish func(code int, realm string, connErr bool)

	// done/resultErr let a caller block until Pipeline.AddListener's
	// decision is actually final. AddListener itself returns immediately
	// once a mount-level authenticator queues the request (spec.md §4.D
	// step 3), well before newListenerCallback resolves it on a worker
	// goroutine -- Wait is how the HTTP handler finds out what happened.
	doneOnce  sync.Once
	done      chan struct{}
	resultErr error
}

// NewClient builds a Client for a fresh connection attempt.
func NewClient(remote, host, mount, userAgent string) *Client {
	return &Client{Mount: mount, Host: host, Remote: remote, UserAgent: userAgent, done: make(chan struct{})}
}

// resolve marks the client's admission decision final. Safe to call more
// than once (e.g. once from addAuthenticatedListenerWith and again from a
// caller's p.finish on the same error) -- only the first call sticks.
func (c *Client) resolve(err error) {
	c.doneOnce.Do(func() {
		c.resultErr = err
		if c.done != nil {
			close(c.done)
		}
	})
}

// Wait blocks until resolve has been called, or ctx ends first. Callers
// that get a nil error from Pipeline.AddListener must still Wait before
// trusting that the client was admitted: nil there can also mean "queued,
// decision pending" when the mount has an authenticator configured.
func (c *Client) Wait(ctx context.Context) error {
	if c.done == nil {
		return nil
	}
	select {
	case <-c.done:
		return c.resultErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetFlag sets f atomically with respect to other flag mutators.
func (c *Client) SetFlag(f Flags) {
	c.mu.Lock()
	c.flags |= f
	c.mu.Unlock()
}

// ClearFlag clears f.
func (c *Client) ClearFlag(f Flags) {
	c.mu.Lock()
	c.flags &^= f
	c.mu.Unlock()
}

// HasFlag reports whether f is set.
func (c *Client) HasFlag(f Flags) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags&f != 0
}

// Authenticated is shorthand for HasFlag(FlagAuthenticated).
func (c *Client) Authenticated() bool { return c.HasFlag(FlagAuthenticated) }
