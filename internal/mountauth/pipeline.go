package mountauth

import (
	"context"
	"log"
	"net/http"
	"strings"
)

// MountInfo is the external configuration record the auth pipeline reads
// per spec.md §3. Configuration loading and mount lookup are out of scope
// for this package; MountInfoProvider is the seam a real config package
// implements.
type MountInfo struct {
	Auth          *Instance
	Password      string
	Username      string
	FallbackMount string
	FileSeekable  bool
	SoSndBuf      int
	NoMount       bool
	Redirect      string
	// BanClient: positive registers a ban, negative lifts one, zero is a
	// no-op. Applied once per AddListener call (spec.md §4.D step 2).
	BanClient int
	// MaxListeners: nil (unconfigured) means unlimited; *MaxListeners == 0
	// means the mount is closed to listeners entirely. A positive value is
	// not enforced by this package or by fileserve. A bare int could not distinguish "unconfigured" from
	// "explicitly closed" the same way Handlers could not (see
	// clampHandlers), so this follows the same pointer convention.
	MaxListeners  *int
	SkipAccessLog bool
	LimitRate     int // bytes/sec; 0 = unconfigured; not read by MoveListener
	AccessLog     bool
	Type          string // content type; MoveListener does no type matching on it
}

// MountInfoProvider resolves a mount name to its configuration. Out of
// scope per spec.md §1; this is the seam internal/config implements.
type MountInfoProvider interface {
	FindMount(mount string) (*MountInfo, bool)
}

// SourceDestination is the live-source broadcaster collaborator. AddListener
// hands it a ready-to-stream Client; per spec.md §4.D, a -2 return falls
// through to file serving.
type SourceDestination interface {
	// AddListener attempts to attach c to the live source at mount.
	// Returns ErrNoLiveSource if no source is currently broadcasting
	// there (the caller falls back to file serving), or any other error
	// to mean the attach itself failed (e.g. max listeners).
	AddListener(ctx context.Context, mount string, c *Client) error
}

// ErrNoLiveSource is SourceDestination's "-2" sentinel.
var ErrNoLiveSource = &PolicyError{Op: "no_live_source", HTTPCode: http.StatusNotFound}

// FileServer is the file-serving engine collaborator (component B/fileserve
// package). fserve_client_create / fserve_setup_client_fb in spec.md §4.D/E.
type FileServer interface {
	ServeClient(ctx context.Context, mount string, c *Client, w http.ResponseWriter, r *http.Request) error
}

// StatsSink is a fire-and-forget statistics publication sink (out of scope
// per spec.md §1, specified only by the interface the core consumes).
type StatsSink interface {
	ListenerAdded(mount string)
	ListenerRemoved(mount string)
}

// IPBans tracks banned client IPs. spec.md §3: MountInfo.ban_client
// positive registers, negative lifts.
type IPBans interface {
	Banned(ip string) bool
	Ban(ip string)
	Lift(ip string)
}

// Pipeline is the auth front door (spec.md §4.D, component D): it decides
// whether a listener needs authentication, enqueues it on the mount's
// Instance, and post-processes the outcome.
type Pipeline struct {
	Mounts  MountInfoProvider
	Source  SourceDestination
	Files   FileServer
	Stats   StatsSink
	Bans    IPBans
	Logger  *log.Logger

	// slowdown models the global "busy" backoff counter described
	// in spec.md §4.D step 3, capped at 10.
	slowdown int32
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// AddListener is the pipeline's entry point, executed on the connection-
// accept path (spec.md §4.D). It never blocks on a back-end authenticate
// callback: authentication work is hand off to the mount's Instance and
// this function returns once the request is either queued or fully
// decided without auth.
func (p *Pipeline) AddListener(ctx context.Context, c *Client) error {
	if c.Authenticated() {
		return p.addAuthenticatedListener(ctx, c)
	}

	mi, ok := p.Mounts.FindMount(c.Mount)
	if !ok {
		if c.Mount == "/admin/streams" {
			return newPolicyError("admin_requires_auth", http.StatusUnauthorized, "")
		}
		return newPolicyError("unknown_mount", http.StatusNotFound, "")
	}

	if mi.NoMount {
		return newPolicyError("no_mount", http.StatusForbidden, "")
	}
	if mi.Redirect != "" {
		return newPolicyError("redirect", http.StatusFound, mi.Redirect+c.Mount)
	}
	if mi.BanClient != 0 && p.Bans != nil {
		if mi.BanClient > 0 {
			p.Bans.Ban(c.Remote)
		} else {
			p.Bans.Lift(c.Remote)
		}
	}

	if mi.Auth != nil {
		return p.enqueueNewListener(mi, c)
	}

	return p.addAuthenticatedListenerWith(ctx, mi, c)
}

// enqueueNewListener implements spec.md §4.D step 3: bound-check the
// authenticator, build a ClientRequest, enqueue it, and return -- the
// worker finishes the request asynchronously by calling
// newListenerCallback.
func (p *Pipeline) enqueueNewListener(mi *MountInfo, c *Client) error {
	if mi.Auth.PendingCount() > maxPending || !mi.Auth.Running() {
		if p.slowdown < 10 {
			p.slowdown++
		}
		return newPolicyError("busy", http.StatusForbidden, "")
	}

	c.ClearFlag(FlagActive)
	req := &ClientRequest{
		Mount:    c.Mount,
		Host:     c.Host,
		Kind:     ProcessNewListener,
		Instance: mi.Auth,
		Client:   c,
	}
	req.Callback = func(ctx context.Context, req *ClientRequest) Outcome {
		return p.newListenerCallback(ctx, mi, req)
	}
	req.onDispose = func(req *ClientRequest, outcome Outcome) {
		// A client handed off or rejected by postprocessListener has been
		// detached (req.Client == nil); OutcomePending means the backend
		// re-enqueues the item itself. A client still attached otherwise
		// (failed liveness check, no backend, OutcomeFatal) gets the
		// realm-bearing 401 of the default disposal path.
		if outcome == OutcomePending || req.Client == nil {
			return
		}
		c := req.Client
		if c.Finish != nil {
			c.Finish(http.StatusUnauthorized, mi.Auth.Realm(), c.ConnError)
		}
		c.resolve(newPolicyError("unauthorized", http.StatusUnauthorized, ""))
	}

	if err := mi.Auth.Enqueue(req); err != nil {
		if IsBusy(err) && p.slowdown < 10 {
			p.slowdown++
		}
		return newPolicyError("busy", http.StatusForbidden, "")
	}
	return nil
}

// newListenerCallback runs on an auth worker (spec.md §4.D). It re-checks
// liveness, invokes the back-end Authenticate, and on a terminal outcome
// runs postprocessListener.
func (p *Pipeline) newListenerCallback(ctx context.Context, mi *MountInfo, req *ClientRequest) Outcome {
	c := req.Client
	if !AllowAuth() {
		c.RespCode = http.StatusBadRequest
		return OutcomeError
	}

	a, ok := mi.Auth.backend.(Authenticator)
	if !ok {
		c.RespCode = http.StatusBadRequest
		return OutcomeError
	}

	outcome := a.Authenticate(ctx, req)
	switch outcome {
	case OutcomeOK:
		c.SetFlag(FlagAuthenticated)
		p.postprocessListener(ctx, mi, c)
		req.Client = nil
	case OutcomeError:
		p.postprocessListener(ctx, mi, c)
		req.Client = nil
	default:
		// OutcomeFatal/OutcomePending: leave req.Client attached. Fatal
		// is finished with a 401 by the request's onDispose; Pending means
		// the backend re-enqueues the item itself later.
	}
	return outcome
}

// postprocessListener implements spec.md §4.D: route an authenticated
// client onward, or -- on failure -- either to the configured
// rejected_mount or to a 401 with the authenticator's realm.
func (p *Pipeline) postprocessListener(ctx context.Context, mi *MountInfo, c *Client) {
	if c.Authenticated() {
		if err := p.addAuthenticatedListenerWith(ctx, mi, c); err != nil {
			p.finish(c, err)
		}
		return
	}

	if mi.Auth != nil && mi.Auth.RejectedMount() != "" {
		c.Mount = mi.Auth.RejectedMount()
		if err := p.AddListener(ctx, c); err != nil {
			p.finish(c, err)
		}
		return
	}

	realm := ""
	if mi.Auth != nil {
		realm = mi.Auth.Realm()
	}
	if c.Finish != nil {
		c.Finish(http.StatusUnauthorized, realm, c.ConnError)
	}
	c.resolve(newPolicyError("unauthorized", http.StatusUnauthorized, ""))
}

// addAuthenticatedListener resolves mi itself before delegating, for
// callers (e.g. release/re-auth paths) that only have a mount name.
func (p *Pipeline) addAuthenticatedListener(ctx context.Context, c *Client) error {
	mi, ok := p.Mounts.FindMount(c.Mount)
	if !ok {
		return newPolicyError("unknown_mount", http.StatusNotFound, "")
	}
	return p.addAuthenticatedListenerWith(ctx, mi, c)
}

// addAuthenticatedListenerWith is spec.md §4.D step 5.
func (p *Pipeline) addAuthenticatedListenerWith(ctx context.Context, mi *MountInfo, c *Client) error {
	c.SetFlag(FlagAuthenticated)

	if mi.MaxListeners != nil && *mi.MaxListeners == 0 {
		err := newPolicyError("max_listeners", http.StatusForbidden, mi.FallbackMount)
		c.resolve(err)
		return err
	}

	if c.Mount == "/admin/streams" {
		c.SetFlag(FlagIsSlave)
		if p.Stats != nil {
			p.Stats.ListenerAdded(c.Mount)
		}
		c.resolve(nil)
		return nil
	}

	if strings.HasSuffix(c.Mount, ".xsl") {
		// Stats transformer: out of scope, handled by the HTTP layer.
		c.resolve(nil)
		return nil
	}

	if !mi.FileSeekable {
		c.SetFlag(FlagNoContentLength)
	}

	if p.Source != nil {
		err := p.Source.AddListener(ctx, c.Mount, c)
		if err == nil {
			if p.Stats != nil {
				p.Stats.ListenerAdded(c.Mount)
			}
			c.resolve(nil)
			return nil
		}
		if !isNoLiveSource(err) {
			c.resolve(err)
			return err
		}
	}

	if p.Files == nil {
		err := newPolicyError("not_found", http.StatusNotFound, "")
		c.resolve(err)
		return err
	}
	if err := p.Files.ServeClient(ctx, c.Mount, c, c.ResponseWriter, c.Request); err != nil {
		c.resolve(err)
		return err
	}
	if p.Stats != nil {
		p.Stats.ListenerAdded(c.Mount)
	}
	c.resolve(nil)
	return nil
}

func isNoLiveSource(err error) bool {
	pe, ok := IsPolicyError(err)
	return ok && pe.Op == "no_live_source"
}

// ReleaseListener implements spec.md §4.D's release path: if the client is
// authenticated and the back-end exposes a ListenerReleaser, record the
// stats removal, enqueue a remove_listener work item, and return the
// enqueue result; otherwise report 404. It does not detach any output
// queue or change the client's state; the work item's callback only
// calls the backend and clears req.Client so disposal sends nothing.
func (p *Pipeline) ReleaseListener(c *Client) error {
	mi, ok := p.Mounts.FindMount(c.Mount)
	if !ok || !c.Authenticated() || mi.Auth == nil {
		return newPolicyError("not_found", http.StatusNotFound, "")
	}
	if _, ok := mi.Auth.backend.(ListenerReleaser); !ok {
		return newPolicyError("not_found", http.StatusNotFound, "")
	}

	if p.Stats != nil {
		p.Stats.ListenerRemoved(c.Mount)
	}

	req := &ClientRequest{
		Mount:    c.Mount,
		Host:     c.Host,
		Kind:     ProcessRemoveListener,
		Instance: mi.Auth,
		Client:   c,
	}
	req.Callback = func(ctx context.Context, req *ClientRequest) Outcome {
		r := mi.Auth.backend.(ListenerReleaser)
		outcome := r.ReleaseListener(ctx, req)
		// spec.md §9 Open Question #1: the "await auth" state this client
		// sat in is a one-shot that terminates on its next wake -- made
		// explicit here rather than modeled as a disguised no-op state.
		req.Client = nil
		return outcome
	}
	return mi.Auth.Enqueue(req)
}

// finish sends the HTTP consequence of a *PolicyError (or any error) to
// the client via its Finish callback.
func (p *Pipeline) finish(c *Client, err error) {
	defer c.resolve(err)
	if c.Finish == nil {
		return
	}
	if pe, ok := IsPolicyError(err); ok {
		c.Finish(pe.HTTPCode, "", c.ConnError)
		return
	}
	c.Finish(http.StatusInternalServerError, "", c.ConnError)
}

// StreamAuth implements the symmetric source-client authentication path
// (spec.md §4.D "Source-client authentication is symmetric"): invoke the
// back-end StreamAuthenticator, then on success route to the admin-
// metadata handler or to source startup. AdminMetadata/SourceStartup are
// left to the HTTP layer; this returns which one applies.
func (p *Pipeline) StreamAuth(ctx context.Context, mi *MountInfo, c *Client) (isAdminMetadata bool, err error) {
	if mi.Auth == nil {
		return false, newPolicyError("unauthorized", http.StatusUnauthorized, "")
	}
	s, ok := mi.Auth.backend.(StreamAuthenticator)
	if !ok {
		return false, newPolicyError("unauthorized", http.StatusUnauthorized, "")
	}

	req := &ClientRequest{Mount: c.Mount, Host: c.Host, Kind: ProcessSourceAuth, Client: c}
	outcome := s.StreamAuth(ctx, req)
	if outcome != OutcomeOK {
		return false, newPolicyError("unauthorized", http.StatusUnauthorized, "")
	}

	c.SetFlag(FlagAuthenticated)
	isAdminMetadata = c.Mount == "/admin.cgi" || strings.HasPrefix(c.Mount, "/admin/metadata")
	return isAdminMetadata, nil
}

// NotifyStreamStart enqueues a stream-start work item on mi's
// authenticator, if any. Per spec.md §5's ordering guarantee, this is
// enqueued before any listener that joins after the source goes live can
// observe it, since both flow through the same mount's worker pool.
func (p *Pipeline) NotifyStreamStart(mi *MountInfo, mount string) {
	if mi.Auth == nil {
		return
	}
	if _, ok := mi.Auth.backend.(StreamStarter); !ok {
		return
	}
	req := &ClientRequest{Mount: mount, Kind: ProcessStreamStart, Instance: mi.Auth}
	req.Callback = func(ctx context.Context, req *ClientRequest) Outcome {
		return mi.Auth.backend.(StreamStarter).StreamStart(ctx, req)
	}
	_ = mi.Auth.Enqueue(req)
}

// NotifyStreamEnd is NotifyStreamStart's counterpart, enqueued after the
// source terminates.
func (p *Pipeline) NotifyStreamEnd(mi *MountInfo, mount string) {
	if mi.Auth == nil {
		return
	}
	if _, ok := mi.Auth.backend.(StreamEnder); !ok {
		return
	}
	req := &ClientRequest{Mount: mount, Kind: ProcessStreamEnd, Instance: mi.Auth}
	req.Callback = func(ctx context.Context, req *ClientRequest) Outcome {
		return mi.Auth.backend.(StreamEnder).StreamEnd(ctx, req)
	}
	_ = mi.Auth.Enqueue(req)
}
