package fileserve

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gocast/gocast/internal/mountauth"
)

// icyMetaIntervalBytes is the standard Shoutcast/Icecast metadata
// interval (spec.md's original carries the same 16000-byte constant the
// teacher uses for icyMetaInterval in internal/server/listener.go).
const icyMetaIntervalBytes = 16000

// Engine is the file-serving engine (spec.md §4.B), implementing
// mountauth.FileServer. It owns the FileHandle cache and a small registry
// of pre-configured fallback entries (content type, bitrate cap) that a
// config loader populates via RegisterFallback; an unregistered mount is
// served as a one-shot, unthrottled file.
type Engine struct {
	cache *Cache
	mimes *MimeTable

	mu         sync.RWMutex
	registered map[string]FileInfo

	// globalThrottle mirrors spec.md §4.B's "global throttle_sends > 1"
	// backoff signal, flipped by the server under sustained load.
	globalThrottle atomic.Bool

	// hostname/port back playlist synthesis when a listener's Host header
	// carries no port (see WriteM3U).
	hostname string
	port     int
}

// SetServerIdentity records the hostname/port played back by playlist
// synthesis when the incoming Host header has no port of its own.
func (e *Engine) SetServerIdentity(hostname string, port int) {
	e.hostname, e.port = hostname, port
}

// NewEngine builds an Engine serving files under docRoot.
func NewEngine(docRoot string, mimes *MimeTable) *Engine {
	if mimes == nil {
		mimes = NewMimeTable()
	}
	return &Engine{
		cache:      NewCache(docRoot, mimes),
		mimes:      mimes,
		registered: make(map[string]FileInfo),
	}
}

// RegisterFallback pre-configures mount as a throttled/typed fallback
// entry: subsequent ServeClient calls for this mount use fi's Limit/Type
// instead of sniffing defaults.
func (e *Engine) RegisterFallback(mount string, fi FileInfo) {
	fi.Mount = mount
	fi.Flags |= FlagFallback
	e.mu.Lock()
	e.registered[mount] = fi
	e.mu.Unlock()
}

// SetGlobalThrottle flips the server-wide throttle-sends backoff signal.
func (e *Engine) SetGlobalThrottle(on bool) { e.globalThrottle.Store(on) }

// servePlaylist synthesizes an M3U or XSPF playlist for base, per
// fserve_client_create's "requested file missing, but extension is
// playlist-shaped" branch.
func (e *Engine) servePlaylist(w http.ResponseWriter, r *http.Request, c *mountauth.Client, base, kind string) error {
	req := PlaylistRequest{Mount: base, Hostname: e.hostname, Port: e.port}
	if r != nil {
		req.Host = r.Host
		req.Query = r.URL.RawQuery
		req.UserAgent = r.UserAgent()
	}
	if c != nil {
		req.Username = c.Username
		req.Password = c.Password
	}

	switch kind {
	case "m3u":
		WriteM3U(w, req)
	case "xspf":
		WriteXSPF(w, req, base)
	}
	return nil
}

func (e *Engine) resolveFileInfo(mount string) FileInfo {
	e.mu.RLock()
	fi, ok := e.registered[mount]
	e.mu.RUnlock()
	if ok {
		return fi
	}
	return FileInfo{Mount: mount}
}

// ServeClient implements mountauth.FileServer: opens (or reuses) the
// FileHandle for mount, synthesizes the HTTP response header (including
// byte-range framing), attaches the listener, and blocks serving it
// either at full speed (File state) or at its configured bit-rate cap
// (ThrottledFile state) until the stream ends or the connection drops.
func (e *Engine) ServeClient(ctx context.Context, mount string, c *mountauth.Client, w http.ResponseWriter, r *http.Request) error {
	if base, kind, ok := IsPlaylistRequest(mount); ok && !e.cache.fileExists(mount) {
		return e.servePlaylist(w, r, c, base, kind)
	}

	fi := e.resolveFileInfo(mount)

	fh, err := e.cache.Open(fi)
	if err != nil {
		return wrapOpenError(err)
	}

	l := newListener(nil, nil)
	fh.attach(l)
	l.fh = fh
	contentLength := fh.ContentLength()
	contentType := e.mimes.Lookup(mount)
	if fi.Type != "" {
		contentType = fi.Type
	}
	fh.Unlock()

	var rangeHeader string
	var wantsICYMeta bool
	if r != nil {
		rangeHeader = r.Header.Get("Range")
		wantsICYMeta = r.Header.Get("Icy-MetaData") == "1"
	}
	noContentLength := c != nil && c.HasFlag(mountauth.FlagNoContentLength)

	icyInterval := int64(0)
	if wantsICYMeta && fh.format != nil {
		icyInterval = icyMetaIntervalBytes
		w.Header().Set("icy-metaint", strconv.FormatInt(icyInterval, 10))
	}

	offset, herr := writeHeader(w, rangeHeader, contentType, contentLength, noContentLength)
	if herr != nil {
		fh.Lock()
		e.cache.Release(fh, l)
		return herr
	}
	l.introOffset = offset

	if fh.f == nil {
		fh.Lock()
		e.cache.Release(fh, l)
		return ErrNoFile
	}

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	var out io.Writer = w
	if icyInterval > 0 {
		out = newICYWriter(w, icyInterval, func() string { return fh.format.Metadata(fh.f) })
	}

	if fh.rate != nil {
		l.setState(StateThrottledFile)
		err = runThrottledState(ctx, e, l, fh, out, flush)
	} else {
		l.setState(StateFile)
		err = runFileState(ctx, e, l, fh, out, flush)
	}

	fh.Lock()
	e.cache.Release(fh, l)
	return err
}

func wrapOpenError(err error) error {
	if pe, ok := mountauth.IsPolicyError(err); ok {
		return pe
	}
	return &mountauth.PolicyError{Op: "not_found", HTTPCode: http.StatusNotFound, Err: err}
}
