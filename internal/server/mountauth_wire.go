package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/mountauth"
	"github.com/gocast/gocast/internal/stream"
)

// configMountInfoProvider implements mountauth.MountInfoProvider over the
// running config.Config, lazily building one mountauth.Instance per mount
// that configures an authenticator block and caching it for the life of
// the process -- Instance itself already owns a worker pool and FIFO, so
// rebuilding one per request would leak goroutines.
type configMountInfoProvider struct {
	mu        sync.Mutex
	cfg       *config.Config
	logger    *log.Logger
	instances map[string]*mountauth.Instance
}

func newConfigMountInfoProvider(cfg *config.Config, logger *log.Logger) *configMountInfoProvider {
	return &configMountInfoProvider{cfg: cfg, logger: logger, instances: make(map[string]*mountauth.Instance)}
}

func (p *configMountInfoProvider) setConfig(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// FindMount implements mountauth.MountInfoProvider.
func (p *configMountInfoProvider) FindMount(mount string) (*mountauth.MountInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg == nil {
		return nil, false
	}
	mc, ok := p.cfg.Mounts[mount]
	if !ok {
		return nil, false
	}

	mi := &mountauth.MountInfo{
		Password:      mc.Password,
		Username:      mc.StreamName,
		FallbackMount: mc.FallbackMount,
		FileSeekable:  mc.FileSeekable,
		SoSndBuf:      mc.SoSndBuf,
		NoMount:       mc.NoMount,
		Redirect:      mc.Redirect,
		SkipAccessLog: mc.SkipAccessLog,
		LimitRate:     mc.LimitRate,
		AccessLog:     mc.AccessLog != "",
		Type:          mc.Type,
	}
	if mc.BanClient {
		mi.BanClient = 1
	}
	if mc.MaxListenersOverride != nil {
		mi.MaxListeners = mc.MaxListenersOverride
	}
	if mc.Authenticator != nil {
		mi.Auth = p.instanceFor(mount, mc.Authenticator)
	}
	return mi, true
}

// instanceFor returns the cached Instance for mount, building one from ac
// the first time it is requested.
func (p *configMountInfoProvider) instanceFor(mount string, ac *config.AuthenticatorConfig) *mountauth.Instance {
	if in, ok := p.instances[mount]; ok {
		return in
	}
	backend := buildAuthBackend(ac)
	if backend == nil {
		return nil
	}
	icfg := mountauth.Config{Type: ac.Type, Realm: mount}
	if v, ok := ac.Options["rejected_mount"]; ok {
		icfg.RejectedMount = v
	}
	if v, ok := ac.Options["allow_duplicate_users"]; ok {
		icfg.AllowDuplicateUsers = v == "1" || v == "true"
	}
	if v, ok := ac.Options["handlers"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			icfg.Handlers = &n
		}
	}
	in := mountauth.NewInstance(icfg, backend, p.logger)
	p.instances[mount] = in
	return in
}

// buildAuthBackend translates an authenticator block's type/options into a
// concrete backend, matching spec.md §6's authenticator type set. An
// unrecognized type disables pluggable auth for that mount (falls back to
// the built-in source password, same as an absent Authenticator block).
func buildAuthBackend(ac *config.AuthenticatorConfig) any {
	switch ac.Type {
	case "htpasswd":
		ttl := 60 * time.Second
		if v, ok := ac.Options["reload_seconds"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				ttl = time.Duration(n) * time.Second
			}
		}
		return mountauth.NewHtpasswdBackend(ac.Options["filename"], ttl)
	case "url":
		b := mountauth.NewURLBackend(ac.Options["add_url"], ac.Options["remove_url"])
		b.AuthHeader = ac.Options["auth_header"]
		return b
	case "command":
		return mountauth.NewCommandBackend(ac.Options["filename"])
	case "radio":
		maxClients := 0
		if n, err := strconv.Atoi(ac.Options["max_clients"]); err == nil {
			maxClients = n
		}
		return mountauth.NewRadioBackend(ac.Options["username"], ac.Options["password"], ac.Options["station_name"], maxClients)
	default:
		return nil
	}
}

// sourceHandoff is what sourceAdapter.AddListener stashes on
// mountauth.Client.Opaque once it has attached a listener to a live
// mount: ServeHTTP reads it back after Pipeline.AddListener/Wait succeeds
// to run the actual streaming loop.
type sourceHandoff struct {
	listener *stream.Listener
	mount    *stream.Mount
}

// sourceAdapter implements mountauth.SourceDestination over the running
// stream.MountManager, so that Pipeline.AddListener's admission decision
// (auth, IP bans, pending-queue bound) and mountauth.MoveListener's
// fallback-chain walk both reach the same live-source registry that
// ServeHTTP used to consult directly.
type sourceAdapter struct {
	h *ListenerHandler
}

// AddListener implements mountauth.SourceDestination. It returns
// mountauth.ErrNoLiveSource when mount has no connected source (the
// pipeline then falls through to file serving), a *mountauth.PolicyError
// for a refusal the caller should report to the client, or nil once a
// stream.Listener has been registered and stashed on c.Opaque.
func (s *sourceAdapter) AddListener(ctx context.Context, mount string, c *mountauth.Client) error {
	m := s.h.mountManager.GetMount(mount)
	if m == nil || !m.IsActive() {
		return mountauth.ErrNoLiveSource
	}

	isBot := isBotUserAgent(c.UserAgent)
	if !isBot && !m.CanAddListener() {
		return &mountauth.PolicyError{Op: "max_listeners", HTTPCode: http.StatusServiceUnavailable}
	}
	if c.Request != nil && !s.h.checkIPAllowed(c.Request, m) {
		return &mountauth.PolicyError{Op: "ip_denied", HTTPCode: http.StatusForbidden}
	}

	listener := stream.NewListenerWithBot(c.Remote, c.UserAgent, isBot)
	m.AddListener(listener)
	c.Opaque = &sourceHandoff{listener: listener, mount: m}
	return nil
}
