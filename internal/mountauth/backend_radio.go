package mountauth

import (
	"context"
	"crypto/subtle"
	"sync"
)

// RadioBackend is a single-credential source authenticator modeled on the
// "one DJ, one station" deployments in the retrieval pack (grounded on
// arung-agamani-denpa-radio/config.Config's DJUsername/DJPassword/
// StationName/MaxClients fields): exactly one source login is configured
// up front, and StreamStart/StreamEnd track the station's current
// "now playing" label for the admin/metadata surface rather than hitting
// an external callback per connection.
type RadioBackend struct {
	Username    string
	Password    string
	StationName string
	MaxClients  int

	mu         sync.RWMutex
	listeners  int
	nowPlaying string
}

// NewRadioBackend builds a backend for a single named station.
func NewRadioBackend(username, password, stationName string, maxClients int) *RadioBackend {
	return &RadioBackend{Username: username, Password: password, StationName: stationName, MaxClients: maxClients}
}

func (b *RadioBackend) constantTimeEqual(user, pass string) bool {
	okUser := subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) == 1
	okPass := subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) == 1
	return okUser && okPass
}

// StreamAuth implements StreamAuthenticator: only the configured DJ
// credential may start a source session on this mount.
func (b *RadioBackend) StreamAuth(ctx context.Context, req *ClientRequest) Outcome {
	c := req.Client
	if c == nil || !b.constantTimeEqual(c.Username, c.Password) {
		return OutcomeError
	}
	return OutcomeOK
}

// Authenticate implements Authenticator, enforcing MaxClients for
// listeners (a station-wide cap independent of any per-mount
// MountInfo.MaxListeners).
func (b *RadioBackend) Authenticate(ctx context.Context, req *ClientRequest) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.MaxClients > 0 && b.listeners >= b.MaxClients {
		return OutcomeError
	}
	b.listeners++
	return OutcomeOK
}

// ReleaseListener implements ListenerReleaser.
func (b *RadioBackend) ReleaseListener(ctx context.Context, req *ClientRequest) Outcome {
	b.mu.Lock()
	if b.listeners > 0 {
		b.listeners--
	}
	b.mu.Unlock()
	return OutcomeOK
}

// StreamStart implements StreamStarter, resetting the now-playing label
// when a new source goes live.
func (b *RadioBackend) StreamStart(ctx context.Context, req *ClientRequest) Outcome {
	b.mu.Lock()
	b.nowPlaying = b.StationName
	b.mu.Unlock()
	return OutcomeOK
}

// StreamEnd implements StreamEnder, clearing the now-playing label.
func (b *RadioBackend) StreamEnd(ctx context.Context, req *ClientRequest) Outcome {
	b.mu.Lock()
	b.nowPlaying = ""
	b.mu.Unlock()
	return OutcomeOK
}

// NowPlaying returns the current metadata label, for admin/status
// surfaces.
func (b *RadioBackend) NowPlaying() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nowPlaying
}

// ListenerCount returns the current listener count, for admin/status
// surfaces.
func (b *RadioBackend) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners
}
