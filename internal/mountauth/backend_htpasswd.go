package mountauth

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HtpasswdBackend authenticates listeners/sources against an Apache-style
// htpasswd file, reloaded on a TTL rather than per-request (grounded on the
// teacher's config.Manager poll-and-swap reload discipline in
// internal/config/manager.go). Supports bcrypt ($2a$/$2b$/$2y$) hashes;
// legacy crypt(3) and apr1 hashes are rejected explicitly rather than
// silently mismatched, since Go's standard library has no crypt(3).
type HtpasswdBackend struct {
	path string
	ttl  time.Duration

	mu        sync.RWMutex
	entries   map[string]string // username -> hash
	loadedAt  time.Time
	loadErr   error
}

// NewHtpasswdBackend builds a backend reading path, refreshed at most once
// per ttl.
func NewHtpasswdBackend(path string, ttl time.Duration) *HtpasswdBackend {
	h := &HtpasswdBackend{path: path, ttl: ttl, entries: make(map[string]string)}
	h.reload()
	return h
}

func (h *HtpasswdBackend) reload() {
	f, err := os.Open(h.path)
	if err != nil {
		h.mu.Lock()
		h.loadErr = err
		h.loadedAt = time.Now()
		h.mu.Unlock()
		return
	}
	defer f.Close()

	entries := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		entries[parts[0]] = parts[1]
	}

	h.mu.Lock()
	h.entries = entries
	h.loadErr = sc.Err()
	h.loadedAt = time.Now()
	h.mu.Unlock()
}

func (h *HtpasswdBackend) maybeReload() {
	h.mu.RLock()
	stale := time.Since(h.loadedAt) > h.ttl
	h.mu.RUnlock()
	if stale {
		h.reload()
	}
}

var errUnsupportedHash = errors.New("mountauth: unsupported htpasswd hash scheme")

// Authenticate implements Authenticator.
func (h *HtpasswdBackend) Authenticate(ctx context.Context, req *ClientRequest) Outcome {
	c := req.Client
	if c == nil {
		return OutcomeError
	}
	if h.ttl > 0 {
		h.maybeReload()
	}

	h.mu.RLock()
	hash, ok := h.entries[c.Username]
	h.mu.RUnlock()
	if !ok {
		return OutcomeError
	}

	if err := verifyHash(hash, c.Password); err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

func verifyHash(hash, password string) error {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	default:
		return errUnsupportedHash
	}
}
