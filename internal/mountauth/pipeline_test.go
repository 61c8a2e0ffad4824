package mountauth

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeMounts struct {
	mu    sync.RWMutex
	mi    map[string]*MountInfo
}

func newFakeMounts() *fakeMounts { return &fakeMounts{mi: make(map[string]*MountInfo)} }

func (f *fakeMounts) set(mount string, m *MountInfo) {
	f.mu.Lock()
	f.mi[mount] = m
	f.mu.Unlock()
}

func (f *fakeMounts) FindMount(mount string) (*MountInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.mi[mount]
	return m, ok
}

type fakeSource struct {
	live map[string]bool
}

func (s *fakeSource) AddListener(ctx context.Context, mount string, c *Client) error {
	if s.live[mount] {
		return nil
	}
	return ErrNoLiveSource
}

type fakeFiles struct {
	servable map[string]bool
}

func (f *fakeFiles) ServeClient(ctx context.Context, mount string, c *Client, w http.ResponseWriter, r *http.Request) error {
	if f.servable[mount] {
		return nil
	}
	return newPolicyError("not_found", 404, "")
}

type fakeStats struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (s *fakeStats) ListenerAdded(mount string) {
	s.mu.Lock()
	s.added = append(s.added, mount)
	s.mu.Unlock()
}

func (s *fakeStats) ListenerRemoved(mount string) {
	s.mu.Lock()
	s.removed = append(s.removed, mount)
	s.mu.Unlock()
}

func waitFinish(t *testing.T, timeout time.Duration) (ch chan struct {
	code int
	realm string
}, finish func(code int, realm string, connErr bool)) {
	t.Helper()
	ch = make(chan struct {
		code  int
		realm string
	}, 1)
	finish = func(code int, realm string, connErr bool) {
		ch <- struct {
			code  int
			realm string
		}{code, realm}
	}
	return ch, finish
}

func TestPipelineAddListenerNoMount(t *testing.T) {
	p := &Pipeline{Mounts: newFakeMounts()}
	c := NewClient("1.2.3.4", "example.com", "/missing", "agent")
	err := p.AddListener(context.Background(), c)
	pe, ok := IsPolicyError(err)
	if !ok || pe.HTTPCode != 404 {
		t.Fatalf("got %v, want 404 policy error", err)
	}
}

func TestPipelineAddListenerNoMountFlag(t *testing.T) {
	mounts := newFakeMounts()
	mounts.set("/blocked", &MountInfo{NoMount: true})
	p := &Pipeline{Mounts: mounts}
	c := NewClient("1.2.3.4", "example.com", "/blocked", "agent")
	err := p.AddListener(context.Background(), c)
	pe, ok := IsPolicyError(err)
	if !ok || pe.Op != "no_mount" || pe.HTTPCode != 403 {
		t.Fatalf("got %v, want 403 no_mount", err)
	}
}

func TestPipelineAddListenerNoAuthRequired(t *testing.T) {
	mounts := newFakeMounts()
	mounts.set("/live", &MountInfo{})
	source := &fakeSource{live: map[string]bool{"/live": true}}
	stats := &fakeStats{}
	p := &Pipeline{Mounts: mounts, Source: source, Stats: stats}

	c := NewClient("1.2.3.4", "example.com", "/live", "agent")
	if err := p.AddListener(context.Background(), c); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if len(stats.added) != 1 || stats.added[0] != "/live" {
		t.Errorf("stats.added = %v, want [/live]", stats.added)
	}
}

func TestPipelineAddListenerFallsBackToFiles(t *testing.T) {
	mounts := newFakeMounts()
	mounts.set("/archive", &MountInfo{})
	source := &fakeSource{live: map[string]bool{}}
	files := &fakeFiles{servable: map[string]bool{"/archive": true}}
	p := &Pipeline{Mounts: mounts, Source: source, Files: files}

	c := NewClient("1.2.3.4", "example.com", "/archive", "agent")
	if err := p.AddListener(context.Background(), c); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
}

func TestPipelineEnqueueNewListenerThroughAuthenticator(t *testing.T) {
	mounts := newFakeMounts()
	backend := &fakeAuthBackend{outcome: OutcomeOK}
	in := NewInstance(Config{Realm: "test"}, backend, nil)
	defer in.Release()
	source := &fakeSource{live: map[string]bool{"/secure": true}}
	mounts.set("/secure", &MountInfo{Auth: in})
	p := &Pipeline{Mounts: mounts, Source: source}

	ch, finish := waitFinish(t, time.Second)
	c := NewClient("1.2.3.4", "example.com", "/secure", "agent")
	c.Finish = finish

	if err := p.AddListener(context.Background(), c); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("authenticated listener should not call Finish")
	case <-time.After(50 * time.Millisecond):
	}
	if !c.Authenticated() {
		t.Error("client should be authenticated after successful callback")
	}
}

func TestPipelineEnqueueRejectedSendsRealm(t *testing.T) {
	mounts := newFakeMounts()
	backend := &fakeAuthBackend{outcome: OutcomeError}
	in := NewInstance(Config{Realm: "myrealm"}, backend, nil)
	defer in.Release()
	mounts.set("/secure", &MountInfo{Auth: in})
	p := &Pipeline{Mounts: mounts}

	ch, finish := waitFinish(t, time.Second)
	c := NewClient("1.2.3.4", "example.com", "/secure", "agent")
	c.Finish = finish

	if err := p.AddListener(context.Background(), c); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	select {
	case got := <-ch:
		if got.code != 401 || got.realm != "myrealm" {
			t.Errorf("got %+v, want 401/myrealm", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Finish")
	}
}

func TestParseFallbackSuffix(t *testing.T) {
	tests := []struct {
		mount    string
		wantBase string
		wantKbps int
		wantOK   bool
	}{
		{"/stream.mp3[128]", "/stream.mp3", 128, true},
		{"/stream.mp3", "/stream.mp3", 0, false},
		{"/a/b[64]", "/a/b", 64, true},
	}
	for _, tt := range tests {
		base, kbps, ok := ParseFallbackSuffix(tt.mount)
		if base != tt.wantBase || kbps != tt.wantKbps || ok != tt.wantOK {
			t.Errorf("ParseFallbackSuffix(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.mount, base, kbps, ok, tt.wantBase, tt.wantKbps, tt.wantOK)
		}
	}
}
