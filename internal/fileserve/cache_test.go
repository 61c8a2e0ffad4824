package fileserve

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestCacheOpenFindReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "song.mp3", "fake mp3 bytes")

	c := NewCache(dir, nil)
	fi := FileInfo{Mount: "/song.mp3"}

	fh, err := c.Open(fi)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := &Listener{}
	fh.attach(l)
	if fh.refcount != 1 {
		t.Errorf("refcount = %d, want 1", fh.refcount)
	}
	fh.Unlock()

	if _, ok := c.Find(fi); !ok {
		t.Fatal("Find did not locate the entry installed by Open")
	}

	fh2, err := c.Open(fi)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if fh2 != fh {
		t.Fatal("second Open returned a different handle for the same key")
	}
	fh2.Unlock()

	fh.Lock()
	c.Release(fh, l)

	if _, ok := c.Find(fi); ok {
		t.Fatal("cache still holds the entry after refcount reached zero")
	}
}

func TestCacheOpenMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, nil)
	_, err := c.Open(FileInfo{Mount: "/missing.mp3"})
	if err == nil {
		t.Fatal("expected an error opening a nonexistent, non-fallback file")
	}
}

func TestCacheOpenFallbackWithoutFile(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, nil)
	fi := FileInfo{Mount: "/no-such-fallback.mp3", Flags: FlagFallback}

	fh, err := c.Open(fi)
	if err != nil {
		t.Fatalf("Open of a fallback-flagged entry with no file: %v", err)
	}
	defer fh.Unlock()
	if fh.f != nil {
		t.Error("fallback entry with no backing file should have a nil *os.File")
	}
	if fh.ContentLength() != -1 {
		t.Errorf("ContentLength = %d, want -1 for a fileless fallback handle", fh.ContentLength())
	}
}

func TestCacheRefcountMatchesClientCount(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "song.mp3", "abc")
	c := NewCache(dir, nil)
	fi := FileInfo{Mount: "/song.mp3"}

	fh, err := c.Open(fi)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	listeners := []*Listener{{}, {}, {}}
	for _, l := range listeners {
		fh.attach(l)
	}
	if fh.refcount != len(listeners) || len(fh.clients) != len(listeners) {
		t.Fatalf("refcount=%d clients=%d, want %d", fh.refcount, len(fh.clients), len(listeners))
	}
	fh.Unlock()

	for i, l := range listeners {
		fh.Lock()
		if i < len(listeners)-1 {
			fh.detach(l)
			if fh.refcount != len(listeners)-i-1 {
				t.Errorf("after detach %d: refcount = %d", i, fh.refcount)
			}
			fh.Unlock()
			continue
		}
		c.Release(fh, l)
	}

	if _, ok := c.Find(fi); ok {
		t.Fatal("entry should be gone once every listener detached")
	}
}

func TestCacheLimitAppliesThrottleFloor(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "song.mp3", "abc")
	c := NewCache(dir, nil)

	fh, err := c.Open(FileInfo{Mount: "/song.mp3", Limit: 100})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fh.Unlock()
	if fh.rate == nil {
		t.Fatal("expected a rate window when Limit > 0")
	}
	if fh.finfo.Limit != minThrottleRate {
		t.Errorf("Limit = %d, want floor of %d", fh.finfo.Limit, minThrottleRate)
	}
}
