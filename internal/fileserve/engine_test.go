package fileserve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gocast/gocast/internal/mountauth"
)

func TestEngineServeClientFullFile(t *testing.T) {
	dir := t.TempDir()
	contents := "hello world, this is a fake mp3 stream body"
	if err := os.WriteFile(filepath.Join(dir, "song.mp3"), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewEngine(dir, nil)
	req := httptest.NewRequest(http.MethodGet, "/song.mp3", nil)
	w := httptest.NewRecorder()
	c := &mountauth.Client{Mount: "/song.mp3"}

	if err := e.ServeClient(context.Background(), "/song.mp3", c, w, req); err != nil {
		t.Fatalf("ServeClient: %v", err)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != contents {
		t.Errorf("body = %q, want %q", got, contents)
	}
	if _, ok := e.cache.Find(FileInfo{Mount: "/song.mp3"}); ok {
		t.Error("FileHandle should be released and removed once the single listener finishes")
	}
}

func TestEngineServeClientByteRange(t *testing.T) {
	dir := t.TempDir()
	contents := "0123456789"
	if err := os.WriteFile(filepath.Join(dir, "clip.mp3"), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewEngine(dir, nil)
	req := httptest.NewRequest(http.MethodGet, "/clip.mp3", nil)
	req.Header.Set("Range", "bytes=5-")
	w := httptest.NewRecorder()
	c := &mountauth.Client{Mount: "/clip.mp3"}

	if err := e.ServeClient(context.Background(), "/clip.mp3", c, w, req); err != nil {
		t.Fatalf("ServeClient: %v", err)
	}
	if w.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", w.Code)
	}
	if got := w.Body.String(); got != "56789" {
		t.Errorf("body = %q, want %q", got, "56789")
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 5-9/10" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestEngineServeClientMissingFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, nil)
	req := httptest.NewRequest(http.MethodGet, "/nope.mp3", nil)
	w := httptest.NewRecorder()
	c := &mountauth.Client{Mount: "/nope.mp3"}

	err := e.ServeClient(context.Background(), "/nope.mp3", c, w, req)
	if err == nil {
		t.Fatal("expected an error for a nonexistent, unregistered mount")
	}
}

func TestEngineRegisterFallbackAppliesTypeAndLimit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fallback.mp3"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e := NewEngine(dir, nil)
	e.RegisterFallback("/fallback.mp3", FileInfo{Type: "audio/mpeg", Limit: 64000})

	fi := e.resolveFileInfo("/fallback.mp3")
	if fi.Type != "audio/mpeg" || fi.Limit != 64000 {
		t.Errorf("resolveFileInfo = %+v, want registered Type/Limit preserved", fi)
	}
	if fi.Flags&FlagFallback == 0 {
		t.Error("RegisterFallback should set FlagFallback")
	}
}
