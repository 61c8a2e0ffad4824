package fileserve

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsPlaylistRequest(t *testing.T) {
	tests := []struct {
		mount    string
		wantBase string
		wantKind string
		wantOK   bool
	}{
		{"/stream.m3u", "/stream", "m3u", true},
		{"/stream.xspf", "/stream", "xspf", true},
		{"/stream.mp3", "/stream.mp3", "", false},
	}
	for _, tt := range tests {
		base, kind, ok := IsPlaylistRequest(tt.mount)
		if base != tt.wantBase || kind != tt.wantKind || ok != tt.wantOK {
			t.Errorf("IsPlaylistRequest(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.mount, base, kind, ok, tt.wantBase, tt.wantKind, tt.wantOK)
		}
	}
}

func TestWriteM3UUsesHostHeaderWithPort(t *testing.T) {
	w := httptest.NewRecorder()
	WriteM3U(w, PlaylistRequest{Mount: "/stream", Host: "example.com:8000"})
	body := w.Body.String()
	if !strings.HasPrefix(body, "http://example.com:8000/stream") {
		t.Errorf("body = %q, want it to start with http://example.com:8000/stream", body)
	}
	if got := w.Header().Get("Content-Type"); got != "audio/x-mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestWriteM3UFallsBackToHostnameWithoutPort(t *testing.T) {
	w := httptest.NewRecorder()
	WriteM3U(w, PlaylistRequest{Mount: "/stream", Host: "example.com", Hostname: "radio.example.net", Port: 8000})
	body := w.Body.String()
	if !strings.Contains(body, "radio.example.net:8000/stream") {
		t.Errorf("body = %q, want hostname:port fallback since Host had no port", body)
	}
}

func TestWriteM3UQuickTimeUsesICYProtocol(t *testing.T) {
	w := httptest.NewRecorder()
	WriteM3U(w, PlaylistRequest{Mount: "/stream", Host: "example.com:8000", UserAgent: "QuickTime/7.6.6"})
	if !strings.HasPrefix(w.Body.String(), "icy://") {
		t.Errorf("body = %q, want icy:// protocol for a QuickTime user agent", w.Body.String())
	}
}

func TestWriteM3UEmbedsCredentials(t *testing.T) {
	w := httptest.NewRecorder()
	WriteM3U(w, PlaylistRequest{Mount: "/stream", Host: "example.com:8000", Username: "alice", Password: "secret"})
	if !strings.Contains(w.Body.String(), "alice:secret@example.com") {
		t.Errorf("body = %q, want embedded basic-auth credentials", w.Body.String())
	}
}

func TestWriteXSPFProducesTrack(t *testing.T) {
	w := httptest.NewRecorder()
	WriteXSPF(w, PlaylistRequest{Mount: "/stream", Host: "example.com:8000"}, "My Station")
	body := w.Body.String()
	if !strings.Contains(body, "<location>http://example.com:8000/stream</location>") {
		t.Errorf("body = %q, missing expected location element", body)
	}
	if got := w.Header().Get("Content-Type"); got != "application/xspf+xml" {
		t.Errorf("Content-Type = %q", got)
	}
}
