// Package fileserve tests for HTTP header synthesis and byte-range framing
package fileserve

import (
	"net/http/httptest"
	"testing"
)

func TestWriteHeaderRangeRequest(t *testing.T) {
	w := httptest.NewRecorder()
	offset, err := writeHeader(w, "bytes=0-", "audio/mpeg", 100, false)
	if err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0", offset)
	}
	if w.Code != 206 {
		t.Errorf("status = %d, want 206", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 0-99/100" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes 0-99/100")
	}
	if got := w.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want 100", got)
	}
}

func TestWriteHeaderPartialRange(t *testing.T) {
	w := httptest.NewRecorder()
	offset, err := writeHeader(w, "bytes=500000-", "audio/mpeg", 1000000, false)
	if err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	if offset != 500000 {
		t.Errorf("offset = %d, want 500000", offset)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 500000-999999/1000000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := w.Header().Get("Content-Length"); got != "500000" {
		t.Errorf("Content-Length = %q, want 500000", got)
	}
}

func TestWriteHeaderRangeAtEOF(t *testing.T) {
	w := httptest.NewRecorder()
	// spec.md §8: "Range: bytes=100-" (== length) -> attach fails.
	_, err := writeHeader(w, "bytes=100-", "audio/mpeg", 100, false)
	if err == nil {
		t.Fatal("expected an error for a range starting at content length")
	}
}

func TestWriteHeaderNoRange(t *testing.T) {
	w := httptest.NewRecorder()
	offset, err := writeHeader(w, "", "audio/mpeg", 100, false)
	if err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0", offset)
	}
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want 100", got)
	}
}

func TestWriteHeaderNoContentLength(t *testing.T) {
	w := httptest.NewRecorder()
	_, err := writeHeader(w, "", "audio/mpeg", 100, true)
	if err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	if got := w.Header().Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want empty when NoContentLength is set", got)
	}
}

func TestParseRangeMalformed(t *testing.T) {
	tests := []string{"bytes=", "bytes=abc-", "bytes=-5", "bytes=10-20,30-40"}
	for _, h := range tests {
		_, ok, err := parseRange(h, 100)
		if ok || err == nil {
			t.Errorf("parseRange(%q) = (ok=%v, err=%v), want malformed error", h, ok, err)
		}
	}
}
