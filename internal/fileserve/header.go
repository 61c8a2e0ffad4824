package fileserve

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocast/gocast/internal/mountauth"
)

// rangeRequest is a parsed `Range: bytes=N-` header (spec.md §4.B only
// ever emits an open-ended range: "bytes=N-", never "bytes=N-M").
type rangeRequest struct {
	start int64
}

// parseRange parses header against a known content length. A missing
// header is not an error (ok=false, err=nil); a malformed or
// out-of-bounds one is (spec.md §8: "Range: bytes=100-" on a 100-byte
// file, i.e. start == length, must fail the attach).
func parseRange(header string, contentLength int64) (rr rangeRequest, ok bool, err error) {
	if header == "" {
		return rangeRequest{}, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return rangeRequest{}, false, mountauth.ErrBadRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return rangeRequest{}, false, mountauth.ErrBadRange
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return rangeRequest{}, false, mountauth.ErrBadRange
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return rangeRequest{}, false, mountauth.ErrBadRange
	}
	if contentLength >= 0 && start >= contentLength {
		return rangeRequest{}, false, mountauth.ErrBadRange
	}
	return rangeRequest{start: start}, true, nil
}

// writeHeader synthesizes the listener's HTTP response header, per
// spec.md §4.B "HTTP header synthesis (performed once per listener at
// attach)". Returns the intro_offset to start reading from.
func writeHeader(w http.ResponseWriter, rangeHeader, contentType string, contentLength int64, noContentLength bool) (introOffset int64, err error) {
	rr, hasRange, parseErr := parseRange(rangeHeader, contentLength)
	if parseErr != nil {
		return 0, parseErr
	}

	h := w.Header()
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Accept-Ranges", "bytes")

	if hasRange {
		remaining := contentLength - rr.start
		h.Set("Content-Length", strconv.FormatInt(remaining, 10))
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rr.start, contentLength-1, contentLength))
		w.WriteHeader(http.StatusPartialContent)
		return rr.start, nil
	}

	if !noContentLength && contentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	return 0, nil
}
