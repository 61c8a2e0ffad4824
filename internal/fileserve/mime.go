package fileserve

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// MimeTable resolves a file extension to a content type, loaded from a
// text file with lines `type ext1 ext2 ...` (# starts a comment),
// matching spec.md §6's file layout. spec.md §5 calls the source's
// version a "spinlock, swap-in-place on reload" -- modeled here as an
// atomically-swapped map under an RWMutex, which gives the same
// swap-in-place semantics without a literal busy-wait spinlock.
type MimeTable struct {
	mu    sync.RWMutex
	byExt map[string]string
}

// NewMimeTable returns a table holding the built-in default extension
// map; Load replaces it with the contents of a file.
func NewMimeTable() *MimeTable {
	return &MimeTable{byExt: defaultMimeTypes()}
}

// Load reads path and atomically replaces the table's contents. Lines
// that fail to decode as UTF-8 are retried through a Latin-1 (ISO-8859-1)
// transform, since some legacy mime.types files in the wild are not
// UTF-8 -- golang.org/x/text/encoding/charmap is wired here specifically
// for that fallback.
func (t *MimeTable) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	next := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !isValidUTF8Line(line) {
			line = decodeLatin1(line)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		typ := fields[0]
		for _, ext := range fields[1:] {
			next["."+strings.ToLower(ext)] = typ
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.byExt = next
	t.mu.Unlock()
	return nil
}

func isValidUTF8Line(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

func decodeLatin1(s string) string {
	out, _, err := transform.String(charmap.ISO8859_1.NewDecoder(), s)
	if err != nil {
		return s
	}
	return out
}

// Lookup returns the content type for path's extension, or
// "application/octet-stream" if unknown.
func (t *MimeTable) Lookup(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	t.mu.RLock()
	defer t.mu.RUnlock()
	if typ, ok := t.byExt[ext]; ok {
		return typ
	}
	return "application/octet-stream"
}

func defaultMimeTypes() map[string]string {
	return map[string]string{
		".mp3":  "audio/mpeg",
		".ogg":  "audio/ogg",
		".opus": "audio/ogg",
		".flac": "audio/flac",
		".aac":  "audio/aac",
		".m3u":  "audio/x-mpegurl",
		".xspf": "application/xspf+xml",
		".txt":  "text/plain",
		".html": "text/html",
		".htm":  "text/html",
		".xsl":  "text/xml",
		".flv":  "video/x-flv",
	}
}
