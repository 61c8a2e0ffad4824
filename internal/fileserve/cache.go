package fileserve

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoFile is returned by Engine.ServeClient when the mount resolves to a
// fallback-only handle with no backing file. Cache.Open itself returns the
// os.Open error when a non-fallback file is missing.
var ErrNoFile = errors.New("fileserve: no file for mount")

// FileHandle is the shared, reference-counted representation of an open
// served file plus every listener currently attached to it (spec.md §3's
// FH). Exactly one FileHandle exists per cache key at a time.
type FileHandle struct {
	finfo  FileInfo
	f      *os.File
	format Format
	rate   *RateWindow // non-nil iff finfo.Limit > 0

	mu          sync.Mutex
	clients     map[*Listener]struct{}
	refcount    int
	peak        int
	statsUpdate time.Time
}

// Lock / Unlock expose the FH mutex directly: callers must acquire it
// between Cache.Find and any use of the handle (spec.md §4.A: "the write
// lock may be released between lookup and use").
func (fh *FileHandle) Lock()   { fh.mu.Lock() }
func (fh *FileHandle) Unlock() { fh.mu.Unlock() }

// Info returns the handle's FileInfo.
func (fh *FileHandle) Info() FileInfo { return fh.finfo }

// ContentLength returns the file's size, or -1 if unknown (a fallback
// entry with no physical file).
func (fh *FileHandle) ContentLength() int64 {
	if fh.f == nil {
		return -1
	}
	st, err := fh.f.Stat()
	if err != nil {
		return -1
	}
	return st.Size()
}

// attach registers l against fh; precondition: fh.mu held.
func (fh *FileHandle) attach(l *Listener) {
	if fh.clients == nil {
		fh.clients = make(map[*Listener]struct{})
	}
	fh.clients[l] = struct{}{}
	fh.refcount++
	if fh.refcount > fh.peak {
		fh.peak = fh.refcount
	}
}

// detach unregisters l from fh; precondition: fh.mu held. Returns the
// post-detach refcount.
func (fh *FileHandle) detach(l *Listener) int {
	delete(fh.clients, l)
	fh.refcount--
	return fh.refcount
}

// Cache is the process-wide map of open FileHandles keyed by
// (mount, flags). Concurrency contract (spec.md §4.A/§5): the cache lock
// and a FileHandle's own mutex form a strict hierarchy -- cache first,
// then FH; no code may acquire the cache lock while already holding an FH
// lock.
type Cache struct {
	docRoot string
	mimes   *MimeTable

	mu      sync.RWMutex
	entries map[cacheKey]*FileHandle
}

// NewCache builds a cache rooted at docRoot, resolving content types via
// mimes.
func NewCache(docRoot string, mimes *MimeTable) *Cache {
	if mimes == nil {
		mimes = NewMimeTable()
	}
	return &Cache{docRoot: docRoot, mimes: mimes, entries: make(map[cacheKey]*FileHandle)}
}

// Find is a read-locked lookup. The returned handle is a borrow: the
// caller must immediately call fh.Lock() before touching it, since the
// cache lock is released the instant Find returns.
func (c *Cache) Find(fi FileInfo) (*FileHandle, bool) {
	c.mu.RLock()
	fh, ok := c.entries[keyOf(fi)]
	c.mu.RUnlock()
	return fh, ok
}

// Open returns the FileHandle for fi, creating and installing one if
// absent. The returned handle is locked and, on a fresh entry,
// refcount == 0; callers must call attach (directly or via Engine) before
// unlocking if they intend to keep the handle alive afterward.
func (c *Cache) Open(fi FileInfo) (*FileHandle, error) {
	c.mu.Lock()
	if fh, ok := c.entries[keyOf(fi)]; ok {
		c.mu.Unlock()
		fh.Lock()
		return fh, nil
	}

	fh, err := c.build(fi)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.entries[keyOf(fi)] = fh
	c.mu.Unlock()

	fh.Lock()
	return fh, nil
}

func (c *Cache) build(fi FileInfo) (*FileHandle, error) {
	var f *os.File
	var contentType string

	path := filepath.Join(c.docRoot, filepath.Clean("/"+fi.Mount))
	if opened, err := os.Open(path); err == nil {
		f = opened
		contentType = c.mimes.Lookup(path)
	} else if fi.Flags&FlagFallback == 0 {
		// A non-fallback entry requires a real file (spec.md §4.A).
		return nil, err
	}
	// A fallback entry with no backing file is a pure redirect-target
	// placeholder and is allowed to exist with f == nil.
	if fi.Type != "" {
		contentType = fi.Type
	}

	fh := &FileHandle{
		finfo:  fi,
		f:      f,
		format: detectFormat(contentType),
	}
	if fi.Limit > 0 {
		limit := fi.Limit
		if limit < minThrottleRate {
			limit = minThrottleRate
		}
		fh.finfo.Limit = limit
		fh.rate = NewRateWindow()
	}
	return fh, nil
}

// fileExists reports whether mount names a real on-disk file, without
// installing anything in the cache. Used by playlist synthesis to decide
// between serving a physical .m3u/.xspf file and generating one.
func (c *Cache) fileExists(mount string) bool {
	path := filepath.Join(c.docRoot, filepath.Clean("/"+mount))
	_, err := os.Stat(path)
	return err == nil
}

// Release drops l's reference to fh; precondition: fh.Lock() held by the
// caller (matching spec.md §4.A: "release(fh): precondition: fh.lock
// held"). If the refcount reaches zero, the entry is removed from the
// cache and the handle's file is closed. fh is unlocked by Release
// regardless of outcome.
func (c *Cache) Release(fh *FileHandle, l *Listener) {
	rc := fh.detach(l)
	if rc > 0 {
		fh.Unlock()
		return
	}
	fh.Unlock()

	c.mu.Lock()
	if cur, ok := c.entries[keyOf(fh.finfo)]; ok && cur == fh {
		delete(c.entries, keyOf(fh.finfo))
	}
	c.mu.Unlock()

	if fh.f != nil {
		fh.f.Close()
	}
}
