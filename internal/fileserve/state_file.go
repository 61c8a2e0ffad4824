package fileserve

import (
	"context"
	"errors"
	"io"
	"time"
)

// fileReadChunk / maxFileCyclesPerWake / maxFileBytesPerWake mirror
// spec.md §4.B's File state: "reads 8 KiB at a time ... up to six
// pread->write cycles per wake, bounded by 30 000 bytes written."
const (
	fileReadChunk        = 8192
	maxFileCyclesPerWake = 6
	maxFileBytesPerWake  = 30000
)

// errFatalRead signals a File-state read that spec.md §4.B classifies as
// fatal ("file read returning <= 0 in File state: fatal").
var errFatalRead = errors.New("fileserve: fatal file read")

// runFileState drains fh's file to w at full socket speed, honoring an
// optional discon deadline and the global throttle-sends backoff. It
// blocks until the file is exhausted, the context is cancelled, the
// listener's connection errors, or a fatal read occurs.
func runFileState(ctx context.Context, e *Engine, l *Listener, fh *FileHandle, w io.Writer, flush func()) error {
	buf := getBuf(fileReadChunk)
	defer putBuf(buf)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.ConnectionError() {
			return nil
		}
		if !l.disconAt.IsZero() && time.Now().After(l.disconAt) {
			return nil
		}

		written := 0
		for cycle := 0; cycle < maxFileCyclesPerWake && written < maxFileBytesPerWake; cycle++ {
			n, err := fh.f.ReadAt(buf, l.introOffset)
			if n <= 0 {
				if err == io.EOF {
					return nil
				}
				if err != nil {
					l.setConnError()
					return errFatalRead
				}
			}
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					l.setConnError()
					return werr
				}
				flush()
				l.introOffset += int64(n)
				l.counter += int64(n)
				written += n
			}
			if err == io.EOF {
				return nil
			}
		}

		if e.globalThrottle.Load() && time.Since(l.timerStart) > time.Second {
			time.Sleep(10 * time.Millisecond)
		}
	}
}
