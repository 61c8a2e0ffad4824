package fileserve

import (
	"context"
	"io"
	"time"
)

// throttledReadChunk is the per-block read size for throttled fallback
// streams -- smaller than the File state's 8 KiB since each block is
// paced individually against the configured bit-rate cap.
const throttledReadChunk = 4096

// statsPublishInterval is spec.md §4.B's "publish outgoing_kbitrate at
// most once every 5 seconds across all listeners on this FH".
const statsPublishInterval = 5 * time.Second

// runThrottledState serves fh's content at its configured bit-rate cap,
// looping the file on EOF (a fallback stream never "ends"). It blocks
// until the context is cancelled or the listener's connection errors.
// FS_OVERRIDE migration (spec.md §4.E) is driven externally by
// mountauth.Pipeline.MoveListener, which reattaches the listener to a new
// FileHandle outside this loop rather than this loop detecting it
// mid-stream.
func runThrottledState(ctx context.Context, e *Engine, l *Listener, fh *FileHandle, w io.Writer, flush func()) error {
	buf := getBuf(throttledReadChunk)
	defer putBuf(buf)

	limit := int64(fh.finfo.Limit)
	if limit < minThrottleRate {
		limit = minThrottleRate
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.ConnectionError() {
			return nil
		}

		now := time.Now()
		secs := now.Sub(l.timerStart).Seconds()
		if secs < 3 || rateTooFast(l.counter, limit, secs) {
			sleepMs := 1000.0 / (float64(limit) / minThrottleRate)
			if sleepMs < 50 {
				sleepMs = 50
			}
			if fh.rate != nil {
				fh.rate.Sample(now.Unix(), 0)
			}
			time.Sleep(time.Duration(sleepMs) * time.Millisecond)
			continue
		}

		publishRateIfDue(fh, now)

		n, err := fh.f.ReadAt(buf, l.introOffset)
		if n == 0 {
			// End of fallback file: wrap around after a short pause
			// (spec.md §4.B: "on end-of-file, loop (intro_offset <- 0)
			// after a 150ms pause").
			l.introOffset = 0
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				l.setConnError()
				return werr
			}
			flush()
			l.introOffset += int64(n)
			l.counter += int64(n)
			if fh.rate != nil {
				fh.rate.Sample(now.Unix(), int64(n))
			}
		}
		_ = err

		reschedMs := 1000.0 / (float64(limit) / minThrottleRate * 2)
		if e.globalThrottle.Load() {
			reschedMs += 300
		}
		time.Sleep(time.Duration(reschedMs) * time.Millisecond)
	}
}

// rateTooFast implements spec.md §4.B's "rate = (counter + 1400)/secs;
// if rate > limit ... sleep".
func rateTooFast(counter, limit int64, secs float64) bool {
	if secs <= 0 {
		return true
	}
	rate := (float64(counter) + minThrottleRate) / secs
	return rate > float64(limit)
}

// publishRateIfDue publishes fh's outgoing_kbitrate stat at most once
// every statsPublishInterval, the first listener to observe the due time
// winning the lock-guarded check (spec.md §4.B).
func publishRateIfDue(fh *FileHandle, now time.Time) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if now.Before(fh.statsUpdate) {
		return
	}
	fh.statsUpdate = now.Add(statsPublishInterval)
	// The actual stat sink is an external collaborator (spec.md §1); this
	// hook just marks that this listener won the publish race. No value
	// is published: FileHandle has no accessor for
	// fh.rate.OutgoingKbitrate.
}
