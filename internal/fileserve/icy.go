package fileserve

import "io"

// encodeICYMetadata builds an ICY in-band metadata block for title: a
// single length byte (block length / 16, rounded up) followed by
// `StreamTitle='...';` padded with NUL bytes to a multiple of 16, per the
// Shoutcast/Icecast ICY metadata protocol. An empty title still emits the
// minimal "StreamTitle='';" block rather than a bare zero-length marker,
// matching how most ICY-speaking fallback sources behave when metadata is
// present but blank.
func encodeICYMetadata(title string) []byte {
	payload := []byte("StreamTitle='" + escapeICYTitle(title) + "';")
	blocks := (len(payload) + 15) / 16
	padded := make([]byte, 1+blocks*16)
	padded[0] = byte(blocks)
	copy(padded[1:], payload)
	return padded
}

// escapeICYTitle strips the single-quote delimiter the ICY metadata
// format uses, since the protocol has no escape sequence for it.
func escapeICYTitle(title string) string {
	out := make([]rune, 0, len(title))
	for _, r := range title {
		if r == '\'' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// icyWriter wraps an http.ResponseWriter-backed stream and interleaves
// ICY metadata blocks every interval bytes, per the icy-metaint header
// the caller already advertised. A zero interval disables interleaving
// entirely (the common case: only fallback MP3 files with a format
// plugin carry a metadata label at all).
type icyWriter struct {
	w        io.Writer
	interval int64
	since    int64
	title    func() string
}

func newICYWriter(w io.Writer, interval int64, title func() string) *icyWriter {
	return &icyWriter{w: w, interval: interval, title: title}
}

// Write splits buf on interval boundaries, inserting a metadata block (or
// a single zero byte, meaning "no change") at each boundary.
func (iw *icyWriter) Write(buf []byte) (int, error) {
	if iw.interval <= 0 {
		return iw.w.Write(buf)
	}

	written := 0
	for len(buf) > 0 {
		remaining := iw.interval - iw.since
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = buf[:remaining]
		}
		n, err := iw.w.Write(chunk)
		written += n
		iw.since += int64(n)
		if err != nil {
			return written, err
		}
		buf = buf[n:]

		if iw.since >= iw.interval && n == len(chunk) {
			meta := iw.metadataBlock()
			if _, err := iw.w.Write(meta); err != nil {
				return written, err
			}
			iw.since = 0
		}
	}
	return written, nil
}

func (iw *icyWriter) metadataBlock() []byte {
	if iw.title == nil {
		return []byte{0}
	}
	title := iw.title()
	if title == "" {
		return []byte{0}
	}
	return encodeICYMetadata(title)
}
