package fileserve

import (
	"os"

	"github.com/dhowden/tag"
)

// mp3Format reads ID3 metadata for the "now playing" ICY injection on
// typed MP3 fallbacks. Grounded on arung-agamani-denpa-radio's use of
// github.com/dhowden/tag for track metadata, adapted from a playlist
// display label into the fallback FileHandle's intro metadata string.
type mp3Format struct{}

func (mp3Format) Name() string { return "mp3" }

func (mp3Format) Metadata(f *os.File) string {
	if f == nil {
		return ""
	}
	// tag.ReadFrom seeks within f; callers must not rely on the current
	// offset afterward, and are expected to reset it (intro_offset reads
	// always start from an explicit offset, never from the current
	// position).
	defer f.Seek(0, os.SEEK_SET)

	m, err := tag.ReadFrom(f)
	if err != nil {
		return ""
	}
	artist := m.Artist()
	title := m.Title()
	switch {
	case artist != "" && title != "":
		return artist + " - " + title
	case title != "":
		return title
	default:
		return ""
	}
}

// mp3FrameSync reports whether b begins with an MPEG audio frame sync
// (11 set bits). The File/ThrottledFile read paths do not call it.
func mp3FrameSync(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
}
