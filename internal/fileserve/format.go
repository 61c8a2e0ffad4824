package fileserve

import "os"

// Format is the per-type plugin a FileHandle may attach, matching
// spec.md §3's "format: optional format plugin (for typed fallbacks, e.g.
// MP3 metadata injection)". A format plugin never changes the bytes
// written to the socket; it only supplies metadata (the intro/"now
// playing" label) to layers above it.
type Format interface {
	// Name identifies the format for logging/stats ("mp3", "ogg", ...).
	Name() string
	// Metadata returns the display label for ICY metadata injection, or
	// "" if the format has nothing to contribute.
	Metadata(f *os.File) string
}

// formatRegistry maps sniffed content types to a Format constructor.
var formatRegistry = map[string]func() Format{
	"audio/mpeg": func() Format { return &mp3Format{} },
}

// detectFormat returns the plugin registered for contentType, or nil if
// none applies -- absence is not an error per spec.md §9's "any may be
// absent" capability discipline.
func detectFormat(contentType string) Format {
	if ctor, ok := formatRegistry[contentType]; ok {
		return ctor()
	}
	return nil
}
