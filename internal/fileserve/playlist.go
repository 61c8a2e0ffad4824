package fileserve

import (
	"fmt"
	"net/http"
	"strings"
)

// PlaylistRequest carries the request context playlist synthesis needs:
// the mount being referenced (with its .m3u/.xspf suffix already
// stripped), the listener's Host header, query string, credentials, and
// user agent. Engine.ServeClient builds one from the incoming request
// before dispatching to WriteM3U/WriteXSPF.
type PlaylistRequest struct {
	Mount     string
	Host      string // Host header, used verbatim if it carries a port
	Hostname  string // configured server hostname, used when Host lacks a port
	Port      int
	Query     string
	Username  string
	Password  string
	UserAgent string
}

// protocolFor picks "icy" for QuickTime/QTS user agents and "http"
// otherwise, matching the original's one known client-compatibility
// workaround for M3U playlist generation.
func protocolFor(userAgent string) string {
	if strings.Contains(userAgent, "QTS") || strings.Contains(userAgent, "QuickTime") {
		return "icy"
	}
	return "http"
}

// WriteM3U synthesizes a one-line audio/x-mpegurl playlist pointing back
// at req.Mount, embedding basic-auth credentials in the URL when present.
// A Host header without a port is treated as absent (some clients send a
// bare hostname), falling back to hostname:port from server config.
func WriteM3U(w http.ResponseWriter, req PlaylistRequest) {
	protocol := protocolFor(req.UserAgent)

	authority := req.Host
	if !strings.Contains(authority, ":") {
		authority = fmt.Sprintf("%s:%d", req.Hostname, req.Port)
	}

	userinfo := ""
	if req.Username != "" && req.Password != "" {
		userinfo = fmt.Sprintf("%s:%s@", req.Username, req.Password)
	}

	query := ""
	if req.Query != "" {
		query = "?" + req.Query
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s://%s%s%s%s\r\n", protocol, userinfo, authority, req.Mount, query)
}

// xspfTrack is the minimal XSPF playlist.track element this fallback
// synthesizes: just enough for a listener to locate the stream, unlike
// the original's full live-metadata XSLT transform of server stats.
type xspfTrack struct {
	Location string
	Title    string
}

// WriteXSPF synthesizes a single-track XSPF playlist referencing
// req.Mount. Unlike the original (which transforms a full stats XML
// snapshot through an XSLT stylesheet), this emits a minimal static
// playlist: enriching it with live "now playing" metadata would require
// wiring the stats package into playlist generation, which is out of
// scope for this fallback path.
func WriteXSPF(w http.ResponseWriter, req PlaylistRequest, title string) {
	authority := req.Host
	if !strings.Contains(authority, ":") {
		authority = fmt.Sprintf("%s:%d", req.Hostname, req.Port)
	}
	track := xspfTrack{
		Location: fmt.Sprintf("http://%s%s", authority, req.Mount),
		Title:    title,
	}

	w.Header().Set("Content-Type", "application/xspf+xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<playlist version="1" xmlns="http://xspf.org/ns/0/">
  <trackList>
    <track>
      <location>%s</location>
      <title>%s</title>
    </track>
  </trackList>
</playlist>
`, escapeXML(track.Location), escapeXML(track.Title))
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// IsPlaylistRequest reports whether mount names a synthesizable playlist
// (".m3u" or ".xspf") and returns the base mount name with the suffix
// stripped, matching fserve_client_create's extension check.
func IsPlaylistRequest(mount string) (base string, kind string, ok bool) {
	switch {
	case strings.HasSuffix(mount, ".m3u"):
		return strings.TrimSuffix(mount, ".m3u"), "m3u", true
	case strings.HasSuffix(mount, ".xspf"):
		return strings.TrimSuffix(mount, ".xspf"), "xspf", true
	default:
		return mount, "", false
	}
}
