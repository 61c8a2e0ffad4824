package mountauth

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// maxFallbackHops bounds fallback-chain traversal (spec.md §4.E: "a
// listener may not be moved through more than 20 fallback hops"). The
// counter only decrements when move_listener actually follows a
// fallback_mount edge, not on every call.
const maxFallbackHops = 20

var kbpsSuffix = regexp.MustCompile(`\[(\d+)\]$`)

// ParseFallbackSuffix splits a mount name carrying a trailing "[NNN]"
// kbit/s annotation (spec.md §4.E) from its base name, e.g.
// "/stream.mp3[128]" -> ("/stream.mp3", 128, true). Mounts without the
// suffix return ok=false.
func ParseFallbackSuffix(mount string) (base string, kbps int, ok bool) {
	m := kbpsSuffix.FindStringSubmatchIndex(mount)
	if m == nil {
		return mount, 0, false
	}
	rate, err := strconv.Atoi(mount[m[2]:m[3]])
	if err != nil {
		return mount, 0, false
	}
	return mount[:m[0]], rate, true
}

// fsOverrideKey is the marker MoveListener stores in Client.Opaque when a
// move lands on file serving and Opaque was nil. Nothing in this package
// reads it back, and stream_start does not consult it.
type fsOverrideKey struct{}

// MoveListener implements move_listener: attach c to target (it does not
// itself detach c from its current mount), walking target's own fallback_mount chain (up
// to maxFallbackHops) if target itself has no live source and no servable
// file. Per spec.md §4.E, this never drops the underlying TCP connection;
// failure leaves c exactly where it was.
func (p *Pipeline) MoveListener(ctx context.Context, c *Client, target string) error {
	hops := maxFallbackHops
	mount := target

	for {
		mi, ok := p.Mounts.FindMount(mount)
		if !ok {
			return newPolicyError("not_found", http.StatusNotFound, "")
		}

		base, _, hasSuffix := ParseFallbackSuffix(mount)
		attachMount := mount
		if hasSuffix {
			attachMount = base
		}

		if p.Source != nil {
			err := p.Source.AddListener(ctx, attachMount, c)
			if err == nil {
				c.SetFlag(FlagHasMoved)
				c.ClearFlag(FlagInFserve)
				if p.Stats != nil {
					p.Stats.ListenerAdded(attachMount)
				}
				return nil
			}
			if !isNoLiveSource(err) {
				return err
			}
		}

		if p.Files != nil {
			if err := p.Files.ServeClient(ctx, attachMount, c, c.ResponseWriter, c.Request); err == nil {
				c.SetFlag(FlagHasMoved)
				c.SetFlag(FlagInFserve)
				c.Opaque = withFSOverride(c.Opaque)
				if p.Stats != nil {
					p.Stats.ListenerAdded(attachMount)
				}
				return nil
			}
		}

		if mi.FallbackMount == "" || mi.FallbackMount == mount {
			return newPolicyError("no_live_source", http.StatusNotFound, "")
		}
		if hops <= 0 {
			return newPolicyError("fallback_depth_exceeded", http.StatusNotFound, "")
		}
		hops--
		mount = mi.FallbackMount
	}
}

// withFSOverride returns the fsOverrideKey marker when opaque is nil and
// returns opaque unchanged otherwise; an already attached value is not
// wrapped or tagged.
func withFSOverride(opaque any) any {
	if opaque == nil {
		return fsOverrideKey{}
	}
	return opaque
}

// mountFromHost builds a virtual-host-qualified "host/mount" name, or
// returns mount unchanged when host is empty. It does no lookup and no
// fallback to the bare mount; it is unexported and has no callers.
func mountFromHost(host, mount string) string {
	if host == "" {
		return mount
	}
	return strings.TrimSuffix(host, "/") + mount
}
