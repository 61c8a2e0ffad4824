package mountauth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/idna"
)

// URLBackend authenticates and tracks listeners through an external HTTP
// callback, the "url" authenticator type of spec.md §6. It posts form-
// encoded listener metadata to AddURL / RemoveURL and treats a 2xx
// response as OutcomeOK. Host headers are IDNA-normalized before being
// embedded in outgoing requests, since the listeners hitting this backend
// may carry arbitrary (and possibly punycode-unsafe) Host values.
type URLBackend struct {
	AddURL    string
	RemoveURL string
	AuthHeader string // optional bearer/basic header forwarded to the callback

	Client *http.Client
}

// NewURLBackend builds a URLBackend with a bounded-timeout HTTP client,
// matching the teacher's preference for explicit timeouts on outbound
// calls (internal/server/server.go's http.Server read/write deadlines).
func NewURLBackend(addURL, removeURL string) *URLBackend {
	return &URLBackend{
		AddURL:    addURL,
		RemoveURL: removeURL,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func normalizeHost(host string) string {
	if host == "" {
		return host
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

func (b *URLBackend) post(ctx context.Context, target string, c *Client, extra url.Values) Outcome {
	if target == "" {
		return OutcomeOK
	}
	form := url.Values{
		"action":   {"auth"},
		"mount":    {c.Mount},
		"user":     {c.Username},
		"pass":     {c.Password},
		"ip":       {c.Remote},
		"agent":    {c.UserAgent},
		"host":     {normalizeHost(c.Host)},
	}
	for k, v := range extra {
		form[k] = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return OutcomeError
	}
	req.URL.RawQuery = form.Encode()
	if b.AuthHeader != "" {
		req.Header.Set("Authorization", b.AuthHeader)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return OutcomeError
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return OutcomeOK
	}
	return OutcomeError
}

// Authenticate implements Authenticator.
func (b *URLBackend) Authenticate(ctx context.Context, req *ClientRequest) Outcome {
	if req.Client == nil {
		return OutcomeError
	}
	return b.post(ctx, b.AddURL, req.Client, nil)
}

// ReleaseListener implements ListenerReleaser: fires the remove callback,
// best-effort, and always reports success since a failed notification
// must not block the client's own disconnect.
func (b *URLBackend) ReleaseListener(ctx context.Context, req *ClientRequest) Outcome {
	if req.Client == nil {
		return OutcomeOK
	}
	b.post(ctx, b.RemoveURL, req.Client, url.Values{"duration": {strconv.Itoa(0)}})
	return OutcomeOK
}
