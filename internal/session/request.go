package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// Result is the response of PreRequest, matching the pre_request tool's
// result shape in SPEC_FULL.md §6.
type Result struct {
	Status        int
	Headers       http.Header
	Cookies       []*http.Cookie
	RedirectChain []string
	FinalURL      string
	ElapsedMs     int64
}

const defaultMaxRedirects = 5

// PreRequest performs one HTTP request through the named session: it
// applies merged headers, follows redirects (tracking the chain) up to
// maxRedirects, stores Set-Cookie responses in the session jar, and
// updates the session's referer to the final URL.
func (m *Manager) PreRequest(ctx context.Context, sessionID, method, rawURL string, body []byte, extraHeaders map[string]string, timeout time.Duration, followRedirects bool, maxRedirects int) (*Result, error) {
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	st, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	var chain []string
	client := &http.Client{
		Jar:     st.Jar,
		Timeout: timeout,
	}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			chain = append(chain, req.URL.String())
			if len(via) >= maxRedirects {
				return coretypes.NewNetworkError("too many redirects", nil)
			}
			return nil
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, coretypes.NewNetworkError("building request", err)
	}

	headers, err := m.BuildHeaders(sessionID, rawURL, extraHeaders)
	if err != nil {
		return nil, err
	}
	req.Header = headers

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, coretypes.NewNetworkError("performing request", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if st.Auth != nil && st.Auth.Kind == AuthDigest && resp.StatusCode == http.StatusUnauthorized {
		ApplyChallenge(st.Auth, resp.Header.Get("WWW-Authenticate"))
	}

	finalURL := resp.Request.URL.String()
	st.SetReferer(finalURL)

	var cookies []*http.Cookie
	if parsed, err := url.Parse(finalURL); err == nil && st.Jar != nil {
		cookies = st.Jar.Cookies(parsed)
	}

	return &Result{
		Status:        resp.StatusCode,
		Headers:       resp.Header,
		Cookies:       cookies,
		RedirectChain: chain,
		FinalURL:      finalURL,
		ElapsedMs:     elapsed.Milliseconds(),
	}, nil
}

// BuildHeaders merges default session headers, scoped cookies (via the
// session's cookie jar, which already implements RFC 6265 domain/path/
// secure/expiry matching) and auth, then applies extraHeaders last so
// caller overrides always win, per SPEC_FULL.md §4.5.
func (m *Manager) BuildHeaders(sessionID, rawURL string, extraHeaders map[string]string) (http.Header, error) {
	st, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, coretypes.NewConfigError("invalid url: " + rawURL)
	}

	h := http.Header{}
	ua := st.UserAgent
	if ua == "" {
		ua = (*coretypes.RuntimeConfig)(nil).GetUserAgent()
	}
	h.Set("User-Agent", ua)
	h.Set("Accept-Encoding", "gzip, deflate")

	if ref := st.GetReferer(); ref != "" {
		h.Set("Referer", ref)
	}
	if st.Origin != "" {
		h.Set("Origin", st.Origin)
	}

	if st.Jar != nil {
		if cookies := st.Jar.Cookies(parsed); len(cookies) > 0 {
			req := &http.Request{Header: http.Header{}}
			for _, c := range cookies {
				req.AddCookie(c)
			}
			if c := req.Header.Get("Cookie"); c != "" {
				h.Set("Cookie", c)
			}
		}
	}

	if st.Auth != nil {
		if authHeader := BuildAuthHeader(st.Auth, http.MethodGet, escapeURI(parsed)); authHeader != "" {
			h.Set("Authorization", authHeader)
		}
	}

	for k, v := range extraHeaders {
		h.Set(k, v)
	}

	return h, nil
}
