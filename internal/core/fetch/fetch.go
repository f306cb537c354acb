// Package fetch holds the outbound HTTP plumbing shared by the scrapers and
// the download pipeline: timeout-bound clients, per-platform header
// profiles, and short-URL redirect resolution.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DesktopUA is the default browser identity for page fetches.
	DesktopUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	// MobileUA is used against mobile-only endpoints (Weibo, Facebook mbasic).
	MobileUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (Version/17.0 Mobile/15E148 Safari/604.1)"

	// APITimeout bounds JSON API calls.
	APITimeout = 10 * time.Second
	// PageTimeout bounds HTML page scrapes, which are slower.
	PageTimeout = 15 * time.Second
	// RedirectTimeout bounds short-URL expansion.
	RedirectTimeout = 5 * time.Second
)

// ErrTimeout marks a deadline-exceeded fetch so callers can map it onto the
// TIMEOUT error code instead of the generic NETWORK_ERROR.
var ErrTimeout = errors.New("request timed out")

// Client returns an HTTP client with the given total timeout.
func Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}
}

// Profile is the header set a platform expects to see.
type Profile struct {
	UserAgent string
	Referer   string
	Origin    string
	Accept    string
	Extra     map[string]string
}

// Apply sets the profile's headers on a request.
func (p Profile) Apply(req *http.Request) {
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	} else {
		req.Header.Set("User-Agent", DesktopUA)
	}
	if p.Referer != "" {
		req.Header.Set("Referer", p.Referer)
	}
	if p.Origin != "" {
		req.Header.Set("Origin", p.Origin)
	}
	if p.Accept != "" {
		req.Header.Set("Accept", p.Accept)
	}
	for k, v := range p.Extra {
		req.Header.Set(k, v)
	}
}

// ProfileFor returns the header profile media CDNs of a platform expect.
// An unknown platform gets the plain desktop profile.
func ProfileFor(platform string) Profile {
	switch platform {
	case "tiktok", "douyin":
		return Profile{UserAgent: DesktopUA, Referer: "https://www.tiktok.com/"}
	case "instagram":
		return Profile{UserAgent: DesktopUA, Referer: "https://www.instagram.com/", Origin: "https://www.instagram.com"}
	case "facebook":
		return Profile{UserAgent: DesktopUA, Referer: "https://www.facebook.com/"}
	case "twitter":
		return Profile{UserAgent: DesktopUA, Referer: "https://x.com/"}
	case "weibo":
		return Profile{UserAgent: MobileUA, Referer: "https://m.weibo.cn/"}
	case "youtube":
		return Profile{UserAgent: DesktopUA, Origin: "https://www.youtube.com"}
	default:
		return Profile{UserAgent: DesktopUA}
	}
}

// Get performs a GET with the profile applied and reads the full body.
// Non-2xx statuses are returned as errors together with the status code so
// callers can branch on 401/403/429.
func Get(ctx context.Context, client *http.Client, rawURL string, profile Profile) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	profile.Apply(req)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, ErrTimeout
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// GetWithCookie is Get with a raw Cookie header attached.
func GetWithCookie(ctx context.Context, client *http.Client, rawURL string, profile Profile, cookie string) ([]byte, int, error) {
	if cookie == "" {
		return Get(ctx, client, rawURL, profile)
	}
	if profile.Extra == nil {
		profile.Extra = map[string]string{}
	}
	profile.Extra["Cookie"] = cookie
	return Get(ctx, client, rawURL, profile)
}

// ResolveRedirect follows redirects of a shortened URL and returns the final
// location. The body is discarded.
func ResolveRedirect(ctx context.Context, shortURL string) (string, error) {
	client := &http.Client{
		Timeout: RedirectTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shortURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", DesktopUA)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	return resp.Request.URL.String(), nil
}
