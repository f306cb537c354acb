// Package scrape turns a public content URL into a normalized Result via
// per-platform scrapers. Each scraper adapts one platform's unofficial API
// or page markup; everything downstream only ever sees media.Info.
package scrape

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/risunCode/downaria/internal/core/cache"
)

// Options tune a single scrape call.
type Options struct {
	Cookie    string
	SkipCache bool
	HD        bool
	Timeout   time.Duration
}

// Scraper is the per-platform adapter contract. Scrape must not panic and
// must not return errors out of band; every failure is a Result.
type Scraper interface {
	// Name is the canonical platform name ("youtube", "tiktok", ...).
	Name() string
	// Hosts lists the domain aliases this scraper claims.
	Hosts() []string
	// Scrape extracts media from a URL that matched one of Hosts.
	Scrape(ctx context.Context, rawURL string, opts Options) *Result
}

var scrapersByHost = map[string]Scraper{}
var scrapersByName = map[string]Scraper{}

// Register adds a scraper under all its host aliases.
func Register(s Scraper) {
	scrapersByName[s.Name()] = s
	for _, h := range s.Hosts() {
		scrapersByHost[h] = s
	}
}

// ByName returns a registered scraper by platform name.
func ByName(name string) Scraper {
	return scrapersByName[name]
}

// Detect finds the scraper owning a URL's host, trying the exact host and
// the host without its www. prefix. Returns nil for unknown hosts.
func Detect(rawURL string) Scraper {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if s, ok := scrapersByHost[host]; ok {
		return s
	}
	if strings.HasPrefix(host, "www.") {
		if s, ok := scrapersByHost[host[4:]]; ok {
			return s
		}
	}
	return nil
}

// matchesHost reports whether a URL belongs to one of the scraper's domain
// aliases. Scrapers call this first and fail with INVALID_URL before any
// network code runs.
func matchesHost(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Service is the entry point the server and CLI use: platform detection,
// cache, scraper dispatch.
type Service struct {
	cache *cache.Cache
}

// NewService wires a scrape service around a cache instance.
func NewService(c *cache.Cache) *Service {
	return &Service{cache: c}
}

// Scrape resolves the platform for a URL and runs its scraper, consulting
// the cache unless opts.SkipCache. Cached results are annotated Cached:true.
func (s *Service) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	scraper := Detect(rawURL)
	if scraper == nil {
		return Failf(ErrUnsupportedPlatform, "no scraper for URL: %s", rawURL)
	}

	if s.cache != nil && !opts.SkipCache {
		if v, ok := s.cache.Get(scraper.Name(), rawURL); ok {
			if cached, ok := v.(*Result); ok {
				out := *cached
				out.Cached = true
				return &out
			}
		}
	}

	res := scraper.Scrape(ctx, rawURL, opts)
	if res.Platform == "" {
		res.Platform = scraper.Name()
	}
	if res.Success && s.cache != nil {
		s.cache.Set(scraper.Name(), rawURL, res)
	}
	return res
}

// Platforms lists all registered platform names.
func Platforms() []string {
	names := make([]string, 0, len(scrapersByName))
	for n := range scrapersByName {
		names = append(names, n)
	}
	return names
}

// withTimeout applies the per-call timeout, falling back to a default.
func withTimeout(ctx context.Context, opts Options, fallback time.Duration) (context.Context, context.CancelFunc) {
	d := opts.Timeout
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(ctx, d)
}
