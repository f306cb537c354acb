package scrape

import "github.com/risunCode/downaria/internal/core/media"

// AuthMode describes a platform's cookie policy.
type AuthMode int

const (
	// NoAuth platforms never send a cookie (YouTube, TikTok, Douyin).
	NoAuth AuthMode = iota
	// GuestThenCookie tries a guest request first and retries once with the
	// cookie only when the guest attempt fails with a retryable condition.
	// Guest requests sometimes return better URLs than authenticated ones,
	// which is why guest goes first.
	GuestThenCookie
	// CookieOnly platforms have no guest path (Weibo).
	CookieOnly
)

// Policy declares how a platform handles authentication, replacing the
// hand-rolled if/else ladder each scraper used to carry.
type Policy struct {
	Mode AuthMode
	// CookieOnlyKinds lists content subtypes where the cookie is mandatory
	// regardless of Mode (stories).
	CookieOnlyKinds map[media.Kind]bool
	// RetryOn is the guest-failure set that triggers the cookie retry.
	RetryOn map[ErrorCode]bool
}

// defaultRetrySet covers the conditions where an authenticated retry can
// plausibly change the outcome.
func defaultRetrySet() map[ErrorCode]bool {
	return map[ErrorCode]bool{
		ErrNoMedia:        true,
		ErrCookieRequired: true,
		ErrPrivateContent: true,
		ErrAgeRestricted:  true,
	}
}

// GuestFirstPolicy is the Facebook/Instagram/Twitter shape.
func GuestFirstPolicy(cookieOnlyKinds ...media.Kind) Policy {
	p := Policy{Mode: GuestThenCookie, RetryOn: defaultRetrySet()}
	if len(cookieOnlyKinds) > 0 {
		p.CookieOnlyKinds = make(map[media.Kind]bool, len(cookieOnlyKinds))
		for _, k := range cookieOnlyKinds {
			p.CookieOnlyKinds[k] = true
		}
	}
	return p
}

// Run drives one scrape attempt under the policy. attempt is invoked with
// the cookie to use ("" for guest); it is called at most twice, and exactly
// once more after a guest failure in the retry set when a cookie exists.
func (p Policy) Run(kind media.Kind, cookie string, attempt func(cookie string) *Result) *Result {
	if p.CookieOnlyKinds[kind] || p.Mode == CookieOnly {
		if cookie == "" {
			return Failf(ErrCookieRequired, "this content requires an account cookie")
		}
		return markCookie(attempt(cookie))
	}

	if p.Mode == NoAuth {
		return attempt("")
	}

	// guest first
	res := attempt("")
	if res.Success {
		return res
	}
	if cookie == "" || !p.RetryOn[res.ErrorCode] {
		return res
	}
	return markCookie(attempt(cookie))
}

func markCookie(res *Result) *Result {
	if res.Success && res.Data != nil {
		res.Data.UsedCookie = true
	}
	return res
}
