package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

var (
	fbStoryRegex = regexp.MustCompile(`facebook\.com/stories/`)
	fbReelRegex  = regexp.MustCompile(`facebook\.com/reel/`)
	fbWatchRegex = regexp.MustCompile(`facebook\.com/(?:watch|[\w.]+/videos|video\.php)`)

	// Video URL fields embedded in the page payload, strongest signal first.
	fbVideoFieldRegexes = []struct {
		quality media.Tier
		re      *regexp.Regexp
	}{
		{media.TierFHD1080, regexp.MustCompile(`"browser_native_hd_url":\s*"([^"]+)"`)},
		{media.TierFHD1080, regexp.MustCompile(`"playable_url_quality_hd":\s*"([^"]+)"`)},
		{media.TierSD480, regexp.MustCompile(`"browser_native_sd_url":\s*"([^"]+)"`)},
		{media.TierSD480, regexp.MustCompile(`"playable_url":\s*"([^"]+)"`)},
	}

	fbLoginWallRegex = regexp.MustCompile(`(?i)(login|log in).{0,40}(to continue|to see)`)
)

// Facebook story/reel payloads are lazy-loaded; the page is polled a few
// times before giving up.
const (
	fbPollAttempts = 6
	fbPollInterval = 500 * time.Millisecond
)

// FacebookScraper scrapes the watch/reel/story pages directly. Guest
// requests often return better CDN URLs than authenticated ones, so the
// cookie is only used as a fallback; stories always need it.
type FacebookScraper struct {
	policy       Policy
	pollInterval time.Duration // overridable in tests
}

func NewFacebookScraper() *FacebookScraper {
	return &FacebookScraper{
		policy:       GuestFirstPolicy(media.KindStory),
		pollInterval: fbPollInterval,
	}
}

func (fb *FacebookScraper) Name() string { return "facebook" }

func (fb *FacebookScraper) Hosts() []string {
	return []string{"facebook.com", "fb.com", "fb.watch", "m.facebook.com", "web.facebook.com"}
}

func (fb *FacebookScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, fb.Hosts()) {
		return Failf(ErrInvalidURL, "not a Facebook URL: %s", rawURL)
	}

	ctx, cancel := withTimeout(ctx, opts, fetch.PageTimeout)
	defer cancel()

	target := rawURL
	if strings.Contains(rawURL, "fb.watch") {
		if resolved, err := fetch.ResolveRedirect(ctx, rawURL); err == nil && resolved != "" {
			target = resolved
		}
	}

	kind := media.KindVideo
	switch {
	case fbStoryRegex.MatchString(target):
		kind = media.KindStory
	case fbReelRegex.MatchString(target), fbWatchRegex.MatchString(target):
		kind = media.KindVideo
	}

	return fb.policy.Run(kind, opts.Cookie, func(cookie string) *Result {
		return fb.scrapePage(ctx, target, kind, cookie)
	})
}

func (fb *FacebookScraper) scrapePage(ctx context.Context, pageURL string, kind media.Kind, cookie string) *Result {
	attempts := 1
	if kind == media.KindStory || fbReelRegex.MatchString(pageURL) {
		attempts = fbPollAttempts
	}

	var lastResult *Result
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Failf(ErrTimeout, "page fetch timed out while polling")
			case <-time.After(fb.pollInterval):
			}
		}

		body, status, err := fetch.GetWithCookie(ctx, fetch.Client(fetch.PageTimeout), pageURL, fetch.ProfileFor("facebook"), cookie)
		if err != nil {
			if status != 0 {
				return failStatus(status)
			}
			return FailErr(err)
		}

		lastResult = fb.parsePage(body, pageURL, kind, cookie != "")
		if lastResult.Success {
			return lastResult
		}
		// only NO_MEDIA is worth polling for; anything else is final
		if lastResult.ErrorCode != ErrNoMedia {
			return lastResult
		}
	}
	return lastResult
}

func (fb *FacebookScraper) parsePage(body []byte, pageURL string, kind media.Kind, usedCookie bool) *Result {
	page := string(body)

	if fbLoginWallRegex.MatchString(page) && !strings.Contains(page, "playable_url") {
		if usedCookie {
			return Failf(ErrCookieExpired, "Facebook served a login wall despite the cookie")
		}
		return Failf(ErrCookieRequired, "content requires a logged-in session")
	}

	info := &media.Info{URL: pageURL, Kind: kind}
	var formats []media.Format
	seen := map[string]bool{}

	for _, field := range fbVideoFieldRegexes {
		for _, m := range field.re.FindAllStringSubmatch(page, 4) {
			u := decodeJSONString(m[1])
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			formats = append(formats, media.Format{
				Quality:  field.quality.String(),
				Role:     media.RoleVideo,
				Tier:     field.quality,
				URL:      u,
				Ext:      "mp4",
				Delivery: media.DeliverDirect,
				HasVideo: true,
				HasAudio: true,
			})
		}
	}

	doc, docErr := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if docErr == nil {
		fb.fillMetadata(doc, page, info)
		if len(formats) == 0 {
			// og:video survives on some share pages when the payload regexes miss
			if v, ok := doc.Find(`meta[property="og:video"], meta[property="og:video:url"]`).Attr("content"); ok && v != "" {
				formats = append(formats, media.Format{
					Quality:  "SD",
					Role:     media.RoleVideo,
					Tier:     media.TierSD480,
					URL:      v,
					Ext:      "mp4",
					Delivery: media.DeliverDirect,
					HasVideo: true,
					HasAudio: true,
				})
			}
		}
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "no playable media found in page")
	}

	media.SortFormats(formats)
	info.Formats = media.DedupeFormats(formats)
	return OK("facebook", info)
}

func (fb *FacebookScraper) fillMetadata(doc *goquery.Document, page string, info *media.Info) {
	info.Title = firstNonEmpty(
		doc.Find(`meta[property="og:title"]`).AttrOr("content", ""),
		doc.Find("title").Text())
	info.Title = truncateText(info.Title, 100)
	info.Description = truncateText(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""), 200)
	info.Thumbnail = doc.Find(`meta[property="og:image"]`).AttrOr("content", "")

	if m := regexp.MustCompile(`"owner":\s*\{[^}]*"name":\s*"([^"]+)"`).FindStringSubmatch(page); len(m) >= 2 {
		info.Author = decodeJSONString(m[1])
		info.AuthorName = info.Author
	}

	// reaction/share counts ride along in the payload
	eng := &media.Engagement{}
	if m := regexp.MustCompile(`"reaction_count":\s*\{"count":\s*(\d+)`).FindStringSubmatch(page); len(m) >= 2 {
		eng.Likes, _ = strconv.ParseInt(m[1], 10, 64) // Facebook "reactions" map onto Likes
	}
	if m := regexp.MustCompile(`"share_count":\s*\{"count":\s*(\d+)`).FindStringSubmatch(page); len(m) >= 2 {
		eng.Shares, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := regexp.MustCompile(`"video_view_count":\s*(\d+)`).FindStringSubmatch(page); len(m) >= 2 {
		eng.Views, _ = strconv.ParseInt(m[1], 10, 64)
		info.Views = eng.Views
	}
	if !eng.Empty() {
		info.Engagement = eng
	}
}

// decodeJSONString unescapes a JSON-encoded string fragment (the payload
// regexes capture raw escaped text like https:\/\/video...).
func decodeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return strings.ReplaceAll(s, `\/`, `/`)
	}
	return out
}

func init() {
	Register(NewFacebookScraper())
}
