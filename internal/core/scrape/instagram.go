package scrape

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

const instagramGraphQLURL = "https://www.instagram.com/graphql/query/?doc_id=8845758582119845&variables=%s"

var (
	instagramShortcodeRegex = regexp.MustCompile(`instagram\.com/(?:[\w.]+/)?(?:p|reel|reels|tv)/([\w-]+)`)
	instagramStoryRegex     = regexp.MustCompile(`instagram\.com/stories/([\w.]+)(?:/(\d+))?`)
)

// InstagramScraper handles posts, reels and stories. Media is extracted from
// the GraphQL doc endpoint first; when that yields nothing, the embed page's
// inlined JSON is probed. Stories never have a guest path.
type InstagramScraper struct {
	policy Policy
}

func NewInstagramScraper() *InstagramScraper {
	return &InstagramScraper{policy: GuestFirstPolicy(media.KindStory)}
}

func (ig *InstagramScraper) Name() string { return "instagram" }

func (ig *InstagramScraper) Hosts() []string {
	return []string{"instagram.com", "instagr.am"}
}

func (ig *InstagramScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, ig.Hosts()) {
		return Failf(ErrInvalidURL, "not an Instagram URL: %s", rawURL)
	}

	kind := media.KindVideo
	if instagramStoryRegex.MatchString(rawURL) {
		kind = media.KindStory
	} else if instagramShortcodeRegex.FindStringSubmatch(rawURL) == nil {
		return Failf(ErrInvalidURL, "unsupported Instagram URL shape")
	}

	ctx, cancel := withTimeout(ctx, opts, fetch.PageTimeout)
	defer cancel()

	return ig.policy.Run(kind, opts.Cookie, func(cookie string) *Result {
		if kind == media.KindStory {
			return ig.scrapeStory(ctx, rawURL, cookie)
		}
		return ig.scrapePost(ctx, rawURL, cookie)
	})
}

func (ig *InstagramScraper) scrapePost(ctx context.Context, rawURL, cookie string) *Result {
	shortcode := instagramShortcodeRegex.FindStringSubmatch(rawURL)[1]

	// Extraction heuristics are tried in order; a heuristic that finds
	// nothing falls through to the next instead of aborting the scrape.
	if res := ig.fromGraphQL(ctx, shortcode, rawURL, cookie); res.Success {
		return res
	}
	res := ig.fromEmbedPage(ctx, shortcode, rawURL, cookie)
	if !res.Success && res.ErrorCode == ErrNoMedia && cookie == "" {
		// guest scrape of a gated post looks like an empty page
		return Failf(ErrNoMedia, "no media found; post may be private")
	}
	return res
}

func (ig *InstagramScraper) fromGraphQL(ctx context.Context, shortcode, rawURL, cookie string) *Result {
	variables := fmt.Sprintf(`{"shortcode":%q}`, shortcode)
	endpoint := fmt.Sprintf(instagramGraphQLURL, url.QueryEscape(variables))

	profile := fetch.ProfileFor("instagram")
	profile.Accept = "application/json"
	body, status, err := fetch.GetWithCookie(ctx, fetch.Client(fetch.APITimeout), endpoint, profile, cookie)
	if err != nil {
		if status == 401 || status == 403 {
			return Failf(ErrPrivateContent, "post is private or requires login")
		}
		if status == 429 {
			return Failf(ErrRateLimited, "Instagram is rate limiting requests")
		}
		if status != 0 {
			return failStatus(status)
		}
		return FailErr(err)
	}

	item := gjson.GetBytes(body, "data.xdt_shortcode_media")
	if !item.Exists() {
		return Failf(ErrNoMedia, "GraphQL returned no media for shortcode")
	}
	return ig.buildFromShortcodeMedia(item, rawURL)
}

// buildFromShortcodeMedia maps the xdt_shortcode_media shape shared by the
// GraphQL and embed-page payloads.
func (ig *InstagramScraper) buildFromShortcodeMedia(item gjson.Result, rawURL string) *Result {
	info := &media.Info{
		Title:     truncateText(item.Get("edge_media_to_caption.edges.0.node.text").String(), 100),
		Thumbnail: item.Get("display_url").String(),
		Author:    item.Get("owner.username").String(),
		AuthorName: firstNonEmpty(
			item.Get("owner.full_name").String(),
			item.Get("owner.username").String()),
		URL: rawURL,
	}
	likes := item.Get("edge_media_preview_like.count").Int()
	comments := item.Get("edge_media_to_parent_comment.count").Int()
	views := item.Get("video_view_count").Int()
	if likes+comments+views > 0 {
		info.Engagement = &media.Engagement{Likes: likes, Comments: comments, Views: views}
	}
	if ts := item.Get("taken_at_timestamp").Int(); ts > 0 {
		info.PostedAt = ts
	}

	var formats []media.Format

	if children := item.Get("edge_sidecar_to_children.edges"); children.Exists() && len(children.Array()) > 0 {
		info.Kind = media.KindCarousel
		for i, edge := range children.Array() {
			node := edge.Get("node")
			itemID := fmt.Sprintf("item_%d", i+1)
			formats = append(formats, instagramNodeFormats(node, itemID)...)
		}
	} else {
		if item.Get("is_video").Bool() {
			info.Kind = media.KindVideo
		} else {
			info.Kind = media.KindImage
		}
		formats = instagramNodeFormats(item, "")
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "no media found in post")
	}

	media.SortFormats(formats)
	info.Formats = media.DedupeFormats(formats)
	return OK("instagram", info)
}

// instagramNodeFormats extracts the format ladder of one media node.
func instagramNodeFormats(node gjson.Result, itemID string) []media.Format {
	var out []media.Format
	if node.Get("is_video").Bool() {
		if u := node.Get("video_url").String(); u != "" {
			out = append(out, media.Format{
				Quality:   "Original",
				Role:      media.RoleVideo,
				Tier:      media.TierOriginal,
				URL:       u,
				Ext:       "mp4",
				ItemID:    itemID,
				Thumbnail: node.Get("display_url").String(),
				Width:     int(node.Get("dimensions.width").Int()),
				Height:    int(node.Get("dimensions.height").Int()),
				Delivery:  media.DeliverDirect,
				HasVideo:  true,
				HasAudio:  true,
			})
		}
		return out
	}

	// display_resources is ordered smallest-first; expose the largest plus a
	// medium fallback.
	resources := node.Get("display_resources").Array()
	if len(resources) == 0 {
		if u := node.Get("display_url").String(); u != "" {
			out = append(out, media.Format{
				Quality:  "Original",
				Role:     media.RoleImage,
				Tier:     media.TierOriginal,
				URL:      u,
				Ext:      media.ExtForURL(u, "jpg"),
				ItemID:   itemID,
				Delivery: media.DeliverDirect,
			})
		}
		return out
	}

	best := resources[len(resources)-1]
	out = append(out, media.Format{
		Quality:  "Original",
		Role:     media.RoleImage,
		Tier:     media.TierOriginal,
		URL:      best.Get("src").String(),
		Ext:      media.ExtForURL(best.Get("src").String(), "jpg"),
		ItemID:   itemID,
		Width:    int(best.Get("config_width").Int()),
		Height:   int(best.Get("config_height").Int()),
		Delivery: media.DeliverDirect,
	})
	if len(resources) > 1 {
		mid := resources[len(resources)/2]
		out = append(out, media.Format{
			Quality:  "Medium",
			Role:     media.RoleImage,
			Tier:     media.TierSD480,
			URL:      mid.Get("src").String(),
			Ext:      media.ExtForURL(mid.Get("src").String(), "jpg"),
			ItemID:   itemID,
			Width:    int(mid.Get("config_width").Int()),
			Height:   int(mid.Get("config_height").Int()),
			Delivery: media.DeliverDirect,
		})
	}
	return out
}

// fromEmbedPage scrapes the /embed/captioned page, whose script tags inline
// the same shortcode-media JSON the GraphQL endpoint serves.
func (ig *InstagramScraper) fromEmbedPage(ctx context.Context, shortcode, rawURL, cookie string) *Result {
	embedURL := fmt.Sprintf("https://www.instagram.com/p/%s/embed/captioned/", shortcode)
	body, status, err := fetch.GetWithCookie(ctx, fetch.Client(fetch.PageTimeout), embedURL, fetch.ProfileFor("instagram"), cookie)
	if err != nil {
		if status != 0 {
			return failStatus(status)
		}
		return FailErr(err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Failf(ErrAPI, "failed to parse embed page: %v", err)
	}

	var result *Result
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		idx := strings.Index(text, `"shortcode_media"`)
		if idx < 0 {
			return true
		}
		blob := extractJSONObject(text[idx+len(`"shortcode_media":`):])
		if blob == "" {
			return true
		}
		item := gjson.Parse(blob)
		if r := ig.buildFromShortcodeMedia(item, rawURL); r.Success {
			result = r
			return false
		}
		return true
	})
	if result != nil {
		return result
	}

	// last heuristic: the og:video / og:image meta tags
	if v, ok := doc.Find(`meta[property="og:video"]`).Attr("content"); ok && v != "" {
		return OK("instagram", &media.Info{
			Title: doc.Find(`meta[property="og:title"]`).AttrOr("content", "Instagram video"),
			URL:   rawURL,
			Kind:  media.KindVideo,
			Formats: []media.Format{{
				Quality:  "Original",
				Role:     media.RoleVideo,
				Tier:     media.TierOriginal,
				URL:      v,
				Ext:      "mp4",
				Delivery: media.DeliverDirect,
				HasVideo: true,
				HasAudio: true,
			}},
		})
	}

	return Failf(ErrNoMedia, "no media found in embed page")
}

func (ig *InstagramScraper) scrapeStory(ctx context.Context, rawURL, cookie string) *Result {
	m := instagramStoryRegex.FindStringSubmatch(rawURL)
	username := m[1]

	apiURL := fmt.Sprintf("https://www.instagram.com/api/v1/feed/user/%s/story/", username)
	profile := fetch.ProfileFor("instagram")
	profile.Accept = "application/json"
	profile.Extra = map[string]string{"X-IG-App-ID": "936619743392459"}

	body, status, err := fetch.GetWithCookie(ctx, fetch.Client(fetch.APITimeout), apiURL, profile, cookie)
	if err != nil {
		switch status {
		case 401:
			return Failf(ErrCookieExpired, "Instagram rejected the cookie")
		case 403:
			return Failf(ErrPrivateContent, "stories of this account are not visible")
		case 0:
			return FailErr(err)
		default:
			return failStatus(status)
		}
	}
	if gjson.GetBytes(body, "message").String() == "checkpoint_required" {
		return Failf(ErrCheckpointRequired, "Instagram requires a security checkpoint for this account")
	}

	items := gjson.GetBytes(body, "reel.items")
	if !items.Exists() || len(items.Array()) == 0 {
		return Failf(ErrNoMedia, "no active stories for @%s", username)
	}

	info := &media.Info{
		Title:  fmt.Sprintf("Stories by @%s", username),
		Author: username,
		URL:    rawURL,
		Kind:   media.KindStory,
	}
	var formats []media.Format
	for i, item := range items.Array() {
		itemID := fmt.Sprintf("story_%d", i+1)
		if vs := item.Get("video_versions.0.url").String(); vs != "" {
			formats = append(formats, media.Format{
				Quality:   "Original",
				Role:      media.RoleVideo,
				Tier:      media.TierOriginal,
				URL:       vs,
				Ext:       "mp4",
				ItemID:    itemID,
				Thumbnail: item.Get("image_versions2.candidates.0.url").String(),
				Delivery:  media.DeliverDirect,
				HasVideo:  true,
				HasAudio:  true,
			})
			continue
		}
		if img := item.Get("image_versions2.candidates.0.url").String(); img != "" {
			formats = append(formats, media.Format{
				Quality:  "Original",
				Role:     media.RoleImage,
				Tier:     media.TierOriginal,
				URL:      img,
				Ext:      media.ExtForURL(img, "jpg"),
				ItemID:   itemID,
				Delivery: media.DeliverDirect,
			})
		}
	}
	if len(formats) == 0 {
		return Failf(ErrNoMedia, "stories contained no downloadable media")
	}
	if info.Thumbnail == "" {
		info.Thumbnail = formats[0].Thumbnail
	}
	info.Formats = media.DedupeFormats(formats)
	return OK("instagram", info)
}

// extractJSONObject returns the balanced JSON object starting at the first
// '{' of s, honoring strings and escapes.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func init() {
	Register(NewInstagramScraper())
}
