package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

const weiboStatusAPI = "https://m.weibo.cn/statuses/show?id=%s"

var weiboIDRegexes = []*regexp.Regexp{
	regexp.MustCompile(`weibo\.com/\d+/([A-Za-z0-9]+)`),
	regexp.MustCompile(`m\.weibo\.cn/(?:status|detail)/([A-Za-z0-9]+)`),
	regexp.MustCompile(`weibo\.com/detail/([A-Za-z0-9]+)`),
}

// WeiboScraper uses the m.weibo.cn status API. There is no guest path for
// the supported endpoints, so the cookie is mandatory up front.
type WeiboScraper struct {
	policy Policy
}

func NewWeiboScraper() *WeiboScraper {
	return &WeiboScraper{policy: Policy{Mode: CookieOnly}}
}

func (w *WeiboScraper) Name() string { return "weibo" }

func (w *WeiboScraper) Hosts() []string {
	return []string{"weibo.com", "weibo.cn", "m.weibo.cn"}
}

type weiboStatus struct {
	OK   int `json:"ok"`
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		User struct {
			ScreenName string `json:"screen_name"`
			ID         int64  `json:"id"`
		} `json:"user"`
		CreatedAt      string `json:"created_at"`
		RepostsCount   int64  `json:"reposts_count"`
		CommentsCount  int64  `json:"comments_count"`
		AttitudesCount int64  `json:"attitudes_count"`
		Pics           []struct {
			URL   string `json:"url"`
			Large struct {
				URL string `json:"url"`
				Geo struct {
					Width  any `json:"width"`
					Height any `json:"height"`
				} `json:"geo"`
			} `json:"large"`
		} `json:"pics"`
		PageInfo struct {
			Type    string `json:"type"`
			PagePic struct {
				URL string `json:"url"`
			} `json:"page_pic"`
			MediaInfo struct {
				StreamURL   string  `json:"stream_url"`
				StreamURLHD string  `json:"stream_url_hd"`
				Duration    float64 `json:"duration"`
			} `json:"media_info"`
			URLs map[string]string `json:"urls"`
		} `json:"page_info"`
	} `json:"data"`
}

func (w *WeiboScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, w.Hosts()) {
		return Failf(ErrInvalidURL, "not a Weibo URL: %s", rawURL)
	}
	statusID := extractWeiboID(rawURL)
	if statusID == "" {
		return Failf(ErrInvalidURL, "could not extract status ID from URL")
	}

	ctx, cancel := withTimeout(ctx, opts, fetch.APITimeout)
	defer cancel()

	return w.policy.Run(media.KindVideo, opts.Cookie, func(cookie string) *Result {
		return w.fetchStatus(ctx, statusID, rawURL, cookie)
	})
}

func (w *WeiboScraper) fetchStatus(ctx context.Context, statusID, rawURL, cookie string) *Result {
	body, status, err := fetch.GetWithCookie(ctx, fetch.Client(fetch.APITimeout),
		fmt.Sprintf(weiboStatusAPI, statusID), fetch.ProfileFor("weibo"), cookie)
	if err != nil {
		if status == 401 || status == 403 {
			return Failf(ErrCookieExpired, "Weibo rejected the cookie")
		}
		if status != 0 {
			return failStatus(status)
		}
		return FailErr(err)
	}

	// An expired session answers with an HTML login page instead of JSON.
	if !json.Valid(body) || strings.HasPrefix(strings.TrimSpace(string(body)), "<") {
		return Failf(ErrCookieExpired, "Weibo returned a login page; the cookie has expired")
	}

	var ws weiboStatus
	if err := json.Unmarshal(body, &ws); err != nil {
		return Failf(ErrAPI, "failed to parse Weibo response: %v", err)
	}
	if ws.OK != 1 {
		return Failf(ErrNotFound, "status not found or not visible to this account")
	}

	d := &ws.Data
	info := &media.Info{
		Title:      truncateText(stripHTMLTags(d.Text), 100),
		Author:     d.User.ScreenName,
		AuthorName: d.User.ScreenName,
		URL:        rawURL,
		Engagement: &media.Engagement{
			// Weibo "reposts" map onto the shared Shares counter,
			// "attitudes" onto Likes.
			Shares:   d.RepostsCount,
			Comments: d.CommentsCount,
			Likes:    d.AttitudesCount,
		},
	}

	var formats []media.Format

	mi := &d.PageInfo.MediaInfo
	if mi.StreamURLHD != "" || mi.StreamURL != "" {
		info.Kind = media.KindVideo
		info.Duration = int(mi.Duration)
		info.Thumbnail = d.PageInfo.PagePic.URL
		if u := d.PageInfo.URLs["mp4_720p_mp4"]; u != "" {
			formats = append(formats, weiboVideoFormat(u, media.TierHD720))
		}
		if u := d.PageInfo.URLs["mp4_hd_mp4"]; u != "" {
			formats = append(formats, weiboVideoFormat(u, media.TierSD480))
		}
		if mi.StreamURLHD != "" {
			formats = append(formats, weiboVideoFormat(mi.StreamURLHD, media.TierHD720))
		}
		if mi.StreamURL != "" {
			formats = append(formats, weiboVideoFormat(mi.StreamURL, media.TierSD480))
		}
	}

	for i, pic := range d.Pics {
		u := firstNonEmpty(pic.Large.URL, pic.URL)
		if u == "" {
			continue
		}
		formats = append(formats, media.Format{
			Quality:  "Original",
			Role:     media.RoleImage,
			Tier:     media.TierOriginal,
			URL:      u,
			Ext:      media.ExtForURL(u, "jpg"),
			ItemID:   fmt.Sprintf("pic_%d", i+1),
			Delivery: media.DeliverDirect,
			Headers:  map[string]string{"Referer": "https://m.weibo.cn/"},
		})
	}
	if len(d.Pics) > 1 {
		info.Kind = media.KindCarousel
	} else if info.Kind == "" && len(d.Pics) == 1 {
		info.Kind = media.KindImage
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "status has no downloadable media")
	}

	media.SortFormats(formats)
	info.Formats = media.DedupeFormats(formats)
	return OK("weibo", info)
}

func weiboVideoFormat(u string, tier media.Tier) media.Format {
	return media.Format{
		Quality:  tier.String(),
		Role:     media.RoleVideo,
		Tier:     tier,
		URL:      u,
		Ext:      media.ExtForURL(u, "mp4"),
		Delivery: media.DeliverDirect,
		HasVideo: true,
		HasAudio: true,
		Headers:  map[string]string{"Referer": "https://m.weibo.cn/"},
	}
}

func extractWeiboID(rawURL string) string {
	for _, re := range weiboIDRegexes {
		if m := re.FindStringSubmatch(rawURL); len(m) >= 2 {
			return m[1]
		}
	}
	return ""
}

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

func stripHTMLTags(s string) string {
	return strings.TrimSpace(htmlTagRegex.ReplaceAllString(s, ""))
}

func init() {
	Register(NewWeiboScraper())
}
