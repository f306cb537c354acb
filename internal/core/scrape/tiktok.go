package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

const tikwmAPIURL = "https://www.tikwm.com/api/"

// TikTokScraper extracts media through the TikWM REST API. No cookie concept
// exists in this path; the hd option requests the high-definition rendition.
type TikTokScraper struct{}

func NewTikTokScraper() *TikTokScraper { return &TikTokScraper{} }

func (t *TikTokScraper) Name() string { return "tiktok" }

func (t *TikTokScraper) Hosts() []string {
	return []string{"tiktok.com", "vm.tiktok.com", "vt.tiktok.com", "m.tiktok.com"}
}

// tikwmResponse is the TikWM envelope: code 0 on success, negative on error.
type tikwmResponse struct {
	Code int       `json:"code"`
	Msg  string    `json:"msg"`
	Data tikwmPost `json:"data"`
}

type tikwmPost struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Cover       string   `json:"cover"`
	OriginCover string   `json:"origin_cover"`
	Duration    int      `json:"duration"`
	Play        string   `json:"play"`
	Wmplay      string   `json:"wmplay"`
	Hdplay      string   `json:"hdplay"`
	Size        int64    `json:"size"`
	WmSize      int64    `json:"wm_size"`
	HdSize      int64    `json:"hd_size"`
	Music       string   `json:"music"`
	Images      []string `json:"images"`
	MusicInfo   struct {
		Title  string `json:"title"`
		Play   string `json:"play"`
		Author string `json:"author"`
	} `json:"music_info"`
	PlayCount     int64 `json:"play_count"`
	DiggCount     int64 `json:"digg_count"`
	CommentCount  int64 `json:"comment_count"`
	ShareCount    int64 `json:"share_count"`
	CollectCount  int64 `json:"collect_count"`
	DownloadCount int64 `json:"download_count"`
	CreateTime    int64 `json:"create_time"`
	Author        struct {
		UniqueID string `json:"unique_id"`
		Nickname string `json:"nickname"`
		Avatar   string `json:"avatar"`
	} `json:"author"`
}

func (t *TikTokScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, t.Hosts()) {
		return Failf(ErrInvalidURL, "not a TikTok URL: %s", rawURL)
	}

	ctx, cancel := withTimeout(ctx, opts, fetch.APITimeout)
	defer cancel()

	// vm/vt short links are expanded so TikWM sees the canonical URL and the
	// cache key stays stable across the alias.
	target := rawURL
	if isTikTokShortLink(rawURL) {
		resolved, err := fetch.ResolveRedirect(ctx, rawURL)
		if err == nil && resolved != "" {
			target = stripTrackingParams(resolved)
		}
	}

	params := url.Values{}
	params.Set("url", target)
	if opts.HD {
		params.Set("hd", "1")
	}

	body, status, err := fetch.Get(ctx, fetch.Client(fetch.APITimeout),
		tikwmAPIURL+"?"+params.Encode(), fetch.ProfileFor("tiktok"))
	if err != nil {
		if status != 0 {
			return failStatus(status)
		}
		return FailErr(err)
	}

	var resp tikwmResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Failf(ErrAPI, "failed to parse TikWM response: %v", err)
	}
	if resp.Code != 0 {
		msg := strings.ToLower(resp.Msg)
		switch {
		case strings.Contains(msg, "not found") || strings.Contains(msg, "invalid"):
			return Failf(ErrNotFound, "TikWM: %s", resp.Msg)
		case strings.Contains(msg, "limit"):
			return Failf(ErrRateLimited, "TikWM: %s", resp.Msg)
		default:
			return Failf(ErrAPI, "TikWM error %d: %s", resp.Code, resp.Msg)
		}
	}

	return t.buildResult(&resp.Data, target)
}

func (t *TikTokScraper) buildResult(post *tikwmPost, rawURL string) *Result {
	info := &media.Info{
		Title:      post.Title,
		Thumbnail:  firstNonEmpty(post.OriginCover, post.Cover),
		Author:     post.Author.UniqueID,
		AuthorName: post.Author.Nickname,
		URL:        rawURL,
		Duration:   post.Duration,
		PostedAt:   post.CreateTime,
		Views:      post.PlayCount,
		Engagement: &media.Engagement{
			Views:     post.PlayCount,
			Likes:     post.DiggCount,
			Comments:  post.CommentCount,
			Shares:    post.ShareCount,
			Bookmarks: post.CollectCount,
		},
	}

	var formats []media.Format

	if len(post.Images) > 0 {
		// photo-mode post: one carousel item per album image
		info.Kind = media.KindCarousel
		for i, img := range post.Images {
			formats = append(formats, media.Format{
				Quality:  "Original",
				Role:     media.RoleImage,
				Tier:     media.TierOriginal,
				URL:      img,
				Ext:      media.ExtForURL(img, "jpg"),
				ItemID:   fmt.Sprintf("%s_%d", post.ID, i+1),
				Delivery: media.DeliverDirect,
			})
		}
	} else {
		info.Kind = media.KindVideo
		if post.Hdplay != "" {
			formats = append(formats, media.Format{
				Quality:  "HD (No Watermark)",
				Role:     media.RoleVideo,
				Tier:     media.TierFHD1080,
				URL:      tikwmAbsolute(post.Hdplay),
				Ext:      "mp4",
				FileSize: post.HdSize,
				Delivery: media.DeliverDirect,
				HasVideo: true,
				HasAudio: true,
			})
		}
		if post.Play != "" {
			formats = append(formats, media.Format{
				Quality:  "SD (No Watermark)",
				Role:     media.RoleVideo,
				Tier:     media.TierSD480,
				URL:      tikwmAbsolute(post.Play),
				Ext:      "mp4",
				FileSize: post.Size,
				Delivery: media.DeliverDirect,
				HasVideo: true,
				HasAudio: true,
			})
		}
		if post.Wmplay != "" {
			formats = append(formats, media.Format{
				Quality:  "Watermarked",
				Role:     media.RoleVideo,
				Tier:     media.TierLow,
				URL:      tikwmAbsolute(post.Wmplay),
				Ext:      "mp4",
				FileSize: post.WmSize,
				Delivery: media.DeliverDirect,
				HasVideo: true,
				HasAudio: true,
			})
		}
	}

	if music := firstNonEmpty(post.MusicInfo.Play, post.Music); music != "" {
		formats = append(formats, media.Format{
			Quality:  "Audio",
			Role:     media.RoleAudio,
			URL:      tikwmAbsolute(music),
			Ext:      media.ExtForURL(music, "mp3"),
			Delivery: media.DeliverDirect,
			HasAudio: true,
		})
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "no downloadable media in post")
	}

	media.SortFormats(formats)
	info.Formats = media.DedupeFormats(formats)
	return OK("tiktok", info)
}

// tikwmAbsolute resolves the relative play URLs TikWM sometimes returns.
func tikwmAbsolute(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://www.tikwm.com" + u
}

func isTikTokShortLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return host == "vm.tiktok.com" || host == "vt.tiktok.com"
}

// stripTrackingParams drops the query entirely; TikTok content URLs carry
// their identity in the path.
func stripTrackingParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	Register(NewTikTokScraper())
}
