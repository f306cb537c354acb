package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

// Default public Cobalt instance; overridable for self-hosted deployments.
var cobaltAPIURL = "https://api.cobalt.tools/api/json"

// SetCobaltURL points the Douyin scraper at a different Cobalt instance.
func SetCobaltURL(u string) {
	if u != "" {
		cobaltAPIURL = u
	}
}

// DouyinScraper delegates entirely to a Cobalt aggregator. The TikWM path
// does not serve Douyin URLs, so there is no first-party fallback here.
type DouyinScraper struct{}

func NewDouyinScraper() *DouyinScraper { return &DouyinScraper{} }

func (d *DouyinScraper) Name() string { return "douyin" }

func (d *DouyinScraper) Hosts() []string {
	return []string{"douyin.com", "v.douyin.com", "iesdouyin.com"}
}

type cobaltRequest struct {
	URL         string `json:"url"`
	VQuality    string `json:"vQuality,omitempty"`
	IsNoTTWm    bool   `json:"isNoTTWatermark"`
	AudioFormat string `json:"aFormat,omitempty"`
}

type cobaltResponse struct {
	Status string `json:"status"` // stream | redirect | picker | error | rate-limit
	Text   string `json:"text"`
	URL    string `json:"url"`
	Audio  string `json:"audio"`
	Picker []struct {
		Type  string `json:"type"` // video | photo | gif
		URL   string `json:"url"`
		Thumb string `json:"thumb"`
	} `json:"picker"`
}

func (d *DouyinScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, d.Hosts()) {
		return Failf(ErrInvalidURL, "not a Douyin URL: %s", rawURL)
	}

	ctx, cancel := withTimeout(ctx, opts, fetch.APITimeout)
	defer cancel()

	target := rawURL
	if strings.Contains(rawURL, "v.douyin.com") {
		if resolved, err := fetch.ResolveRedirect(ctx, rawURL); err == nil && resolved != "" {
			target = stripTrackingParams(resolved)
		}
	}

	quality := "720"
	if opts.HD {
		quality = "max"
	}
	payload, _ := json.Marshal(cobaltRequest{URL: target, VQuality: quality, IsNoTTWm: true})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cobaltAPIURL, bytes.NewReader(payload))
	if err != nil {
		return FailErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", fetch.DesktopUA)

	resp, err := fetch.Client(fetch.APITimeout).Do(req)
	if err != nil {
		return FailErr(err)
	}
	defer resp.Body.Close()

	var cr cobaltResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Failf(ErrAPI, "failed to parse Cobalt response: %v", err)
	}

	switch cr.Status {
	case "error":
		if strings.Contains(strings.ToLower(cr.Text), "couldn't find") {
			return Failf(ErrNotFound, "Cobalt: %s", cr.Text)
		}
		return Failf(ErrAPI, "Cobalt: %s", cr.Text)
	case "rate-limit":
		return Failf(ErrRateLimited, "Cobalt instance is rate limiting requests")
	}

	info := &media.Info{Title: "Douyin video", URL: target, Kind: media.KindVideo}
	var formats []media.Format

	switch cr.Status {
	case "picker":
		info.Kind = media.KindCarousel
		info.Title = "Douyin post"
		for i, item := range cr.Picker {
			itemID := fmt.Sprintf("item_%d", i+1)
			f := media.Format{
				Quality:   "Original",
				Tier:      media.TierOriginal,
				URL:       item.URL,
				ItemID:    itemID,
				Thumbnail: item.Thumb,
				Delivery:  media.DeliverDirect,
			}
			if item.Type == "video" || item.Type == "gif" {
				f.Role = media.RoleVideo
				f.Ext = media.ExtForURL(item.URL, "mp4")
				f.HasVideo, f.HasAudio = true, true
			} else {
				f.Role = media.RoleImage
				f.Ext = media.ExtForURL(item.URL, "jpg")
			}
			formats = append(formats, f)
			if info.Thumbnail == "" {
				info.Thumbnail = item.Thumb
			}
		}
		if cr.Audio != "" {
			formats = append(formats, media.Format{
				Quality:  "Audio",
				Role:     media.RoleAudio,
				URL:      cr.Audio,
				Ext:      media.ExtForURL(cr.Audio, "mp3"),
				Delivery: media.DeliverDirect,
				HasAudio: true,
			})
		}
	case "stream", "redirect", "success":
		if cr.URL == "" {
			return Failf(ErrNoMedia, "Cobalt returned no media URL")
		}
		tier := media.TierHD720
		if opts.HD {
			tier = media.TierOriginal
		}
		formats = append(formats, media.Format{
			Quality:  tier.String() + " (No Watermark)",
			Role:     media.RoleVideo,
			Tier:     tier,
			URL:      cr.URL,
			Ext:      media.ExtForURL(cr.URL, "mp4"),
			Delivery: media.DeliverDirect,
			HasVideo: true,
			HasAudio: true,
		})
	default:
		return Failf(ErrAPI, "unexpected Cobalt status %q", cr.Status)
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "no downloadable media in post")
	}
	info.Formats = media.DedupeFormats(formats)
	return OK("douyin", info)
}

func init() {
	Register(NewDouyinScraper())
}
