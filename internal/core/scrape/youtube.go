package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

const (
	innertubePlayerURL = "https://www.youtube.com/youtubei/v1/player"

	// The Android client profile returns unciphered stream URLs, which keeps
	// a JS engine out of the dependency tree.
	androidClientName    = "ANDROID"
	androidClientVersion = "19.09.37"
	androidSDKVersion    = 30
	androidUserAgent     = "com.google.android.youtube/19.09.37 (Linux; U; Android 11) gzip"
)

var youtubeIDRegexes = []*regexp.Regexp{
	regexp.MustCompile(`[?&]v=([\w-]{11})`),
	regexp.MustCompile(`youtu\.be/([\w-]{11})`),
	regexp.MustCompile(`/shorts/([\w-]{11})`),
	regexp.MustCompile(`/embed/([\w-]{11})`),
	regexp.MustCompile(`/live/([\w-]{11})`),
}

// YouTubeScraper extracts stream metadata through the Innertube player
// endpoint. No cookie concept in this path.
type YouTubeScraper struct{}

func NewYouTubeScraper() *YouTubeScraper { return &YouTubeScraper{} }

func (y *YouTubeScraper) Name() string { return "youtube" }

func (y *YouTubeScraper) Hosts() []string {
	return []string{"youtube.com", "youtu.be", "m.youtube.com", "music.youtube.com"}
}

type innertubePlayerRequest struct {
	Context struct {
		Client struct {
			ClientName        string `json:"clientName"`
			ClientVersion     string `json:"clientVersion"`
			AndroidSDKVersion int    `json:"androidSdkVersion"`
			UserAgent         string `json:"userAgent"`
			HL                string `json:"hl"`
			TimeZone          string `json:"timeZone"`
			UTCOffsetMinutes  int    `json:"utcOffsetMinutes"`
		} `json:"client"`
	} `json:"context"`
	VideoID        string `json:"videoId"`
	ContentCheckOk bool   `json:"contentCheckOk"`
	RacyCheckOk    bool   `json:"racyCheckOk"`
}

type innertubeFormat struct {
	Itag             int    `json:"itag"`
	URL              string `json:"url"`
	MimeType         string `json:"mimeType"`
	Bitrate          int    `json:"bitrate"`
	AverageBitrate   int    `json:"averageBitrate"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	ContentLength    string `json:"contentLength"`
	QualityLabel     string `json:"qualityLabel"`
	AudioQuality     string `json:"audioQuality"`
	AudioSampleRate  string `json:"audioSampleRate"`
	ApproxDurationMs string `json:"approxDurationMs"`
}

type innertubePlayerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	StreamingData struct {
		Formats         []innertubeFormat `json:"formats"`
		AdaptiveFormats []innertubeFormat `json:"adaptiveFormats"`
		HLSManifestURL  string            `json:"hlsManifestUrl"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID          string `json:"videoId"`
		Title            string `json:"title"`
		LengthSeconds    string `json:"lengthSeconds"`
		ViewCount        string `json:"viewCount"`
		Author           string `json:"author"`
		ChannelID        string `json:"channelId"`
		ShortDescription string `json:"shortDescription"`
		IsLive           bool   `json:"isLiveContent"`
		Thumbnail        struct {
			Thumbnails []struct {
				URL    string `json:"url"`
				Width  int    `json:"width"`
				Height int    `json:"height"`
			} `json:"thumbnails"`
		} `json:"thumbnail"`
	} `json:"videoDetails"`
}

func (y *YouTubeScraper) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if !matchesHost(rawURL, y.Hosts()) {
		return Failf(ErrInvalidURL, "not a YouTube URL: %s", rawURL)
	}
	videoID := extractYouTubeID(rawURL)
	if videoID == "" {
		return Failf(ErrInvalidURL, "could not extract video ID from URL")
	}

	ctx, cancel := withTimeout(ctx, opts, fetch.APITimeout)
	defer cancel()

	var pr innertubePlayerRequest
	pr.VideoID = videoID
	pr.ContentCheckOk = true
	pr.RacyCheckOk = true
	pr.Context.Client.ClientName = androidClientName
	pr.Context.Client.ClientVersion = androidClientVersion
	pr.Context.Client.AndroidSDKVersion = androidSDKVersion
	pr.Context.Client.UserAgent = androidUserAgent
	pr.Context.Client.HL = "en"
	pr.Context.Client.TimeZone = "UTC"

	payload, _ := json.Marshal(&pr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, innertubePlayerURL+"?prettyPrint=false", bytes.NewReader(payload))
	if err != nil {
		return FailErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", androidUserAgent)
	req.Header.Set("X-Youtube-Client-Name", "3")
	req.Header.Set("X-Youtube-Client-Version", androidClientVersion)

	resp, err := fetch.Client(fetch.APITimeout).Do(req)
	if err != nil {
		return FailErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return failStatus(resp.StatusCode)
	}

	var player innertubePlayerResponse
	if err := json.NewDecoder(resp.Body).Decode(&player); err != nil {
		return Failf(ErrAPI, "failed to parse player response: %v", err)
	}

	switch player.PlayabilityStatus.Status {
	case "OK":
	case "LOGIN_REQUIRED":
		if strings.Contains(strings.ToLower(player.PlayabilityStatus.Reason), "age") {
			return Failf(ErrAgeRestricted, "video is age-restricted")
		}
		return Failf(ErrPrivateContent, "video requires sign-in: %s", player.PlayabilityStatus.Reason)
	case "UNPLAYABLE":
		return Failf(ErrBlocked, "video is unplayable: %s", player.PlayabilityStatus.Reason)
	case "ERROR":
		return Failf(ErrNotFound, "video unavailable: %s", player.PlayabilityStatus.Reason)
	default:
		return Failf(ErrAPI, "unexpected playability status %q", player.PlayabilityStatus.Status)
	}

	return y.buildResult(&player, rawURL)
}

func (y *YouTubeScraper) buildResult(player *innertubePlayerResponse, rawURL string) *Result {
	vd := &player.VideoDetails
	info := &media.Info{
		Title:       vd.Title,
		Author:      vd.Author,
		URL:         rawURL,
		Description: truncateText(vd.ShortDescription, 300),
		Kind:        media.KindVideo,
	}
	info.Duration, _ = strconv.Atoi(vd.LengthSeconds)
	info.Views, _ = strconv.ParseInt(vd.ViewCount, 10, 64)
	if info.Views > 0 {
		info.Engagement = &media.Engagement{Views: info.Views}
	}
	if n := len(vd.Thumbnail.Thumbnails); n > 0 {
		info.Thumbnail = vd.Thumbnail.Thumbnails[n-1].URL
	}

	sd := &player.StreamingData
	var formats []media.Format

	// progressive formats carry both streams
	for _, f := range sd.Formats {
		if f.URL == "" {
			continue
		}
		mf := formatFromInnertube(&f)
		mf.HasVideo, mf.HasAudio = true, true
		mf.Delivery = media.DeliverDirect
		formats = append(formats, mf)
	}

	// adaptive formats are single-stream; video-only ones get a companion
	// audio track and the merge delivery mode
	bestAudio := pickBestAudio(sd.AdaptiveFormats)
	for _, f := range sd.AdaptiveFormats {
		if f.URL == "" {
			continue
		}
		mf := formatFromInnertube(&f)
		switch {
		case strings.HasPrefix(f.MimeType, "audio/"):
			mf.Role = media.RoleAudio
			mf.HasAudio = true
			mf.Quality = "Audio " + audioQualityLabel(f.AudioQuality)
			mf.Delivery = media.DeliverDirect
		case strings.HasPrefix(f.MimeType, "video/"):
			mf.HasVideo = true
			if bestAudio != nil {
				mf.Delivery = media.DeliverMerge
				mf.AudioURL = bestAudio.URL
				mf.ACodec = codecFromMime(bestAudio.MimeType)
				mf.AudioBitrate = bestAudio.AverageBitrate
			} else {
				mf.Delivery = media.DeliverDirect
			}
		default:
			continue
		}
		formats = append(formats, mf)
	}

	if sd.HLSManifestURL != "" {
		formats = append(formats, media.Format{
			Quality:  "HLS Stream",
			Role:     media.RoleVideo,
			URL:      sd.HLSManifestURL,
			Ext:      "m3u8",
			Delivery: media.DeliverHLS,
			HasVideo: true,
			HasAudio: true,
		})
	}

	if len(formats) == 0 {
		return Failf(ErrNoMedia, "no playable formats returned")
	}

	media.SortFormats(formats)
	info.Formats = media.DedupeFormats(formats)
	return OK("youtube", info)
}

func formatFromInnertube(f *innertubeFormat) media.Format {
	mf := media.Format{
		Quality: f.QualityLabel,
		Role:    media.RoleVideo,
		URL:     f.URL,
		Ext:     extFromMime(f.MimeType),
		Width:   f.Width,
		Height:  f.Height,
		Bitrate: f.AverageBitrate,
		Tier:    media.TierForHeight(f.Height),
		VCodec:  codecFromMime(f.MimeType),
	}
	if mf.Bitrate == 0 {
		mf.Bitrate = f.Bitrate
	}
	if f.ContentLength != "" {
		mf.FileSize, _ = strconv.ParseInt(f.ContentLength, 10, 64)
	}
	return mf
}

// pickBestAudio prefers AAC/M4A codecs for MP4 container compatibility,
// falling back to the highest-bitrate audio stream of any codec family.
func pickBestAudio(formats []innertubeFormat) *innertubeFormat {
	var bestAAC, bestAny *innertubeFormat
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "audio/") || f.URL == "" {
			continue
		}
		if bestAny == nil || f.AverageBitrate > bestAny.AverageBitrate {
			bestAny = f
		}
		codec := codecFromMime(f.MimeType)
		if strings.Contains(codec, "mp4a") || strings.Contains(f.MimeType, "audio/mp4") {
			if bestAAC == nil || f.AverageBitrate > bestAAC.AverageBitrate {
				bestAAC = f
			}
		}
	}
	if bestAAC != nil {
		return bestAAC
	}
	return bestAny
}

var mimeCodecRegex = regexp.MustCompile(`codecs="([^"]+)"`)

func codecFromMime(mime string) string {
	if m := mimeCodecRegex.FindStringSubmatch(mime); len(m) >= 2 {
		return m[1]
	}
	return ""
}

func extFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "video/mp4"), strings.HasPrefix(mime, "audio/mp4"):
		if strings.HasPrefix(mime, "audio/") {
			return "m4a"
		}
		return "mp4"
	case strings.HasPrefix(mime, "video/webm"), strings.HasPrefix(mime, "audio/webm"):
		return "webm"
	case strings.HasPrefix(mime, "video/3gpp"):
		return "3gp"
	default:
		return "mp4"
	}
}

func audioQualityLabel(q string) string {
	switch q {
	case "AUDIO_QUALITY_HIGH":
		return "High"
	case "AUDIO_QUALITY_MEDIUM":
		return "Medium"
	case "AUDIO_QUALITY_LOW":
		return "Low"
	default:
		return "Standard"
	}
}

func extractYouTubeID(rawURL string) string {
	for _, re := range youtubeIDRegexes {
		if m := re.FindStringSubmatch(rawURL); len(m) >= 2 {
			return m[1]
		}
	}
	return ""
}

func init() {
	Register(NewYouTubeScraper())
}
