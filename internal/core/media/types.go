package media

import (
	"fmt"
	"sort"
	"strings"
)

// Role is the media role of a single format.
type Role string

const (
	RoleVideo Role = "video"
	RoleAudio Role = "audio"
	RoleImage Role = "image"
)

// Tier is an explicit resolution tier. The free-text Quality label is derived
// from Role+Tier for display and is never parsed back out.
type Tier int

const (
	TierUnknown Tier = iota
	TierLow
	TierSD480
	TierHD720
	TierFHD1080
	TierUHD4K
	TierOriginal
)

func (t Tier) String() string {
	switch t {
	case TierOriginal:
		return "Original"
	case TierUHD4K:
		return "4K"
	case TierFHD1080:
		return "1080p"
	case TierHD720:
		return "720p"
	case TierSD480:
		return "480p"
	case TierLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// TierForHeight maps a pixel height onto a resolution tier.
func TierForHeight(height int) Tier {
	switch {
	case height >= 2160:
		return TierUHD4K
	case height >= 1080:
		return TierFHD1080
	case height >= 720:
		return TierHD720
	case height >= 480:
		return TierSD480
	case height > 0:
		return TierLow
	default:
		return TierUnknown
	}
}

// Delivery describes how a format is acquired. It is computed once at scrape
// time; the download orchestrator switches exhaustively on it.
type Delivery string

const (
	DeliverDirect Delivery = "direct"
	DeliverHLS    Delivery = "hls"
	DeliverMerge  Delivery = "merge"
)

// DefaultItemID groups formats of single-item content.
const DefaultItemID = "main"

// Format is one downloadable variant of a media item.
type Format struct {
	Quality   string   `json:"quality"` // display label only
	Role      Role     `json:"type"`
	Tier      Tier     `json:"-"`
	URL       string   `json:"url"`
	Ext       string   `json:"format"` // container/codec hint: mp4, m3u8, jpg, mp3
	ItemID    string   `json:"itemId,omitempty"`
	Thumbnail string   `json:"thumbnail,omitempty"`
	FileSize  int64    `json:"filesize,omitempty"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Bitrate   int      `json:"bitrate,omitempty"`
	Delivery  Delivery `json:"delivery"`

	HasVideo bool `json:"hasVideo,omitempty"`
	HasAudio bool `json:"hasAudio,omitempty"`

	// For Delivery == DeliverMerge: the companion audio-only stream.
	AudioURL     string `json:"audioUrl,omitempty"`
	VCodec       string `json:"vcodec,omitempty"`
	ACodec       string `json:"acodec,omitempty"`
	AudioBitrate int    `json:"audioBitrate,omitempty"`

	// Custom headers required to fetch the URL (e.g. Referer).
	Headers map[string]string `json:"-"`
}

// Item returns the carousel item ID, defaulting to DefaultItemID.
func (f *Format) Item() string {
	if f.ItemID == "" {
		return DefaultItemID
	}
	return f.ItemID
}

// Label returns the display quality label, deriving one from Role+Tier when
// no explicit label was set.
func (f *Format) Label() string {
	if f.Quality != "" {
		return f.Quality
	}
	switch f.Role {
	case RoleAudio:
		return "Audio"
	case RoleImage:
		return "Image"
	default:
		if f.Tier != TierUnknown {
			return f.Tier.String()
		}
		if f.Height > 0 {
			return fmt.Sprintf("%dp", f.Height)
		}
		return "Video"
	}
}

// Engagement holds normalized engagement counters. Zero values mean absent,
// not "0"; platform-native counters (Weibo reposts, Facebook reactions) are
// mapped onto this vocabulary by each scraper.
type Engagement struct {
	Views     int64 `json:"views,omitempty"`
	Likes     int64 `json:"likes,omitempty"`
	Comments  int64 `json:"comments,omitempty"`
	Shares    int64 `json:"shares,omitempty"`
	Bookmarks int64 `json:"bookmarks,omitempty"`
	Replies   int64 `json:"replies,omitempty"`
}

// Empty reports whether no counter is set.
func (e *Engagement) Empty() bool {
	return e == nil || *e == Engagement{}
}

// Kind is the detected content subtype of a post.
type Kind string

const (
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindCarousel Kind = "carousel"
	KindStory    Kind = "story"
)

// Info is the normalized metadata of one scraped content URL.
type Info struct {
	Title       string      `json:"title"`
	Thumbnail   string      `json:"thumbnail,omitempty"`
	Author      string      `json:"author"`
	AuthorName  string      `json:"authorName,omitempty"`
	Formats     []Format    `json:"formats"`
	URL         string      `json:"url"`
	Description string      `json:"description,omitempty"`
	Duration    int         `json:"duration,omitempty"` // seconds
	Views       int64       `json:"views,omitempty"`
	PostedAt    int64       `json:"postedAt,omitempty"` // unix seconds
	Engagement  *Engagement `json:"engagement,omitempty"`
	UsedCookie  bool        `json:"usedCookie,omitempty"`
	Kind        Kind        `json:"type,omitempty"`
}

// GroupByItem partitions formats by carousel item ID. Every input format
// appears in exactly one group; iteration order of Items follows first
// appearance in the input.
type Grouped struct {
	Items  []string
	Groups map[string][]Format
}

func GroupByItem(formats []Format) Grouped {
	g := Grouped{Groups: make(map[string][]Format)}
	for _, f := range formats {
		id := f.Item()
		if _, ok := g.Groups[id]; !ok {
			g.Items = append(g.Items, id)
		}
		g.Groups[id] = append(g.Groups[id], f)
	}
	return g
}

// DedupeFormats removes formats that repeat an (itemId, quality) pair or an
// identical URL, keeping the first occurrence.
func DedupeFormats(formats []Format) []Format {
	seenKey := make(map[string]bool, len(formats))
	seenURL := make(map[string]bool, len(formats))
	out := formats[:0:0]
	for _, f := range formats {
		key := f.Item() + "\x00" + f.Label()
		if seenKey[key] || (f.URL != "" && seenURL[f.URL]) {
			continue
		}
		seenKey[key] = true
		if f.URL != "" {
			seenURL[f.URL] = true
		}
		out = append(out, f)
	}
	return out
}

// SortFormats orders formats best-first within each item: video before audio
// before image, combined audio+video before video-only, then tier and height
// descending, then bitrate. The sort is stable so per-item ordering from the
// scraper is preserved among equals.
func SortFormats(formats []Format) {
	sort.SliceStable(formats, func(i, j int) bool {
		a, b := &formats[i], &formats[j]
		if a.Item() != b.Item() {
			return false // keep item order
		}
		if ra, rb := roleRank(a.Role), roleRank(b.Role); ra != rb {
			return ra < rb
		}
		ca, cb := a.HasVideo && a.HasAudio, b.HasVideo && b.HasAudio
		if ca != cb {
			return ca
		}
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		if a.Height != b.Height {
			return a.Height > b.Height
		}
		return a.Bitrate > b.Bitrate
	})
}

func roleRank(r Role) int {
	switch r {
	case RoleVideo:
		return 0
	case RoleAudio:
		return 1
	default:
		return 2
	}
}

// ExtForURL guesses a container extension from a media URL.
func ExtForURL(rawURL, fallback string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if i := strings.LastIndex(u, "."); i >= 0 && len(u)-i <= 6 {
		ext := strings.ToLower(u[i+1:])
		switch ext {
		case "mp4", "webm", "mov", "m3u8", "ts", "mp3", "m4a", "aac",
			"jpg", "jpeg", "png", "gif", "webp", "heic":
			return ext
		}
	}
	return fallback
}
