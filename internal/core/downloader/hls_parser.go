package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Playlist is a parsed m3u8 document. A master playlist carries Variants;
// a media playlist carries Segments.
type Playlist struct {
	Variants      []Variant
	Segments      []Segment
	TotalDuration float64 // seconds
	IsMaster      bool
	IsEncrypted   bool
	KeyURL        string
	KeyIV         string // hex, without the 0x prefix
}

// Variant is one stream option in a master playlist.
type Variant struct {
	URL        string
	Bandwidth  int
	Resolution string // "1920x1080"
	Codecs     string
}

// Segment is one media chunk. Index is the playlist position and defines
// the only valid assembly order.
type Segment struct {
	URL      string
	Duration float64
	Index    int
}

var (
	hlsBandwidthRe  = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	hlsResolutionRe = regexp.MustCompile(`RESOLUTION=(\d+x\d+)`)
	hlsCodecsRe     = regexp.MustCompile(`CODECS="([^"]+)"`)
	hlsExtinfRe     = regexp.MustCompile(`#EXTINF:([\d.]+)`)
	hlsKeyMethodRe  = regexp.MustCompile(`METHOD=([^,]+)`)
	hlsKeyURIRe     = regexp.MustCompile(`URI="([^"]+)"`)
	hlsKeyIVRe      = regexp.MustCompile(`IV=0x([0-9a-fA-F]+)`)
)

// FetchPlaylist retrieves and parses an m3u8 URL. When it resolves to a
// master playlist the highest-bandwidth variant is fetched and parsed in
// its place, so callers always get a media playlist back.
func (d *Downloader) FetchPlaylist(ctx context.Context, m3u8URL string, headers map[string]string) (*Playlist, error) {
	pl, err := d.fetchPlaylistOnce(ctx, m3u8URL, headers)
	if err != nil {
		return nil, err
	}
	if !pl.IsMaster {
		return pl, nil
	}
	variant := pl.BestVariant()
	if variant == nil {
		return nil, fmt.Errorf("master playlist has no variants")
	}
	return d.fetchPlaylistOnce(ctx, variant.URL, headers)
}

func (d *Downloader) fetchPlaylistOnce(ctx context.Context, m3u8URL string, headers map[string]string) (*Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m3u8URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build playlist request: %w", err)
	}
	applyHeaders(req, headers)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist returned status %d", resp.StatusCode)
	}
	return ParsePlaylist(resp.Body, m3u8URL)
}

// ParsePlaylist parses m3u8 text, resolving segment and variant URLs
// against baseURL.
func ParsePlaylist(r io.Reader, baseURL string) (*Playlist, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist URL: %w", err)
	}

	pl := &Playlist{}
	scanner := bufio.NewScanner(r)
	var pendingDuration float64
	var pendingVariant *Variant
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pl.IsMaster = true
			v := Variant{
				Bandwidth:  firstInt(hlsBandwidthRe, line),
				Resolution: firstGroup(hlsResolutionRe, line),
				Codecs:     firstGroup(hlsCodecsRe, line),
			}
			pendingVariant = &v

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			method := firstGroup(hlsKeyMethodRe, line)
			if method != "" && method != "NONE" {
				pl.IsEncrypted = true
				if uri := firstGroup(hlsKeyURIRe, line); uri != "" {
					pl.KeyURL = resolveRef(base, uri)
				}
				pl.KeyIV = firstGroup(hlsKeyIVRe, line)
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			if m := hlsExtinfRe.FindStringSubmatch(line); len(m) >= 2 {
				pendingDuration, _ = strconv.ParseFloat(m[1], 64)
			}

		case strings.HasPrefix(line, "#"):
			// other directives are irrelevant here

		default:
			// a bare line is the URL for the preceding directive
			if pendingVariant != nil {
				pendingVariant.URL = resolveRef(base, line)
				pl.Variants = append(pl.Variants, *pendingVariant)
				pendingVariant = nil
				continue
			}
			pl.Segments = append(pl.Segments, Segment{
				URL:      resolveRef(base, line),
				Duration: pendingDuration,
				Index:    index,
			})
			pl.TotalDuration += pendingDuration
			pendingDuration = 0
			index++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	return pl, nil
}

// BestVariant returns the highest-bandwidth variant, nil when none exist.
func (p *Playlist) BestVariant() *Variant {
	if len(p.Variants) == 0 {
		return nil
	}
	best := &p.Variants[0]
	for i := range p.Variants {
		if p.Variants[i].Bandwidth > best.Bandwidth {
			best = &p.Variants[i]
		}
	}
	return best
}

func resolveRef(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) >= 2 {
		return m[1]
	}
	return ""
}

func firstInt(re *regexp.Regexp, s string) int {
	n, _ := strconv.Atoi(firstGroup(re, s))
	return n
}
