package media

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	maxAuthorRunes  = 25
	maxCaptionRunes = 50

	brandTag = "DownAria"
)

// SanitizeName strips characters that are unsafe in filenames: control
// characters, path separators and shell-hostile punctuation are removed,
// whitespace runs collapse to a single underscore. CJK and kana ranges are
// preserved so Chinese/Japanese captions stay readable.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case r < 0x20 || r == 0x7f:
			// control characters dropped
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case isCJK(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			// everything else (separators, quotes, emoji, NUL) dropped
		}
	}
	return strings.Trim(b.String(), "._")
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Filename builds the deterministic output filename for one download:
//
//	author_caption[_idx]_(quality)_DownAria.ext
//
// Author is capped at 25 runes, caption at 50. carouselIndex < 0 means the
// content is not a carousel item.
func Filename(info *Info, f *Format, carouselIndex int) string {
	author := truncateRunes(SanitizeName(info.Author), maxAuthorRunes)
	if author == "" {
		author = "unknown"
	}
	caption := truncateRunes(SanitizeName(info.Title), maxCaptionRunes)

	var b strings.Builder
	b.WriteString(author)
	if caption != "" {
		b.WriteByte('_')
		b.WriteString(caption)
	}
	if carouselIndex >= 0 {
		fmt.Fprintf(&b, "_%d", carouselIndex+1)
	}
	label := SanitizeName(f.Label())
	if label != "" {
		b.WriteByte('_')
		b.WriteString(label)
	}
	b.WriteByte('_')
	b.WriteString(brandTag)
	b.WriteByte('.')
	b.WriteString(outputExt(f))
	return b.String()
}

// outputExt forces .mp4 for HLS and merged downloads; the reconstructed or
// muxed result is always an MP4-compatible container.
func outputExt(f *Format) string {
	switch f.Delivery {
	case DeliverHLS, DeliverMerge:
		return "mp4"
	}
	if f.Ext != "" && f.Ext != "m3u8" {
		return f.Ext
	}
	switch f.Role {
	case RoleAudio:
		return "mp3"
	case RoleImage:
		return "jpg"
	default:
		return "mp4"
	}
}
