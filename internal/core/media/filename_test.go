package media

import (
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "ASCII with spaces",
			input:    "My Cool   Video",
			expected: "My_Cool_Video",
		},
		{
			name:     "Path separators stripped",
			input:    "a/b\\c",
			expected: "abc",
		},
		{
			name:     "Control characters stripped",
			input:    "file\x00name\x1fhere",
			expected: "filenamehere",
		},
		{
			name:     "CJK preserved",
			input:    "跳舞的猫 dancing cat",
			expected: "跳舞的猫_dancing_cat",
		},
		{
			name:     "Japanese kana preserved",
			input:    "かわいい猫ちゃん",
			expected: "かわいい猫ちゃん",
		},
		{
			name:     "Emoji and punctuation dropped",
			input:    "wow!! 🔥🔥 #viral @user",
			expected: "wow_viral_user",
		},
		{
			name:     "Leading and trailing dots trimmed",
			input:    "..hidden..",
			expected: "hidden",
		},
		{
			name:     "Empty after sanitization",
			input:    "???***",
			expected: "",
		},
		{
			name:     "Newlines collapse to underscore",
			input:    "line one\nline two",
			expected: "line_one_line_two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeName(tt.input)
			if got != tt.expected {
				t.Errorf("SanitizeName(%q) = %q; want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeNameNeverEmitsUnsafeRunes(t *testing.T) {
	inputs := []string{
		"a/b\\c:d*e?f\"g<h>i|j",
		"null\x00byte",
		"tab\tand\nnewline",
		"..\\..\\windows",
		"../../etc/passwd",
	}
	for _, in := range inputs {
		out := SanitizeName(in)
		if strings.ContainsAny(out, "/\\:*?\"<>|\x00\n\r\t ") {
			t.Errorf("SanitizeName(%q) = %q contains unsafe characters", in, out)
		}
	}
}

func TestFilenameDeterministic(t *testing.T) {
	info := &Info{Author: "creator", Title: "a very nice clip"}
	f := &Format{Quality: "HD 1080p", Role: RoleVideo, Ext: "mp4", Delivery: DeliverDirect}

	first := Filename(info, f, -1)
	for i := 0; i < 5; i++ {
		if got := Filename(info, f, -1); got != first {
			t.Fatalf("Filename not deterministic: %q vs %q", got, first)
		}
	}
	if first != "creator_a_very_nice_clip_HD_1080p_DownAria.mp4" {
		t.Errorf("unexpected filename: %q", first)
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		name     string
		info     Info
		format   Format
		index    int
		expected string
	}{
		{
			name:     "carousel index is one-based",
			info:     Info{Author: "user", Title: "post"},
			format:   Format{Quality: "Image 2", Role: RoleImage, Ext: "jpg", Delivery: DeliverDirect},
			index:    1,
			expected: "user_post_2_Image_2_DownAria.jpg",
		},
		{
			name:     "hls forces mp4 extension",
			info:     Info{Author: "user", Title: "stream"},
			format:   Format{Quality: "720p", Role: RoleVideo, Ext: "m3u8", Delivery: DeliverHLS},
			index:    -1,
			expected: "user_stream_720p_DownAria.mp4",
		},
		{
			name:     "merge forces mp4 extension",
			info:     Info{Author: "user", Title: "clip"},
			format:   Format{Quality: "1080p", Role: RoleVideo, Ext: "webm", Delivery: DeliverMerge},
			index:    -1,
			expected: "user_clip_1080p_DownAria.mp4",
		},
		{
			name:     "empty author falls back to unknown",
			info:     Info{Author: "", Title: "clip"},
			format:   Format{Quality: "Audio", Role: RoleAudio, Ext: "mp3", Delivery: DeliverDirect},
			index:    -1,
			expected: "unknown_clip_Audio_DownAria.mp3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filename(&tt.info, &tt.format, tt.index)
			if got != tt.expected {
				t.Errorf("Filename() = %q; want %q", got, tt.expected)
			}
		})
	}
}

func TestFilenameTruncation(t *testing.T) {
	longAuthor := strings.Repeat("a", 100)
	longTitle := strings.Repeat("标", 100)
	info := &Info{Author: longAuthor, Title: longTitle}
	f := &Format{Role: RoleVideo, Ext: "mp4", Delivery: DeliverDirect}

	got := Filename(info, f, -1)
	parts := strings.SplitN(got, "_", 2)
	if len([]rune(parts[0])) != 25 {
		t.Errorf("author not truncated to 25 runes: %d", len([]rune(parts[0])))
	}
	if !strings.Contains(got, strings.Repeat("标", 50)) {
		t.Errorf("caption should keep 50 runes: %q", got)
	}
	if strings.Contains(got, strings.Repeat("标", 51)) {
		t.Errorf("caption not truncated to 50 runes: %q", got)
	}
}
