package downloader

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DetectFileType sniffs the leading bytes of a file and returns the
// extension they imply (without dot), or "" when unrecognized. CDNs
// frequently serve webp under .jpg URLs, so direct image downloads are
// checked after the fact.
func DetectFileType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return "", err
	}
	if n < 4 {
		return "", nil
	}

	switch {
	case n >= 12 && string(header[0:4]) == "RIFF" && string(header[8:12]) == "WEBP":
		return "webp", nil
	case n >= 8 && bytes.Equal(header[0:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "png", nil
	case n >= 6 && (string(header[0:6]) == "GIF87a" || string(header[0:6]) == "GIF89a"):
		return "gif", nil
	case n >= 3 && bytes.Equal(header[0:3], []byte{0xFF, 0xD8, 0xFF}):
		return "jpg", nil
	case n >= 12 && string(header[4:8]) == "ftyp":
		return "mp4", nil
	case n >= 4 && bytes.Equal(header[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "webm", nil
	}
	return "", nil
}

// RenameByMagicBytes corrects the file's extension when the sniffed type
// disagrees with it. Returns the final path, renamed or not.
func RenameByMagicBytes(path string) string {
	detected, err := DetectFileType(path)
	if err != nil || detected == "" {
		return path
	}

	ext := filepath.Ext(path)
	current := strings.TrimPrefix(ext, ".")
	if current == "" || strings.EqualFold(current, detected) {
		return path
	}
	// mp4/webm containers are interchangeable enough that video files keep
	// their chosen extension
	if (detected == "mp4" || detected == "webm") && (current == "mp4" || current == "webm" || current == "ts" || current == "mov") {
		return path
	}

	newPath := path[:len(path)-len(ext)] + "." + detected
	if err := os.Rename(path, newPath); err != nil {
		return path
	}
	return newPath
}
