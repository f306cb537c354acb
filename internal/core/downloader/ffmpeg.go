package downloader

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

// FFmpegAvailable reports whether ffmpeg is on PATH.
func FFmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// MuxStreams combines a video-only file and an audio-only file into one
// mp4 using stream copy, no re-encoding.
func MuxStreams(videoPath, audioPath, outputPath string) error {
	if !FFmpegAvailable() {
		return fmt.Errorf("ffmpeg not found in PATH")
	}

	videoInfo, err := os.Stat(videoPath)
	if err != nil {
		return fmt.Errorf("video stream missing: %w", err)
	}
	audioInfo, err := os.Stat(audioPath)
	if err != nil {
		return fmt.Errorf("audio stream missing: %w", err)
	}
	log.Printf("[ffmpeg] mux: video %s (%d bytes) + audio %s (%d bytes)",
		videoPath, videoInfo.Size(), audioPath, audioInfo.Size())

	// -threads 1 keeps ffmpeg stable under container ulimits
	args := []string{
		"-threads", "1",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c", "copy",
		"-f", "mp4",
		"-y",
		outputPath,
	}
	out, err := exec.Command("ffmpeg", args...).CombinedOutput()
	if err != nil {
		log.Printf("[ffmpeg] mux failed: %v\n%s", err, string(out))
		return fmt.Errorf("ffmpeg mux failed: %w", err)
	}

	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("muxed file not created: %w", err)
	}
	if inputTotal := videoInfo.Size() + audioInfo.Size(); outInfo.Size() < 1024 || outInfo.Size() < inputTotal/10 {
		log.Printf("[ffmpeg] WARNING: muxed file suspiciously small (%d bytes from %d bytes input)", outInfo.Size(), inputTotal)
	}
	return nil
}

// RemuxTransportStream rewraps an MPEG-TS file into an mp4 container in
// place, via stream copy. The file keeps its path; only the container
// changes. A missing ffmpeg is reported as an error so the caller can log
// and move on with the raw TS bytes.
func RemuxTransportStream(path string) error {
	if !FFmpegAvailable() {
		return fmt.Errorf("ffmpeg not found in PATH")
	}

	tmpPath := strings.TrimSuffix(path, ".mp4") + ".remux.mp4"
	out, err := exec.Command("ffmpeg", "-threads", "1", "-i", path, "-c", "copy", "-f", "mp4", "-y", tmpPath).CombinedOutput()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ffmpeg remux failed: %w\n%s", err, string(out))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace with remuxed file: %w", err)
	}
	return nil
}
