package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/risunCode/downaria/internal/core/media"
)

func testInfo() *media.Info {
	return &media.Info{Author: "creator", Title: "clip", URL: "https://example.com/v/1"}
}

func TestDownloadDirect(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	var gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(dir)
	format := media.Format{
		URL:      srv.URL + "/video.mp4",
		Ext:      "mp4",
		Role:     media.RoleVideo,
		Quality:  "HD",
		Delivery: media.DeliverDirect,
		Headers:  map[string]string{"Referer": "https://example.com/"},
	}

	res := d.Download(context.Background(), testInfo(), format, -1, Options{}, nil)
	if !res.Success {
		t.Fatalf("download failed: %v", res.Err)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("file content differs: %d bytes, want %d", len(got), len(payload))
	}
	if gotReferer != "https://example.com/" {
		t.Errorf("Referer = %q", gotReferer)
	}
	if gotUA == "" {
		t.Error("request went out without a User-Agent")
	}
	if !strings.HasSuffix(res.Filename, "_DownAria.mp4") {
		t.Errorf("Filename = %q", res.Filename)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDownloadDirectProgress(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "262144")
		for i := 0; i < len(payload); i += 32 * 1024 {
			w.Write(payload[i : i+32*1024])
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	d := New(t.TempDir())
	var snaps []Progress
	res := d.Download(context.Background(), testInfo(),
		media.Format{URL: srv.URL + "/f.bin", Ext: "bin", Delivery: media.DeliverDirect},
		-1, Options{}, func(p Progress) { snaps = append(snaps, p) })
	if !res.Success {
		t.Fatalf("download failed: %v", res.Err)
	}
	if len(snaps) == 0 {
		t.Fatal("no progress emitted")
	}
	last := snaps[len(snaps)-1]
	if last.Loaded != int64(len(payload)) {
		t.Errorf("final Loaded = %d, want %d", last.Loaded, len(payload))
	}
	if last.Percent != 100 {
		t.Errorf("final Percent = %f, want 100", last.Percent)
	}
	prev := -1.0
	for _, s := range snaps {
		if s.Percent < prev {
			t.Errorf("percent regressed: %f after %f", s.Percent, prev)
		}
		prev = s.Percent
	}
}

func TestDownloadDirectFailureLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(dir)
	res := d.Download(context.Background(), testInfo(),
		media.Format{URL: srv.URL + "/f.mp4", Ext: "mp4", Delivery: media.DeliverDirect},
		-1, Options{}, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed download left files: %v", entries)
	}
}

func TestDownloadDirectCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, 32*1024))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()
	d := New(dir)

	done := make(chan Result, 1)
	go func() {
		done <- d.Download(ctx, testInfo(),
			media.Format{URL: srv.URL + "/f.mp4", Ext: "mp4", Delivery: media.DeliverDirect},
			-1, Options{}, nil)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Success {
			t.Error("cancelled download reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download did not abort on cancellation")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("cancelled download left files: %v", entries)
	}
}

// An HLS-delivery format must never be fetched as a plain file, whatever
// its URL looks like.
func TestDispatchHLSNeverHitsDirectPath(t *testing.T) {
	var playlistRequests, rawRequests int
	mux := http.NewServeMux()
	mux.HandleFunc("/stream.m3u8", func(w http.ResponseWriter, r *http.Request) {
		playlistRequests++
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg.ts\n"))
	})
	mux.HandleFunc("/seg.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		rawRequests++
		w.Write([]byte("should never be fetched directly"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(t.TempDir())
	res := d.Download(context.Background(), testInfo(),
		media.Format{URL: srv.URL + "/stream.m3u8", Ext: "mp4", Delivery: media.DeliverHLS},
		-1, Options{}, nil)
	if !res.Success {
		t.Fatalf("download failed: %v", res.Err)
	}
	if playlistRequests != 1 {
		t.Errorf("playlist fetched %d times, want 1", playlistRequests)
	}
	if rawRequests != 0 {
		t.Errorf("direct path hit %d times for an HLS format", rawRequests)
	}
	got, _ := os.ReadFile(res.Path)
	if !bytes.Equal(got, []byte("segment-bytes")) {
		t.Errorf("output = %q", got)
	}
}

func TestDispatchUnknownDelivery(t *testing.T) {
	d := New(t.TempDir())
	res := d.Download(context.Background(), testInfo(), media.Format{URL: "https://x/", Delivery: "carrier-pigeon"}, -1, Options{}, nil)
	if res.Success || res.Err == nil {
		t.Fatal("unknown delivery must fail")
	}
	if !strings.Contains(res.Err.Error(), "carrier-pigeon") {
		t.Errorf("error does not name the strategy: %v", res.Err)
	}
}

func TestMagicByteRename(t *testing.T) {
	// webp served under a .jpg name gets corrected
	webp := append([]byte("RIFF"), 0, 0, 0, 0)
	webp = append(webp, []byte("WEBP")...)
	webp = append(webp, bytes.Repeat([]byte{0}, 64)...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(webp)
	}))
	defer srv.Close()

	d := New(t.TempDir())
	res := d.Download(context.Background(), testInfo(),
		media.Format{URL: srv.URL + "/img.jpg", Ext: "jpg", Role: media.RoleImage, Delivery: media.DeliverDirect},
		-1, Options{}, nil)
	if !res.Success {
		t.Fatalf("download failed: %v", res.Err)
	}
	if filepath.Ext(res.Path) != ".webp" {
		t.Errorf("path = %s, want .webp after magic sniff", res.Path)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(90 * time.Second); got != "1:30" {
		t.Errorf("formatDuration(90s) = %q", got)
	}
	if got := formatDuration(2*time.Hour + 5*time.Minute); got != "2:05:00" {
		t.Errorf("formatDuration(2h5m) = %q", got)
	}
	if got := formatDuration(-time.Second); got != "??:??" {
		t.Errorf("formatDuration(-1s) = %q", got)
	}
}
