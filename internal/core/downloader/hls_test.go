package downloader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/risunCode/downaria/internal/core/media"
)

func TestParsePlaylistMedia(t *testing.T) {
	m3u8 := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:9.009,
seg0.ts
#EXTINF:9.009,
seg1.ts
#EXTINF:3.003,
https://other.example/seg2.ts
#EXT-X-ENDLIST
`
	pl, err := ParsePlaylist(strings.NewReader(m3u8), "https://cdn.example/v/index.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if pl.IsMaster {
		t.Error("media playlist flagged as master")
	}
	if len(pl.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(pl.Segments))
	}
	if pl.Segments[0].URL != "https://cdn.example/v/seg0.ts" {
		t.Errorf("relative URL not resolved: %s", pl.Segments[0].URL)
	}
	if pl.Segments[2].URL != "https://other.example/seg2.ts" {
		t.Errorf("absolute URL mangled: %s", pl.Segments[2].URL)
	}
	for i, s := range pl.Segments {
		if s.Index != i {
			t.Errorf("segment %d has index %d", i, s.Index)
		}
	}
	if want := 9.009 + 9.009 + 3.003; pl.TotalDuration < want-0.01 || pl.TotalDuration > want+0.01 {
		t.Errorf("TotalDuration = %f, want ~%f", pl.TotalDuration, want)
	}
}

func TestParsePlaylistMaster(t *testing.T) {
	m3u8 := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
mid/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
high/index.m3u8
`
	pl, err := ParsePlaylist(strings.NewReader(m3u8), "https://cdn.example/master.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if !pl.IsMaster {
		t.Fatal("master playlist not detected")
	}
	if len(pl.Variants) != 3 {
		t.Fatalf("got %d variants, want 3", len(pl.Variants))
	}
	best := pl.BestVariant()
	if best == nil || best.Bandwidth != 5000000 {
		t.Errorf("BestVariant = %+v, want the 5000000 one", best)
	}
	if best.URL != "https://cdn.example/high/index.m3u8" {
		t.Errorf("variant URL = %s", best.URL)
	}
	if pl.Variants[0].Codecs != "avc1.4d401e,mp4a.40.2" {
		t.Errorf("Codecs = %q", pl.Variants[0].Codecs)
	}
}

func TestParsePlaylistEncryptionKey(t *testing.T) {
	m3u8 := `#EXTM3U
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x00000000000000000000000000000001
#EXTINF:4.0,
seg0.ts
`
	pl, err := ParsePlaylist(strings.NewReader(m3u8), "https://cdn.example/v/index.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if !pl.IsEncrypted {
		t.Fatal("encryption not detected")
	}
	if pl.KeyURL != "https://cdn.example/v/key.bin" {
		t.Errorf("KeyURL = %s", pl.KeyURL)
	}
	if pl.KeyIV != "00000000000000000000000000000001" {
		t.Errorf("KeyIV = %s", pl.KeyIV)
	}
}

func TestParsePlaylistMethodNone(t *testing.T) {
	m3u8 := "#EXTM3U\n#EXT-X-KEY:METHOD=NONE\n#EXTINF:4.0,\nseg0.ts\n"
	pl, err := ParsePlaylist(strings.NewReader(m3u8), "https://cdn.example/i.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if pl.IsEncrypted {
		t.Error("METHOD=NONE must not flag encryption")
	}
}

// hlsTestServer serves a media playlist of n segments, each with
// distinctive content, and counts per-segment requests.
func hlsTestServer(t *testing.T, n int, failures map[int]int) (*httptest.Server, [][]byte) {
	t.Helper()
	segments := make([][]byte, n)
	for i := range segments {
		segments[i] = bytes.Repeat([]byte{byte(i + 1)}, 100+i)
	}
	var mu sync.Mutex
	attempts := map[int]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		w.Write([]byte(b.String()))
	})
	for i := 0; i < n; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			attempts[i]++
			failing := attempts[i] <= failures[i]
			mu.Unlock()
			if failing {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write(segments[i])
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, segments
}

func TestDownloadHLSRoundTrip(t *testing.T) {
	srv, segments := hlsTestServer(t, 7, nil)
	dir := t.TempDir()
	d := New(dir)

	out := filepath.Join(dir, "clip.mp4")
	var percents []float64
	err := d.downloadHLS(context.Background(), media.Format{URL: srv.URL + "/index.m3u8"}, out, false, func(p Progress) {
		percents = append(percents, p.Percent)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Join(segments, nil)
	if !bytes.Equal(got, want) {
		t.Errorf("assembled file differs: got %d bytes, want %d in playlist order", len(got), len(want))
	}

	// progress stays in band and never regresses
	last := -1.0
	for _, p := range percents {
		if p < last {
			t.Errorf("progress regressed: %f after %f", p, last)
		}
		last = p
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("final percent = %v, want 100", percents)
	}

	if _, err := os.Stat(out + ".part"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestLinearBackOff(t *testing.T) {
	bo := &linearBackOff{base: hlsRetryBaseDelay}
	for attempt := 1; attempt <= 3; attempt++ {
		if got, want := bo.NextBackOff(), time.Duration(attempt)*time.Second; got != want {
			t.Errorf("attempt %d delay = %v, want %v", attempt, got, want)
		}
	}
	bo.Reset()
	if got := bo.NextBackOff(); got != time.Second {
		t.Errorf("delay after reset = %v, want %v", got, time.Second)
	}
}

func TestDownloadHLSRetriesTransientFailures(t *testing.T) {
	// segment 2 fails twice, succeeds on the third attempt
	srv, segments := hlsTestServer(t, 4, map[int]int{2: 2})
	dir := t.TempDir()
	d := New(dir)
	d.retryBaseDelay = time.Millisecond

	out := filepath.Join(dir, "clip.mp4")
	if err := d.downloadHLS(context.Background(), media.Format{URL: srv.URL + "/index.m3u8"}, out, false, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, bytes.Join(segments, nil)) {
		t.Error("retried segment missing or out of order")
	}
}

func TestDownloadHLSAbortsOnLostSegment(t *testing.T) {
	// segment 1 fails more times than the retry budget
	srv, _ := hlsTestServer(t, 3, map[int]int{1: 10})
	dir := t.TempDir()
	d := New(dir)
	d.retryBaseDelay = time.Millisecond

	out := filepath.Join(dir, "clip.mp4")
	err := d.downloadHLS(context.Background(), media.Format{URL: srv.URL + "/index.m3u8"}, out, false, nil)
	if err == nil {
		t.Fatal("expected failure on exhausted segment")
	}
	if !strings.Contains(err.Error(), "segment 1") {
		t.Errorf("error does not name the lost segment: %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("partial output left behind after abort")
	}
}

func TestDownloadHLSAllowGapsSkipsLostSegment(t *testing.T) {
	srv, segments := hlsTestServer(t, 3, map[int]int{1: 10})
	dir := t.TempDir()
	d := New(dir)
	d.retryBaseDelay = time.Millisecond

	out := filepath.Join(dir, "clip.mp4")
	if err := d.downloadHLS(context.Background(), media.Format{URL: srv.URL + "/index.m3u8"}, out, true, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	want := append(append([]byte{}, segments[0]...), segments[2]...)
	if !bytes.Equal(got, want) {
		t.Errorf("gap assembly wrong: got %d bytes, want %d (segments 0+2)", len(got), len(want))
	}
}

func TestDownloadHLSEmptyPlaylistFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	}))
	defer srv.Close()

	d := New(t.TempDir())
	err := d.downloadHLS(context.Background(), media.Format{URL: srv.URL + "/i.m3u8"}, filepath.Join(t.TempDir(), "x.mp4"), false, nil)
	if err == nil || !strings.Contains(err.Error(), "no segments") {
		t.Errorf("err = %v, want no-segments failure", err)
	}
}

func TestDownloadHLSMasterVariantSelection(t *testing.T) {
	var hiRequested atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=1000\nlo.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=9000\nhi.m3u8\n"))
	})
	mux.HandleFunc("/hi.m3u8", func(w http.ResponseWriter, r *http.Request) {
		hiRequested.Store(true)
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg.ts\n"))
	})
	mux.HandleFunc("/lo.m3u8", func(w http.ResponseWriter, r *http.Request) {
		t.Error("low-bandwidth variant fetched")
	})
	mux.HandleFunc("/seg.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(t.TempDir())
	out := filepath.Join(t.TempDir(), "x.mp4")
	if err := d.downloadHLS(context.Background(), media.Format{URL: srv.URL + "/master.m3u8"}, out, false, nil); err != nil {
		t.Fatal(err)
	}
	if !hiRequested.Load() {
		t.Error("best variant never fetched")
	}
}

func TestDecryptAES128DerivedIV(t *testing.T) {
	// An all-zero key decrypting garbage is fine to exercise the IV path;
	// what matters is the derived IV carries the sequence number.
	key := make([]byte, 16)
	data := make([]byte, 32)
	out, err := decryptAES128(append([]byte{}, data...), key, nil, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Error("decrypt produced nothing")
	}

	if _, err := decryptAES128([]byte{1, 2, 3}, key, nil, 0); err == nil {
		t.Error("non-block-aligned ciphertext must fail")
	}
}
