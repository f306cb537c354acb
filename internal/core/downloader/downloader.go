// Package downloader turns a scraped media.Format into a file on disk.
// Three acquisition strategies exist, selected by the format's Delivery
// field: a plain streamed GET, HLS segment reconstruction, and a
// video+audio mux. All three report progress through the same callback
// and honor context cancellation the same way.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

// Progress is one progress snapshot. Percent is always in [0,100] and
// never regresses within a single download.
type Progress struct {
	Percent float64
	Loaded  int64
	Total   int64 // -1 when unknown
	Speed   float64
}

// ProgressFunc receives throttled progress updates (at most one per
// ~100ms). May be nil.
type ProgressFunc func(Progress)

// Result is the outcome of one download.
type Result struct {
	Success  bool
	Path     string
	Filename string
	Err      error
}

func failResult(err error) Result { return Result{Err: err} }

// Options tune one Download call.
type Options struct {
	// AllowGaps switches the HLS strategy from abort-on-lost-segment to
	// best-effort: exhausted segments are skipped and the remainder is
	// still assembled. Off by default.
	AllowGaps bool
}

// Downloader acquires media files. Safe for concurrent use.
type Downloader struct {
	client    *http.Client
	outputDir string

	// retryBaseDelay seeds the linear backoff between HLS segment
	// attempts; tests shrink it.
	retryBaseDelay time.Duration

	// now/tick are swapped out in tests to drive the simulated phase of
	// the merge strategy deterministically.
	now  func() time.Time
	tick func(d time.Duration) (<-chan time.Time, func())
}

func New(outputDir string) *Downloader {
	return &Downloader{
		client: &http.Client{
			// no overall timeout; large files take as long as they take,
			// cancellation comes from the request context
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
				DisableCompression:  true,
			},
		},
		outputDir:      outputDir,
		retryBaseDelay: hlsRetryBaseDelay,
		now:            time.Now,
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Download acquires one format of a scraped item and writes it to the
// output directory under a deterministic filename. The file appears
// atomically: data streams into a .part sibling which is renamed only on
// success, so a failed or cancelled download leaves nothing behind.
func (d *Downloader) Download(ctx context.Context, info *media.Info, format media.Format, carouselIndex int, opts Options, onProgress ProgressFunc) Result {
	filename := media.Filename(info, &format, carouselIndex)
	outPath := filepath.Join(d.outputDir, filename)
	if err := os.MkdirAll(d.outputDir, 0o755); err != nil {
		return failResult(fmt.Errorf("create output dir: %w", err))
	}

	var err error
	switch format.Delivery {
	case media.DeliverHLS:
		err = d.downloadHLS(ctx, format, outPath, opts.AllowGaps, onProgress)
	case media.DeliverMerge:
		err = d.downloadMerged(ctx, format, outPath, onProgress)
	case media.DeliverDirect:
		outPath, err = d.downloadDirect(ctx, format, outPath, onProgress)
	default:
		err = fmt.Errorf("unknown delivery strategy %q", format.Delivery)
	}
	if err != nil {
		return failResult(err)
	}
	return Result{Success: true, Path: outPath, Filename: filepath.Base(outPath)}
}

// downloadDirect streams a single GET into place. Returns the final path,
// which may differ from outPath when magic-byte sniffing corrects the
// extension (CDNs routinely serve .webp under .jpg URLs).
func (d *Downloader) downloadDirect(ctx context.Context, format media.Format, outPath string, onProgress ProgressFunc) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, format.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	applyHeaders(req, format.Headers)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	tmpPath := outPath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		file.Close()
		os.Remove(tmpPath) // no-op after the rename
	}()

	total := resp.ContentLength
	reporter := newProgressReporter(d.now, total, onProgress)
	buf := make([]byte, 32*1024)
	var loaded int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return "", fmt.Errorf("write file: %w", writeErr)
			}
			loaded += int64(n)
			reporter.report(loaded)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("download stream: %w", readErr)
		}
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return "", fmt.Errorf("finalize file: %w", err)
	}
	finalPath := RenameByMagicBytes(outPath)
	reporter.done(loaded)
	return finalPath, nil
}

// applyHeaders sets the format's required headers, falling back to a
// plain browser UA when the scraper attached none.
func applyHeaders(req *http.Request, headers map[string]string) {
	if len(headers) == 0 {
		req.Header.Set("User-Agent", fetch.DesktopUA)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", fetch.DesktopUA)
	}
}

// progressReporter throttles callbacks to one per interval and keeps a
// sliding window for the speed estimate so it tracks the current rate
// instead of the lifetime average.
type progressReporter struct {
	onProgress ProgressFunc
	now        func() time.Time
	total      int64
	lastEmit   time.Time
	lastPct    float64
	window     []progressSample
}

type progressSample struct {
	at     time.Time
	loaded int64
}

const (
	progressInterval = 100 * time.Millisecond
	speedWindow      = 3 * time.Second
)

func newProgressReporter(now func() time.Time, total int64, onProgress ProgressFunc) *progressReporter {
	return &progressReporter{onProgress: onProgress, now: now, total: total}
}

func (r *progressReporter) report(loaded int64) {
	if r.onProgress == nil {
		return
	}
	t := r.now()
	if !r.lastEmit.IsZero() && t.Sub(r.lastEmit) < progressInterval {
		return
	}
	r.emit(t, loaded)
}

func (r *progressReporter) done(loaded int64) {
	if r.onProgress == nil {
		return
	}
	r.emit(r.now(), loaded)
}

func (r *progressReporter) emit(t time.Time, loaded int64) {
	r.lastEmit = t
	r.window = append(r.window, progressSample{at: t, loaded: loaded})
	for len(r.window) > 1 && t.Sub(r.window[0].at) > speedWindow {
		r.window = r.window[1:]
	}

	var speed float64
	if len(r.window) > 1 {
		first := r.window[0]
		if dt := t.Sub(first.at).Seconds(); dt > 0 {
			speed = float64(loaded-first.loaded) / dt
		}
	}

	pct := 0.0
	if r.total > 0 {
		pct = float64(loaded) / float64(r.total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	if pct < r.lastPct {
		pct = r.lastPct
	}
	r.lastPct = pct

	r.onProgress(Progress{Percent: pct, Loaded: loaded, Total: r.total, Speed: speed})
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "??:??"
	}
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d % time.Minute) / time.Second
	if m > 60 {
		h := m / 60
		m = m % 60
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
