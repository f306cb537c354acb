package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/risunCode/downaria/internal/core/media"
)

// The fetch+mux phase has no meaningful byte counter to expose, so its
// progress is simulated: percent advances as if the estimated payload were
// arriving at a fixed assumed rate, capped at the handoff point. The final
// copy into place then reports real bytes over the 80-100 band. Percent is
// clamped monotonic at the handoff.
const (
	mergeSimulatedCap  = 80.0
	mergeAssumedRate   = 10 * 1000 * 1000 / 8 // 10 Mbps in bytes/sec
	mergeTickInterval  = 200 * time.Millisecond
	mergeFallbackBytes = 50 * 1024 * 1024 // size guess when neither stream reports one
)

// downloadMerged acquires a video-only stream plus its companion audio
// stream and muxes them into one mp4.
func (d *Downloader) downloadMerged(ctx context.Context, format media.Format, outPath string, onProgress ProgressFunc) error {
	if format.AudioURL == "" {
		return fmt.Errorf("merge format has no audio stream")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	videoTmp := outPath + ".video.part"
	audioTmp := outPath + ".audio.part"
	muxTmp := outPath + ".mux.part"
	defer func() {
		os.Remove(videoTmp)
		os.Remove(audioTmp)
		os.Remove(muxTmp)
	}()

	estimate := format.FileSize
	if estimate <= 0 {
		estimate = mergeFallbackBytes
	}

	stopSim := d.startSimulatedProgress(ctx, estimate, onProgress)
	defer stopSim()

	// both streams come down concurrently; either failure cancels the other
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.fetchToFile(gctx, format.URL, format.Headers, videoTmp)
	})
	g.Go(func() error {
		return d.fetchToFile(gctx, format.AudioURL, format.Headers, audioTmp)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch streams: %w", err)
	}

	if err := MuxStreams(videoTmp, audioTmp, muxTmp); err != nil {
		return fmt.Errorf("mux streams: %w", err)
	}
	// join the simulated phase before the real one emits; an in-flight
	// tick landing after a real-band report would regress the percent
	stopSim()

	// real phase: stream the muxed file into place with byte progress
	return d.copyWithProgress(ctx, muxTmp, outPath, onProgress)
}

// startSimulatedProgress runs the 0-80 band in the background. The returned
// stop function is idempotent and blocks until the emitting goroutine has
// exited, so no simulated value can follow a caller's later reports.
func (d *Downloader) startSimulatedProgress(ctx context.Context, estimatedBytes int64, onProgress ProgressFunc) (stop func()) {
	simDone := make(chan struct{})
	exited := make(chan struct{})
	start := d.now()
	go func() {
		defer close(exited)
		d.simulateProgress(ctx, start, estimatedBytes, simDone, onProgress)
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(simDone) })
		<-exited
	}
}

// simulateProgress emits the 0-80 band on fixed ticks until simDone closes.
func (d *Downloader) simulateProgress(ctx context.Context, start time.Time, estimatedBytes int64, simDone <-chan struct{}, onProgress ProgressFunc) {
	if onProgress == nil {
		return
	}
	expected := time.Duration(float64(estimatedBytes) / mergeAssumedRate * float64(time.Second))
	if expected <= 0 {
		expected = time.Second
	}

	ticks, stop := d.tick(mergeTickInterval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-simDone:
			return
		case <-ticks:
			elapsed := d.now().Sub(start)
			pct := mergeSimulatedCap * float64(elapsed) / float64(expected)
			if pct > mergeSimulatedCap {
				pct = mergeSimulatedCap
			}
			onProgress(Progress{Percent: pct, Total: -1, Speed: mergeAssumedRate})
		}
	}
}

// copyWithProgress moves src into dst atomically, mapping byte progress
// onto the 80-100 band.
func (d *Downloader) copyWithProgress(ctx context.Context, src, dst string, onProgress ProgressFunc) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open muxed file: %w", err)
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat muxed file: %w", err)
	}
	total := stat.Size()

	tmpPath := dst + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		out.Close()
		os.Remove(tmpPath)
	}()

	emit := func(loaded int64) {
		if onProgress == nil || total <= 0 {
			return
		}
		pct := mergeSimulatedCap + (100-mergeSimulatedCap)*float64(loaded)/float64(total)
		onProgress(Progress{Percent: pct, Loaded: loaded, Total: total})
	}

	buf := make([]byte, 64*1024)
	var loaded int64
	lastEmit := d.now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write output: %w", writeErr)
			}
			loaded += int64(n)
			if now := d.now(); now.Sub(lastEmit) >= progressInterval {
				lastEmit = now
				emit(loaded)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read muxed file: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}
	if onProgress != nil {
		onProgress(Progress{Percent: 100, Loaded: loaded, Total: total})
	}
	return nil
}

// fetchToFile streams a URL to disk without progress reporting; the merge
// strategy's simulated phase covers this span.
func (d *Downloader) fetchToFile(ctx context.Context, rawURL string, headers map[string]string, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	applyHeaders(req, headers)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("stream %s returned status %d", rawURL, resp.StatusCode)
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return err
	}
	return file.Close()
}
