package downloader

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/risunCode/downaria/internal/core/media"
)

// Segment acquisition parameters. Segments are fetched in small parallel
// batches and committed to the output strictly in playlist order; a batch
// never starts before the previous one is fully written.
const (
	hlsBatchSize      = 3
	hlsSegmentRetries = 3
	hlsRetryBaseDelay = time.Second
)

// Progress band for the segment phase. Playlist parsing owns 0-5 and
// finalization owns 90-100.
const (
	hlsParsedPercent   = 5.0
	hlsSegmentsPercent = 90.0
)

// linearBackOff waits base, 2*base, 3*base, ... between attempts.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// downloadHLS reconstructs an HLS stream into a single file. By default a
// segment whose retries are exhausted aborts the whole download; allowGaps
// downgrades that to a logged skip so the remaining segments still produce
// a playable (if glitchy) file.
func (d *Downloader) downloadHLS(ctx context.Context, format media.Format, outPath string, allowGaps bool, onProgress ProgressFunc) error {
	emit := func(pct float64, loaded int64) {
		if onProgress != nil {
			onProgress(Progress{Percent: pct, Loaded: loaded, Total: -1})
		}
	}

	playlist, err := d.FetchPlaylist(ctx, format.URL, format.Headers)
	if err != nil {
		return fmt.Errorf("parse playlist: %w", err)
	}
	if len(playlist.Segments) == 0 {
		return fmt.Errorf("playlist contains no segments")
	}
	emit(hlsParsedPercent, 0)

	var key, iv []byte
	if playlist.IsEncrypted && playlist.KeyURL != "" {
		key, err = d.fetchKey(ctx, playlist.KeyURL, format.Headers)
		if err != nil {
			return fmt.Errorf("fetch encryption key: %w", err)
		}
		if playlist.KeyIV != "" {
			iv, _ = hex.DecodeString(playlist.KeyIV)
		}
	}

	tmpPath := outPath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		file.Close()
		os.Remove(tmpPath)
	}()

	total := len(playlist.Segments)
	var written int64
	var skipped int

	for start := 0; start < total; start += hlsBatchSize {
		end := start + hlsBatchSize
		if end > total {
			end = total
		}
		batch := playlist.Segments[start:end]

		data := make([][]byte, len(batch))
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, seg := range batch {
			wg.Add(1)
			go func(i int, seg Segment) {
				defer wg.Done()
				data[i], errs[i] = d.fetchSegment(ctx, seg, key, iv, format.Headers)
			}(i, seg)
		}
		wg.Wait()

		// commit in playlist order
		for i, seg := range batch {
			if errs[i] != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !allowGaps {
					return fmt.Errorf("segment %d lost after %d attempts: %w", seg.Index, hlsSegmentRetries, errs[i])
				}
				skipped++
				log.Printf("[hls] skipping lost segment %d: %v", seg.Index, errs[i])
				continue
			}
			if _, err := file.Write(data[i]); err != nil {
				return fmt.Errorf("write segment %d: %w", seg.Index, err)
			}
			written += int64(len(data[i]))
		}

		done := end
		emit(hlsParsedPercent+(hlsSegmentsPercent-hlsParsedPercent)*float64(done)/float64(total), written)
	}

	if skipped == total {
		return fmt.Errorf("all %d segments lost", total)
	}
	if skipped > 0 {
		log.Printf("[hls] assembled with %d/%d segments missing", skipped, total)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	emit(hlsSegmentsPercent, written)

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}
	// the assembled bytes are an MPEG-TS stream; repackage into a real mp4
	// container when ffmpeg is around, otherwise the raw stream still plays
	if err := RemuxTransportStream(outPath); err != nil {
		log.Printf("[hls] remux skipped: %v", err)
	}
	emit(100, written)
	return nil
}

// fetchSegment downloads one segment with retries. Transient failures are
// retried up to hlsSegmentRetries times with linearly growing delays;
// context cancellation stops the retry loop immediately.
func (d *Downloader) fetchSegment(ctx context.Context, seg Segment, key, iv []byte, headers map[string]string) ([]byte, error) {
	var data []byte
	op := func() error {
		var err error
		data, err = d.fetchSegmentOnce(ctx, seg.URL, headers)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: d.retryBaseDelay}, hlsSegmentRetries-1),
		ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	if key != nil {
		decrypted, err := decryptAES128(data, key, iv, seg.Index)
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
		data = decrypted
	}
	return data, nil
}

func (d *Downloader) fetchSegmentOnce(ctx context.Context, segURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	applyHeaders(req, headers)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (d *Downloader) fetchKey(ctx context.Context, keyURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, headers)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key server returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// decryptAES128 decrypts an AES-128-CBC segment. With no explicit IV the
// segment sequence number is used, per the HLS spec.
func decryptAES128(data, key, iv []byte, segmentIndex int) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		iv = make([]byte, 16)
		iv[15] = byte(segmentIndex)
		iv[14] = byte(segmentIndex >> 8)
		iv[13] = byte(segmentIndex >> 16)
		iv[12] = byte(segmentIndex >> 24)
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not a multiple of block size")
	}
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)

	// strip PKCS7 padding
	if len(data) > 0 {
		padding := int(data[len(data)-1])
		if padding > 0 && padding <= aes.BlockSize {
			data = data[:len(data)-padding]
		}
	}
	return data, nil
}
