package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/risunCode/downaria/internal/core/downloader"
	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
	"github.com/risunCode/downaria/internal/core/scrape"
)

// MergeRequest is the request body for POST /api/v1/youtube/merge.
type MergeRequest struct {
	URL      string `json:"url" binding:"required"`
	Quality  string `json:"quality,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// handleYouTubeMerge muxes a video-only stream with its companion audio
// and streams the resulting mp4 back with a real Content-Length. Clients
// that cannot run ffmpeg (browsers) use this for high-resolution YouTube
// formats, which are only published as split streams.
func (s *Server) handleYouTubeMerge(c *gin.Context) {
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "invalid request body: url is required",
		})
		return
	}
	if !downloader.FFmpegAvailable() {
		c.JSON(http.StatusNotImplemented, Response{
			Code:    501,
			Message: "ffmpeg is not available on this server",
		})
		return
	}

	res := s.scrapes.Scrape(c.Request.Context(), req.URL, scrape.Options{
		Cookie: s.cookieFor(req.URL, ""),
	})
	if !res.Success {
		c.JSON(scrapeErrorStatus(res.ErrorCode), res)
		return
	}

	format := pickMergeFormat(res.Data.Formats, req.Quality)
	if format == nil {
		c.JSON(http.StatusNotFound, Response{
			Code:    404,
			Message: "no split video+audio format available for this URL",
		})
		return
	}

	workDir, err := os.MkdirTemp("", "downaria-merge-*")
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "cannot allocate work directory",
		})
		return
	}
	defer os.RemoveAll(workDir)

	videoPath := filepath.Join(workDir, "video.tmp")
	audioPath := filepath.Join(workDir, "audio.tmp")
	mergedPath := filepath.Join(workDir, uuid.NewString()+".mp4")

	// both streams come down in parallel; either failure aborts the other
	g, gctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error { return fetchStream(gctx, format.URL, format.Headers, videoPath) })
	g.Go(func() error { return fetchStream(gctx, format.AudioURL, format.Headers, audioPath) })
	if err := g.Wait(); err != nil {
		c.JSON(http.StatusBadGateway, Response{
			Code:    502,
			Message: fmt.Sprintf("stream fetch failed: %v", err),
		})
		return
	}

	if err := downloader.MuxStreams(videoPath, audioPath, mergedPath); err != nil {
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: fmt.Sprintf("mux failed: %v", err),
		})
		return
	}

	merged, err := os.Open(mergedPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "merged file missing",
		})
		return
	}
	defer merged.Close()
	stat, err := merged.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{
			Code:    500,
			Message: "merged file unreadable",
		})
		return
	}

	filename := req.Filename
	if filename == "" {
		filename = media.Filename(res.Data, format, -1)
	}
	c.Header("Content-Type", "video/mp4")
	c.Header("Content-Length", fmt.Sprintf("%d", stat.Size()))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sanitizeHeaderValue(filename)))
	c.Status(http.StatusOK)
	io.Copy(c.Writer, merged)
}

// pickMergeFormat finds the split-stream format to mux: exact quality
// label when requested, otherwise the highest-ranked merge format.
func pickMergeFormat(formats []media.Format, quality string) *media.Format {
	var candidates []media.Format
	for _, f := range formats {
		if f.Delivery == media.DeliverMerge && f.AudioURL != "" {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	media.SortFormats(candidates)
	if quality != "" {
		for i := range candidates {
			if strings.EqualFold(candidates[i].Label(), quality) {
				return &candidates[i]
			}
		}
	}
	return &candidates[0]
}

// fetchStream saves one upstream stream to disk.
func fetchStream(ctx context.Context, rawURL string, headers map[string]string, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", fetch.DesktopUA)
	}

	resp, err := proxyClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
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
