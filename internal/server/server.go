// Package server exposes the scrape + download pipeline over HTTP for
// the web UI and third-party clients.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/risunCode/downaria/internal/core/cache"
	"github.com/risunCode/downaria/internal/core/config"
	"github.com/risunCode/downaria/internal/core/downloader"
	"github.com/risunCode/downaria/internal/core/media"
	"github.com/risunCode/downaria/internal/core/scrape"
	"github.com/risunCode/downaria/internal/core/version"
)

// Response is the standard API envelope.
type Response struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
}

// ScrapeRequest is the request body for POST /api/scrape.
type ScrapeRequest struct {
	URL       string `json:"url" binding:"required"`
	Cookie    string `json:"cookie,omitempty"`
	SkipCache bool   `json:"skip_cache,omitempty"`
	HD        bool   `json:"hd,omitempty"`
}

// DownloadRequest is the request body for POST /api/download.
type DownloadRequest struct {
	URL     string `json:"url" binding:"required"`
	Quality string `json:"quality,omitempty"`
	ItemID  string `json:"itemId,omitempty"`
}

// Server is the downaria HTTP server.
type Server struct {
	port      int
	outputDir string
	apiKey    string
	jobQueue  *JobQueue
	scrapes   *scrape.Service
	cache     *cache.Cache
	dl        *downloader.Downloader
	cfg       *config.Config
	server    *http.Server
	engine    *gin.Engine
}

// NewServer wires the full pipeline behind HTTP handlers.
func NewServer(port int, outputDir, apiKey string, maxConcurrent int) *Server {
	cfg := config.LoadOrDefault()
	scrape.SetCobaltURL(cfg.CobaltURL)

	policy := cache.DefaultPolicy()
	for platform, ttl := range cfg.CacheTTL {
		policy[platform] = ttl
	}
	c := cache.New(policy)

	s := &Server{
		port:      port,
		outputDir: outputDir,
		apiKey:    apiKey,
		scrapes:   scrape.NewService(c),
		cache:     c,
		dl:        downloader.New(outputDir),
		cfg:       cfg,
	}
	s.jobQueue = NewJobQueue(maxConcurrent, s.runJob)
	return s
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.cache.Start()
	s.jobQueue.Start()

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // downloads can run long
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting downaria server on port %d", s.port)
	log.Printf("Output directory: %s", s.outputDir)
	if s.apiKey != "" {
		log.Printf("API key authentication enabled")
	}

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.loggingMiddleware())
	if s.apiKey != "" {
		s.engine.Use(s.authMiddleware())
	}

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/scrape", s.handleScrape)
	api.GET("/proxy", s.handleProxy)
	api.POST("/download", s.handleDownload)
	api.GET("/status/:id", s.handleStatus)
	api.GET("/jobs", s.handleGetJobs)
	api.DELETE("/jobs", s.handleClearJobs)
	api.DELETE("/jobs/:id", s.handleDeleteJob)
	api.POST("/jobs/:id/cancel", s.handleCancelJob)
	api.POST("/v1/youtube/merge", s.handleYouTubeMerge)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.jobQueue.Stop()
	s.cache.Stop()
	return s.server.Shutdown(ctx)
}

// Middleware

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/api/health" {
			c.Next()
			return
		}
		if !strings.HasPrefix(path, "/api") {
			c.Next()
			return
		}

		if c.GetHeader("X-API-Key") != s.apiKey {
			c.JSON(http.StatusUnauthorized, Response{
				Code:    401,
				Message: "invalid or missing API key",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("%s %s %s", c.Request.Method, c.Request.URL.Path, time.Since(start))
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Code: 200,
		Data: gin.H{
			"status":    "ok",
			"version":   version.Version,
			"platforms": scrape.Platforms(),
		},
		Message: "everything is good",
	})
}

func (s *Server) handleScrape(c *gin.Context) {
	var req ScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "invalid request body: url is required",
		})
		return
	}

	res := s.scrapes.Scrape(c.Request.Context(), req.URL, scrape.Options{
		Cookie:    s.cookieFor(req.URL, req.Cookie),
		SkipCache: req.SkipCache,
		HD:        req.HD,
	})

	status := http.StatusOK
	if !res.Success {
		status = scrapeErrorStatus(res.ErrorCode)
	}
	c.JSON(status, res)
}

// scrapeErrorStatus maps scrape error codes onto HTTP statuses so API
// clients can branch without parsing the body.
func scrapeErrorStatus(code scrape.ErrorCode) int {
	switch code {
	case scrape.ErrInvalidURL, scrape.ErrUnsupportedPlatform:
		return http.StatusBadRequest
	case scrape.ErrNotFound:
		return http.StatusNotFound
	case scrape.ErrPrivateContent, scrape.ErrCookieRequired, scrape.ErrCookieExpired, scrape.ErrAgeRestricted:
		return http.StatusForbidden
	case scrape.ErrRateLimited:
		return http.StatusTooManyRequests
	case scrape.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// cookieFor prefers the per-request cookie, falling back to the config.
func (s *Server) cookieFor(rawURL, override string) string {
	if override != "" {
		return override
	}
	if scraper := scrape.Detect(rawURL); scraper != nil {
		return s.cfg.CookieFor(scraper.Name())
	}
	return ""
}

func (s *Server) handleDownload(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "invalid request body: url is required",
		})
		return
	}

	job, err := s.jobQueue.AddJob(req.URL, req.Quality, req.ItemID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, Response{
			Code:    503,
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Code: 200,
		Data: gin.H{
			"id":     job.ID,
			"status": job.Status,
		},
		Message: "download queued",
	})
}

// runJob is the worker-pool entry: scrape, select, download.
func (s *Server) runJob(ctx context.Context, job *Job, onProgress func(downloader.Progress)) (string, string, error) {
	res := s.scrapes.Scrape(ctx, job.URL, scrape.Options{Cookie: s.cookieFor(job.URL, "")})
	if !res.Success {
		return res.Platform, "", fmt.Errorf("%s: %s", res.ErrorCode, res.Error)
	}

	format, index := selectFormat(res.Data.Formats, job.Quality, job.ItemID)
	if format == nil {
		return res.Platform, "", fmt.Errorf("no matching format for quality %q item %q", job.Quality, job.ItemID)
	}

	out := s.dl.Download(ctx, res.Data, *format, index, downloader.Options{AllowGaps: s.cfg.AllowGaps}, onProgress)
	if !out.Success {
		return res.Platform, "", out.Err
	}
	return res.Platform, out.Filename, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")
	job := s.jobQueue.GetJob(id)
	if job == nil {
		c.JSON(http.StatusNotFound, Response{
			Code:    404,
			Message: "job not found",
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Code: 200,
		Data: gin.H{
			"id":         job.ID,
			"status":     job.Status,
			"progress":   job.Progress,
			"downloaded": job.Downloaded,
			"total":      job.Total,
			"filename":   job.Filename,
			"platform":   job.Platform,
			"error":      job.Error,
		},
		Message: string(job.Status),
	})
}

func (s *Server) handleGetJobs(c *gin.Context) {
	jobs := s.jobQueue.GetAllJobs()
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Data:    gin.H{"jobs": jobs},
		Message: fmt.Sprintf("%d jobs found", len(jobs)),
	})
}

func (s *Server) handleClearJobs(c *gin.Context) {
	count := s.jobQueue.ClearHistory()
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Data:    gin.H{"cleared": count},
		Message: fmt.Sprintf("%d jobs cleared", count),
	})
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	id := c.Param("id")
	// an active job gets cancelled, a finished one gets removed
	if s.jobQueue.CancelJob(id) {
		c.JSON(http.StatusOK, Response{
			Code:    200,
			Data:    gin.H{"id": id},
			Message: "job cancelled",
		})
	} else if s.jobQueue.RemoveJob(id) {
		c.JSON(http.StatusOK, Response{
			Code:    200,
			Data:    gin.H{"id": id},
			Message: "job removed",
		})
	} else {
		c.JSON(http.StatusNotFound, Response{
			Code:    404,
			Message: "job not found or cannot be cancelled/removed",
		})
	}
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	if !s.jobQueue.CancelJob(id) {
		c.JSON(http.StatusNotFound, Response{
			Code:    404,
			Message: "job not found or not running",
		})
		return
	}
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Data:    gin.H{"id": id},
		Message: "job cancelled",
	})
}

// selectFormat picks the format to download: exact quality label within
// the requested carousel item when given, otherwise the ranked-first
// format. The returned index is the one-based carousel position (-1 for
// single-item content).
func selectFormat(formats []media.Format, quality, itemID string) (*media.Format, int) {
	if len(formats) == 0 {
		return nil, -1
	}

	grouped := media.GroupByItem(formats)
	carousel := len(grouped.Items) > 1

	pickFrom := func(itemID string, pos int) (*media.Format, int) {
		group := grouped.Groups[itemID]
		if len(group) == 0 {
			return nil, -1
		}
		media.SortFormats(group)
		index := -1
		if carousel {
			index = pos
		}
		if quality != "" {
			for i := range group {
				if strings.EqualFold(group[i].Label(), quality) {
					return &group[i], index
				}
			}
		}
		return &group[0], index
	}

	if itemID != "" {
		for pos, id := range grouped.Items {
			if id == itemID {
				return pickFrom(id, pos)
			}
		}
		return nil, -1
	}
	return pickFrom(grouped.Items[0], 0)
}
