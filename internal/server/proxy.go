package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/risunCode/downaria/internal/core/fetch"
)

// proxyClient streams upstream media without an overall timeout; the
// request context bounds it instead.
var proxyClient = &http.Client{
	Transport: &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		DisableCompression: true,
	},
}

// handleProxy relays a media URL with the platform's required headers
// injected, so browsers can fetch CDN files that reject cross-origin or
// referer-less requests. With head=1 only the size is probed and returned
// in an x-file-size header.
func (s *Server) handleProxy(c *gin.Context) {
	rawURL := c.Query("url")
	if rawURL == "" {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "url query parameter is required",
		})
		return
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "url must be absolute http(s)",
		})
		return
	}

	platform := c.Query("platform")
	headOnly := c.Query("head") == "1"

	method := http.MethodGet
	if headOnly {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), method, rawURL, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    400,
			Message: "cannot build upstream request",
		})
		return
	}
	fetch.ProfileFor(platform).Apply(req)

	// forward range requests so seeking works through the proxy
	if rg := c.GetHeader("Range"); rg != "" && !headOnly {
		req.Header.Set("Range", rg)
	}

	resp, err := proxyClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, Response{
			Code:    502,
			Message: fmt.Sprintf("upstream fetch failed: %v", err),
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.JSON(http.StatusBadGateway, Response{
			Code:    502,
			Message: fmt.Sprintf("upstream returned status %d", resp.StatusCode),
		})
		return
	}

	if headOnly {
		c.Header("x-file-size", fmt.Sprintf("%d", resp.ContentLength))
		c.Status(http.StatusOK)
		return
	}

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			c.Header(h, v)
		}
	}
	if filename := c.Query("filename"); filename != "" {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sanitizeHeaderValue(filename)))
	}

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// client went away mid-stream; nothing useful to do
		return
	}
}

// sanitizeHeaderValue strips characters that would break out of a quoted
// header value.
func sanitizeHeaderValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}
