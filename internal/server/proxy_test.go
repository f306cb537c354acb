package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func proxyPath(rawURL string, extra url.Values) string {
	q := url.Values{"url": {rawURL}}
	for k, vs := range extra {
		q[k] = vs
	}
	return "/api/proxy?" + q.Encode()
}

func TestProxyStreamsUpstream(t *testing.T) {
	var gotUA, gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("fake mp4 payload"))
	}))
	defer upstream.Close()

	s := newTestServer(t, "", nil)
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/v.mp4", url.Values{"filename": {"clip.mp4"}}), nil)
	req.Header.Set("Range", "bytes=0-")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "fake mp4 payload" {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="clip.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if gotUA == "" {
		t.Error("upstream request had no User-Agent")
	}
	if gotRange != "bytes=0-" {
		t.Errorf("range not forwarded, got %q", gotRange)
	}
}

func TestProxyHeadProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("upstream saw %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", "12345")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newTestServer(t, "", nil)
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/v.mp4", url.Values{"head": {"1"}}), nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("x-file-size"); got != "12345" {
		t.Errorf("x-file-size = %q, want 12345", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("head probe returned a body: %q", w.Body.String())
	}
}

func TestProxyRejectsBadURLs(t *testing.T) {
	s := newTestServer(t, "", nil)
	for _, raw := range []string{"", "ftp://host/file", "not-a-url", "/relative/path"} {
		path := "/api/proxy"
		if raw != "" {
			path = proxyPath(raw, nil)
		}
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("url %q: status = %d, want 400", raw, w.Code)
		}
	}
}

func TestProxyUpstreamErrorBecomes502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer upstream.Close()

	s := newTestServer(t, "", nil)
	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL+"/v.mp4", nil), nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestSanitizeHeaderValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain.mp4", "plain.mp4"},
		{`evil".mp4`, "evil.mp4"},
		{"multi\r\nline.mp4", "multiline.mp4"},
	}
	for _, tt := range tests {
		if got := sanitizeHeaderValue(tt.in); got != tt.want {
			t.Errorf("sanitizeHeaderValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
