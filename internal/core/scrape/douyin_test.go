package scrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSetCobaltURLPointsScraperAtInstance(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "stream",
			"url":    "https://cdn.example/video.mp4",
		})
	}))
	defer srv.Close()

	prev := cobaltAPIURL
	t.Cleanup(func() { cobaltAPIURL = prev })
	SetCobaltURL(srv.URL)

	res := NewDouyinScraper().Scrape(context.Background(), "https://www.douyin.com/video/123", Options{})
	if !res.Success {
		t.Fatalf("scrape via configured instance failed: %s", res.Error)
	}
	if hits.Load() == 0 {
		t.Fatal("configured instance never contacted")
	}
	if len(res.Data.Formats) == 0 || res.Data.Formats[0].URL != "https://cdn.example/video.mp4" {
		t.Errorf("formats = %+v, want the instance's stream URL", res.Data.Formats)
	}
}

func TestSetCobaltURLIgnoresEmpty(t *testing.T) {
	prev := cobaltAPIURL
	t.Cleanup(func() { cobaltAPIURL = prev })

	SetCobaltURL("")
	if cobaltAPIURL != prev {
		t.Errorf("empty override changed endpoint to %q", cobaltAPIURL)
	}
}
