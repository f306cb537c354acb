package cache

import (
	"testing"
	"time"
)

func TestKeyNormalization(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{
			name: "case and tracking query fold together",
			a:    "HTTPS://Instagram.com/p/ABC/?utm=x",
			b:    "https://instagram.com/p/abc",
			same: true,
		},
		{
			name: "www prefix folds",
			a:    "https://www.instagram.com/p/abc",
			b:    "https://instagram.com/p/abc",
			same: true,
		},
		{
			name: "trailing slash folds",
			a:    "https://instagram.com/p/abc/",
			b:    "https://instagram.com/p/abc",
			same: true,
		},
		{
			name: "different paths stay distinct",
			a:    "https://instagram.com/p/abc",
			b:    "https://instagram.com/p/abd",
			same: false,
		},
		{
			name: "fragment stripped",
			a:    "https://instagram.com/p/abc#comments",
			b:    "https://instagram.com/p/abc",
			same: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := Key("instagram", tt.a)
			kb := Key("instagram", tt.b)
			if (ka == kb) != tt.same {
				t.Errorf("Key(%q)=%q, Key(%q)=%q, same=%v want %v", tt.a, ka, tt.b, kb, ka == kb, tt.same)
			}
		})
	}
}

func TestKeyIncludesPlatform(t *testing.T) {
	if Key("instagram", "https://example.com/p/x") == Key("facebook", "https://example.com/p/x") {
		t.Error("keys for different platforms must not collide")
	}
}

func TestTTLBoundary(t *testing.T) {
	c := New(TTLPolicy{"test": time.Minute})
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Set("test", "https://example.com/a", "value")

	// one tick before expiry: hit
	now = base.Add(time.Minute - time.Second)
	if _, ok := c.Get("test", "https://example.com/a"); !ok {
		t.Fatal("expected cache hit before TTL expiry")
	}

	// one tick after expiry: miss, and the entry is evicted
	now = base.Add(time.Minute + time.Second)
	if _, ok := c.Get("test", "https://example.com/a"); ok {
		t.Fatal("expected cache miss after TTL expiry")
	}
	if got := c.Stats().Entries; got != 0 {
		t.Errorf("expired entry not evicted on read: %d entries", got)
	}
}

func TestSweep(t *testing.T) {
	c := New(TTLPolicy{"test": time.Minute})
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Set("test", "https://example.com/a", 1)
	c.Set("test", "https://example.com/b", 2)
	now = base.Add(30 * time.Second)
	c.Set("test", "https://example.com/c", 3)

	now = base.Add(70 * time.Second)
	if removed := c.Sweep(); removed != 2 {
		t.Errorf("Sweep() removed %d, want 2", removed)
	}
	if got := c.Stats().Entries; got != 1 {
		t.Errorf("entries after sweep = %d, want 1", got)
	}
}

func TestStatsCounters(t *testing.T) {
	c := New(nil)
	c.Get("youtube", "https://youtube.com/watch?v=x")
	c.Set("youtube", "https://youtube.com/watch?v=x", "data")
	c.Get("youtube", "https://youtube.com/watch?v=x")
	c.Get("youtube", "https://youtube.com/watch?v=x")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", s)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.For("youtube") != 24*time.Hour {
		t.Error("youtube TTL should be 24h")
	}
	if p.For("instagram") != 2*time.Hour {
		t.Error("instagram TTL should be 2h")
	}
	if p.For("facebook") != time.Hour {
		t.Error("facebook TTL should be 1h")
	}
	if p.For("tiktok") != 72*time.Hour {
		t.Error("unlisted platforms should fall back to 72h")
	}
}
