package downloader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/risunCode/downaria/internal/core/media"
)

// fakeClock drives the simulated merge phase deterministically: each Step
// advances time and fires one tick.
type fakeClock struct {
	mu    sync.Mutex
	cur   time.Time
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Unix(1700000000, 0), ticks: make(chan time.Time)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) tick(time.Duration) (<-chan time.Time, func()) {
	return c.ticks, func() {}
}

func (c *fakeClock) step(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	at := c.cur
	c.mu.Unlock()
	c.ticks <- at
}

func TestSimulatedProgressAdvancesAndCaps(t *testing.T) {
	clock := newFakeClock()
	d := New(t.TempDir())
	d.now = clock.now
	d.tick = clock.tick

	progressCh := make(chan Progress)
	simDone := make(chan struct{})
	// capture the start time here, not inside the goroutine, so stepping
	// the clock below cannot slide it
	start := clock.now()
	go func() {
		d.simulateProgress(context.Background(), start, 10*1000*1000/8, simDone, func(p Progress) {
			progressCh <- p
		})
		close(progressCh)
	}()

	// estimate is exactly one second of the assumed 10 Mbps rate, so 500ms
	// in the simulation should sit at 40%
	clock.step(500 * time.Millisecond)
	p := <-progressCh
	if p.Percent < 39.9 || p.Percent > 40.1 {
		t.Errorf("percent after half the expected span = %f, want ~40", p.Percent)
	}

	clock.step(500 * time.Millisecond)
	p = <-progressCh
	if p.Percent < 79.9 || p.Percent > 80.1 {
		t.Errorf("percent at expected span = %f, want ~80", p.Percent)
	}

	// past the estimate the simulation pins at the cap, never crossing into
	// the real phase's band
	clock.step(5 * time.Second)
	p = <-progressCh
	if p.Percent != 80 {
		t.Errorf("percent past the span = %f, want capped at 80", p.Percent)
	}

	close(simDone)
	if _, open := <-progressCh; open {
		t.Error("simulation kept emitting after done signal")
	}
}

func TestCopyWithProgressRealBand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "muxed.tmp")
	payload := bytes.Repeat([]byte{0x42}, 300*1024)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(dir)
	// collapse the throttle so every chunk reports
	base := time.Unix(0, 0)
	var elapsed time.Duration
	d.now = func() time.Time {
		elapsed += progressInterval
		return base.Add(elapsed)
	}

	dst := filepath.Join(dir, "final.mp4")
	var snaps []Progress
	if err := d.copyWithProgress(context.Background(), src, dst, func(p Progress) {
		snaps = append(snaps, p)
	}); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("copied content differs")
	}

	if len(snaps) == 0 {
		t.Fatal("no progress emitted")
	}
	prev := 0.0
	for _, s := range snaps {
		if s.Percent < 80 || s.Percent > 100 {
			t.Errorf("real-phase percent %f outside the 80-100 band", s.Percent)
		}
		if s.Percent < prev {
			t.Errorf("percent regressed: %f after %f", s.Percent, prev)
		}
		prev = s.Percent
	}
	if final := snaps[len(snaps)-1]; final.Percent != 100 || final.Loaded != int64(len(payload)) {
		t.Errorf("final snapshot = %+v", final)
	}
}

// The merge handoff: a simulated value can never exceed 80 and the real
// phase never reports below 80, so the combined sequence stays monotonic
// no matter when the handoff lands.
func TestMergeHandoffMonotonic(t *testing.T) {
	clock := newFakeClock()
	d := New(t.TempDir())
	d.now = clock.now
	d.tick = clock.tick

	var mu sync.Mutex
	var all []float64
	record := func(p Progress) {
		mu.Lock()
		all = append(all, p.Percent)
		mu.Unlock()
	}

	stopSim := d.startSimulatedProgress(context.Background(), 1000, record)
	// drive far past the estimate; cap must hold
	for i := 0; i < 5; i++ {
		clock.step(2 * time.Second)
	}
	stopSim()

	src := filepath.Join(t.TempDir(), "muxed.tmp")
	if err := os.WriteFile(src, bytes.Repeat([]byte{1}, 128*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "out.mp4")
	if err := d.copyWithProgress(context.Background(), src, dst, record); err != nil {
		t.Fatal(err)
	}

	prev := 0.0
	for i, pct := range all {
		if pct < prev {
			t.Fatalf("sequence regressed at %d: %f after %f", i, pct, prev)
		}
		prev = pct
	}
	if prev != 100 {
		t.Errorf("sequence ended at %f, want 100", prev)
	}
}

// Stopping the simulation must wait out an emission already inside the
// callback; otherwise a low simulated percent can be recorded after the
// real phase has reported higher ones.
func TestStopSimulationJoinsInFlightEmission(t *testing.T) {
	clock := newFakeClock()
	d := New(t.TempDir())
	d.now = clock.now
	d.tick = clock.tick

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var all []float64
	record := func(p Progress) {
		mu.Lock()
		all = append(all, p.Percent)
		mu.Unlock()
		if p.Total < 0 { // simulated emissions carry an unknown total
			entered <- struct{}{}
			<-release
		}
	}

	// one second of the assumed rate, so a 200ms tick reports well below 80
	stopSim := d.startSimulatedProgress(context.Background(), 10*1000*1000/8, record)
	go clock.step(200 * time.Millisecond)
	<-entered // an emission is now mid-callback

	stopped := make(chan struct{})
	go func() {
		stopSim()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while an emission was still in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	// the real phase may now run; nothing recorded after it can regress
	src := filepath.Join(t.TempDir(), "muxed.tmp")
	if err := os.WriteFile(src, bytes.Repeat([]byte{1}, 64*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "out.mp4")
	if err := d.copyWithProgress(context.Background(), src, dst, record); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	prev := 0.0
	for i, pct := range all {
		if pct < prev {
			t.Fatalf("sequence regressed at %d: %f after %f", i, pct, prev)
		}
		prev = pct
	}
	if prev != 100 {
		t.Errorf("sequence ended at %f, want 100", prev)
	}
}

func TestDownloadMergedRequiresAudioURL(t *testing.T) {
	d := New(t.TempDir())
	err := d.downloadMerged(context.Background(),
		media.Format{URL: "https://v.example/video", Delivery: media.DeliverMerge},
		filepath.Join(t.TempDir(), "x.mp4"), nil)
	if err == nil {
		t.Fatal("merge without audio stream must fail")
	}
}
