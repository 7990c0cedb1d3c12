package whep

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

func TestSourceDiscoveryCache_Interval(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, DefaultDiscoveryInterval},
		{10 * time.Millisecond, MinDiscoveryInterval},
		{250 * time.Millisecond, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		c := NewSourceDiscoveryCache(nil, tt.in, nil)
		if got := c.Interval(); got != tt.want {
			t.Errorf("Interval(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSourceDiscoveryCache_Refresh(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	finder := newFakeFinder(
		SourceDescriptor{Name: "HOST (Cam 1)", URL: "10.0.0.1:5961"},
		SourceDescriptor{Name: "HOST (Cam 2)", URL: "10.0.0.2:5961"},
		SourceDescriptor{Name: "HOST (Cam 1)", URL: "10.0.0.9:5961"},
		SourceDescriptor{Name: ""},
	)
	c := NewSourceDiscoveryCache(func() (Finder, error) { return finder, nil }, MinDiscoveryInterval, nil)

	if len(c.Names()) != 0 || !c.Updated().IsZero() {
		t.Fatal("new cache should be empty")
	}

	c.Start()
	c.Start()
	waitFor(t, "first refresh", func() bool { return len(c.Names()) == 2 })

	if got := c.Names(); !slices.Equal(got, []string{"HOST (Cam 1)", "HOST (Cam 2)"}) {
		t.Errorf("Names() = %v", got)
	}
	if url, ok := c.ResolveExact("HOST (Cam 1)"); !ok || url != "10.0.0.1:5961" {
		t.Errorf("ResolveExact = %q, %v; want first duplicate", url, ok)
	}
	if _, ok := c.ResolveExact("host (cam 1)"); ok {
		t.Error("ResolveExact should be case-sensitive")
	}
	if s, ok := c.ResolveSubstring("cam 2"); !ok || s.URL != "10.0.0.2:5961" {
		t.Errorf("ResolveSubstring = %+v, %v", s, ok)
	}
	details := c.Details()
	if len(details) != 2 || details[1] != (SourceDetail{Name: "HOST (Cam 2)", URL: "10.0.0.2:5961"}) {
		t.Errorf("Details() = %+v", details)
	}
	if c.Updated().IsZero() {
		t.Error("Updated() is zero after refresh")
	}

	finder.SetSources(SourceDescriptor{Name: "HOST (Cam 3)", URL: "10.0.0.3:5961"})
	waitFor(t, "second refresh", func() bool { return slices.Equal(c.Names(), []string{"HOST (Cam 3)"}) })

	c.Stop()
	c.Stop()
	if !finder.closed.Load() {
		t.Error("finder not closed by Stop")
	}
	if len(c.Names()) != 1 {
		t.Error("snapshot should survive Stop")
	}
}

func TestSourceDiscoveryCache_ConcurrentSnapshots(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	setA := []SourceDescriptor{
		{Name: "HOST (Cam 1)", URL: "10.0.0.1:5961"},
		{Name: "HOST (Cam 2)", URL: "10.0.0.2:5961"},
	}
	setB := []SourceDescriptor{
		{Name: "STUDIO (Slides)", URL: "10.1.0.3:5961"},
		{Name: "STUDIO (Cam 2)", URL: "10.1.0.2:5961"},
		{Name: "STUDIO (Cam 4)", URL: "10.1.0.4:5961"},
	}
	details := func(srcs []SourceDescriptor) []SourceDetail {
		out := make([]SourceDetail, len(srcs))
		for i, s := range srcs {
			out[i] = SourceDetail{Name: s.Name, URL: s.URL}
		}
		return out
	}
	namesA, namesB := sourceNames(setA), sourceNames(setB)
	detailsA, detailsB := details(setA), details(setB)

	finder := newFakeFinder(setA...)
	c := NewSourceDiscoveryCache(nil, MinDiscoveryInterval, nil)
	c.refresh(finder, 0)

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				finder.SetSources(setB...)
			} else {
				finder.SetSources(setA...)
			}
			c.refresh(finder, 0)
		}
	}()

	var readers sync.WaitGroup
	errs := make(chan string, 8)
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 2000; i++ {
				if n := c.Names(); !slices.Equal(n, namesA) && !slices.Equal(n, namesB) {
					errs <- fmt.Sprintf("torn Names() %v", n)
					return
				}
				if d := c.Details(); !slices.Equal(d, detailsA) && !slices.Equal(d, detailsB) {
					errs <- fmt.Sprintf("torn Details() %v", d)
					return
				}
				s, ok := c.ResolveSubstring("cam 2")
				if !ok || (s != setA[1] && s != setB[1]) {
					errs <- fmt.Sprintf("ResolveSubstring = %+v, %v", s, ok)
					return
				}
				if url, ok := c.ResolveExact("HOST (Cam 1)"); ok && url != setA[0].URL {
					errs <- fmt.Sprintf("ResolveExact = %q", url)
					return
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	writer.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestSourceDiscoveryCache_SourcesCopy(t *testing.T) {
	c := NewSourceDiscoveryCache(nil, 0, nil)
	c.publish([]SourceDescriptor{{Name: "A", URL: "1.1.1.1:1"}})

	srcs := c.Sources()
	srcs[0].Name = "mutated"
	if c.Names()[0] != "A" {
		t.Error("Sources() exposes the snapshot")
	}
}

func TestSourceDiscoveryCache_Unavailable(t *testing.T) {
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()

	openErr := errors.New("no sdk")
	c := NewSourceDiscoveryCache(func() (Finder, error) { return nil, openErr }, 0, nil)
	c.Start()
	waitFor(t, "unavailable", c.Unavailable)
	c.Stop()

	if len(c.Names()) != 0 {
		t.Error("unavailable cache should stay empty")
	}
	if _, err := c.Discover(context.Background(), 10*time.Millisecond); !errors.Is(err, openErr) {
		t.Errorf("Discover = %v, want open error", err)
	}

	nilOpener := NewSourceDiscoveryCache(nil, 0, nil)
	nilOpener.Start()
	waitFor(t, "unavailable without opener", nilOpener.Unavailable)
	nilOpener.Stop()
	if _, err := nilOpener.Discover(context.Background(), time.Millisecond); !errors.Is(err, ErrDiscoveryUnavailable) {
		t.Errorf("Discover = %v, want ErrDiscoveryUnavailable", err)
	}
}

func TestSourceDiscoveryCache_PanickingFinder(t *testing.T) {
	finder := newFakeFinder(SourceDescriptor{Name: "A"})
	c := NewSourceDiscoveryCache(nil, 0, nil)

	if n := c.refresh(finder, time.Millisecond); n != 1 {
		t.Fatalf("refresh = %d, want 1", n)
	}
	finder.panics = true
	if n := c.refresh(finder, time.Millisecond); n != 1 {
		t.Errorf("refresh after panic = %d, want previous count", n)
	}
	if !slices.Equal(c.Names(), []string{"A"}) {
		t.Errorf("Names() = %v", c.Names())
	}
}

func TestSourceDiscoveryCache_Discover(t *testing.T) {
	var opened []*fakeFinder
	open := func() (Finder, error) {
		f := newFakeFinder(SourceDescriptor{Name: "X", URL: "10.1.1.1:5961"})
		opened = append(opened, f)
		return f, nil
	}
	c := NewSourceDiscoveryCache(open, 0, nil)

	start := time.Now()
	srcs, err := c.Discover(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(srcs) != 1 || srcs[0].Name != "X" {
		t.Errorf("Discover = %+v", srcs)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("Discover took %v, should return once the list is stable", elapsed)
	}
	if len(opened) != 1 || !opened[0].closed.Load() {
		t.Error("one-shot finder not closed")
	}
}

func TestPollSourcesEmpty(t *testing.T) {
	f := newFakeFinder()
	start := time.Now()
	srcs := pollSources(context.Background(), f, 60*time.Millisecond)
	if len(srcs) != 0 {
		t.Errorf("pollSources = %v", srcs)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, want full timeout with no sources", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if srcs := pollSources(ctx, f, time.Hour); len(srcs) != 0 {
		t.Errorf("pollSources with canceled ctx = %v", srcs)
	}
}
