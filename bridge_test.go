package whep

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

func fastBridgeConfig() BridgeConfig {
	return BridgeConfig{
		CaptureTimeout:   20 * time.Millisecond,
		StopTimeout:      500 * time.Millisecond,
		ExactAttempts:    2,
		ExactInterval:    10 * time.Millisecond,
		SubstringTimeout: 50 * time.Millisecond,
	}
}

func TestSelection(t *testing.T) {
	tests := []struct {
		sel  Selection
		key  string
		str  string
		zero bool
	}{
		{Selection{}, "name:", "none", true},
		{Selection{Name: "Cam"}, "name:cam", `name="Cam"`, false},
		{Selection{Name: "Cam", Exact: "HOST (Cam)"}, "exact:HOST (Cam)", `name="Cam" exact="HOST (Cam)"`, false},
		{Selection{Exact: "HOST (Cam)", URL: "10.0.0.1:5961"}, "url:10.0.0.1:5961", `exact="HOST (Cam)" url=10.0.0.1:5961`, false},
	}
	for _, tt := range tests {
		if got := tt.sel.Key(); got != tt.key {
			t.Errorf("%+v Key() = %q, want %q", tt.sel, got, tt.key)
		}
		if got := tt.sel.String(); got != tt.str {
			t.Errorf("%+v String() = %q, want %q", tt.sel, got, tt.str)
		}
		if got := tt.sel.IsZero(); got != tt.zero {
			t.Errorf("%+v IsZero() = %v", tt.sel, got)
		}
	}
}

func TestNewCaptureBridge_Selection(t *testing.T) {
	names := []string{"HOST (Cam 1)", "HOST (Cam 2)", "OTHER (Slides)"}

	tests := []struct {
		name      string
		sel       Selection
		wantName  string
		wantURL   string
		noFinder  bool
		wantErrIs error
		wantAvail []string
	}{
		{
			name:     "direct url",
			sel:      Selection{Exact: "Remote", URL: "192.168.5.5:5961"},
			wantName: "Remote",
			wantURL:  "192.168.5.5:5961",
			noFinder: true,
		},
		{
			name:     "exact",
			sel:      Selection{Exact: "HOST (Cam 2)"},
			wantName: "HOST (Cam 2)",
			wantURL:  "10.0.0.2:5961",
		},
		{
			name:     "exact falls back to substring",
			sel:      Selection{Exact: "HOST (Cam"},
			wantName: "HOST (Cam 1)",
			wantURL:  "10.0.0.1:5961",
		},
		{
			name:     "substring ignores case",
			sel:      Selection{Name: "slides"},
			wantName: "OTHER (Slides)",
			wantURL:  "10.0.0.3:5961",
		},
		{
			name:      "not found",
			sel:       Selection{Name: "projector"},
			wantErrIs: ErrSourceNotFound,
			wantAvail: names,
		},
		{
			name:      "empty selection",
			sel:       Selection{},
			wantErrIs: ErrSourceNotFound,
			noFinder:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime(names...)
			b, err := NewCaptureBridge(context.Background(), rt, tt.sel, fastBridgeConfig())

			if tt.noFinder && rt.Finders() != 0 {
				t.Errorf("opened %d finder(s), want none", rt.Finders())
			}
			for _, f := range rt.finders {
				if !f.closed.Load() {
					t.Error("selection finder not closed")
				}
			}
			if tt.wantErrIs != nil {
				if !errors.Is(err, tt.wantErrIs) {
					t.Fatalf("err = %v, want %v", err, tt.wantErrIs)
				}
				var nf *SourceNotFoundError
				if errors.As(err, &nf) && tt.wantAvail != nil && !slices.Equal(nf.Available, tt.wantAvail) {
					t.Errorf("Available = %v, want %v", nf.Available, tt.wantAvail)
				}
				if len(rt.Receivers()) != 0 {
					t.Error("receiver opened for a failed selection")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer b.Stop()

			if src := b.Source(); src.Name != tt.wantName || src.URL != tt.wantURL {
				t.Errorf("Source() = %+v, want %s @ %s", src, tt.wantName, tt.wantURL)
			}
			if len(rt.opened) != 1 || rt.opened[0].URL != tt.wantURL {
				t.Errorf("receiver opened for %+v", rt.opened)
			}
		})
	}
}

func TestNewCaptureBridge_Cache(t *testing.T) {
	rt := newFakeRuntime()
	cache := NewSourceDiscoveryCache(nil, 0, nil)
	cache.publish([]SourceDescriptor{
		{Name: "HOST (Cam 1)", URL: "10.9.9.1:5961"},
		{Name: "HOST (Cam 2)", URL: "10.9.9.2:5961"},
	})
	cfg := fastBridgeConfig()
	cfg.Cache = cache

	b, err := NewCaptureBridge(context.Background(), rt, Selection{Exact: "HOST (Cam 2)"}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b.Stop()
	if b.Source().URL != "10.9.9.2:5961" || rt.Finders() != 0 {
		t.Errorf("exact cache hit: source %+v, finders %d", b.Source(), rt.Finders())
	}

	b, err = NewCaptureBridge(context.Background(), rt, Selection{Name: "cam 1"}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b.Stop()
	if b.Source().URL != "10.9.9.1:5961" || rt.Finders() != 0 {
		t.Errorf("substring cache hit: source %+v, finders %d", b.Source(), rt.Finders())
	}

	// The runtime sees nothing, so the error lists the cached names.
	_, err = NewCaptureBridge(context.Background(), rt, Selection{Name: "projector"}, cfg)
	var nf *SourceNotFoundError
	if !errors.As(err, &nf) || len(nf.Available) != 2 {
		t.Errorf("err = %v, want not-found listing cached names", err)
	}
}

func TestNewCaptureBridge_Errors(t *testing.T) {
	if _, err := NewCaptureBridge(context.Background(), nil, Selection{Name: "x"}, BridgeConfig{}); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Errorf("nil runtime: %v", err)
	}

	rt := newFakeRuntime("A")
	rt.receiverErr = errors.New("sdk refused")
	if _, err := NewCaptureBridge(context.Background(), rt, Selection{Name: "A"}, fastBridgeConfig()); !errors.Is(err, rt.receiverErr) {
		t.Errorf("receiver error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewCaptureBridge(ctx, newFakeRuntime(), Selection{Exact: "A"}, fastBridgeConfig()); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled selection: %v", err)
	}
}

func TestCaptureBridge_Capture(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	rt := newFakeRuntime("A")
	b, err := NewCaptureBridge(context.Background(), rt, Selection{Name: "A"}, fastBridgeConfig())
	if err != nil {
		t.Fatal(err)
	}
	rx := rt.Receivers()[0]
	sub := b.Subscribe(1)

	// Register the bridge's own queue before any frame arrives.
	early, cancelEarly := context.WithCancel(context.Background())
	cancelEarly()
	if _, err := b.Recv(early); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv on empty queue = %v", err)
	}

	b.Start()
	b.Start()

	rx.frames <- uyvyRaw(4, 2, 1)
	rx.frames <- NewRawFrame(FourCCUYVY, 3, 2, 6, make([]byte, 12), 2) // odd 4:2:2 width
	rx.frames <- uyvyRaw(4, 2, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f, err := b.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Format != PixelFormatI420 || f.Width != 4 || f.Height != 2 {
		t.Errorf("frame = %s %dx%d", f.Format, f.Width, f.Height)
	}
	if f.Data[0][0] != 126 || f.Data[1][0] != 128 {
		t.Errorf("Y=%d U=%d", f.Data[0][0], f.Data[1][0])
	}

	waitFor(t, "all captures", func() bool {
		st := b.Stats()
		return st.Delivered == 2 && st.DecodeErrors == 1
	})
	st := b.Stats()
	if st.Captured != 3 || !st.Running || st.Subscribers != 1 {
		t.Errorf("stats = %+v", st)
	}

	// The one-slot subscriber queue keeps only the newest frame.
	got, err := sub.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != 3 || sub.Dropped() != 1 {
		t.Errorf("subscriber got ts=%d dropped=%d", got.Timestamp, sub.Dropped())
	}

	rx.errs <- errors.New("transient")
	waitFor(t, "capture error", func() bool { return b.Stats().CaptureErrors == 1 })

	b.Stop()
	b.Stop()
	if !rx.IsClosed() {
		t.Error("receiver not closed")
	}
	if b.Stats().Running {
		t.Error("stopped bridge reports running")
	}
	if _, err := sub.Recv(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("subscriber Recv after Stop = %v", err)
	}
	if _, err := b.Subscribe(1).Recv(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("late subscriber Recv = %v", err)
	}
}

func TestCaptureBridge_DroppedOnlyCountsConsumers(t *testing.T) {
	rt := newFakeRuntime("A")
	b, err := NewCaptureBridge(context.Background(), rt, Selection{Name: "A"}, fastBridgeConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	rx := rt.Receivers()[0]
	sub := b.Subscribe(2)
	b.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := range 4 {
		rx.frames <- uyvyRaw(4, 2, int64(i))
		if _, err := sub.Recv(ctx); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "delivery count", func() bool { return b.Stats().Delivered == 4 })
	st := b.Stats()
	if st.Dropped != 0 || st.Subscribers != 1 {
		t.Errorf("stats with a keeping-up subscriber = %+v", st)
	}
}

func TestCaptureBridge_Resize(t *testing.T) {
	rt := newFakeRuntime("A")
	cfg := fastBridgeConfig()
	cfg.OutputWidth, cfg.OutputHeight = 2, 2
	b, err := NewCaptureBridge(context.Background(), rt, Selection{Name: "A"}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	f, err := b.process(uyvyRaw(8, 4, 0))
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 2 || f.Height != 2 {
		t.Errorf("resized to %dx%d", f.Width, f.Height)
	}
}

func TestCaptureBridge_StopStuckCapture(t *testing.T) {
	rt := newFakeRuntime("A")
	rt.block = make(chan struct{})
	cfg := fastBridgeConfig()
	cfg.StopTimeout = 50 * time.Millisecond

	b, err := NewCaptureBridge(context.Background(), rt, Selection{Name: "A"}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	rx := rt.Receivers()[0]
	b.Start()
	waitFor(t, "capture entered", func() bool { return rx.captures.Load() > 0 })

	start := time.Now()
	b.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v with a stuck capture", elapsed)
	}
	if !rx.IsClosed() {
		t.Error("receiver not released after stop timeout")
	}

	close(rt.block)
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture goroutine did not exit once unblocked")
	}
}

func TestCaptureBridge_StopBeforeStart(t *testing.T) {
	rt := newFakeRuntime("A")
	b, err := NewCaptureBridge(context.Background(), rt, Selection{Name: "A"}, fastBridgeConfig())
	if err != nil {
		t.Fatal(err)
	}
	b.Stop()
	b.Start()
	if rt.Receivers()[0].captures.Load() != 0 {
		t.Error("capture ran after Stop")
	}
	if b.Stats().Running {
		t.Error("bridge running after Stop")
	}
}
