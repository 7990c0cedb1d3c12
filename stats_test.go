package whep

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

func outboundReport(packets uint32, bytesSent uint64) webrtc.StatsReport {
	return webrtc.StatsReport{
		"out-video": webrtc.OutboundRTPStreamStats{
			Kind:        "video",
			SSRC:        1234,
			PacketsSent: packets,
			BytesSent:   bytesSent,
			NACKCount:   2,
			PLICount:    1,
		},
		"out-audio": webrtc.OutboundRTPStreamStats{
			Kind:        "audio",
			SSRC:        99,
			PacketsSent: 1000,
			BytesSent:   1000,
		},
		"remote-in": &webrtc.RemoteInboundRTPStreamStats{
			Kind:          "video",
			RoundTripTime: 0.025,
			FractionLost:  0.5,
		},
	}
}

func TestSummarizeOutbound(t *testing.T) {
	at := time.Unix(100, 0)
	s, ok := summarizeOutbound(outboundReport(10, 5000), at)
	if !ok {
		t.Fatal("no outbound video stream found")
	}
	if s.SSRC != 1234 || s.PacketsSent != 10 || s.BytesSent != 5000 {
		t.Errorf("sample = %+v", s)
	}
	if s.NACKCount != 2 || s.PLICount != 1 || s.FIRCount != 0 {
		t.Errorf("feedback counters = %+v", s)
	}
	if s.RoundTrip != 25*time.Millisecond || s.FractionLost != 0.5 {
		t.Errorf("rtt=%v lost=%v", s.RoundTrip, s.FractionLost)
	}
	if !s.At.Equal(at) {
		t.Errorf("At = %v", s.At)
	}

	if _, ok := summarizeOutbound(webrtc.StatsReport{}, at); ok {
		t.Error("empty report produced a sample")
	}
}

func TestOutboundSample_Bitrate(t *testing.T) {
	t0 := time.Unix(0, 0)
	prev := OutboundSample{At: t0, BytesSent: 1000}

	tests := []struct {
		name string
		cur  OutboundSample
		want float64
	}{
		{"steady", OutboundSample{At: t0.Add(2 * time.Second), BytesSent: 251000}, 1_000_000},
		{"no time", OutboundSample{At: t0, BytesSent: 5000}, 0},
		{"counter reset", OutboundSample{At: t0.Add(time.Second), BytesSent: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cur.bitrate(prev); got != tt.want {
				t.Errorf("bitrate = %v, want %v", got, tt.want)
			}
		})
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeStats struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeStats) GetStats() webrtc.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return outboundReport(uint32(f.calls*10), uint64(f.calls*10000))
}

func TestRunStatsSampler(t *testing.T) {
	out := &lockedBuffer{}
	lf := logging.NewDefaultLoggerFactory()
	lf.Writer = out
	lf.DefaultLogLevel = logging.LogLevelInfo

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runStatsSampler(ctx, &fakeStats{}, "abc", 10*time.Millisecond, lf.NewLogger("whep-stats"))
	}()

	waitFor(t, "two samples", func() bool { return strings.Count(out.String(), "session abc:") >= 2 })
	cancel()
	<-done

	logged := out.String()
	if !strings.Contains(logged, "ssrc=1234") || !strings.Contains(logged, "pli=1") {
		t.Errorf("log output = %q", logged)
	}
}
