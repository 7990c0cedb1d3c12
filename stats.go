package whep

import (
	"context"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// DefaultStatsInterval is the outbound stats logging period.
const DefaultStatsInterval = 2 * time.Second

// OutboundSample summarizes one outbound video stream at a point in time.
type OutboundSample struct {
	At           time.Time
	SSRC         uint32
	PacketsSent  uint32
	BytesSent    uint64
	NACKCount    uint32
	PLICount     uint32
	FIRCount     uint32
	RoundTrip    time.Duration // From remote-inbound reports; 0 when unknown
	FractionLost float64
}

// summarizeOutbound extracts the outbound video stream from a report.
func summarizeOutbound(report webrtc.StatsReport, at time.Time) (OutboundSample, bool) {
	var (
		sample OutboundSample
		found  bool
	)
	for _, st := range report {
		var out *webrtc.OutboundRTPStreamStats
		switch v := st.(type) {
		case webrtc.OutboundRTPStreamStats:
			out = &v
		case *webrtc.OutboundRTPStreamStats:
			out = v
		}
		if out == nil || out.Kind != "video" {
			continue
		}
		sample.SSRC = uint32(out.SSRC)
		sample.PacketsSent += out.PacketsSent
		sample.BytesSent += out.BytesSent
		sample.NACKCount += out.NACKCount
		sample.PLICount += out.PLICount
		sample.FIRCount += out.FIRCount
		found = true
	}
	for _, st := range report {
		var in *webrtc.RemoteInboundRTPStreamStats
		switch v := st.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			in = &v
		case *webrtc.RemoteInboundRTPStreamStats:
			in = v
		}
		if in == nil || in.Kind != "video" {
			continue
		}
		sample.RoundTrip = time.Duration(in.RoundTripTime * float64(time.Second))
		sample.FractionLost = in.FractionLost
	}
	sample.At = at
	return sample, found
}

// bitrate returns the send rate between two samples in bits per second.
func (s OutboundSample) bitrate(prev OutboundSample) float64 {
	dt := s.At.Sub(prev.At).Seconds()
	if dt <= 0 || s.BytesSent < prev.BytesSent {
		return 0
	}
	return float64(s.BytesSent-prev.BytesSent) * 8 / dt
}

// StatsGetter is the part of a PeerConnection the sampler reads.
type StatsGetter interface {
	GetStats() webrtc.StatsReport
}

// runStatsSampler logs the outbound video stats of pc every interval until
// ctx is done.
func runStatsSampler(ctx context.Context, pc StatsGetter, sessionID string, interval time.Duration, log logging.LeveledLogger) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev OutboundSample
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur, ok := summarizeOutbound(pc.GetStats(), now)
			if !ok {
				continue
			}
			rate := 0.0
			if !prev.At.IsZero() {
				rate = cur.bitrate(prev)
			}
			log.Infof("session %s: ssrc=%d packets=%d bytes=%d rate=%.0fkbps nack=%d pli=%d fir=%d rtt=%v lost=%.2f",
				sessionID, cur.SSRC, cur.PacketsSent, cur.BytesSent, rate/1000,
				cur.NACKCount, cur.PLICount, cur.FIRCount, cur.RoundTrip, cur.FractionLost)
			prev = cur
		}
	}
}
