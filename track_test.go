package whep

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestLocalTrack_Unbound(t *testing.T) {
	track := NewLocalTrack([]VideoCodec{VideoCodecVP8, VideoCodecVP9}, "video", "whep-1")

	if track.ID() != "video" || track.StreamID() != "whep-1" || track.Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("identity = %s/%s/%s", track.ID(), track.StreamID(), track.Kind())
	}
	if track.Codec() != VideoCodecUnknown {
		t.Errorf("Codec() = %s before bind", track.Codec())
	}
	if _, ok := track.CodecParameters(); ok {
		t.Error("CodecParameters() reported a binding")
	}
	select {
	case <-track.Bound():
		t.Error("Bound() closed before bind")
	default:
	}
	if !track.supports(VideoCodecVP9) || track.supports(VideoCodecH264) {
		t.Error("supports() does not follow the constructor list")
	}
	if !canPacketize(VideoCodecVP8) || !canPacketize(VideoCodecVP9) || canPacketize(VideoCodecH264) {
		t.Error("canPacketize() should cover exactly VP8 and VP9")
	}

	// Frames written before negotiation are discarded.
	if err := track.WriteFrame([]byte{1, 2, 3}, 33*time.Millisecond); err != nil {
		t.Errorf("WriteFrame unbound = %v", err)
	}
}

func TestLocalTrack_Close(t *testing.T) {
	track := NewLocalTrack([]VideoCodec{VideoCodecVP8}, "video", "s")
	if track.State() != TrackStateLive {
		t.Errorf("State() = %s", track.State())
	}
	if err := track.Close(); err != nil {
		t.Fatal(err)
	}
	if track.State() != TrackStateEnded {
		t.Errorf("State() = %s after Close", track.State())
	}
	if err := track.WriteFrame([]byte{1}, time.Millisecond); !errors.Is(err, ErrTrackClosed) {
		t.Errorf("WriteFrame after Close = %v", err)
	}
}

func TestTrackState_String(t *testing.T) {
	for s, want := range map[TrackState]string{TrackStateLive: "live", TrackStateEnded: "ended", TrackState(7): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
