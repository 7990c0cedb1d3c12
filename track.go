package whep

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

// ErrTrackClosed is returned by WriteFrame after Close.
var ErrTrackClosed = errors.New("track closed")

// rtpMTU bounds packetized payloads.
const rtpMTU = 1200

const videoClockRate = 90000

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is active and producing media
	TrackStateEnded                   // Track has ended
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// trackBinding is one negotiated sender for the track.
type trackBinding struct {
	id         string
	codec      VideoCodec
	params     webrtc.RTPCodecParameters
	packetizer rtp.Packetizer
	stream     webrtc.TrackLocalWriter
}

// LocalTrack implements pion's webrtc.TrackLocal for encoded video. Bind
// picks the first negotiated codec the track can carry and sets up a
// packetizer for it; WriteFrame packetizes one encoded frame per call.
type LocalTrack struct {
	id       string
	streamID string
	rid      string
	codecs   []VideoCodec
	state    atomic.Int32

	bindMu   sync.RWMutex
	bindings []*trackBinding
	bound    chan struct{}
	once     sync.Once
}

// NewLocalTrack creates a video track that can carry the given codecs, in
// order of preference.
func NewLocalTrack(supported []VideoCodec, id, streamID string) *LocalTrack {
	return &LocalTrack{
		id:       id,
		streamID: streamID,
		codecs:   supported,
		bound:    make(chan struct{}),
	}
}

func (t *LocalTrack) ID() string                { return t.id }
func (t *LocalTrack) StreamID() string          { return t.streamID }
func (t *LocalTrack) RID() string               { return t.rid }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// State returns the current track state.
func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

// canPacketize reports whether LocalTrack has a payloader for c.
func canPacketize(c VideoCodec) bool {
	return c == VideoCodecVP8 || c == VideoCodecVP9
}

func (t *LocalTrack) supports(c VideoCodec) bool {
	for _, s := range t.codecs {
		if s == c {
			return true
		}
	}
	return false
}

// Bind implements webrtc.TrackLocal.
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var (
		chosen webrtc.RTPCodecParameters
		codec  VideoCodec
	)
	for _, p := range ctx.CodecParameters() {
		if c := CodecFromMime(p.MimeType); canPacketize(c) && t.supports(c) {
			chosen, codec = p, c
			break
		}
	}
	if codec == VideoCodecUnknown {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}

	var payloader rtp.Payloader
	switch codec {
	case VideoCodecVP9:
		payloader = &codecs.VP9Payloader{}
	default:
		payloader = &codecs.VP8Payloader{EnablePictureID: true}
	}

	b := &trackBinding{
		id:     ctx.ID(),
		codec:  codec,
		params: chosen,
		packetizer: rtp.NewPacketizer(rtpMTU, uint8(chosen.PayloadType), uint32(ctx.SSRC()),
			payloader, rtp.NewRandomSequencer(), videoClockRate),
		stream: ctx.WriteStream(),
	}

	t.bindMu.Lock()
	t.bindings = append(t.bindings, b)
	t.bindMu.Unlock()
	t.once.Do(func() { close(t.bound) })
	return chosen, nil
}

// Unbind implements webrtc.TrackLocal.
func (t *LocalTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	for i, b := range t.bindings {
		if b.id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// Bound is closed once the track has been bound to a sender.
func (t *LocalTrack) Bound() <-chan struct{} { return t.bound }

// Codec returns the codec of the first binding, or VideoCodecUnknown.
func (t *LocalTrack) Codec() VideoCodec {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	if len(t.bindings) == 0 {
		return VideoCodecUnknown
	}
	return t.bindings[0].codec
}

// CodecParameters returns the negotiated parameters of the first binding.
func (t *LocalTrack) CodecParameters() (webrtc.RTPCodecParameters, bool) {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	if len(t.bindings) == 0 {
		return webrtc.RTPCodecParameters{}, false
	}
	return t.bindings[0].params, true
}

// WriteFrame packetizes one encoded frame and writes it to every binding.
// duration advances the RTP timestamp.
func (t *LocalTrack) WriteFrame(data []byte, duration time.Duration) error {
	if t.State() == TrackStateEnded {
		return ErrTrackClosed
	}
	samples := uint32(duration.Seconds() * videoClockRate)

	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	for _, b := range t.bindings {
		for _, p := range b.packetizer.Packetize(data, samples) {
			if _, err := b.stream.WriteRTP(&p.Header, p.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close implements io.Closer.
func (t *LocalTrack) Close() error {
	t.state.Store(int32(TrackStateEnded))
	return nil
}

// Verify LocalTrack implements webrtc.TrackLocal
var _ webrtc.TrackLocal = (*LocalTrack)(nil)
