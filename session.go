package whep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Session errors
var (
	ErrEmptyOffer      = errors.New("empty offer")
	ErrInvalidOffer    = errors.New("invalid offer")
	ErrSessionNotFound = errors.New("session not found")
	ErrManagerClosed   = errors.New("session manager closed")
)

// SessionState is the WHEP session lifecycle state.
type SessionState int

const (
	SessionStateNew         SessionState = iota // Created on offer receipt
	SessionStateNegotiating                     // Answer produced, waiting for transport
	SessionStateConnected                       // Transport up, pump running
	SessionStateFailed                          // Terminal
	SessionStateClosed                          // Terminal
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateNegotiating:
		return "negotiating"
	case SessionStateConnected:
		return "connected"
	case SessionStateFailed:
		return "failed"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s SessionState) Terminal() bool {
	return s == SessionStateFailed || s == SessionStateClosed
}

// canTransition reports whether from -> to is a valid lifecycle step.
func canTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case SessionStateNegotiating:
		return from == SessionStateNew
	case SessionStateConnected:
		return from == SessionStateNegotiating
	case SessionStateFailed, SessionStateClosed:
		return true
	}
	return false
}

// SessionInfo is a snapshot of a session for listings.
type SessionInfo struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Codec   string    `json:"codec,omitempty"`
	Source  string    `json:"source"`
	Created time.Time `json:"created"`
}

// Session is one WHEP viewer: a peer connection, its outbound track, the
// VideoSource feeding it and the encode pump between them.
type Session struct {
	id      string
	created time.Time
	mgr     *SessionManager
	log     logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  SessionState
	answer string
	pc     *webrtc.PeerConnection
	track  *LocalTrack
	sender *webrtc.RTPSender
	source VideoSource
	pump   *VideoEncodePipeline
	err    error

	connectTimer *time.Timer
	cleanupOnce  sync.Once
	done         chan struct{}
}

func newSession(m *SessionManager, id string, source VideoSource) *Session {
	s := &Session{
		id:      id,
		created: time.Now(),
		mgr:     m,
		log:     m.log,
		source:  source,
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ID returns the session id used in the resource URL.
func (s *Session) ID() string { return s.id }

// Created returns when the offer was received.
func (s *Session) Created() time.Time { return s.created }

// Answer returns the local SDP answer.
func (s *Session) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Codec returns the codec bound to the outbound track, once negotiated.
func (s *Session) Codec() VideoCodec {
	s.mu.Lock()
	track := s.track
	s.mu.Unlock()
	if track == nil {
		return VideoCodecUnknown
	}
	return track.Codec()
}

// Done is closed after cleanup finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a listing snapshot.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:      s.id,
		State:   s.State().String(),
		Source:  s.source.Type().String(),
		Created: s.created,
	}
	if c := s.Codec(); c != VideoCodecUnknown {
		info.Codec = c.String()
	}
	return info
}

// setState applies a valid transition and reports whether it happened.
func (s *Session) setState(to SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return false
	}
	s.log.Debugf("session %s: %s -> %s", s.id, s.state, to)
	s.state = to
	return true
}

// negotiate runs the offer/answer exchange and returns the answer SDP.
func (s *Session) negotiate(ctx context.Context, offer string) (string, error) {
	m := s.mgr

	gatherComplete, err := s.applyOffer(offer)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	select {
	case <-gatherComplete:
	case <-time.After(m.cfg.GatherTimeout):
		s.log.Debugf("session %s: ICE gathering not complete after %v, answering with gathered candidates", s.id, m.cfg.GatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return "", fmt.Errorf("session %s ended during negotiation", s.id)
	}
	s.answer = local.SDP
	s.mu.Unlock()

	timer := time.AfterFunc(m.cfg.ConnectTimeout, func() {
		if s.State() != SessionStateConnected {
			s.log.Warnf("session %s: not connected after %v", s.id, m.cfg.ConnectTimeout)
			s.terminate(SessionStateFailed)
		}
	})
	s.mu.Lock()
	s.connectTimer = timer
	s.mu.Unlock()

	go s.readRTCP()
	return local.SDP, nil
}

// applyOffer builds the peer connection for offer, applies the local
// answer and moves the session to Negotiating. The returned channel
// closes when ICE gathering completes.
//
// Codecs the track can packetize are negotiated whether or not an encoder
// is available for them; encoder-backed codecs are preferred. A missing
// encoder surfaces later, from the pump.
func (s *Session) applyOffer(offer string) (<-chan struct{}, error) {
	m := s.mgr

	offered, err := OfferedVideoCodecs(offer)
	if err != nil {
		return nil, err
	}

	var (
		ordered []webrtc.RTPCodecParameters
		carried []VideoCodec
	)
	for _, c := range preferEncodable(negotiableCodecs(OrderCodecs(offered, m.cfg.PreferredCodec.String())), m.cfg.Encoders) {
		codec := CodecFromMime(c.MimeType)
		if !canPacketize(codec) {
			continue
		}
		ordered = append(ordered, c)
		if !containsCodec(carried, codec) {
			carried = append(carried, codec)
		}
	}
	if len(carried) == 0 {
		return nil, fmt.Errorf("%w: offer has no VP8 or VP9", ErrInvalidOffer)
	}

	pc, err := m.api.NewPeerConnection(m.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	track := NewLocalTrack(carried, "video", "whep-"+s.id)

	s.mu.Lock()
	s.pc, s.track = pc, track
	s.mu.Unlock()

	transceiver, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add transceiver: %w", err)
	}
	if err := transceiver.SetCodecPreferences(ordered); err != nil {
		return nil, fmt.Errorf("failed to set codec preferences: %w", err)
	}
	s.mu.Lock()
	s.sender = transceiver.Sender()
	s.mu.Unlock()

	pc.OnConnectionStateChange(s.onConnectionStateChange)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if !s.setState(SessionStateNegotiating) {
		return nil, fmt.Errorf("session %s ended during negotiation", s.id)
	}
	return gatherComplete, nil
}

func containsCodec(list []VideoCodec, c VideoCodec) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.log.Infof("session %s: connection %s", s.id, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if !s.setState(SessionStateConnected) {
			return
		}
		s.mu.Lock()
		timer, pc := s.connectTimer, s.pc
		s.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		go s.startPump()
		if s.mgr.cfg.StatsInterval > 0 {
			go runStatsSampler(s.ctx, pc, s.id, s.mgr.cfg.StatsInterval, s.mgr.statsLog)
		}
	case webrtc.PeerConnectionStateFailed:
		go s.terminate(SessionStateFailed)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		go s.terminate(SessionStateClosed)
	}
}

// startPump waits for the track binding and runs the encode pump until
// the session ends.
func (s *Session) startPump() {
	s.mu.Lock()
	track := s.track
	s.mu.Unlock()

	select {
	case <-track.Bound():
	case <-s.ctx.Done():
		return
	}
	codec := track.Codec()

	m := s.mgr
	pump, err := NewVideoEncodePipeline(VideoPipelineConfig{
		Source:        s.source,
		Writer:        track,
		Codec:         codec,
		Encoders:      m.cfg.Encoders,
		BitrateBps:    m.cfg.MaxBitrate,
		MaxFPS:        m.cfg.MaxFPS,
		ScaleDownBy:   m.cfg.ScaleDownBy,
		LoggerFactory: m.cfg.LoggerFactory,
	})
	if err != nil {
		s.log.Errorf("session %s: pump not started: %v", s.id, err)
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		pump.Close()
		return
	}
	s.pump = pump
	s.mu.Unlock()

	if err := pump.Start(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Errorf("session %s: pump start: %v", s.id, err)
		s.fail(err)
		return
	}
	s.log.Infof("session %s: sending %s from %s source", s.id, codec, s.source.Type())
}

// readRTCP turns PLI and FIR feedback into keyframe requests.
func (s *Session) readRTCP() {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if wantsKeyframe(pkts) {
			s.mu.Lock()
			pump := s.pump
			s.mu.Unlock()
			if pump != nil {
				pump.RequestKeyframe()
			}
		}
	}
}

func wantsKeyframe(pkts []rtcp.Packet) bool {
	for _, p := range pkts {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

// fail records err as the reason the session ended and terminates it as
// Failed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.state.Terminal() {
		s.err = err
	}
	s.mu.Unlock()
	s.terminate(SessionStateFailed)
}

// Err returns why the session failed after it was set up, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// terminate moves the session to a terminal state and releases everything
// it holds. It is safe to call from any goroutine, any number of times.
func (s *Session) terminate(to SessionState) {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		if !prev.Terminal() {
			s.state = to
		}
		pump, track, pc, timer := s.pump, s.track, s.pc, s.connectTimer
		s.mu.Unlock()

		s.cancel()
		if timer != nil {
			timer.Stop()
		}
		if pump != nil {
			pump.Close()
		}
		if s.source != nil {
			s.source.Close()
		}
		if track != nil {
			track.Close()
		}
		if pc != nil {
			s.closePeerConnection(pc)
		}
		s.mgr.remove(s.id)
		s.log.Infof("session %s: %s -> %s, cleaned up", s.id, prev, s.State())
		close(s.done)
	})
}

// closePeerConnection closes pc, giving up after CloseTimeout.
func (s *Session) closePeerConnection(pc *webrtc.PeerConnection) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pc.Close(); err != nil {
			s.log.Debugf("session %s: peer connection close: %v", s.id, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(s.mgr.cfg.CloseTimeout):
		s.log.Warnf("session %s: peer connection close exceeded %v", s.id, s.mgr.cfg.CloseTimeout)
	}
}
