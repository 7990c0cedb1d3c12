package whep

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Session timing defaults.
const (
	DefaultGatherTimeout  = 3 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultCloseTimeout   = 2 * time.Second
)

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	// Sources builds the VideoSource of each new session. Nil means
	// synthetic video with the default test pattern.
	Sources *SourceFactory

	// Encoders creates the pump's encoders (default RegisteredEncoders).
	Encoders EncoderFactory

	// PreferredCodec is ordered first when the offer contains it.
	PreferredCodec VideoCodec

	MaxBitrate  int     // Encoder target in bps (0 = encoder default)
	MaxFPS      int     // Pump frame rate cap (0 = source rate)
	ScaleDownBy float64 // Resolution divisor (<= 1 = none)

	ICEServers []string
	// IncludeLoopback gathers loopback candidates, for same-host clients.
	IncludeLoopback bool

	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration

	// StatsInterval enables periodic outbound stats logging when > 0.
	StatsInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

func (c *SessionManagerConfig) applyDefaults() {
	if c.Sources == nil {
		c.Sources = &SourceFactory{}
	}
	if c.Encoders == nil {
		c.Encoders = RegisteredEncoders{}
	}
	if c.PreferredCodec == VideoCodecUnknown {
		c.PreferredCodec = VideoCodecVP8
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = DefaultGatherTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if c.Sources.LoggerFactory == nil {
		c.Sources.LoggerFactory = c.LoggerFactory
	}
}

// SessionManager owns the WHEP sessions and the shared pion API they are
// created from.
type SessionManager struct {
	cfg       SessionManagerConfig
	log       logging.LeveledLogger
	statsLog  logging.LeveledLogger
	api       *webrtc.API
	rtcConfig webrtc.Configuration

	mu        sync.Mutex
	sessions  map[string]*Session
	selection Selection
	closed    bool
}

// NewSessionManager builds the media engine, interceptors and setting
// engine shared by all sessions.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	cfg.applyDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	var rtcConfig webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &SessionManager{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("whep-session"),
		statsLog: cfg.LoggerFactory.NewLogger("whep-stats"),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		rtcConfig: rtcConfig,
		sessions:  make(map[string]*Session),
	}, nil
}

// Selection returns the source selection new sessions are built for.
func (m *SessionManager) Selection() Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selection
}

// SetSelection changes the source for sessions created afterwards.
func (m *SessionManager) SetSelection(sel Selection) {
	m.mu.Lock()
	m.selection = sel
	m.mu.Unlock()
	m.log.Infof("source selection: %s", sel)
}

// Offer creates a session for an SDP offer and returns it with its answer
// available through Answer. Failures clean the session up before
// returning.
func (m *SessionManager) Offer(ctx context.Context, offer string) (*Session, error) {
	if strings.TrimSpace(offer) == "" {
		return nil, ErrEmptyOffer
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	sel := m.selection
	m.mu.Unlock()

	s := newSession(m, uuid.NewString(), m.cfg.Sources.Open(sel))

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.log.Infof("session %s: created (%s source)", s.id, s.source.Type())

	if _, err := s.negotiate(ctx, offer); err != nil {
		m.log.Warnf("session %s: negotiation failed: %v", s.id, err)
		s.terminate(SessionStateFailed)
		return nil, err
	}
	return s, nil
}

// Update acknowledges a trickle PATCH. Candidates are not applied.
func (m *SessionManager) Update(id string) error {
	if _, ok := m.Get(id); !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Delete terminates a session and waits for its cleanup.
func (m *SessionManager) Delete(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.terminate(SessionStateClosed)
	return nil
}

// Get returns the session with id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the live sessions, oldest first.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

func (m *SessionManager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Close terminates every session and rejects new offers.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.terminate(SessionStateClosed)
		}(s)
	}
	wg.Wait()
	return nil
}
