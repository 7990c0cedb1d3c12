package whep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// HTTP limits and defaults, in milliseconds where noted.
const (
	maxOfferSize = 1 << 20

	sourcesTimeoutDefault = 3000 // ms
	sourcesTimeoutMax     = 15000
	detailTimeoutDefault  = 1000
	detailTimeoutMax      = 10000
	frameTimeoutDefault   = 2000
	frameTimeoutMin       = 100
	frameTimeoutMax       = 10000
)

// Server is the WHEP endpoint plus the NDI helper API.
type Server struct {
	cfg Config
	log logging.LeveledLogger

	runtime  Runtime
	cache    *SourceDiscoveryCache
	pool     *BridgePool
	sources  *SourceFactory
	sessions *SessionManager
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer wires discovery, the bridge pool and the session manager from
// cfg. Call Start to begin background discovery and Close at shutdown.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("whep-server"),
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.runtime = cfg.Runtime
	if s.runtime == nil && !cfg.DisableNDI {
		rt, err := LoadRuntime()
		if err != nil {
			s.log.Warnf("NDI unavailable, serving synthetic video: %v", err)
		} else {
			s.runtime = rt
		}
	}

	if s.runtime != nil || cfg.Discovery == DiscoveryMDNS {
		rt, backend, lf := s.runtime, cfg.Discovery, cfg.LoggerFactory
		s.cache = NewSourceDiscoveryCache(func() (Finder, error) {
			return NewFinder(backend, rt, lf)
		}, cfg.DiscoveryInterval, lf)
	}

	s.sources = &SourceFactory{
		Synthetic:     cfg.Synthetic,
		Fallback:      cfg.Fallback,
		LoggerFactory: cfg.LoggerFactory,
	}
	if s.runtime != nil {
		s.pool = NewBridgePool(RuntimeOpener(s.runtime, cfg.bridgeConfig(s.cache)), cfg.LoggerFactory)
		s.sources.Pool = s.pool
	}

	sessions, err := NewSessionManager(cfg.sessionManagerConfig(s.sources))
	if err != nil {
		return nil, err
	}
	s.sessions = sessions
	if sel := cfg.InitialSelection(); !sel.IsZero() {
		s.sessions.SetSelection(sel)
	}
	return s, nil
}

// OpenSource opens a VideoSource for the current selection. The caller
// closes it.
func (s *Server) OpenSource() VideoSource {
	return s.sources.Open(s.sessions.Selection())
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Start begins background source discovery.
func (s *Server) Start() {
	if s.cache != nil {
		s.cache.Start()
	}
}

// Close terminates all sessions, bridges and discovery.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	err := s.sessions.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	if s.cache != nil {
		s.cache.Stop()
	}
	return err
}

// Handler returns the HTTP routes with CORS applied to every response.
// Preflight requests are answered for any path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /whep", s.handleOffer)
	mux.HandleFunc("PATCH /whep/{id}", s.handlePatch)
	mux.HandleFunc("DELETE /whep/{id}", s.handleDelete)
	mux.HandleFunc("GET /ndi/sources", s.handleSources)
	mux.HandleFunc("GET /ndi/sources/detail", s.handleSourceDetails)
	mux.HandleFunc("POST /ndi/select", s.handleSelect)
	mux.HandleFunc("POST /ndi/select_url", s.handleSelectURL)
	mux.HandleFunc("GET /frame", s.handleFrame)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ws", s.handleHealthWS)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return allowCORS(mux)
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")
		h.Set("Access-Control-Expose-Headers", "Location")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrEmptyOffer), errors.Is(err, ErrInvalidOffer):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRuntimeUnavailable), errors.Is(err, ErrDiscoveryUnavailable),
		errors.Is(err, ErrManagerClosed), errors.Is(err, ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error     string   `json:"error"`
	Available []string `json:"available,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var notFound *SourceNotFoundError
	if errors.As(err, &notFound) {
		body.Available = notFound.Available
	}
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Warnf("request failed: %v", err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// queryMillis reads a millisecond query parameter, clamped to [lo, hi].
func queryMillis(r *http.Request, key string, def, lo, hi int) time.Duration {
	v := def
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	v = max(lo, min(hi, v))
	return time.Duration(v) * time.Millisecond
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read offer: " + err.Error()})
		return
	}
	sess, err := s.sessions.Offer(r.Context(), string(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whep/"+sess.ID())
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, sess.Answer())
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Update(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// discover returns the cached sources, or runs a one-shot discovery
// when the cache is empty.
func (s *Server) discover(ctx context.Context, timeout time.Duration) ([]SourceDescriptor, bool, error) {
	if s.cache == nil {
		return nil, false, ErrDiscoveryUnavailable
	}
	if srcs := s.cache.Sources(); len(srcs) > 0 {
		return srcs, true, nil
	}
	srcs, err := s.cache.Discover(ctx, timeout)
	return srcs, false, err
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	timeout := queryMillis(r, "timeout", sourcesTimeoutDefault, 0, sourcesTimeoutMax)
	srcs, cached, err := s.discover(r.Context(), timeout)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": sourceNames(srcs),
		"cached":  cached,
	})
}

func (s *Server) handleSourceDetails(w http.ResponseWriter, r *http.Request) {
	timeout := queryMillis(r, "timeout", detailTimeoutDefault, 0, detailTimeoutMax)
	srcs, cached, err := s.discover(r.Context(), timeout)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	details := make([]SourceDetail, 0, len(srcs))
	for _, src := range srcs {
		url := src.URL
		if s.cache != nil && url == "" {
			url, _ = s.cache.ResolveExact(src.Name)
		}
		details = append(details, SourceDetail{Name: src.Name, URL: url})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": details,
		"cached":  cached,
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Source) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON or missing 'source'"})
		return
	}

	sel := Selection{Name: body.Source}
	if s.cache != nil {
		if srcs := s.cache.Sources(); len(srcs) > 0 {
			match, ok := matchSubstring(srcs, body.Source)
			if !ok {
				s.writeError(w, &SourceNotFoundError{Query: body.Source, Available: sourceNames(srcs)})
				return
			}
			sel.Exact = match.Name
			sel.URL = match.URL
			if sel.URL == "" {
				sel.URL, _ = s.cache.ResolveExact(match.Name)
			}
		}
	}
	s.sessions.SetSelection(sel)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "selected": sel})
}

func (s *Server) handleSelectURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.URL) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON or missing 'url'"})
		return
	}
	sel := Selection{URL: strings.TrimSpace(body.URL), Exact: body.Name}
	s.sessions.SetSelection(sel)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "selected": sel})
}

// handleFrame returns one frame of the current selection as PNG.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	timeout := queryMillis(r, "timeout", frameTimeoutDefault, frameTimeoutMin, frameTimeoutMax)
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	src := s.OpenSource()
	defer src.Close()

	frame, err := src.ReadFrame(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: fmt.Sprintf("no frame within %v", timeout)})
			return
		}
		s.writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := EncodePNG(&buf, frame); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// HealthReport is the /health body.
type HealthReport struct {
	Status   string        `json:"status"`
	Sessions SessionHealth `json:"sessions"`
	NDI      NDIHealth     `json:"ndi"`
	Bridges  []BridgeStats `json:"bridges"`
}

// SessionHealth summarizes live sessions.
type SessionHealth struct {
	Count  int            `json:"count"`
	States map[string]int `json:"states"`
	List   []SessionInfo  `json:"list"`
}

// NDIHealth describes the NDI side.
type NDIHealth struct {
	Available bool      `json:"available"`
	Selected  Selection `json:"selected"`
	Cached    []string  `json:"cached"`
	Updated   time.Time `json:"updated"`
}

// Health builds the current health report.
func (s *Server) Health() HealthReport {
	list := s.sessions.Sessions()
	states := make(map[string]int)
	for _, info := range list {
		states[info.State]++
	}
	report := HealthReport{
		Status:   "ok",
		Sessions: SessionHealth{Count: len(list), States: states, List: list},
		NDI: NDIHealth{
			Available: s.runtime != nil,
			Selected:  s.sessions.Selection(),
			Cached:    []string{},
		},
		Bridges: []BridgeStats{},
	}
	if s.cache != nil {
		report.NDI.Cached = s.cache.Names()
		report.NDI.Updated = s.cache.Updated()
	}
	if s.pool != nil {
		report.Bridges = s.pool.Bridges()
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexHTML)
}

const indexHTML = `<!doctype html>
<meta charset="utf-8">
<title>WHEP</title>
<style>body{font-family:system-ui;margin:2rem}video{width:80vw;max-width:1280px;background:#000}code{background:#eee;padding:0 .3em}</style>
<h1>WHEP server</h1>
<ul>
<li><code>POST /whep</code> SDP offer, returns the answer with <code>Location: /whep/{id}</code></li>
<li><code>PATCH /whep/{id}</code>, <code>DELETE /whep/{id}</code></li>
<li><code>GET /ndi/sources</code>, <code>GET /ndi/sources/detail</code></li>
<li><code>POST /ndi/select</code> <code>{"source": "..."}</code>, <code>POST /ndi/select_url</code> <code>{"url": "..."}</code></li>
<li><code>GET /frame</code> PNG snapshot, <code>GET /health</code>, <code>GET /health/ws</code></li>
</ul>
<button id="play">Play</button> <button id="stop" disabled>Stop</button>
<div><video id="v" playsinline autoplay muted></video></div>
<script>
let pc=null, res=null; const $=id=>document.getElementById(id);
$("play").onclick = async ()=>{
  pc=new RTCPeerConnection();
  pc.addTransceiver('video',{direction:'recvonly'});
  pc.ontrack = ev=>{$("v").srcObject=ev.streams[0];};
  await pc.setLocalDescription(await pc.createOffer());
  await new Promise(r=>{if(pc.iceGatheringState==='complete')r();else pc.onicegatheringstatechange=()=>{if(pc.iceGatheringState==='complete')r();};});
  const resp=await fetch('/whep',{method:'POST',headers:{'Content-Type':'application/sdp'},body:pc.localDescription.sdp});
  res=resp.headers.get('Location');
  await pc.setRemoteDescription({type:'answer', sdp: await resp.text()});
  $("stop").disabled=false;
};
$("stop").onclick = async ()=>{
  if(res){await fetch(res,{method:'DELETE'});} if(pc){pc.close();} $("stop").disabled=true;
};
</script>`
