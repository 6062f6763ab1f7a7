package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/config"
	"github.com/ent0n29/mockpanel/internal/observability"
	"github.com/ent0n29/mockpanel/internal/panel"
	"github.com/ent0n29/mockpanel/internal/reliability"
	"github.com/ent0n29/mockpanel/internal/session"
	"github.com/ent0n29/mockpanel/internal/speech"
	"github.com/ent0n29/mockpanel/internal/transcript"
)

// RuntimeFactory builds the components behind a new panel session.
type RuntimeFactory interface {
	NewRuntime(sessionID, candidateName string) (*session.Runtime, error)
	Mode() string
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runtimes RuntimeFactory
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, runtimes RuntimeFactory, metrics *observability.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		runtimes: runtimes,
		metrics:  metrics,
		log:      observability.OrNop(logger).Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the serving origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/panel/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/start", s.handleStartSession)
		r.Post("/{id}/ask", s.handleAsk)
		r.Post("/{id}/response", s.handleSubmitResponse)
		r.Post("/{id}/end", s.handleEndSession)
		r.Get("/{id}/transcript", s.handleTranscript)
		r.Post("/{id}/speech/retry", s.handleSpeechRetry)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"collaborators":   s.mode(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ready", "collaborators": s.mode()}
	if s.runtimes == nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	respondJSON(w, status, body)
}

type createSessionRequest struct {
	CandidateName string `json:"candidate_name"`
	// Autostart defaults to true except in bridge mode, where the panel starts
	// once a browser attaches.
	Autostart *bool `json:"autostart,omitempty"`
}

type sessionResponse struct {
	Session         session.Session `json:"session"`
	Panel           *panel.Session  `json:"panel,omitempty"`
	InactivityTTLMS int64           `json:"inactivity_ttl_ms,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.runtimes == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "runtime factory not configured")
		return
	}
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.CandidateName = strings.TrimSpace(req.CandidateName)
	autostart := s.mode() != config.ModeBridge
	if req.Autostart != nil {
		autostart = *req.Autostart
	}

	id := session.NewID()
	rt, err := s.runtimes.NewRuntime(id, req.CandidateName)
	if err != nil {
		s.log.Error("runtime init failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "runtime_init_failed", err.Error())
		return
	}
	sess := s.sessions.Register(id, req.CandidateName, s.mode(), rt)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("created")

	resp := sessionResponse{Session: sess, InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds()}
	if autostart {
		snap, err := rt.Panel.StartSession(r.Context())
		if err != nil {
			_ = rt.Close(context.Background())
			_, _ = s.sessions.End(id)
			s.metrics.SetActiveSessions(s.sessions.ActiveCount())
			s.respondErr(w, err)
			return
		}
		resp.Panel = &snap
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	resp := sessionResponse{Session: sess}
	if snap, started := rt.Panel.Snapshot(); started {
		resp.Panel = &snap
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	snap, err := rt.Panel.StartSession(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	turn, err := rt.Panel.AskNextQuestion(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, turn)
}

type submitResponseRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	var req submitResponseRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := rt.Panel.SubmitResponse(r.Context(), req.Text)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	snap, err := s.endSession(r.Context(), id, rt)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// endSession finishes the panel and releases the runtime. Ending twice is
// harmless; the panel snapshot is included once the panel has started.
func (s *Server) endSession(ctx context.Context, id string, rt *session.Runtime) (sessionResponse, error) {
	if _, err := rt.Panel.EndSession(ctx); err != nil && !errors.Is(err, reliability.ErrNoActiveSession) {
		return sessionResponse{}, err
	}
	if err := rt.Close(ctx); err != nil {
		s.log.Warn("session runtime close failed", zap.String("session_id", id), zap.Error(err))
	}
	before, err := s.sessions.Get(id)
	if err != nil {
		return sessionResponse{}, err
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		return sessionResponse{}, err
	}
	if before.Status == session.StatusActive {
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
		s.metrics.SessionEvent("ended")
	}
	resp := sessionResponse{Session: sess}
	if snap, started := rt.Panel.Snapshot(); started {
		resp.Panel = &snap
	}
	return resp, nil
}

type transcriptResponse struct {
	Entries   []transcript.Entry `json:"entries"`
	Interim   string             `json:"interim"`
	Responses map[string]string  `json:"responses"`
	Live      speech.Transcript  `json:"live"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, transcriptResponse{
		Entries:   rt.Transcript.Entries(),
		Interim:   rt.Transcript.Interim(),
		Responses: rt.Transcript.Responses(),
		Live:      rt.Speech.CurrentTranscript(),
	})
}

type speechStatusResponse struct {
	State    speech.State `json:"state"`
	Failures int          `json:"failures"`
}

func (s *Server) handleSpeechRetry(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	if !rt.Panel.Active() {
		s.respondErr(w, reliability.ErrNoActiveSession)
		return
	}
	if err := rt.Speech.Retry(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, speechStatusResponse{State: rt.Speech.State(), Failures: rt.Speech.Failures()})
}

func (s *Server) runtimeFor(w http.ResponseWriter, r *http.Request) (string, *session.Runtime, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return "", nil, false
	}
	rt, err := s.sessions.Runtime(id)
	if err != nil {
		s.respondErr(w, err)
		return "", nil, false
	}
	if rt == nil || rt.Panel == nil {
		respondError(w, http.StatusConflict, "session_unavailable", "session has no runtime")
		return "", nil, false
	}
	return id, rt, true
}

func (s *Server) mode() string {
	if s.runtimes == nil {
		return ""
	}
	return s.runtimes.Mode()
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func statusForError(err error) (int, string) {
	var speechErr *speech.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, reliability.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	case errors.Is(err, panel.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, panel.ErrSessionCompleted):
		return http.StatusConflict, "session_completed"
	case errors.Is(err, panel.ErrNoPendingQuestion):
		return http.StatusConflict, "no_pending_question"
	case errors.Is(err, panel.ErrInsufficientQuestions), errors.Is(err, panel.ErrEmptyRoster):
		return http.StatusUnprocessableEntity, "invalid_catalog"
	case errors.As(err, &speechErr):
		return http.StatusServiceUnavailable, "speech_" + string(speechErr.Class)
	case errors.Is(err, reliability.ErrPermissionDenied):
		return http.StatusForbidden, reliability.Code(err)
	case errors.Is(err, reliability.ErrUnsupportedEnvironment), errors.Is(err, reliability.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable, reliability.Code(err)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
