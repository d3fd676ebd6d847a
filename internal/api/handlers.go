package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/funnel"
)

// Options configures the session cookie.
type Options struct {
	CookieName    string
	CookieMaxAge  time.Duration
	SecureCookies bool
}

// Handler serves the funnel API.
type Handler struct {
	sessions *funnel.Registry
	opts     Options
	log      *zap.Logger
}

// NewHandler creates a Handler over a session registry.
func NewHandler(sessions *funnel.Registry, opts Options) *Handler {
	if opts.CookieName == "" {
		opts.CookieName = "funnel_session"
	}
	return &Handler{
		sessions: sessions,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "api")),
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	})
}

// Flow handles GET /api/v1/flow.
func (h *Handler) Flow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Flow())
}

// StartSession handles POST /api/v1/sessions. A session cookie resumes the
// visitor's session; otherwise a new one starts from the landing-page
// parameters.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		WriteProblem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if c, err := r.Cookie(h.opts.CookieName); err == nil && c.Value != "" {
		m, err := h.sessions.Get(r.Context(), c.Value)
		if err == nil {
			h.setCookie(w, m.ID())
			writeJSON(w, http.StatusOK, m.View())
			return
		}
		h.log.Debug("session cookie not resumable, starting fresh", zap.Error(err))
	}

	m := h.sessions.Start(r.Context(), visitorFrom(r, body))
	h.setCookie(w, m.ID())
	writeJSON(w, http.StatusCreated, m.View())
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	m, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

type answerRequest struct {
	Question string `json:"question"`
	Value    string `json:"value"`
}

// Answer handles POST /api/v1/sessions/{id}/answers.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Question == "" || req.Value == "" {
		WriteProblem(w, r, http.StatusBadRequest, "question and value are required")
		return
	}

	m, ok := h.session(w, r)
	if !ok {
		return
	}
	v, err := m.SelectAnswer(r.Context(), req.Question, req.Value)
	if err != nil {
		writeFunnelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Advance handles POST /api/v1/sessions/{id}/advance.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	m, ok := h.session(w, r)
	if !ok {
		return
	}
	v, err := m.Advance(r.Context())
	if err != nil {
		writeFunnelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Restart handles POST /api/v1/sessions/{id}/restart.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	m, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Restart(r.Context()))
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*funnel.Machine, bool) {
	m, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFunnelError(w, r, err)
		return nil, false
	}
	return m, true
}

func (h *Handler) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.opts.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(h.opts.CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
