package placement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/apierror"
)

// Retry hint returned with capacity_exhausted rejections.
const retryAfterSeconds = 30

// TokenParser extracts the user ID from a bearer token.
type TokenParser interface {
	ParseToken(token string) (string, error)
}

// SessionTerminator handles explicit disconnects; implemented by the
// lifecycle supervisor so termination follows the release-then-remove
// protocol exactly once.
type SessionTerminator interface {
	Terminate(ctx context.Context, sessionID, reason string) (store.Session, error)
}

// Handler exposes the session placement API.
type Handler struct {
	engine     *Engine
	terminator SessionTerminator
	auth       TokenParser
	newID      func() (string, error)
}

func NewHandler(engine *Engine, terminator SessionTerminator, auth TokenParser) *Handler {
	return &Handler{engine: engine, terminator: terminator, auth: auth, newID: newUUID}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.handlePlace)
	mux.HandleFunc("/v1/sessions/", h.handleSessionRoutes)
}

func (h *Handler) handlePlace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	userID, correlationID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	assignment, err := h.engine.PlaceSession(r.Context(), userID, correlationID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyActiveSession):
			apierror.Write(w, http.StatusConflict, "already_active", "user already has an active session")
		case errors.Is(err, ErrCapacityExhausted):
			apierror.WriteRetryAfter(w, http.StatusServiceUnavailable, "capacity_exhausted", "no render capacity available, retry later", retryAfterSeconds)
		default:
			apierror.Write(w, http.StatusInternalServerError, "internal_error", "placement failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (h *Handler) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sessionID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, sessionID, userID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDisconnect(w, r, sessionID, userID)
	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodPost:
		h.handleActivity(w, r, sessionID, userID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	session, err := h.engine.Get(r.Context(), sessionID, userID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]store.Session{"session": session})
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	if err := h.engine.Touch(r.Context(), sessionID, userID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	// Ownership check before the terminal transition.
	if _, err := h.engine.Get(r.Context(), sessionID, userID); err != nil {
		writeSessionError(w, err)
		return
	}
	session, err := h.terminator.Terminate(r.Context(), sessionID, "disconnect")
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]store.Session{"session": session})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		apierror.Write(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", "", false
	}
	userID, err := h.auth.ParseToken(strings.TrimPrefix(auth, "Bearer "))
	if err != nil || userID == "" {
		apierror.Write(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return "", "", false
	}
	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID, err = h.newID()
		if err != nil {
			apierror.Write(w, http.StatusInternalServerError, "internal_error", "could not create correlation id")
			return "", "", false
		}
	}
	return userID, correlationID, true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		apierror.Write(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, ErrForbidden):
		apierror.Write(w, http.StatusForbidden, "forbidden", "forbidden")
	default:
		apierror.Write(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
