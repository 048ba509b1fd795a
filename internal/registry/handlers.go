package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stream-matchmaker/stream-matchmaker/internal/contracts"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/apierror"
)

// Publisher pushes fleet events onto the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Handler exposes the render-server fleet API. Registration and drain are
// admin operations; heartbeats come from the workers themselves.
type Handler struct {
	reg       *Registry
	publisher Publisher
	newID     func() (string, error)
	now       func() time.Time
}

func NewHandler(reg *Registry, publisher Publisher) *Handler {
	return &Handler{reg: reg, publisher: publisher, newID: newUUID, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/servers", h.handleServers)
	mux.HandleFunc("/v1/servers/", h.handleServerRoutes)
}

type registerRequest struct {
	ServerID    string `json:"server_id"`
	MaxCapacity int    `json:"max_capacity"`
	Addr        string `json:"addr"`
}

func (h *Handler) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !h.requireAdmin(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, map[string][]Server{"servers": h.reg.Snapshot()})
	case http.MethodPost:
		if !h.requireAdmin(w, r) {
			return
		}
		h.handleRegister(w, r)
	default:
		apierror.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if req.ServerID == "" {
		apierror.Write(w, http.StatusBadRequest, "invalid_request", "server_id is required")
		return
	}
	if req.MaxCapacity <= 0 {
		apierror.Write(w, http.StatusBadRequest, "invalid_request", "max_capacity must be positive")
		return
	}
	if err := h.reg.Register(req.ServerID, req.MaxCapacity, req.Addr); err != nil {
		if errors.Is(err, ErrDuplicateServer) {
			apierror.Write(w, http.StatusConflict, "duplicate_server", "server already registered")
			return
		}
		apierror.Write(w, http.StatusInternalServerError, "internal_error", "register failed")
		return
	}
	h.publishRegistered(r.Header.Get("X-Correlation-Id"), req)
	server, err := h.reg.Lookup(req.ServerID)
	if err != nil {
		apierror.Write(w, http.StatusInternalServerError, "internal_error", "register failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]Server{"server": server})
}

func (h *Handler) handleServerRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/servers/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	serverID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			apierror.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		if !h.requireAdmin(w, r) {
			return
		}
		h.handleRemove(w, serverID)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "heartbeat":
		h.handleHeartbeat(w, serverID)
	case "drain":
		if !h.requireAdmin(w, r) {
			return
		}
		h.handleDrain(w, r, serverID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, serverID string) {
	if err := h.reg.Heartbeat(serverID); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request, serverID string) {
	if err := h.reg.MarkDraining(serverID); err != nil {
		writeRegistryError(w, err)
		return
	}
	h.publishDraining(r.Header.Get("X-Correlation-Id"), serverID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemove(w http.ResponseWriter, serverID string) {
	if err := h.reg.Remove(serverID); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	token := os.Getenv("ADMIN_TOKEN")
	if token == "" || r.Header.Get("X-Admin-Token") != token {
		apierror.Write(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return false
	}
	return true
}

func (h *Handler) publishRegistered(correlationID string, req registerRequest) {
	if h.publisher == nil {
		return
	}
	eventID, err := h.newID()
	if err != nil {
		return
	}
	if correlationID == "" {
		correlationID = eventID
	}
	payload := contracts.ServerRegisteredV1{ServerID: req.ServerID, MaxCapacity: req.MaxCapacity, Addr: req.Addr}
	raw, err := contracts.MarshalV1(eventID, contracts.EventServerRegistered, h.now(), correlationID, nil, payload)
	if err != nil {
		return
	}
	_ = h.publisher.Publish(contracts.SubjectServerRegistered, raw)
}

func (h *Handler) publishDraining(correlationID, serverID string) {
	if h.publisher == nil {
		return
	}
	eventID, err := h.newID()
	if err != nil {
		return
	}
	if correlationID == "" {
		correlationID = eventID
	}
	raw, err := contracts.MarshalV1(eventID, contracts.EventServerDraining, h.now(), correlationID, nil, contracts.ServerDrainingV1{ServerID: serverID})
	if err != nil {
		return
	}
	_ = h.publisher.Publish(contracts.SubjectServerDraining, raw)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownServer) {
		apierror.Write(w, http.StatusNotFound, "unknown_server", "unknown server")
		return
	}
	apierror.Write(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
