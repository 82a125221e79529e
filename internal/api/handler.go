// Package api provides HTTP handlers for the input broker API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telecast-labs/inputbroker/internal/broker"
	"github.com/telecast-labs/inputbroker/internal/domain"
	"github.com/telecast-labs/inputbroker/internal/identity"
	"github.com/telecast-labs/inputbroker/internal/store"
)

const defaultHistoryLimit = 50

// Broker is the slice of the broker core the API layer drives.
type Broker interface {
	ListProviders(ctx context.Context, scope domain.ScopeID) []domain.ProviderDescriptor
	RefreshProviders(ctx context.Context, scope domain.ScopeID)
	GetAvailability(providerID string, scope domain.ScopeID) bool
	SwitchScope(ctx context.Context, scope domain.ScopeID)
	RemoveScope(ctx context.Context, scope domain.ScopeID)

	RegisterCallback(ctx context.Context, client broker.ClientHandle, providerID string, scope domain.ScopeID) error
	UnregisterCallback(ctx context.Context, client broker.ClientHandle, providerID string, scope domain.ScopeID) error
	CreateSession(ctx context.Context, client broker.ClientHandle, providerID string, seq int32, caller domain.CallerID, scope domain.ScopeID) (domain.SessionToken, error)
	ReleaseSession(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID) error
	Tune(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, channelID int64) error
	SetSurface(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, surface string) error
	SetVolume(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, volume float64) error
	CreateOverlayView(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, viewToken string, frame domain.Rect) error
	RelayoutOverlayView(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID, frame domain.Rect) error
	RemoveOverlayView(ctx context.Context, token domain.SessionToken, caller domain.CallerID, scope domain.ScopeID) error
}

// Handler provides the REST surface: provider enumeration, availability,
// scope administration, the program guide, and watch history.
type Handler struct {
	broker Broker
	repo   store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(b Broker, repo store.Repository) *Handler {
	return &Handler{broker: b, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the REST endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/providers", h.ListProviders)
		r.Post("/providers/refresh", h.RefreshProviders)
		r.Get("/providers/{providerID}/availability", h.GetAvailability)
		r.Get("/history", h.ListHistory)
		r.Put("/programs", h.UpsertProgram)
		r.Post("/scopes/current", h.SwitchScope)
		r.Delete("/scopes/{scopeID}", h.RemoveScope)
	})
}

// Status reports service and database health.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type providerResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Available   bool   `json:"available"`
}

// ListProviders returns the providers known to the caller's scope, with
// cached availability.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	scope := identity.ScopeFromContext(r.Context())
	descs := h.broker.ListProviders(r.Context(), scope)

	out := make([]providerResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, providerResponse{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Available:   h.broker.GetAvailability(d.ID, scope),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"providers": out})
}

// RefreshProviders re-enumerates the registry for the caller's scope.
func (h *Handler) RefreshProviders(w http.ResponseWriter, r *http.Request) {
	scope := identity.ScopeFromContext(r.Context())
	h.broker.RefreshProviders(r.Context(), scope)
	JSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// GetAvailability returns the cached availability flag for one provider.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	scope := identity.ScopeFromContext(r.Context())
	JSON(w, http.StatusOK, map[string]interface{}{
		"provider_id": providerID,
		"available":   h.broker.GetAvailability(providerID, scope),
	})
}

type watchEntryResponse struct {
	ID           int64      `json:"id"`
	ChannelID    int64      `json:"channel_id"`
	WatchStart   time.Time  `json:"watch_start"`
	WatchEnd     *time.Time `json:"watch_end,omitempty"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	ProgramStart *time.Time `json:"program_start,omitempty"`
	ProgramEnd   *time.Time `json:"program_end,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ListHistory returns recent watch-history rows, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.repo.ListWatchHistory(r.Context(), limit)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load watch history")
		return
	}

	out := make([]watchEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, watchEntryResponse{
			ID:           e.ID,
			ChannelID:    e.ChannelID,
			WatchStart:   e.WatchStart,
			WatchEnd:     optionalTime(e.WatchEnd),
			Title:        e.Title,
			Description:  e.Description,
			ProgramStart: optionalTime(e.ProgramStart),
			ProgramEnd:   optionalTime(e.ProgramEnd),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

type upsertProgramRequest struct {
	ChannelID   int64     `json:"channel_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// UpsertProgram creates or replaces one program guide entry.
func (h *Handler) UpsertProgram(w http.ResponseWriter, r *http.Request) {
	var req upsertProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChannelID == 0 || req.StartTime.IsZero() || req.EndTime.IsZero() || !req.EndTime.After(req.StartTime) {
		Error(w, http.StatusBadRequest, "channel_id and a valid start_time/end_time window are required")
		return
	}

	err := h.repo.UpsertProgram(r.Context(), &domain.Program{
		ChannelID:   req.ChannelID,
		Title:       req.Title,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	})
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to store program")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

type switchScopeRequest struct {
	ScopeID string `json:"scope_id"`
}

// SwitchScope makes a scope the active one. System callers only.
func (h *Handler) SwitchScope(w http.ResponseWriter, r *http.Request) {
	if identity.CallerFromContext(r.Context()) != domain.SystemCaller {
		Error(w, http.StatusForbidden, "scope administration requires the system identity")
		return
	}

	var req switchScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScopeID == "" {
		Error(w, http.StatusBadRequest, "scope_id is required")
		return
	}

	h.broker.SwitchScope(r.Context(), domain.ScopeID(req.ScopeID))
	JSON(w, http.StatusOK, map[string]string{"status": "switched", "scope_id": req.ScopeID})
}

// RemoveScope tears a scope down completely. System callers only.
func (h *Handler) RemoveScope(w http.ResponseWriter, r *http.Request) {
	if identity.CallerFromContext(r.Context()) != domain.SystemCaller {
		Error(w, http.StatusForbidden, "scope administration requires the system identity")
		return
	}

	scopeID := chi.URLParam(r, "scopeID")
	h.broker.RemoveScope(r.Context(), domain.ScopeID(scopeID))
	JSON(w, http.StatusOK, map[string]string{"status": "removed", "scope_id": scopeID})
}
