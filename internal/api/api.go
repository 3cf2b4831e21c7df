package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Director is the part of the orchestrator the API needs.
type Director interface {
	Snapshot() *model.Snapshot
	SetOverride(zoneID string, setpoint float64, expiry *time.Time) error
	ClearOverride(zoneID string) error
	Overrides() []model.Override
}

type Server struct {
	director Director

	// mu guards srv and closed; Start and Shutdown run on different goroutines.
	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

type ZoneResponse struct {
	ID             string               `json:"id"`
	Label          string               `json:"label"`
	Mode           model.ZoneMode       `json:"mode"`
	Enabled        bool                 `json:"enabled"`
	Setpoint       float64              `json:"setpoint"`
	SetpointSource model.SetpointSource `json:"setpoint_source"`
	CurrentTemp    *float64             `json:"current_temp,omitempty"`
	State          model.CallState      `json:"state"`
	Override       *model.Override      `json:"override,omitempty"`
}

type OverrideRequest struct {
	Setpoint *float64   `json:"setpoint"`
	Expiry   *time.Time `json:"expiry"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(director Director) *Server {
	return &Server{director: director}
}

// Handler returns the routed API wrapped in CORS and access logging.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.getSnapshot)
		r.Get("/zones", s.getZones)
		r.Get("/zones/{id}", s.getZone)
		r.Put("/zones/{id}/override", s.setOverride)
		r.Delete("/zones/{id}/override", s.clearOverride)
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return handlers.CombinedLoggingHandler(log.Logger, cors(r))
}

// Start serves until Shutdown is called. It returns at once if Shutdown already ran.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.mu.Unlock()
	log.Info().Str("address", addr).Msg("Starting REST API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.director.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No control cycle has completed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getZones(w http.ResponseWriter, r *http.Request) {
	snap := s.director.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No control cycle has completed yet")
		return
	}
	overrides := s.overridesByZone()

	response := make([]ZoneResponse, 0, len(snap.Zones))
	for _, z := range snap.Zones {
		response = append(response, zoneResponse(z, overrides))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "id")
	snap := s.director.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No control cycle has completed yet")
		return
	}
	z, ok := snap.Zone(zoneID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Zone not found")
		return
	}
	s.writeJSON(w, http.StatusOK, zoneResponse(z, s.overridesByZone()))
}

func (s *Server) setOverride(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "id")
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Setpoint == nil {
		s.writeError(w, http.StatusBadRequest, "setpoint is required")
		return
	}

	if err := s.director.SetOverride(zoneID, *req.Setpoint, req.Expiry); err != nil {
		s.writeDirectorError(w, zoneID, err)
		return
	}
	log.Info().Str("zone", zoneID).Float64("setpoint", *req.Setpoint).Msg("Override set via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearOverride(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "id")
	if err := s.director.ClearOverride(zoneID); err != nil {
		s.writeDirectorError(w, zoneID, err)
		return
	}
	log.Info().Str("zone", zoneID).Msg("Override cleared via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) overridesByZone() map[string]model.Override {
	out := make(map[string]model.Override)
	for _, o := range s.director.Overrides() {
		out[o.ZoneID] = o
	}
	return out
}

func zoneResponse(z model.ZoneStatus, overrides map[string]model.Override) ZoneResponse {
	resp := ZoneResponse{
		ID:             z.ZoneID,
		Label:          z.Label,
		Mode:           z.Mode,
		Enabled:        z.Enabled,
		Setpoint:       z.Setpoint,
		SetpointSource: z.SetpointSource,
		State:          z.State,
	}
	if z.Reading != nil && z.Reading.Valid {
		temp := z.Reading.Value
		resp.CurrentTemp = &temp
	}
	if o, ok := overrides[z.ZoneID]; ok {
		resp.Override = &o
	}
	return resp
}

func (s *Server) writeDirectorError(w http.ResponseWriter, zoneID string, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownZone):
		s.writeError(w, http.StatusNotFound, "Zone not found")
	case errors.Is(err, model.ErrSetpointRange):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("zone", zoneID).Msg("Override request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
