package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jsherman999/occupancyhub/internal/exporter"
	"github.com/jsherman999/occupancyhub/internal/hub"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/jsherman999/occupancyhub/internal/store"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// maxRecentLimit caps ?limit= on occupancy reads and exports.
const maxRecentLimit = 500

// Store is the read and registry side of the store; writes of observations
// only happen through the hub.
type Store interface {
	RecentObservations(ctx context.Context, buildingID int64, limit int) ([]occupancy.Observation, error)
	CreateBuilding(ctx context.Context, name, address string) (int64, error)
	ListBuildings(ctx context.Context, limit int) ([]store.Building, error)
}

type API struct {
	store       Store
	hub         *hub.Hub
	log         *zap.SugaredLogger
	recentLimit int
}

func New(st Store, h *hub.Hub, log *zap.SugaredLogger, recentLimit int) *API {
	if recentLimit <= 0 || recentLimit > maxRecentLimit {
		recentLimit = 50
	}
	return &API{store: st, hub: h, log: log, recentLimit: recentLimit}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Live connections. The root path is kept for clients that connect to
	// the page origin directly.
	r.Get("/ws", a.hub.ServeHTTP)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		a.hub.ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/buildings", a.listBuildings)
		r.Post("/buildings", a.createBuilding)
		r.Get("/buildings/{id}/occupancy", a.recentOccupancy)
		r.Get("/buildings/{id}/occupancy/export", a.exportOccupancy)

		// SSE stream of every broadcast envelope.
		r.Get("/occupancy/events", a.occupancyEvents)
	})

	return r
}

func (a *API) listBuildings(w http.ResponseWriter, r *http.Request) {
	bs, err := a.store.ListBuildings(r.Context(), 1000)
	if err != nil {
		a.serverError(w, "list buildings", err)
		return
	}
	if bs == nil {
		bs = []store.Building{}
	}
	writeJSON(w, http.StatusOK, bs)
}

// POST /api/buildings {"name":"HQ","address":"1 Main St"}
func (a *API) createBuilding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	id, err := a.store.CreateBuilding(r.Context(), req.Name, req.Address)
	if err != nil {
		a.serverError(w, "create building", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) recentOccupancy(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := a.buildingQuery(w, r)
	if !ok {
		return
	}
	obs, err := a.store.RecentObservations(r.Context(), id, limit)
	if err != nil {
		a.serverError(w, "recent observations", err)
		return
	}
	if obs == nil {
		obs = []occupancy.Observation{}
	}
	writeJSON(w, http.StatusOK, obs)
}

// GET /api/buildings/{id}/occupancy/export?format=json|csv
func (a *API) exportOccupancy(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := a.buildingQuery(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		http.Error(w, "unknown format", http.StatusBadRequest)
		return
	}
	b, ct, err := exporter.Export(r.Context(), a.store, format, id, limit)
	if err != nil {
		a.serverError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", "attachment; filename=building-"+strconv.FormatInt(id, 10)+"-occupancy."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (a *API) occupancyEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c, err := a.hub.Subscribe(256)
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer a.hub.Disconnect(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// send a comment to open stream
	_, _ = w.Write([]byte(": ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case b, ok := <-c.Messages():
			if !ok {
				// Hub closed, or we fell too far behind.
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// buildingQuery parses {id} and ?limit=. It writes the 400 itself.
func (a *API) buildingQuery(w http.ResponseWriter, r *http.Request) (int64, int, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "bad id", http.StatusBadRequest)
		return 0, 0, false
	}
	limit := a.recentLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return 0, 0, false
		}
		limit = min(v, maxRecentLimit)
	}
	return id, limit, true
}

func (a *API) serverError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	a.log.Warnw("api: "+op+" failed", "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
