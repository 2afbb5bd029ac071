package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/httpx"
	"github.com/nicktill/histqueue/pkg/queue"
	"github.com/nicktill/histqueue/pkg/server/monitor"
	"github.com/nicktill/histqueue/pkg/tracker"
)

var startTime = time.Now()

// Handler serves the queue's HTTP API.
type Handler struct {
	manager        *queue.Manager
	cycleMonitor   *monitor.CycleMonitor
	storageMonitor *monitor.StorageMonitor
}

// NewHandler creates an API handler.
func NewHandler(manager *queue.Manager, cycles *monitor.CycleMonitor, storage *monitor.StorageMonitor) *Handler {
	return &Handler{
		manager:        manager,
		cycleMonitor:   cycles,
		storageMonitor: storage,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Cycles  monitor.CycleStatus `json:"cycles"`
}

// HandleHealth returns service health status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	overallStatus := "healthy"
	statusCode := http.StatusOK

	if !h.cycleMonitor.IsHealthy() {
		overallStatus = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, statusCode, HealthResponse{
		Status:  overallStatus,
		Version: "1.0.0",
		Uptime:  time.Since(startTime).String(),
		Cycles:  h.cycleMonitor.Status(),
	})
}

// StatusResponse describes the checkpoint and settings.
type StatusResponse struct {
	TrackerExists    bool                    `json:"tracker_exists"`
	Checkpoint       int64                   `json:"checkpoint,omitempty"`
	CheckpointStatus string                  `json:"checkpoint_status,omitempty"`
	CheckpointError  string                  `json:"checkpoint_error,omitempty"`
	Now              int64                   `json:"now"`
	LagMillis        int64                   `json:"lag_ms,omitempty"`
	LastCycle        *queue.Cycle            `json:"last_cycle,omitempty"`
	Settings         config.SettingsSnapshot `json:"settings"`
	Storage          *monitor.StorageUsage   `json:"storage,omitempty"`
}

// HandleStatus reports where extraction stands.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Now:       h.manager.Now(),
		LastCycle: h.manager.LastCycle(),
		Settings:  h.manager.Settings().Snapshot(),
	}

	res, exists, err := h.manager.Checkpoint(r.Context())
	resp.TrackerExists = exists
	switch {
	case err != nil && errors.Is(err, tracker.ErrUnrecoverable):
		resp.CheckpointError = err.Error()
	case err != nil:
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	case exists:
		resp.Checkpoint = res.Value
		resp.CheckpointStatus = res.Status.String()
		resp.LagMillis = resp.Now - res.Value
	}

	if usage, err := h.storageMonitor.Usage(); err == nil {
		resp.Storage = &usage
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// PullResponse is one pulled cycle with its points.
type PullResponse struct {
	*queue.Cycle
	Points []datapoint.Record `json:"points"`
}

// HandlePull runs one extraction cycle.
//
// Query parameters:
//   - groups: tag groups, e.g. "ABD" (default: settings)
//   - strings: include string history (default: settings)
//   - new_epoch: restart extraction at the current time
func (h *Handler) HandlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snap := h.manager.Settings().Snapshot()

	groups := snap.Groups
	if v := q.Get("groups"); v != "" {
		mask, err := ebd.ParseGroupMask(v)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		groups = mask
	}

	includeStrings, err := boolParam(q.Get("strings"), snap.StringHistory)
	if err != nil {
		httpx.RespondErrorf(w, http.StatusBadRequest, "invalid strings parameter")
		return
	}
	newEpoch, err := boolParam(q.Get("new_epoch"), false)
	if err != nil {
		httpx.RespondErrorf(w, http.StatusBadRequest, "invalid new_epoch parameter")
		return
	}

	cycle, err := h.manager.Pull(r.Context(), newEpoch, groups, includeStrings)
	if err != nil {
		status := pullErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.cycleMonitor.RecordFailure(err)
		}
		httpx.RespondError(w, status, err)
		return
	}
	h.cycleMonitor.RecordSuccess(cycle)

	httpx.RespondJSON(w, http.StatusOK, PullResponse{
		Cycle:  cycle,
		Points: datapoint.ToRecords(cycle.Points),
	})
}

func pullErrorStatus(err error) int {
	switch {
	case errors.Is(err, ebd.ErrNoTagGroups):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrWindowNotReady):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrUnrecoverable), errors.Is(err, tracker.ErrNotStarted):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// HandleGetSettings returns the runtime settings.
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.manager.Settings().Snapshot())
}

// HandlePutSettings replaces the runtime settings. Omitted fields keep
// their current values. Changes apply from the next cycle.
func (h *Handler) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	snap := h.manager.Settings().Snapshot()
	if _, err := httpx.DecodeJSON(r, &snap); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.Settings().Apply(snap); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, h.manager.Settings().Snapshot())
}

// ResetRequest is the body of a tracker reset. A missing timestamp means now.
type ResetRequest struct {
	Timestamp *int64 `json:"timestamp"`
}

// HandleResetTracker starts a new extraction epoch.
func (h *Handler) HandleResetTracker(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if _, err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ts := h.manager.Now()
	if req.Timestamp != nil {
		if *req.Timestamp < 0 {
			httpx.RespondErrorf(w, http.StatusBadRequest, "timestamp cannot be negative")
			return
		}
		ts = *req.Timestamp
	}

	if err := h.manager.ResetTracker(r.Context(), ts); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]int64{"checkpoint": ts})
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handler, port string) {
	router.Use(httpx.AccessLog(config.ServerWriteTimeout / 2))
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/health", h.HandleHealth).Methods("GET")
	api.HandleFunc("/status", h.HandleStatus).Methods("GET")
	api.HandleFunc("/pull", h.HandlePull).Methods("POST")
	api.HandleFunc("/settings", h.HandleGetSettings).Methods("GET")
	api.HandleFunc("/settings", h.HandlePutSettings).Methods("PUT")
	api.HandleFunc("/tracker/reset", h.HandleResetTracker).Methods("POST")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
