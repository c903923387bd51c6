package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/middleware"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Models  int    `json:"models"`
}

// AdminHandler exposes liveness, readiness, and pool introspection.
type AdminHandler struct {
	pool    *pool.Pool
	table   *config.ModelTable
	version string
}

func NewAdminHandler(p *pool.Pool, table *config.ModelTable, version string) *AdminHandler {
	return &AdminHandler{pool: p, table: table, version: version}
}

func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  "ok",
		Version: h.version,
		Models:  len(h.table.VirtualModels()),
	})
}

func (h *AdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if len(h.table.VirtualModels()) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "not_ready",
			"error":  "no models configured",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type PoolStatsResponse struct {
	Count   int             `json:"count"`
	Entries []pool.KeyStats `json:"entries"`
}

// PoolStats handles GET /admin/pool: which transports exist and how often
// each has been handed out.
func (h *AdminHandler) PoolStats(w http.ResponseWriter, r *http.Request) {
	stats := h.pool.Stats()
	middleware.UpdatePoolEntries(len(stats))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PoolStatsResponse{
		Count:   len(stats),
		Entries: stats,
	})
}
