package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"kampus/internal/models"
)

type StatsSource interface {
	Stats() models.Stats
}

type AdminHandler struct {
	log   *slog.Logger
	stats StatsSource
}

func NewAdminHandler(log *slog.Logger, stats StatsSource) *AdminHandler {
	return &AdminHandler{log: log, stats: stats}
}

// StatsHandler serves GET /admin/stats.
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats.Stats()); err != nil {
		h.log.Warn("failed to encode stats", "error", err)
	}
}
