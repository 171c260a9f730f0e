package handlers

import (
	"net/http"
)

// Status reports the worker's runtime picture: slot counters, engine
// liveness, and registry cache freshness.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	stats := a.Pool.Stats()
	a.json(w, http.StatusOK, map[string]any{
		"worker":         a.WorkerName,
		"slots":          stats.Slots,
		"active":         stats.Active,
		"processed":      stats.Processed,
		"failed":         stats.Failed,
		"engine_healthy": a.Engine.Healthy(r.Context()),
		"model_registry": map[string]any{
			"enabled":      a.Models.Enabled(),
			"snapshot_age": a.Models.SnapshotAge().String(),
		},
		"recipe_registry": map[string]any{
			"mode":         a.Recipes.Mode(),
			"snapshot_age": a.Recipes.SnapshotAge().String(),
		},
	})
}
