package handlers

import (
	"net/http"
)

// Health is the liveness probe: the process is up and serving. Engine and
// registry health live on the status endpoint.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status": "ok",
		"worker": a.WorkerName,
	})
}
