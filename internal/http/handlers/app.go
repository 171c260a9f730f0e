package handlers

import (
	"encoding/json"
	"net/http"

	"worker/internal/engine"
	"worker/internal/registry"
	"worker/internal/worker"
)

// App carries the dependencies the ops endpoints expose.
type App struct {
	WorkerName string
	Pool       *worker.Pool
	Engine     *engine.Client
	Models     *registry.ModelRegistry
	Recipes    *registry.RecipeRegistry
}

func NewApp(workerName string, pool *worker.Pool, eng *engine.Client, models *registry.ModelRegistry, recipes *registry.RecipeRegistry) *App {
	return &App{WorkerName: workerName, Pool: pool, Engine: eng, Models: models, Recipes: recipes}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
