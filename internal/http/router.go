package httpapi

import "github.com/go-chi/chi/v5"

// RegisterRoutes wires the router's ingress surface, per spec §6.
func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)
	r.Post("/requests", app.createRequest)
	r.Get("/requests/{id}", app.getRequest)
	r.Post("/requests/{id}/replay", app.replayRequest)
}
