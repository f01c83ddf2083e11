package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterResolveRoutes(r chi.Router) {
	r.Post("/resolve", ResolveHandler)
	r.Post("/events", EventHandler)
	r.Get("/pac", GetPACHandler)
}
