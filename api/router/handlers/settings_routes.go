package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterSettingsRoutes(r chi.Router) {
	r.Route("/config", func(r chi.Router) {
		r.Get("/", GetConfigHandler)
		r.Put("/", SaveConfigHandler)
		r.Patch("/", UpdateConfigHandler)
	})

	r.Route("/storage-mode", func(r chi.Router) {
		r.Get("/", GetStorageModeHandler)
		r.Put("/", SetStorageModeHandler)
	})

	r.Post("/rules/compile", CompileRulesHandler)
}
