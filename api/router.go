package api

import (
	"net/http"

	"proxyrouter/api/router/handlers"
	"proxyrouter/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP handler for the control API. API routes live
// under /api; the PAC file and metrics are served at the root.
func NewRouter(s handlers.Services) http.Handler {
	handlers.Configure(s)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		handlers.RegisterHealthRoutes(api)
		handlers.RegisterVersionRoutes(api)
		handlers.RegisterSettingsRoutes(api)
		handlers.RegisterProxyRoutes(api)
		handlers.RegisterResolveRoutes(api)
	})

	r.Get("/proxy.pac", handlers.ServePACFile)
	r.Get("/metrics", handlers.MetricsHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		logger.Error("Unhandled route: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})

	return r
}
