package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterProxyRoutes sets up the routes for proxy management and testing.
func RegisterProxyRoutes(r chi.Router) {
	r.Route("/proxies", func(subRouter chi.Router) {
		subRouter.Get("/", ListProxiesHandler)
		subRouter.Post("/", CreateProxyHandler)
		subRouter.Post("/{proxyID}/test", TestProxyHandler)
	})

	r.Get("/keepalive", KeepAliveStatusHandler)
	r.Get("/notifications", ListNotificationsHandler)
}
