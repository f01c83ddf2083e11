package handlers

import (
	"encoding/json"
	"net/http"

	"proxyrouter/core"
	"proxyrouter/logger"
	"proxyrouter/models"
	"proxyrouter/pac"
	"proxyrouter/stats"
)

// Services are the runtime objects the handlers operate on. They are set
// once by Configure before the router serves requests.
type Services struct {
	Engine *core.Engine
	// PAC serves /proxy.pac in PAC mode. When nil the script is generated
	// from the current settings on every request.
	PAC     *pac.Installer
	Metrics *stats.Metrics
}

var svc Services

func Configure(s Services) {
	svc = s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Message: msg})
}
