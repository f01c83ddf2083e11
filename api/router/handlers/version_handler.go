package handlers

import (
	"encoding/json"
	"net/http"

	"proxyrouter/version"
)

// GetVersionHandler returns the application version.
// @Summary Get application version
// @Tags Version
// @Produce json
// @Success 200 {object} map[string]string "{"version": "v0.1.0"}"
// @Router /version [get]
func GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": version.AppVersion})
}
