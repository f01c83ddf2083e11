package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"proxyrouter/core"
	"proxyrouter/logger"
	"proxyrouter/models"
	"proxyrouter/pac"
)

// ResolveRequest asks which route a request would take. TabID defaults to
// no tab.
type ResolveRequest struct {
	URL   string `json:"url"`
	TabID *int   `json:"tabId,omitempty"`
	Type  string `json:"type,omitempty"`
}

type ResolveResponse struct {
	Decision *core.Decision `json:"decision"`
	PAC      string         `json:"pac"`
}

// ResolveHandler runs the resolution hierarchy for a URL.
// @Summary Resolve a request
// @Tags Resolve
// @Accept json
// @Produce json
// @Param request body ResolveRequest true "Request to resolve"
// @Success 200 {object} ResolveResponse
// @Router /resolve [post]
func ResolveHandler(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be absolute")
		return
	}

	info := core.RequestInfo{URL: req.URL, TabID: core.NoTab, Type: req.Type}
	if req.TabID != nil {
		info.TabID = *req.TabID
	}
	d := svc.Engine.Resolve(r.Context(), info)
	writeJSON(w, http.StatusOK, ResolveResponse{Decision: d, PAC: pac.DecisionString(d)})
}

// EventHandler applies one host event or UI command, such as tabUpdated
// or setTabProxy, and returns its reply.
// @Summary Post a tab event
// @Tags Events
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Router /events [post]
func EventHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	msg, err := models.ParseMessage(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := svc.Engine.HandleMessage(r.Context(), msg)
	if err != nil {
		if errors.Is(err, models.ErrInvalidMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("EventHandler: %s: %v", msg.Kind(), err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to handle %s", msg.Kind()))
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// GetPACHandler renders the PAC script for the current settings.
// @Summary Generate PAC script
// @Tags PAC
// @Produce plain
// @Success 200 {string} string "FindProxyForURL script"
// @Router /pac [get]
func GetPACHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", pac.ContentType)
	fmt.Fprint(w, pac.Generate(svc.Engine.Settings()))
}

// ServePACFile serves the installed script in PAC mode and a freshly
// generated one otherwise.
func ServePACFile(w http.ResponseWriter, r *http.Request) {
	if svc.PAC != nil {
		svc.PAC.ServeHTTP(w, r)
		return
	}
	GetPACHandler(w, r)
}

// MetricsHandler exposes the Prometheus registry, or 404 when metrics are
// disabled.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if svc.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	svc.Metrics.Handler().ServeHTTP(w, r)
}
