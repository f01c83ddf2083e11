package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"proxyrouter/database"
	"proxyrouter/logger"
	"proxyrouter/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ListProxiesHandler returns the configured proxies.
// @Summary List proxies
// @Tags Proxies
// @Produce json
// @Success 200 {array} models.ProxyDescriptor
// @Router /proxies [get]
func ListProxiesHandler(w http.ResponseWriter, r *http.Request) {
	list := svc.Engine.Settings().ProxyList
	if list == nil {
		list = []models.ProxyDescriptor{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateProxyHandler appends a proxy to the list. An empty id gets a
// generated one.
// @Summary Add a proxy
// @Tags Proxies
// @Accept json
// @Produce json
// @Param proxy body models.ProxyDescriptor true "Proxy"
// @Success 201 {object} models.ProxyDescriptor
// @Failure 409 {object} models.ErrorResponse
// @Router /proxies [post]
func CreateProxyHandler(w http.ResponseWriter, r *http.Request) {
	var p models.ProxyDescriptor
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		logger.Error("CreateProxyHandler: Error decoding request body: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := database.GetConfig(r.Context())
	if err != nil {
		logger.Error("CreateProxyHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	if _, exists := settings.ProxyByID(p.ID); exists {
		writeError(w, http.StatusConflict, "A proxy with id "+p.ID+" already exists")
		return
	}
	settings.ProxyList = append(settings.ProxyList, p)
	if err := database.SaveConfig(r.Context(), settings); err != nil {
		logger.Error("CreateProxyHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	logger.Info("Added proxy %s (%s)", p.ID, p.Address())
	writeJSON(w, http.StatusCreated, p)
}

// TestProxyHandler sends a test request through one proxy. The body may
// carry {"url": "..."} to override the test URL.
// @Summary Test a proxy
// @Tags Proxies
// @Produce json
// @Param proxyID path string true "Proxy ID"
// @Success 200 {object} models.ProxyTestResult
// @Router /proxies/{proxyID}/test [post]
func TestProxyHandler(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxyID")
	proxy, ok := svc.Engine.Settings().ProxyByID(proxyID)
	if !ok {
		writeError(w, http.StatusNotFound, "Proxy not found: "+proxyID)
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
			return
		}
	}
	defer r.Body.Close()

	res, err := svc.Engine.TestProxy(r.Context(), proxy, req.URL)
	if err != nil {
		logger.Error("TestProxyHandler: %v", err)
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func KeepAliveStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Engine.KeepAliveStatus())
}

// ListNotificationsHandler returns stored notifications, newest first.
// @Summary List notifications
// @Tags Notifications
// @Produce json
// @Param limit query int false "Maximum number of notifications"
// @Success 200 {array} models.Notification
// @Router /notifications [get]
func ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = n
	}
	list, err := database.ListNotifications(r.Context(), limit)
	if err != nil {
		logger.Error("ListNotificationsHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}
