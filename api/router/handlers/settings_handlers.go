package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"proxyrouter/database"
	"proxyrouter/logger"
	"proxyrouter/models"
	"proxyrouter/rules"
)

const maxBodyBytes = 1 << 20

// GetConfigHandler returns the persisted settings of the active namespace.
// @Summary Get settings
// @Tags Settings
// @Produce json
// @Success 200 {object} models.Settings
// @Router /config [get]
func GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetConfig(r.Context())
	if err != nil {
		logger.Error("GetConfigHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// SaveConfigHandler replaces every settings key.
// @Summary Replace settings
// @Tags Settings
// @Accept json
// @Produce json
// @Param settings body models.Settings true "Full settings"
// @Success 200 {object} models.Settings
// @Router /config [put]
func SaveConfigHandler(w http.ResponseWriter, r *http.Request) {
	settings := models.DefaultSettings()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&settings); err != nil {
		logger.Error("SaveConfigHandler: Error decoding request body: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := validateProxies(settings.ProxyList); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.SaveConfig(r.Context(), settings); err != nil {
		logger.Error("SaveConfigHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateConfigHandler writes only the keys present in the body.
// @Summary Partially update settings
// @Tags Settings
// @Accept json
// @Produce json
// @Success 200 {object} map[string][]string "{"updated": ["rules"]}"
// @Router /config [patch]
func UpdateConfigHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	keys, err := database.UpdateConfig(r.Context(), body)
	if err != nil {
		logger.Error("UpdateConfigHandler: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"updated": keys})
}

func GetStorageModeHandler(w http.ResponseWriter, r *http.Request) {
	mode, err := database.GetStorageMode(r.Context())
	if err != nil {
		logger.Error("GetStorageModeHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read storage mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.StorageMode{"mode": mode})
}

func SetStorageModeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode models.StorageMode `json:"mode"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if !req.Mode.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("mode must be %q or %q", models.StorageModeLocal, models.StorageModeCloud))
		return
	}
	if err := database.SetStorageMode(r.Context(), req.Mode); err != nil {
		logger.Error("SetStorageModeHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to set storage mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.StorageMode{"mode": req.Mode})
}

// CompileRulesHandler reports validity for the posted rules against the
// current proxy list. An empty body checks the current rules.
// @Summary Check rules
// @Tags Rules
// @Accept json
// @Produce json
// @Success 200 {array} rules.RuleStatus
// @Router /rules/compile [post]
func CompileRulesHandler(w http.ResponseWriter, r *http.Request) {
	settings := svc.Engine.Settings().Settings
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	if len(body) > 0 {
		var posted []models.ProxyRule
		if err := json.Unmarshal(body, &posted); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rules payload: "+err.Error())
			return
		}
		settings.Rules = posted
	}
	writeJSON(w, http.StatusOK, rules.CompileSettings(settings).Report())
}

func validateProxies(list []models.ProxyDescriptor) error {
	seen := make(map[string]bool, len(list))
	var errs []error
	for i, p := range list {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("proxy %d (%s): %w", i, p.ID, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("proxy %d: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}
