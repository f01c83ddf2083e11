package api

// @title proxyrouter API
// @version v0.1.0
// @description Control API for the proxyrouter routing proxy: settings, rule checks, resolution, PAC and host events.

// @host localhost:8778
// @BasePath /api
// @schemes http
