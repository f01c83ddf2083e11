package models

import "time"

// ErrorResponse is a generic error response structure for API
type ErrorResponse struct {
	Message string `json:"message" example:"Error message describing the issue"`
}

// Notification is a user-facing alert, such as a proxy failing its
// keep-alive probe.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ProxyID   string    `json:"proxyId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
