package gateway

import (
	"time"

	"github.com/harun/streamrelay/pkg/supervisor"
)

// activationBody is the JSON accepted by POST /v1/activations
type activationBody struct {
	UserID        string  `json:"user_id"`
	APIKey        *string `json:"api_key"`
	Notifications bool    `json:"notifications"`
}

func (b activationBody) request() supervisor.ActivationRequest {
	return supervisor.ActivationRequest{
		UserID:        b.UserID,
		Credential:    b.APIKey,
		Notifications: b.Notifications,
		Source:        supervisor.SourceAdmin,
	}
}

type activationResponse struct {
	Status    string `json:"status"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id,omitempty"`
}

type sessionsResponse struct {
	Sessions []supervisor.SessionInfo `json:"sessions"`
	Stats    supervisor.Stats         `json:"stats"`
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func uptime(since time.Time) string {
	return time.Since(since).Round(time.Second).String()
}
