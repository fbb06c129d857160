// Package remote wraps the external compute service that executes queries
// asynchronously. The service has no push notifications: callers submit,
// then poll status until a terminal state, then fetch the result artifact.
package remote

import (
	"context"
	"time"
)

// Status is the execution state reported by the remote service.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// WindowTimeFormat is the local-style timestamp layout the service requires
// for time-window values: no UTC-offset suffix. The core formats; the
// service interprets.
const WindowTimeFormat = "2006-01-02T15:04:05"

// FormatWindow renders a window boundary in the service's required layout.
func FormatWindow(t time.Time) string {
	return t.Format(WindowTimeFormat)
}

// SubmitRequest carries one query submission to the remote service.
type SubmitRequest struct {
	InstanceID  string
	EntityID    string
	QueryText   string
	Parameters  map[string]interface{}
	WindowStart time.Time
	WindowEnd   time.Time
}

// SubmitResponse is the service's acknowledgement of an accepted execution.
type SubmitResponse struct {
	RemoteID string
}

// StatusResponse is one status poll result.
type StatusResponse struct {
	Status         Status
	ResultLocation string // set when Status == SUCCESS
	ErrorMessage   string // set when Status == FAILED
}

// Client is the contract consumed by the submitter, poller, and finalizer.
// Implementations own their transient-failure retry; errors that escape a
// Client call are already past the retry budget.
type Client interface {
	// Submit starts an execution and returns the service-assigned tracking id.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)

	// GetStatus reports the current remote state of an execution.
	GetStatus(ctx context.Context, remoteID, instanceID, entityID string) (*StatusResponse, error)

	// FetchResult downloads the result artifact at the given location.
	FetchResult(ctx context.Context, location string) ([]byte, error)
}
