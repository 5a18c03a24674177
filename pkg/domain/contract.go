package domain

import (
	"context"
)

// Serving statuses reported for a resource
const (
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
	StatusUnknown    = "SERVICE_UNKNOWN"
)

// Contract is the status plane as seen by clients. An empty resource asks
// about the daemon itself.
type Contract interface {
	Status(ctx context.Context, resource string) (string, error)
}
