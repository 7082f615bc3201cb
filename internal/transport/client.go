package transport

import (
	"context"
	"time"

	"github.com/kloudmate/live-metrics-agent/internal/models"
)

type PingRequest struct {
	InstrumentationKey string
	Timestamp          time.Time
	ConfigurationETag  string
}

type SubmitRequest struct {
	InstrumentationKey string
	Timestamp          time.Time
	ConfigurationETag  string
	Samples            []models.Sample
	TopCPUProcesses    []models.ProcessCPU
	Errors             []models.ConfigurationError
}

// Response carries the collector's interest and, only when the caller's
// configuration version is stale, the new configuration.
type Response struct {
	Outcome       models.Outcome
	Configuration *models.ConfigurationInfo
}

// ServiceClient talks to the live metrics collector. Implementations never
// return errors: any failure is reported as models.OutcomeUnknown.
type ServiceClient interface {
	Ping(ctx context.Context, req PingRequest) Response
	Submit(ctx context.Context, req SubmitRequest) Response
}
