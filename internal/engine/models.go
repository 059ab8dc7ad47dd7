package engine

// REST API models shared across handlers.

import (
	"github.com/trixelservice/trixellookup/internal/measurement"
)

// Status represents the status of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorResponse represents an error response. Error carries the short
// machine-stable reason, Message optional context; internal detail never
// crosses the boundary.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  Status `json:"status"`
}

// PingResponse is the canonical reachability reply.
type PingResponse struct {
	Ping string `json:"ping"`
}

// VersionResponse reports the running semantic version.
type VersionResponse struct {
	Version string `json:"version"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status  Status `json:"status"`
	Service string `json:"service"`
}

// TrixelMapResponse is the per-trixel sensor count overview.
type TrixelMapResponse struct {
	ID           int64                    `json:"id"`
	SensorCounts map[measurement.Type]int `json:"sensor_counts"`
}

// SensorCountUpdateResponse echoes a single upserted sensor map entry.
type SensorCountUpdateResponse struct {
	ID          int64            `json:"id"`
	Type        measurement.Type `json:"type"`
	SensorCount int              `json:"sensor_count"`
}

// BatchSensorCountUpdate maps trixel IDs to their new sensor counts.
type BatchSensorCountUpdate map[int64]int

// TMSResponse describes a registered TMS. The signing secret is never part
// of any response.
type TMSResponse struct {
	ID     int    `json:"id"`
	Host   string `json:"host"`
	Active bool   `json:"active"`
}

// TMSRegisteredResponse is returned exactly once at registration time and
// is the only place the plaintext credential appears.
type TMSRegisteredResponse struct {
	ID     int    `json:"id"`
	Host   string `json:"host"`
	Active bool   `json:"active"`
	Token  string `json:"token"`
}

// DelegationResponse describes one delegation row.
type DelegationResponse struct {
	TMSID    int   `json:"tms_id"`
	TrixelID int64 `json:"trixel_id"`
	Exclude  bool  `json:"exclude"`
}
