package domain

import "time"

// HealthStatus summarises the outcome of a dependency probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// SystemHealthCheck is the result of probing a single dependency.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks for readiness reporting.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
