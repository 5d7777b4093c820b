package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/services"
)

// HealthHandlers serves liveness and readiness probes. Healthz never touches
// dependencies; Readyz reflects the aggregated dependency report.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService injects the system service used for readiness reports.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// WithHealthBuildInfo sets the build metadata reported by the probes.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock injects a custom clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports process liveness without touching any dependency.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	payload := map[string]any{
		"status":    string(domain.HealthStatusOK),
		"timestamp": now.UTC().Format(time.RFC3339),
		"uptime":    now.Sub(h.build.StartedAt).String(),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz reports whether downstream dependencies are reachable. Any check that is
// not ok degrades the response to 503 so load balancers stop routing traffic.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()

	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"status":    string(domain.HealthStatusOK),
			"timestamp": now.UTC().Format(time.RFC3339),
			"details":   []string{},
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":    string(domain.HealthStatusError),
			"timestamp": now.UTC().Format(time.RFC3339),
			"details":   []string{err.Error()},
		})
		return
	}

	checks := make(map[string]healthCheckPayload, len(report.Checks))
	details := make([]string, 0)
	for name, check := range report.Checks {
		entry := healthCheckPayload{
			Status:  string(check.Status),
			Latency: check.Latency.String(),
		}
		if check.Detail != "" {
			entry.Detail = check.Detail
		}
		if check.Error != "" {
			entry.Error = check.Error
			details = append(details, fmt.Sprintf("%s: %s", name, check.Error))
		}
		checks[name] = entry
	}
	sort.Strings(details)

	payload := map[string]any{
		"status":    string(report.Status),
		"timestamp": now.UTC().Format(time.RFC3339),
		"checks":    checks,
		"details":   details,
	}
	if report.Version != "" {
		payload["version"] = report.Version
	}
	if report.CommitSHA != "" {
		payload["commitSha"] = report.CommitSHA
	}
	if report.Environment != "" {
		payload["environment"] = report.Environment
	}
	if report.Uptime > 0 {
		payload["uptime"] = report.Uptime.String()
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}

type healthCheckPayload struct {
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}
