package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is the status of a health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const checkTimeout = 2 * time.Second

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  HealthStatus           `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the result of one dependency check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

// Check is a named dependency check. A failing critical check makes the
// service unhealthy; any other failure only degrades it.
type Check struct {
	Name     string
	Ping     PingFunc
	Critical bool
}

// HealthOptions configures the health routes.
type HealthOptions struct {
	ServiceName    string
	ServiceVersion string
	StartTime      time.Time
	Checks         []Check
}

// RegisterRoutes adds GET and HEAD /health and GET /metrics.
func RegisterRoutes(router *gin.Engine, opts HealthOptions, gatherer prometheus.Gatherer) {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}

	router.GET("/health", healthHandler(opts))
	router.HEAD("/health", headHealthHandler(opts))
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func healthHandler(opts HealthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, checks := runChecks(c.Request.Context(), opts.Checks)
		response := HealthResponse{
			Status:  status,
			Service: opts.ServiceName,
			Version: opts.ServiceVersion,
			Uptime:  formatUptime(time.Since(opts.StartTime)),
			Checks:  checks,
		}
		c.JSON(statusCode(status), response)
	}
}

func headHealthHandler(opts HealthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, _ := runChecks(c.Request.Context(), opts.Checks)
		c.Status(statusCode(status))
	}
}

func statusCode(status HealthStatus) int {
	if status == HealthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func runChecks(ctx context.Context, checks []Check) (HealthStatus, map[string]CheckResult) {
	overall := HealthStatusHealthy
	if len(checks) == 0 {
		return overall, nil
	}

	results := make(map[string]CheckResult, len(checks))
	for _, check := range checks {
		result := runCheck(ctx, check)
		results[check.Name] = result

		switch {
		case result.Status == HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case result.Status == HealthStatusDegraded && overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}
	return overall, results
}

func runCheck(ctx context.Context, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := check.Ping(ctx)
	latency := time.Since(start).String()

	if err == nil {
		return CheckResult{Status: HealthStatusHealthy, Message: check.Name + " connection OK", Latency: latency}
	}
	status := HealthStatusDegraded
	if check.Critical {
		status = HealthStatusUnhealthy
	}
	return CheckResult{Status: status, Message: check.Name + " connection failed", Latency: latency}
}

func formatUptime(d time.Duration) string {
	const hoursPerDay = 24

	d = d.Truncate(time.Second)
	days := int(d.Hours()) / hoursPerDay
	hours := int(d.Hours()) % hoursPerDay
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
