package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check response
type HealthCheck struct {
	Status          HealthStatus     `json:"status"`
	Version         string           `json:"version"`
	Uptime          int64            `json:"uptime"`
	UptimeHuman     string           `json:"uptime_human"`
	QueueSize       int              `json:"queue_size"`
	ActiveDownloads int              `json:"active_downloads"`
	MemoryUsageMB   uint64           `json:"memory_usage_mb"`
	DatabaseStatus  string           `json:"database_status"`
	Checks          map[string]Check `json:"checks"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Check represents an individual health check
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker performs health checks
type HealthChecker struct {
	version     string
	startTime   time.Time
	db          *sql.DB
	contentRoot string
}

// NewHealthChecker creates a new health checker. contentRoot is the downloads
// directory; an empty value skips the content check.
func NewHealthChecker(version string, db *sql.DB, contentRoot string) *HealthChecker {
	return &HealthChecker{
		version:     version,
		startTime:   time.Now(),
		db:          db,
		contentRoot: contentRoot,
	}
}

// Check performs all health checks and returns the result
func (h *HealthChecker) Check(queueSize, activeDownloads int) *HealthCheck {
	checks := make(map[string]Check)
	overallStatus := HealthStatusHealthy

	degrade := func(c Check) {
		switch c.Status {
		case "unhealthy":
			overallStatus = HealthStatusUnhealthy
		case "degraded":
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	dbCheck := h.checkDatabase()
	checks["database"] = dbCheck
	degrade(dbCheck)

	memCheck := h.checkMemory()
	checks["memory"] = memCheck
	degrade(memCheck)

	queueCheck := h.checkQueue(queueSize)
	checks["queue"] = queueCheck
	degrade(queueCheck)

	if h.contentRoot != "" {
		contentCheck := h.checkContentRoot()
		checks["content"] = contentCheck
		degrade(contentCheck)
	}

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStatus := "connected"
	if dbCheck.Status != "healthy" {
		dbStatus = "disconnected"
	}

	return &HealthCheck{
		Status:          overallStatus,
		Version:         h.version,
		Uptime:          int64(uptime.Seconds()),
		UptimeHuman:     formatDuration(uptime),
		QueueSize:       queueSize,
		ActiveDownloads: activeDownloads,
		MemoryUsageMB:   m.Alloc / 1024 / 1024,
		DatabaseStatus:  dbStatus,
		Checks:          checks,
		Timestamp:       time.Now(),
	}
}

// checkDatabase checks database connectivity
func (h *HealthChecker) checkDatabase() Check {
	if h.db == nil {
		return Check{
			Status:  "unhealthy",
			Message: "Database connection not initialized",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "Database ping failed: " + err.Error(),
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Database connection is healthy",
	}
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() Check {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryMB := m.Alloc / 1024 / 1024

	const (
		warningThresholdMB  = 256
		criticalThresholdMB = 768
	)

	if memoryMB > criticalThresholdMB {
		return Check{
			Status:  "unhealthy",
			Message: "Memory usage is critically high",
		}
	}

	if memoryMB > warningThresholdMB {
		return Check{
			Status:  "degraded",
			Message: "Memory usage is elevated",
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Memory usage is normal",
	}
}

// checkQueue checks queue size
func (h *HealthChecker) checkQueue(queueSize int) Check {
	const warningThreshold = 5000

	if queueSize > warningThreshold {
		return Check{
			Status:  "degraded",
			Message: "Download queue is very large",
		}
	}

	return Check{
		Status:  "healthy",
		Message: "Queue size is normal",
	}
}

// checkContentRoot checks that the downloads directory exists.
// A missing root is degraded, not fatal: it is recreated on the next write.
func (h *HealthChecker) checkContentRoot() Check {
	info, err := os.Stat(h.contentRoot)
	if err != nil {
		return Check{
			Status:  "degraded",
			Message: "Content root is missing: " + err.Error(),
		}
	}
	if !info.IsDir() {
		return Check{
			Status:  "unhealthy",
			Message: "Content root is not a directory",
		}
	}
	return Check{
		Status:  "healthy",
		Message: "Content root is present",
	}
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
