package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of one check.
type HealthCheckResult struct {
	Name     string        `json:"name"`
	Status   HealthStatus  `json:"status"`
	Message  string        `json:"message,omitempty"`
	Critical bool          `json:"critical"`
	Duration time.Duration `json:"duration"`
}

// OverallHealth aggregates every registered check.
type OverallHealth struct {
	Status    HealthStatus        `json:"status"`
	Version   string              `json:"version"`
	Uptime    string              `json:"uptime"`
	Timestamp time.Time           `json:"timestamp"`
	Checks    []HealthCheckResult `json:"checks"`
}

// CheckFunc reports a component failure as an error.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	critical bool
	fn       CheckFunc
}

// HealthRegistry runs named checks. A failing critical check makes the
// daemon unhealthy; any other failure degrades it.
type HealthRegistry struct {
	mu      sync.RWMutex
	checks  map[string]healthCheck
	timeout time.Duration
	started time.Time
}

// NewHealthRegistry creates a registry whose checks each get timeout.
func NewHealthRegistry(timeout time.Duration) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{
		checks:  make(map[string]healthCheck),
		timeout: timeout,
		started: time.Now(),
	}
}

// Register adds or replaces a check.
func (hr *HealthRegistry) Register(name string, critical bool, fn CheckFunc) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.checks[name] = healthCheck{critical: critical, fn: fn}
}

// Unregister removes a check.
func (hr *HealthRegistry) Unregister(name string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	delete(hr.checks, name)
}

// CheckHealth runs every check concurrently.
func (hr *HealthRegistry) CheckHealth(ctx context.Context) OverallHealth {
	hr.mu.RLock()
	checks := make(map[string]healthCheck, len(hr.checks))
	for name, c := range hr.checks {
		checks[name] = c
	}
	hr.mu.RUnlock()

	results := make([]HealthCheckResult, 0, len(checks))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c healthCheck) {
			defer wg.Done()
			res := hr.run(ctx, name, c)
			rmu.Lock()
			results = append(results, res)
			rmu.Unlock()
		}(name, c)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	overall := OverallHealth{
		Status:    HealthStatusHealthy,
		Version:   Version,
		Uptime:    time.Since(hr.started).Round(time.Second).String(),
		Timestamp: time.Now(),
		Checks:    results,
	}
	for _, r := range results {
		switch {
		case r.Status == HealthStatusHealthy:
		case r.Critical:
			overall.Status = HealthStatusUnhealthy
		case overall.Status == HealthStatusHealthy:
			overall.Status = HealthStatusDegraded
		}
	}
	return overall
}

func (hr *HealthRegistry) run(ctx context.Context, name string, c healthCheck) (res HealthCheckResult) {
	ctx, cancel := context.WithTimeout(ctx, hr.timeout)
	defer cancel()

	start := time.Now()
	res = HealthCheckResult{Name: name, Status: HealthStatusHealthy, Critical: c.critical}
	defer func() {
		if r := recover(); r != nil {
			res.Status = HealthStatusUnhealthy
			res.Message = fmt.Sprintf("check panicked: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	if err := c.fn(ctx); err != nil {
		res.Status = HealthStatusUnhealthy
		res.Message = err.Error()
		log.Warn().Err(err).Str("check", name).Bool("critical", c.critical).Msg("Health check failed")
	}
	return res
}

// Handler serves the aggregated health as JSON; unhealthy answers 503.
func (hr *HealthRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hr.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

// MemoryCheck fails when host memory usage exceeds maxPercent.
func MemoryCheck(maxPercent float64) CheckFunc {
	return func(ctx context.Context) error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to read memory usage: %w", err)
		}
		if vm.UsedPercent > maxPercent {
			return fmt.Errorf("memory usage %.1f%% above %.1f%%", vm.UsedPercent, maxPercent)
		}
		return nil
	}
}
