package sandbox

import (
	"slices"
	"time"
)

// Statistics contains fleet totals and averages.
type Statistics struct {
	// Totals
	SandboxesCreated   uint64 `json:"sandboxes_created"`
	SandboxesDestroyed uint64 `json:"sandboxes_destroyed"`
	ProcessesSandboxed uint64 `json:"processes_sandboxed"`
	Violations         uint64 `json:"violations"`
	PermissionRequests uint64 `json:"permission_requests"`
	PermissionGrants   uint64 `json:"permission_grants"`
	PermissionDenials  uint64 `json:"permission_denials"`
	PermissionPrompts  uint64 `json:"permission_prompts"`

	// Current fleet
	Sandboxes        int           `json:"sandboxes"`
	ActiveSandboxes  int           `json:"active_sandboxes"`
	Processes        int           `json:"processes"`
	Policies         int           `json:"policies"`
	StateBreakdown   map[State]int `json:"state_breakdown"`
	EventsDropped    uint64        `json:"events_dropped"`
	AuditRecords     uint64        `json:"audit_records"`
	DeliveryFailures uint64        `json:"audit_delivery_failures"`

	// Averages
	AvgProcessesPerSandbox  float64 `json:"avg_processes_per_sandbox"`
	AvgViolationsPerSandbox float64 `json:"avg_violations_per_sandbox"`
	GrantRatio              float64 `json:"grant_ratio"`

	Timestamp time.Time `json:"timestamp"`
}

// Statistics aggregates the fleet counters. Averages are taken over the
// sandboxes currently in the table.
func (m *Manager) Statistics() Statistics {
	st := Statistics{
		SandboxesCreated:   m.stats.created.Load(),
		SandboxesDestroyed: m.stats.destroyed.Load(),
		ProcessesSandboxed: m.stats.processes.Load(),
		Violations:         m.stats.violations.Load(),
		PermissionRequests: m.stats.requests.Load(),
		PermissionGrants:   m.stats.grants.Load(),
		PermissionDenials:  m.stats.denials.Load(),
		PermissionPrompts:  m.stats.asks.Load(),
		StateBreakdown:     make(map[State]int),
		EventsDropped:      m.bus.Dropped(),
		Timestamp:          m.now(),
	}

	m.mu.RLock()
	sandboxes := slices.Clone(m.order)
	st.Policies = len(m.policies)
	m.mu.RUnlock()

	var violations uint64
	for _, s := range sandboxes {
		a := s.audit.Stats()
		st.AuditRecords += a.Records
		st.DeliveryFailures += a.DeliveryFailures

		s.mu.Lock()
		state := s.lc.state
		st.Processes += len(s.processes)
		violations += s.security.Violations
		s.mu.Unlock()

		st.StateBreakdown[state]++
		if state.IsActive() {
			st.ActiveSandboxes++
		}
	}
	st.Sandboxes = len(sandboxes)

	if st.Sandboxes > 0 {
		st.AvgProcessesPerSandbox = float64(st.Processes) / float64(st.Sandboxes)
		st.AvgViolationsPerSandbox = float64(violations) / float64(st.Sandboxes)
	}
	if decided := st.PermissionGrants + st.PermissionDenials; decided > 0 {
		st.GrantRatio = float64(st.PermissionGrants) / float64(decided)
	}
	return st
}
