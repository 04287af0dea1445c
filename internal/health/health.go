package health

import (
	"sync"
	"time"

	"github.com/websoft9/framed/internal/instance"
)

// Status is the cached health summary for one user, refreshed on each
// monitor tick (and by ProbeNow on demand).
type Status struct {
	Username             string        `json:"username"`
	Healthy              bool          `json:"healthy"`
	Checks               []CheckResult `json:"checks"`
	LastCheck            time.Time     `json:"last_check"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
}

// RestartDispatcher enqueues a restart for username without blocking
// the monitor's ticker goroutine — see SPEC_FULL.md §4.6.
type RestartDispatcher interface {
	EnqueueRestart(username string) error
}

// FailureNotifier is invoked once per sustained-failure event so the
// event bus can emit HealthCheckFailed (kept as a narrow interface to
// avoid an import cycle with eventbus).
type FailureNotifier interface {
	NotifyHealthCheckFailed(username, checkName, message string)
}

const failureThreshold = 3

// Monitor runs the periodic health-check loop over an instance.Table.
type Monitor struct {
	interval time.Duration
	table    *instance.Table
	dispatch RestartDispatcher
	notify   FailureNotifier

	mu      sync.RWMutex
	cache   map[string]*Status
	running bool
	stopCh  chan struct{}
}

// New returns a Monitor polling table every interval.
func New(interval time.Duration, table *instance.Table, dispatch RestartDispatcher, notify FailureNotifier) *Monitor {
	return &Monitor{
		interval: interval,
		table:    table,
		dispatch: dispatch,
		notify:   notify,
		cache:    make(map[string]*Status),
	}
}

// Start launches the ticker goroutine. Idempotent: a second Start on
// an already-running Monitor is a no-op, matching
// original_source/health/mod.rs's start().
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
}

// Stop flips the running flag; the in-flight goroutine observes it
// between ticks and exits cleanly (no forced cancellation mid-probe).
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

func (m *Monitor) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.isRunning() {
				return
			}
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) tick() {
	for _, rec := range m.table.List() {
		if rec.State != instance.Running {
			continue
		}
		m.probeAndUpdate(rec)
	}
}

func (m *Monitor) probeAndUpdate(rec instance.Record) {
	checks, allPassed := runChecks(rec)

	m.mu.Lock()
	status, ok := m.cache[rec.Username]
	if !ok {
		status = &Status{Username: rec.Username, Healthy: true}
		m.cache[rec.Username] = status
	}
	status.Checks = checks
	status.Healthy = allPassed
	status.LastCheck = time.Now()

	if allPassed {
		status.ConsecutiveFailures = 0
		m.mu.Unlock()
		return
	}

	status.ConsecutiveFailures++
	failures := status.ConsecutiveFailures
	m.mu.Unlock()

	if m.notify != nil {
		failing := firstFailingCheck(checks)
		m.notify.NotifyHealthCheckFailed(rec.Username, failing.CheckName, failing.Message)
	}

	if failures >= failureThreshold {
		m.mu.Lock()
		status.ConsecutiveFailures = 0
		m.mu.Unlock()
		if m.dispatch != nil {
			// Error discarded: self-healing depends on the task backend being
			// reachable, and there's no restart-side fallback if it isn't.
			_ = m.dispatch.EnqueueRestart(rec.Username)
		}
	}
}

func runChecks(rec instance.Record) ([]CheckResult, bool) {
	var checks []CheckResult
	allPassed := true

	if rec.PID != 0 {
		r := CheckProcess(rec.PID)
		allPassed = allPassed && r.Passed
		checks = append(checks, r)
	}

	r := CheckPort(rec.Port)
	allPassed = allPassed && r.Passed
	checks = append(checks, r)

	r = CheckHTTP(rec.Port, "/health")
	allPassed = allPassed && r.Passed
	checks = append(checks, r)

	return checks, allPassed
}

func firstFailingCheck(checks []CheckResult) CheckResult {
	for _, c := range checks {
		if !c.Passed {
			return c
		}
	}
	return CheckResult{}
}

// GetStatus returns a copy of username's cached status.
func (m *Monitor) GetStatus(username string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[username]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// AllStatuses returns a snapshot of every cached status.
func (m *Monitor) AllStatuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.cache))
	for _, s := range m.cache {
		out = append(out, *s)
	}
	return out
}

// IsHealthy reports the cached healthy flag for username (false if
// never probed), matching original_source's is_healthy.
func (m *Monitor) IsHealthy(username string) bool {
	s, ok := m.GetStatus(username)
	return ok && s.Healthy
}

// ProbeNow runs the three checks synchronously and updates the cache,
// without touching the consecutive-failure counter or threshold
// restart logic — a diagnostic probe, not a monitor tick.
func (m *Monitor) ProbeNow(rec instance.Record) Status {
	checks, allPassed := runChecks(rec)
	status := Status{
		Username:  rec.Username,
		Healthy:   allPassed,
		Checks:    checks,
		LastCheck: time.Now(),
	}

	m.mu.Lock()
	if prev, ok := m.cache[rec.Username]; ok {
		status.ConsecutiveFailures = prev.ConsecutiveFailures
	}
	m.cache[rec.Username] = &status
	m.mu.Unlock()

	return status
}
