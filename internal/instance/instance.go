// Package instance holds the in-memory table of per-user instances
// and the lifecycle state machine that governs their transitions
// (SPEC_FULL.md §3, §4.4).
//
// Grounded on original_source/src/manager/src/instance/mod.rs
// (Instance, InstanceStatus, InstanceConfig, InstanceManager).
package instance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/websoft9/framed/internal/ferrors"
)

// State is the instance lifecycle state machine's current value.
type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Failed   State = "failed"
	Unknown  State = "unknown"
)

// Limits mirrors the per-instance resource caps read from config.json,
// defaulted from the service-level config on Create.
type Limits struct {
	MemoryMB       int `json:"memory_mb"`
	CPUPercent     int `json:"cpu_percent"`
	MaxConnections int `json:"max_connections"`
	MaxApps        int `json:"max_apps"`
	DiskQuotaMB    int `json:"disk_quota_mb"`
}

// Config is the per-user config.json shape.
type Config struct {
	AutoStart    bool              `json:"auto_start"`
	MemoryLimit  int               `json:"memory_limit"`
	MaxApps      int               `json:"max_apps"`
	EnvVars      map[string]string `json:"env_vars"`
}

// DefaultConfig matches original_source's InstanceConfig::default().
func DefaultConfig() Config {
	return Config{AutoStart: true, MemoryLimit: 512, MaxApps: 5, EnvVars: map[string]string{}}
}

// Record is one user's instance state, held in the Table.
type Record struct {
	Username         string     `json:"username"`
	Port             int        `json:"port"`
	State            State      `json:"status"`
	PID              int        `json:"pid,omitempty"`
	MemoryUsageBytes uint64     `json:"memory_usage"`
	CPUPercent       float64    `json:"cpu_usage"`
	AppCount         int        `json:"app_count"`
	Limits           Limits     `json:"limits"`
	AutoStart        bool       `json:"auto_start"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	LastHealthCheck  *time.Time `json:"last_health_check,omitempty"`
}

// Table is the concurrency-safe collection of all known instances.
// Per-username lifecycle operations are additionally serialized by the
// caller (supervisor) via a keyed mutex — Table itself only guards the
// map and individual record fields.
type Table struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{recs: make(map[string]*Record)}
}

// Get returns a copy of username's record.
func (t *Table) Get(username string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.recs[username]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns a snapshot of all records.
func (t *Table) List() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.recs))
	for _, r := range t.recs {
		out = append(out, *r)
	}
	return out
}

// Put inserts or replaces username's record.
func (t *Table) Put(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := r
	t.recs[r.Username] = &cp
}

// Delete removes username's record.
func (t *Table) Delete(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recs, username)
}

// Mutate applies fn to username's record under the table's write lock,
// returning ferrors.NotFound if the user has no record.
func (t *Table) Mutate(username string, fn func(*Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.recs[username]
	if !ok {
		return ferrors.New("instance.Mutate", ferrors.NotFound, nil)
	}
	fn(r)
	return nil
}

// RunningCount counts records in State Running.
func (t *Table) RunningCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.recs {
		if r.State == Running {
			n++
		}
	}
	return n
}

// TotalCount returns the number of tracked instances.
func (t *Table) TotalCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.recs)
}

// --- per-user directory layout helpers (SPEC_FULL.md §6) -----------------

// Dir returns the instance directory for username under instancesDir.
func Dir(instancesDir, username string) string {
	return filepath.Join(instancesDir, username)
}

// LoadConfig reads <instanceDir>/config.json, returning DefaultConfig
// when absent.
func LoadConfig(instanceDir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(instanceDir, "config.json"))
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, ferrors.New("instance.LoadConfig", ferrors.IoFailure, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, ferrors.New("instance.LoadConfig", ferrors.ConfigInvalid, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to <instanceDir>/config.json.
func SaveConfig(instanceDir string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return ferrors.New("instance.SaveConfig", ferrors.Internal, err)
	}
	if err := os.MkdirAll(instanceDir, 0o755); err != nil {
		return ferrors.New("instance.SaveConfig", ferrors.IoFailure, err)
	}
	if err := os.WriteFile(filepath.Join(instanceDir, "config.json"), data, 0o644); err != nil {
		return ferrors.New("instance.SaveConfig", ferrors.IoFailure, err)
	}
	return nil
}

// CountApps counts subdirectories of <instanceDir>/apps.
func CountApps(instanceDir string) (int, error) {
	appsDir := filepath.Join(instanceDir, "apps")
	entries, err := os.ReadDir(appsDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, ferrors.New("instance.CountApps", ferrors.IoFailure, err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n, nil
}
