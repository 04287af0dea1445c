// Package supervisor is the orchestration facade SPEC_FULL.md §4.5
// describes: it is the single entry point used by the HTTP layer, the
// CLI, and the health monitor to drive instance lifecycle, wiring
// together the port allocator, process driver, instance table, and
// event bus.
//
// Grounded on original_source/src/manager/src/instance/mod.rs's
// start/stop/restart/create/remove and on manager.rs's facade method
// list. Replaces this package's prior role as a supervisord XML-RPC
// client; resource sampling now lives in internal/procdriver.
package supervisor

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/websoft9/framed/internal/eventbus"
	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/fileutil"
	"github.com/websoft9/framed/internal/instance"
	"github.com/websoft9/framed/internal/portalloc"
	"github.com/websoft9/framed/internal/procdriver"
)

// DefaultLimits are applied to newly-created instances that don't
// override them, mirroring original_source's service-level defaults.
type DefaultLimits struct {
	CPUPercent     int
	MaxConnections int
	DiskQuotaMB    int
}

// Supervisor orchestrates the engine's components.
type Supervisor struct {
	instancesDir string
	binaryPath   string

	table    *instance.Table
	alloc    *portalloc.Allocator
	driver   *procdriver.Driver
	bus      *eventbus.Bus
	defaults DefaultLimits

	perUser instance.KeyedMutex
}

// New wires a Supervisor from its components.
func New(instancesDir, binaryPath string, table *instance.Table, alloc *portalloc.Allocator, driver *procdriver.Driver, bus *eventbus.Bus, defaults DefaultLimits) *Supervisor {
	return &Supervisor{
		instancesDir: instancesDir,
		binaryPath:   binaryPath,
		table:        table,
		alloc:        alloc,
		driver:       driver,
		bus:          bus,
		defaults:     defaults,
	}
}

// Init scans instancesDir and loads every existing user directory into
// the instance table as Stopped, matching original_source's
// InstanceManager::init/load_instance.
func (s *Supervisor) Init() error {
	entries, err := os.ReadDir(s.instancesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ferrors.New("supervisor.Init", ferrors.IoFailure, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := s.loadInstance(e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) loadInstance(username string) error {
	dir := instance.Dir(s.instancesDir, username)
	cfg, err := instance.LoadConfig(dir)
	if err != nil {
		return err
	}
	appCount, err := instance.CountApps(dir)
	if err != nil {
		return err
	}

	port, _ := s.alloc.GetPort(username)

	s.table.Put(instance.Record{
		Username:  username,
		Port:      port,
		State:     instance.Stopped,
		AppCount:  appCount,
		AutoStart: cfg.AutoStart,
		Limits: instance.Limits{
			MemoryMB:       cfg.MemoryLimit,
			CPUPercent:     s.defaults.CPUPercent,
			MaxConnections: s.defaults.MaxConnections,
			MaxApps:        cfg.MaxApps,
			DiskQuotaMB:    s.defaults.DiskQuotaMB,
		},
	})
	return nil
}

// Create provisions a new user's instance directory and config, and
// registers it in the table as Stopped.
func (s *Supervisor) Create(username string, limits *instance.Limits) error {
	if err := fileutil.SafeSegment(username); err != nil {
		return ferrors.New("supervisor.Create", ferrors.ConfigInvalid, err)
	}
	dir := instance.Dir(s.instancesDir, username)
	for _, sub := range []string{"apps", "data", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return ferrors.New("supervisor.Create", ferrors.IoFailure, err)
		}
	}

	cfg := instance.DefaultConfig()
	if err := instance.SaveConfig(dir, cfg); err != nil {
		return err
	}

	effective := instance.Limits{
		MemoryMB:       cfg.MemoryLimit,
		CPUPercent:     s.defaults.CPUPercent,
		MaxConnections: s.defaults.MaxConnections,
		MaxApps:        cfg.MaxApps,
		DiskQuotaMB:    s.defaults.DiskQuotaMB,
	}
	if limits != nil {
		effective = *limits
	}

	chownInstanceDir(dir, username)

	s.table.Put(instance.Record{
		Username:  username,
		State:     instance.Stopped,
		AutoStart: cfg.AutoStart,
		Limits:    effective,
	})
	return nil
}

// Remove stops (best-effort) and deletes username's instance entirely.
func (s *Supervisor) Remove(username string) error {
	return s.perUser.With(username, func() error {
		_ = s.stopLocked(username)
		s.table.Delete(username)
		dir := instance.Dir(s.instancesDir, username)
		if err := os.RemoveAll(dir); err != nil {
			return ferrors.New("supervisor.Remove", ferrors.IoFailure, err)
		}
		return nil
	})
}

// Start allocates a port (if needed) and spawns username's process.
// Idempotent: starting an already-Running instance is a no-op.
func (s *Supervisor) Start(username string) error {
	return s.perUser.With(username, func() error {
		return s.startLocked(username)
	})
}

func (s *Supervisor) startLocked(username string) error {
	rec, ok := s.table.Get(username)
	if !ok {
		return ferrors.New("supervisor.Start", ferrors.NotFound, nil)
	}
	if rec.State == instance.Running {
		return nil
	}

	port, err := s.alloc.Allocate(username)
	if err != nil {
		return err
	}

	return s.doStart(username, rec, port)
}

func (s *Supervisor) doStart(username string, rec instance.Record, port int) error {
	_ = s.table.Mutate(username, func(r *instance.Record) {
		r.State = instance.Starting
		r.Port = port
	})

	pid, err := s.driver.Spawn(procdriver.SpawnRequest{
		Username:    username,
		BinaryPath:  s.binaryPath,
		Port:        port,
		InstanceDir: instance.Dir(s.instancesDir, username),
		Limits: procdriver.Limits{
			MemoryMB:       rec.Limits.MemoryMB,
			CPUPercent:     rec.Limits.CPUPercent,
			MaxConnections: rec.Limits.MaxConnections,
		},
	})
	if err != nil {
		_ = s.table.Mutate(username, func(r *instance.Record) {
			r.State = instance.Failed
		})
		return err
	}

	now := time.Now()
	_ = s.table.Mutate(username, func(r *instance.Record) {
		r.State = instance.Running
		r.PID = pid
		r.StartedAt = &now
	})

	if s.bus != nil {
		s.bus.Emit(eventbus.Event{Kind: eventbus.InstanceStarted, Username: username, Port: port})
	}
	return nil
}

// Stop gracefully stops username's process. Idempotent.
func (s *Supervisor) Stop(username string) error {
	return s.perUser.With(username, func() error {
		return s.stopLocked(username)
	})
}

func (s *Supervisor) stopLocked(username string) error {
	rec, ok := s.table.Get(username)
	if !ok {
		return ferrors.New("supervisor.Stop", ferrors.NotFound, nil)
	}
	if rec.State == instance.Stopped {
		return nil
	}

	_ = s.table.Mutate(username, func(r *instance.Record) {
		r.State = instance.Stopping
	})

	if rec.PID != 0 {
		if err := s.driver.Stop(rec.PID); err != nil {
			return err
		}
		s.driver.ForgetSample(rec.PID)
	}

	_ = s.table.Mutate(username, func(r *instance.Record) {
		r.State = instance.Stopped
		r.PID = 0
		r.StartedAt = nil
	})

	if s.bus != nil {
		s.bus.Emit(eventbus.Event{Kind: eventbus.InstanceStopped, Username: username})
	}
	return nil
}

// Restart stops then starts username's instance, matching
// original_source's 500ms settle gap between the two.
func (s *Supervisor) Restart(username string) error {
	return s.perUser.With(username, func() error {
		if err := s.stopLocked(username); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		return s.startLocked(username)
	})
}

// RestartAll restarts every Running instance concurrently. A per-user
// failure does not abort the others; the first error is returned.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, rec := range s.table.List() {
		if rec.State != instance.Running {
			continue
		}
		username := rec.Username
		g.Go(func() error {
			return s.Restart(username)
		})
	}
	return g.Wait()
}

// AutoStartSweep starts every instance whose own config requests
// auto_start, when serviceAutoStart gates the sweep on at all. Per
// SPEC_FULL.md §9: a per-user auto_start=false always wins.
func (s *Supervisor) AutoStartSweep(ctx context.Context, serviceAutoStart bool) error {
	if !serviceAutoStart {
		return nil
	}
	g, _ := errgroup.WithContext(ctx)
	for _, rec := range s.table.List() {
		if !rec.AutoStart || rec.State == instance.Running {
			continue
		}
		username := rec.Username
		g.Go(func() error {
			return s.Start(username)
		})
	}
	return g.Wait()
}

// Status returns username's current record.
func (s *Supervisor) Status(username string) (instance.Record, error) {
	rec, ok := s.table.Get(username)
	if !ok {
		return instance.Record{}, ferrors.New("supervisor.Status", ferrors.NotFound, nil)
	}
	return rec, nil
}

// List returns every tracked instance.
func (s *Supervisor) List() []instance.Record {
	return s.table.List()
}

// RefreshUsage samples procdriver for running instances and writes the
// result back into the table, matching original_source's update_usage.
func (s *Supervisor) RefreshUsage() {
	for _, rec := range s.table.List() {
		if rec.State != instance.Running || rec.PID == 0 {
			continue
		}
		usage, err := s.driver.ResourceUsage(rec.PID)
		if err != nil {
			continue
		}
		now := time.Now()
		_ = s.table.Mutate(rec.Username, func(r *instance.Record) {
			r.MemoryUsageBytes = usage.MemoryBytes
			r.CPUPercent = usage.CPUPercent
			r.LastHealthCheck = &now
		})
	}
}

// RunningCount and TotalCount expose table-level aggregates used by
// the metrics table and HTTP status summary.
func (s *Supervisor) RunningCount() int { return s.table.RunningCount() }
func (s *Supervisor) TotalCount() int   { return s.table.TotalCount() }

// InstanceDir returns username's instance directory, used by the HTTP
// layer to serve the raw log file without duplicating the layout rule.
func (s *Supervisor) InstanceDir(username string) string {
	return instance.Dir(s.instancesDir, username)
}

// SetBus attaches the event bus after construction, breaking the
// construction cycle between the supervisor (which emits events) and
// the task dispatcher (which needs the supervisor to run restarts).
func (s *Supervisor) SetBus(bus *eventbus.Bus) {
	s.bus = bus
}

// chownInstanceDir assigns username's ownership to every file under
// dir, mirroring original_source's chown_recursive. Failures (no
// permission, unknown user, non-Unix platform) are ignored — this is
// a best-effort enhancement, matching the Rust original's
// `let _ = chown_recursive(...)`.
func chownInstanceDir(dir, username string) {
	u, err := user.Lookup(username)
	if err != nil {
		return
	}
	uid, err1 := strconv.Atoi(u.Uid)
	gid, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return
	}
	_ = filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chown(path, uid, gid)
		return nil
	})
}
