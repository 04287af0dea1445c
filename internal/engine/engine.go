// Package engine is the shared construction point used by both the
// HTTP control plane and the CLI (SPEC_FULL.md §9's process-shape
// decision): every `cmd/frame` invocation builds one Engine from
// persisted state on disk, matching original_source/main.rs's
// per-invocation manager construction — there is no long-lived daemon
// holding this state between commands except while `start` runs in the
// foreground.
package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/websoft9/framed/internal/config"
	"github.com/websoft9/framed/internal/eventbus"
	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/health"
	"github.com/websoft9/framed/internal/httpapi"
	"github.com/websoft9/framed/internal/instance"
	"github.com/websoft9/framed/internal/metrics"
	"github.com/websoft9/framed/internal/portalloc"
	"github.com/websoft9/framed/internal/portreg"
	"github.com/websoft9/framed/internal/procdriver"
	"github.com/websoft9/framed/internal/supervisor"
	"github.com/websoft9/framed/internal/worker"
)

// Paths collects the on-disk layout the engine is built from, all
// rooted under one base directory (configurable via --config).
type Paths struct {
	ConfigFile   string
	PortRegistry string
	InstancesDir string
	PackagesDir  string
	HooksDir     string
	BinaryPath   string
}

// DefaultPaths returns the conventional layout rooted at base.
func DefaultPaths(base string) Paths {
	return Paths{
		ConfigFile:   filepath.Join(base, "frame.ini"),
		PortRegistry: filepath.Join(base, "ports.json"),
		InstancesDir: filepath.Join(base, "instances"),
		PackagesDir:  filepath.Join(base, "packages"),
		HooksDir:     filepath.Join(base, "hooks"),
		BinaryPath:   filepath.Join(base, "bin", "frame-app"),
	}
}

// Engine wires every component together for one process lifetime.
type Engine struct {
	Paths  Paths
	Config config.Config

	Table      *instance.Table
	Alloc      *portalloc.Allocator
	Driver     *procdriver.Driver
	Bus        *eventbus.Bus
	Supervisor *supervisor.Supervisor
	Monitor    *health.Monitor
	Metrics    *metrics.Table
	Worker     *worker.Worker
}

// Build constructs a fully wired Engine from paths, loading the main
// config and the persisted instance/port state. redisAddr configures
// the task dispatcher backend (empty uses the worker package default).
func Build(paths Paths, redisAddr string) (*Engine, error) {
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}

	alloc, err := portalloc.Open(paths.PortRegistry, portreg.Range{
		Start: cfg.Service.PortRangeStart,
		End:   cfg.Service.PortRangeEnd,
	})
	if err != nil {
		return nil, err
	}

	table := instance.NewTable()
	driver := procdriver.New()

	// The supervisor is built bus-less first: it needs to exist before
	// the worker (which runs restarts against it), and the bus needs
	// the worker as its hook dispatcher. SetBus closes the loop once
	// the bus exists.
	sup := supervisor.New(paths.InstancesDir, paths.BinaryPath, table, alloc, driver, nil, supervisor.DefaultLimits{
		CPUPercent:  cfg.Defaults.CPULimit,
		DiskQuotaMB: cfg.Defaults.DiskQuota,
	})

	w := worker.New(redisAddr, sup)
	bus := eventbus.New(paths.HooksDir, w)
	sup.SetBus(bus)

	if err := sup.Init(); err != nil {
		return nil, err
	}

	interval := time.Duration(cfg.Service.HealthCheckInterval) * time.Second
	mon := health.New(interval, table, w, bus)

	return &Engine{
		Paths:      paths,
		Config:     cfg,
		Table:      table,
		Alloc:      alloc,
		Driver:     driver,
		Bus:        bus,
		Supervisor: sup,
		Monitor:    mon,
		Metrics:    metrics.StandardTable(),
		Worker:     w,
	}, nil
}

// RefreshMetrics snapshots the supervisor and allocator into the
// metrics table, matching original_source's periodic metrics update.
func (e *Engine) RefreshMetrics() {
	e.Supervisor.RefreshUsage()
	stats := e.Alloc.Stats()
	e.Metrics.SetGauge("frame_instances_total", float64(e.Supervisor.TotalCount()))
	e.Metrics.SetGauge("frame_instances_running", float64(e.Supervisor.RunningCount()))
	e.Metrics.SetGauge("frame_instances_stopped", float64(e.Supervisor.TotalCount()-e.Supervisor.RunningCount()))
	e.Metrics.SetGauge("frame_ports_allocated", float64(stats.Allocated))
	e.Metrics.SetGauge("frame_ports_available", float64(stats.Free))
	for _, rec := range e.Supervisor.List() {
		label := metrics.Label{Name: "username", Value: rec.Username}
		e.Metrics.SetGauge("frame_memory_usage_bytes", float64(rec.MemoryUsageBytes), label)
		e.Metrics.SetGauge("frame_cpu_usage_percent", rec.CPUPercent, label)
		e.Metrics.SetGauge("frame_apps_total", float64(rec.AppCount), label)
	}
}

// HTTPHandler assembles the control plane API over this engine.
func (e *Engine) HTTPHandler() *httpapi.API {
	return httpapi.New(e.Supervisor, e.Monitor, e.Alloc, e.Metrics, e)
}

// GetSettings implements httpapi.SettingsStore.
func (e *Engine) GetSettings() httpapi.SettingsView {
	return httpapi.SettingsView{
		Enabled:             e.Config.Service.Enabled,
		AutoStart:           e.Config.Service.AutoStart,
		HealthCheckInterval: e.Config.Service.HealthCheckInterval,
	}
}

// ApplySettings implements httpapi.SettingsStore, updating the
// in-memory config and re-validating it. Non-goal: persisting back to
// the INI file is not wired to a live reload of the running process,
// since this module has no long-lived daemon to reload (SPEC_FULL §9).
func (e *Engine) ApplySettings(upd httpapi.SettingsUpdate) error {
	next := e.Config
	if upd.Enabled != nil {
		next.Service.Enabled = *upd.Enabled
	}
	if upd.AutoStart != nil {
		next.Service.AutoStart = *upd.AutoStart
	}
	if upd.HealthCheckInterval != nil {
		next.Service.HealthCheckInterval = *upd.HealthCheckInterval
	}
	if err := next.Validate(); err != nil {
		return err
	}
	e.Config = next
	e.Bus.Emit(eventbus.Event{Kind: eventbus.ConfigReloaded})
	return nil
}

// ListPackages implements httpapi.SettingsStore.
func (e *Engine) ListPackages() ([]string, error) {
	entries, err := os.ReadDir(e.Paths.PackagesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.New("engine.ListPackages", ferrors.IoFailure, err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		names = append(names, trimExt(ent.Name()))
	}
	return names, nil
}

// UpdatePackage implements httpapi.SettingsStore.
func (e *Engine) UpdatePackage(name string, upd httpapi.PackageUpdate) error {
	path := filepath.Join(e.Paths.PackagesDir, name+".ini")
	pkg, err := config.LoadPackage(path)
	if err != nil {
		return err
	}
	if upd.MemoryLimit != nil {
		pkg.Limits.MemoryLimitMB = *upd.MemoryLimit
	}
	if upd.CPULimit != nil {
		pkg.Limits.CPULimit = *upd.CPULimit
	}
	if upd.MaxApps != nil {
		pkg.Limits.MaxApps = *upd.MaxApps
	}
	if upd.DiskQuota != nil {
		pkg.Limits.DiskQuotaMB = *upd.DiskQuota
	}
	return config.SavePackage(path, pkg)
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
