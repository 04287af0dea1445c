// Package httpapi is the thin loopback-only control plane described in
// SPEC_FULL.md §4.10.
//
// Grounded on the teacher's internal/server/server.go: the same
// chi + cors middleware stack (RequestID, RealIP, a zerolog request
// logger, Recoverer, Timeout) ahead of routing, generalized from the
// apps/deployments domain to the frame instances/ports/packages domain.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/fileutil"
	"github.com/websoft9/framed/internal/health"
	"github.com/websoft9/framed/internal/metrics"
	"github.com/websoft9/framed/internal/portalloc"
	"github.com/websoft9/framed/internal/supervisor"
)

// Envelope wraps every response per spec.md §6: Status is 1 on success,
// 0 on failure; Errors carries a single message on failure.
type Envelope struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Errors []string    `json:"errors"`
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Envelope{Status: 1, Data: data, Errors: []string{}})
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch ferrors.KindOf(err) {
	case ferrors.NotFound:
		status = http.StatusNotFound
	case ferrors.ConfigInvalid, ferrors.PortConflict:
		status = http.StatusBadRequest
	case ferrors.AlreadyRunning, ferrors.NotRunning:
		status = http.StatusConflict
	case ferrors.NoPortsAvailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, Envelope{Status: 0, Errors: []string{err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// SettingsUpdate is the PUT /frame/settings request body.
type SettingsUpdate struct {
	Enabled             *bool `json:"enabled,omitempty"`
	AutoStart           *bool `json:"auto_start,omitempty"`
	HealthCheckInterval *int  `json:"health_check_interval,omitempty"`
}

// SettingsView is the GET /frame/settings response body.
type SettingsView struct {
	Enabled             bool `json:"enabled"`
	AutoStart           bool `json:"auto_start"`
	HealthCheckInterval int  `json:"health_check_interval"`
}

// PackageUpdate is the PUT /frame/packages/{name} request body.
type PackageUpdate struct {
	MemoryLimit *int `json:"memory_limit,omitempty"`
	CPULimit    *int `json:"cpu_limit,omitempty"`
	MaxApps     *int `json:"max_apps,omitempty"`
	DiskQuota   *int `json:"disk_quota,omitempty"`
}

// SettingsStore is the narrow surface httpapi needs over the live
// service configuration, implemented by internal/engine.
type SettingsStore interface {
	GetSettings() SettingsView
	ApplySettings(SettingsUpdate) error
	ListPackages() ([]string, error)
	UpdatePackage(name string, upd PackageUpdate) error
}

// API wires the supervisor, health monitor, port allocator, metrics
// table and settings store into a router.
type API struct {
	sup      *supervisor.Supervisor
	mon      *health.Monitor
	alloc    *portalloc.Allocator
	met      *metrics.Table
	settings SettingsStore

	router chi.Router
}

// New builds an API and assembles its router.
func New(sup *supervisor.Supervisor, mon *health.Monitor, alloc *portalloc.Allocator, met *metrics.Table, settings SettingsStore) *API {
	a := &API{sup: sup, mon: mon, alloc: alloc, met: met, settings: settings}
	a.setupRouter()
	return a
}

func (a *API) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost"},
		AllowedMethods: []string{"GET", "POST", "PUT"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleOwnHealth)
	r.Get("/metrics", a.handleMetrics)

	r.Route("/frame", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/restart", a.handleRestartAll)

		r.Get("/instances", a.handleListInstances)
		r.Post("/instances/{user}", a.handleInstanceCreate)
		r.Delete("/instances/{user}", a.handleInstanceRemove)
		r.Post("/instances/{user}/start", a.handleInstanceStart)
		r.Post("/instances/{user}/stop", a.handleInstanceStop)
		r.Post("/instances/{user}/restart", a.handleInstanceRestart)
		r.Get("/instances/{user}/logs", a.handleInstanceLogs)
		r.Get("/instances/{user}/status", a.handleInstanceStatus)

		r.Get("/settings", a.handleGetSettings)
		r.Put("/settings", a.handlePutSettings)

		r.Get("/packages", a.handleListPackages)
		r.Put("/packages/{name}", a.handlePutPackage)

		r.Get("/ports", a.handlePorts)
	})

	a.router = r
}

// ServeHTTP lets API be used directly as an http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("handled request")
	})
}

func (a *API) handleOwnHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (a *API) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(a.met.ExportPrometheus()))
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := a.alloc.Stats()
	writeOK(w, map[string]interface{}{
		"instances_total":   a.sup.TotalCount(),
		"instances_running": a.sup.RunningCount(),
		"ports_allocated":   stats.Allocated,
		"ports_available":   stats.Free,
	})
}

func (a *API) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	if err := a.sup.RestartAll(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "restarted"})
}

func (a *API) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.sup.List())
}

func (a *API) handleInstanceCreate(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := a.sup.Create(user, nil); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "created"})
}

func (a *API) handleInstanceRemove(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := a.sup.Remove(user); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "removed"})
}

func (a *API) handleInstanceStart(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := a.sup.Start(user); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "started"})
}

func (a *API) handleInstanceStop(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := a.sup.Stop(user); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "stopped"})
}

func (a *API) handleInstanceRestart(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := a.sup.Restart(user); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "restarted"})
}

func (a *API) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	rec, err := a.sup.Status(user)
	if err != nil {
		writeErr(w, err)
		return
	}
	status, ok := a.mon.GetStatus(user)
	resp := map[string]interface{}{"instance": rec}
	if ok {
		resp["health"] = status
	}
	writeOK(w, resp)
}

func (a *API) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	_, err := a.sup.Status(user)
	if err != nil {
		writeErr(w, err)
		return
	}
	path, err := fileutil.ResolveSafePath(a.sup.InstanceDir(user), "logs/frame.log", []string{"logs"})
	if err != nil {
		writeErr(w, ferrors.New("httpapi.handleInstanceLogs", ferrors.ConfigInvalid, err))
		return
	}
	data, rerr := tailFile(path, 4096)
	if rerr != nil {
		writeErr(w, ferrors.New("httpapi.handleInstanceLogs", ferrors.IoFailure, rerr))
		return
	}
	writeOK(w, map[string]string{"logs": data})
}

func (a *API) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.settings.GetSettings())
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var upd SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeErr(w, ferrors.New("httpapi.handlePutSettings", ferrors.ConfigInvalid, err))
		return
	}
	if err := a.settings.ApplySettings(upd); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, a.settings.GetSettings())
}

func (a *API) handleListPackages(w http.ResponseWriter, _ *http.Request) {
	names, err := a.settings.ListPackages()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, names)
}

func (a *API) handlePutPackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var upd PackageUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeErr(w, ferrors.New("httpapi.handlePutPackage", ferrors.ConfigInvalid, err))
		return
	}
	if err := a.settings.UpdatePackage(name, upd); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"result": "updated"})
}

func (a *API) handlePorts(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]interface{}{
		"allocations": a.alloc.ListAllocations(),
		"stats":       a.alloc.Stats(),
	})
}

// tailFile returns up to the last maxBytes of path, or the whole file
// if shorter. Used for the instance log endpoint, which has no need
// for a streaming tail — this is a point-in-time snapshot.
func tailFile(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	offset := int64(0)
	if info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", err
	}
	return string(buf), nil
}
