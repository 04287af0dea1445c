// Package procdriver spawns, signals, and inspects the backing server
// processes the supervisor manages (SPEC_FULL.md §4.3).
//
// Grounded on original_source/src/manager/src/instance/process.rs for
// spawn/stop timing and signal semantics, and on
// internal/supervisor/resources.go for the /proc parsing idiom (here
// corrected from a lifetime cumulative ratio into a true sampled rate,
// per the Open Question resolution in DESIGN.md).
package procdriver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/procdriver/cgroupv2"
)

const (
	settleWindow       = 100 * time.Millisecond
	gracefulStopBudget = 5 * time.Second
	gracefulStopPoll   = 100 * time.Millisecond
)

// Limits mirrors SPEC_FULL.md's per-instance resource caps, published
// into the child's environment as FRAME_* variables.
type Limits struct {
	MemoryMB       int
	CPUPercent     int
	MaxConnections int
}

// SpawnRequest describes one Spawn call's arguments.
type SpawnRequest struct {
	Username    string
	BinaryPath  string
	Port        int
	InstanceDir string // contains apps/, data/, logs/
	Limits      Limits
}

// Driver spawns and supervises OS processes on behalf of the supervisor.
type Driver struct {
	mu      sync.Mutex
	samples map[int]cpuSample // pid -> last observed cpu ticks/time
}

type cpuSample struct {
	ticks     uint64
	sampledAt time.Time
}

// New returns a ready Driver.
func New() *Driver {
	return &Driver{samples: make(map[int]cpuSample)}
}

// Spawn execs req.BinaryPath as req.Username, detached from the
// parent's stdio, and returns the resulting process ID once a brief
// settling window confirms the process didn't exit immediately.
func (d *Driver) Spawn(req SpawnRequest) (int, error) {
	appsDir := filepath.Join(req.InstanceDir, "apps")
	dataDir := filepath.Join(req.InstanceDir, "data")
	logDir := filepath.Join(req.InstanceDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return 0, ferrors.New("procdriver.Spawn", ferrors.IoFailure, err)
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "frame.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, ferrors.New("procdriver.Spawn", ferrors.IoFailure, err)
	}
	defer logFile.Close()

	cmd := exec.Command(req.BinaryPath,
		"--port", strconv.Itoa(req.Port),
		"--app-dir", appsDir,
		"--data-dir", dataDir,
		"--memory-limit", strconv.Itoa(req.Limits.MemoryMB),
	)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FRAME_MEMORY_LIMIT_MB=%d", req.Limits.MemoryMB),
		fmt.Sprintf("FRAME_CPU_LIMIT_PERCENT=%d", req.Limits.CPUPercent),
		fmt.Sprintf("FRAME_MAX_CONNECTIONS=%d", req.Limits.MaxConnections),
	)

	if cred, err := credentialFor(req.Username); err == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		return 0, ferrors.New("procdriver.Spawn", ferrors.SpawnFailed, err)
	}
	pid := cmd.Process.Pid

	// Reap the child asynchronously so it never becomes a zombie; we
	// don't wait on the result here, only on IsRunning/Stop.
	go func() { _ = cmd.Wait() }()

	time.Sleep(settleWindow)
	if !d.IsRunning(pid) {
		return 0, ferrors.New("procdriver.Spawn", ferrors.SpawnFailed,
			fmt.Errorf("process for user %s exited immediately", req.Username))
	}

	applyCgroupLimits(req.Username, pid, req.Limits)
	return pid, nil
}

// applyCgroupLimits confines pid to a per-user cgroup v2 hierarchy with
// req's memory/CPU caps. Best-effort: a kernel without cgroup v2
// mounted, or a caller without permission to write it, leaves the
// process running unconfined rather than failing the spawn.
func applyCgroupLimits(username string, pid int, limits Limits) {
	grp, err := cgroupv2.Open(username)
	if err != nil {
		return
	}
	_ = grp.SetMemoryLimit(uint64(limits.MemoryMB) * 1024 * 1024)
	_ = grp.SetCPULimit(limits.CPUPercent)
	_ = grp.AddProcess(pid)
}

// credentialFor resolves username to a syscall.Credential for
// exec.Cmd.SysProcAttr. Errors (e.g. running as non-root, or the
// lookup failing) are returned so the caller can fall back to running
// unprivileged — useful in tests and non-Linux development.
func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// Stop signals pid to terminate gracefully (SIGTERM), polling for up
// to gracefulStopBudget before escalating to SIGKILL.
func (d *Driver) Stop(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil // nothing to stop
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || isESRCH(err) {
			return nil
		}
	}

	deadline := time.Now().Add(gracefulStopBudget)
	for time.Now().Before(deadline) {
		time.Sleep(gracefulStopPoll)
		if !d.IsRunning(pid) {
			return nil
		}
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		if !(errors.Is(err, os.ErrProcessDone) || isESRCH(err)) {
			return ferrors.New("procdriver.Stop", ferrors.SignalFailed, err)
		}
	}
	return nil
}

func isESRCH(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

// IsRunning reports whether pid refers to a live process, using the
// signal-zero idiom (kill(pid, 0)).
func (d *Driver) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Usage is the resource snapshot returned by ResourceUsage.
type Usage struct {
	MemoryBytes uint64
	CPUPercent  float64
}

// ResourceUsage reads /proc/<pid>/statm for RSS and /proc/<pid>/stat
// for CPU ticks, and converts the tick delta since the previous call
// for this pid into a true CPU-percent rate (ticks/sec ÷
// clock-ticks-per-sec). The first observation for a pid has no prior
// sample to diff against, so it reports 0% and only seeds the sample.
func (d *Driver) ResourceUsage(pid int) (Usage, error) {
	mem, err := readRSS(pid)
	if err != nil {
		return Usage{}, ferrors.New("procdriver.ResourceUsage", ferrors.IoFailure, err)
	}
	ticks, err := readCPUTicks(pid)
	if err != nil {
		return Usage{}, ferrors.New("procdriver.ResourceUsage", ferrors.IoFailure, err)
	}

	now := time.Now()
	d.mu.Lock()
	prev, had := d.samples[pid]
	d.samples[pid] = cpuSample{ticks: ticks, sampledAt: now}
	d.mu.Unlock()

	if !had || ticks < prev.ticks {
		return Usage{MemoryBytes: mem, CPUPercent: 0}, nil
	}

	elapsed := now.Sub(prev.sampledAt).Seconds()
	if elapsed <= 0 {
		return Usage{MemoryBytes: mem, CPUPercent: 0}, nil
	}

	const clockTicksPerSec = 100.0 // USER_HZ on Linux
	deltaTicks := float64(ticks - prev.ticks)
	cpuPercent := (deltaTicks / clockTicksPerSec) / elapsed * 100.0
	if cpuPercent > 100 {
		cpuPercent = 100
	}
	return Usage{MemoryBytes: mem, CPUPercent: cpuPercent}, nil
}

// ForgetSample drops any stored CPU-tick sample for pid, called after
// an instance stops so a reused pid doesn't inherit a stale baseline.
func (d *Driver) ForgetSample(pid int) {
	d.mu.Lock()
	delete(d.samples, pid)
	d.mu.Unlock()
}

const pageSize = 4096

func readRSS(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, nil
	}
	rssPages, _ := strconv.ParseUint(fields[1], 10, 64)
	return rssPages * pageSize, nil
}

func readCPUTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// Fields 14 (utime) and 15 (stime), 1-indexed per proc(5); field 2
	// (comm) may contain spaces inside parens, so split after the
	// final ')' rather than on whitespace alone.
	close := strings.LastIndex(string(data), ")")
	if close < 0 || close+1 >= len(data) {
		return 0, nil
	}
	rest := strings.Fields(string(data)[close+1:])
	// rest[0] is field 3 (state); utime is field 14 => rest[11].
	if len(rest) < 12 {
		return 0, nil
	}
	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	return utime + stime, nil
}
