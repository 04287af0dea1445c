// Package cgroupv2 applies advisory memory/CPU limits to a spawned
// instance process via the cgroup v2 filesystem, when available. Every
// call is best-effort: failures (missing mount, no permission, running
// inside an unprivileged container) are returned to the caller to log,
// never to abort a spawn over — resource limiting is an enhancement,
// not a spawn precondition, per SPEC_FULL.md §4.3's platform note.
package cgroupv2

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const mountPoint = "/sys/fs/cgroup"

// Group represents one frame-managed cgroup under
// /sys/fs/cgroup/frame/<username>/.
type Group struct {
	path string
}

// Open creates (or reuses) the cgroup for username.
func Open(username string) (*Group, error) {
	path := filepath.Join(mountPoint, "frame", username)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("cgroupv2: create %s: %w", path, err)
	}
	return &Group{path: path}, nil
}

// SetMemoryLimit writes memory.max in bytes.
func (g *Group) SetMemoryLimit(bytes uint64) error {
	return os.WriteFile(filepath.Join(g.path, "memory.max"), []byte(strconv.FormatUint(bytes, 10)), 0o644)
}

// SetCPULimit writes cpu.max as "<quota> <period>" for percent% of one CPU.
func (g *Group) SetCPULimit(percent int) error {
	const period = 100000 // 100ms, cgroup v2 default period
	quota := period * percent / 100
	return os.WriteFile(filepath.Join(g.path, "cpu.max"), []byte(fmt.Sprintf("%d %d", quota, period)), 0o644)
}

// AddProcess attaches pid to the group by writing cgroup.procs.
func (g *Group) AddProcess(pid int) error {
	return os.WriteFile(filepath.Join(g.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}
