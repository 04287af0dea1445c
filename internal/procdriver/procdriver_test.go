package procdriver_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/procdriver"
)

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.sh")
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseRequest(t *testing.T, binary string) procdriver.SpawnRequest {
	return procdriver.SpawnRequest{
		Username:    "nobody-test-user", // unlikely to resolve via user.Lookup; Spawn must fall back unprivileged
		BinaryPath:  binary,
		Port:        18080,
		InstanceDir: t.TempDir(),
		Limits:      procdriver.Limits{MemoryMB: 256, CPUPercent: 25, MaxConnections: 10},
	}
}

func TestSpawnStartsProcessThatStaysRunning(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait $!\n")
	d := procdriver.New()

	pid, err := d.Spawn(baseRequest(t, binary))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid == 0 {
		t.Fatal("Spawn returned pid 0")
	}
	if !d.IsRunning(pid) {
		t.Error("IsRunning(pid) = false immediately after a successful Spawn")
	}
	if err := d.Stop(pid); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSpawnFailsWhenProcessExitsImmediately(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\nexit 1\n")
	d := procdriver.New()

	_, err := d.Spawn(baseRequest(t, binary))
	if err == nil {
		t.Fatal("expected Spawn to fail for a process that exits within the settle window")
	}
	if ferrors.KindOf(err) != ferrors.SpawnFailed {
		t.Errorf("KindOf = %v, want SpawnFailed", ferrors.KindOf(err))
	}
}

func TestSpawnWritesStdoutToLogFile(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\necho hello-from-app\ntrap 'exit 0' TERM\nsleep 30 &\nwait $!\n")
	d := procdriver.New()
	req := baseRequest(t, binary)

	pid, err := d.Spawn(req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Stop(pid)

	logPath := filepath.Join(req.InstanceDir, "logs", "frame.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if string(data) != "hello-from-app\n" {
		t.Errorf("log file contents = %q, want %q", data, "hello-from-app\n")
	}
}

func TestIsRunningFalseForInvalidPid(t *testing.T) {
	d := procdriver.New()
	if d.IsRunning(0) {
		t.Error("IsRunning(0) = true, want false")
	}
	if d.IsRunning(-1) {
		t.Error("IsRunning(-1) = true, want false")
	}
}

func TestStopOnAlreadyDeadPidIsNoop(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\nexit 0\n")
	d := procdriver.New()

	// A pid that's never been used by this test process (a closed
	// range far past any realistic live pid) stands in for "already dead".
	if err := d.Stop(999999); err != nil {
		t.Errorf("Stop(unused pid) = %v, want nil", err)
	}
	_ = binary
}

func TestResourceUsageFirstSampleReportsZeroCPU(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait $!\n")
	d := procdriver.New()

	pid, err := d.Spawn(baseRequest(t, binary))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Stop(pid)

	usage, err := d.ResourceUsage(pid)
	if err != nil {
		t.Fatalf("ResourceUsage: %v", err)
	}
	if usage.CPUPercent != 0 {
		t.Errorf("first ResourceUsage CPUPercent = %v, want 0 (no prior sample)", usage.CPUPercent)
	}
	if usage.MemoryBytes == 0 {
		t.Error("expected a nonzero RSS for a live process")
	}
}

func TestResourceUsageSecondSampleComputesRate(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait $!\n")
	d := procdriver.New()

	pid, err := d.Spawn(baseRequest(t, binary))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Stop(pid)

	if _, err := d.ResourceUsage(pid); err != nil {
		t.Fatalf("first ResourceUsage: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	usage, err := d.ResourceUsage(pid)
	if err != nil {
		t.Fatalf("second ResourceUsage: %v", err)
	}
	if usage.CPUPercent < 0 || usage.CPUPercent > 100 {
		t.Errorf("CPUPercent = %v, want a value in [0, 100]", usage.CPUPercent)
	}
}

func TestForgetSampleDropsStoredBaseline(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait $!\n")
	d := procdriver.New()

	pid, err := d.Spawn(baseRequest(t, binary))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer d.Stop(pid)

	if _, err := d.ResourceUsage(pid); err != nil {
		t.Fatalf("ResourceUsage: %v", err)
	}
	d.ForgetSample(pid)

	usage, err := d.ResourceUsage(pid)
	if err != nil {
		t.Fatalf("ResourceUsage after ForgetSample: %v", err)
	}
	if usage.CPUPercent != 0 {
		t.Errorf("CPUPercent right after ForgetSample = %v, want 0 (no baseline)", usage.CPUPercent)
	}
}
