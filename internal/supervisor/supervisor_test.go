package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/instance"
	"github.com/websoft9/framed/internal/portalloc"
	"github.com/websoft9/framed/internal/portreg"
	"github.com/websoft9/framed/internal/procdriver"
	"github.com/websoft9/framed/internal/supervisor"
)

// longRunningScript writes a shell script at dir/app.sh that sleeps long
// enough to outlive a test, standing in for the per-user app binary.
func longRunningScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "app.sh")
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nsleep 30 &\nwait $!\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	base := t.TempDir()
	binary := longRunningScript(t, base)

	alloc, err := portalloc.Open(filepath.Join(base, "ports.json"), portreg.Range{Start: 33000, End: 33050})
	if err != nil {
		t.Fatalf("portalloc.Open: %v", err)
	}

	sup := supervisor.New(filepath.Join(base, "instances"), binary, instance.NewTable(), alloc, procdriver.New(), nil, supervisor.DefaultLimits{
		CPUPercent:  25,
		DiskQuotaMB: 1024,
	})
	return sup
}

func TestCreateRejectsUnsafeUsername(t *testing.T) {
	sup := newSupervisor(t)
	for _, bad := range []string{"..", "../escape", "a/b", ""} {
		err := sup.Create(bad, nil)
		if err == nil {
			t.Errorf("Create(%q) = nil, want an error", bad)
			continue
		}
		if ferrors.KindOf(err) != ferrors.ConfigInvalid {
			t.Errorf("Create(%q): KindOf = %v, want ConfigInvalid", bad, ferrors.KindOf(err))
		}
	}
}

func TestCreateThenStatus(t *testing.T) {
	sup := newSupervisor(t)
	if err := sup.Create("alice", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := sup.Status("alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.State != instance.Stopped {
		t.Errorf("State after Create = %v, want Stopped", rec.State)
	}
}

func TestStatusUnknownUser(t *testing.T) {
	sup := newSupervisor(t)
	_, err := sup.Status("ghost")
	if ferrors.KindOf(err) != ferrors.NotFound {
		t.Errorf("KindOf = %v, want NotFound", ferrors.KindOf(err))
	}
}

func TestStartSpawnsAndStopTerminates(t *testing.T) {
	sup := newSupervisor(t)
	if err := sup.Create("alice", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sup.Start("alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec, err := sup.Status("alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.State != instance.Running {
		t.Fatalf("State after Start = %v, want Running", rec.State)
	}
	if rec.PID == 0 {
		t.Fatal("expected a nonzero PID after Start")
	}
	if rec.Port < 33000 || rec.Port > 33050 {
		t.Errorf("Port = %d, out of configured range", rec.Port)
	}

	if err := sup.Stop("alice"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec, _ = sup.Status("alice")
	if rec.State != instance.Stopped || rec.PID != 0 {
		t.Errorf("record after Stop = %+v, want Stopped/PID=0", rec)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil)
	if err := sup.Start("alice"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first, _ := sup.Status("alice")

	if err := sup.Start("alice"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second, _ := sup.Status("alice")

	if first.PID != second.PID {
		t.Errorf("starting an already-running instance spawned a new process: %d vs %d", first.PID, second.PID)
	}
	sup.Stop("alice")
}

func TestStopIsIdempotent(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil)

	if err := sup.Stop("alice"); err != nil {
		t.Errorf("Stop on a never-started instance = %v, want nil", err)
	}
	if err := sup.Stop("alice"); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestStartUnknownUserReturnsNotFound(t *testing.T) {
	sup := newSupervisor(t)
	err := sup.Start("ghost")
	if ferrors.KindOf(err) != ferrors.NotFound {
		t.Errorf("KindOf = %v, want NotFound", ferrors.KindOf(err))
	}
}

func TestRemoveDeletesStateAndDirectory(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil)
	dir := sup.InstanceDir("alice")

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected instance dir to exist after Create: %v", err)
	}

	if err := sup.Remove("alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected instance dir removed, stat err = %v", err)
	}
	if _, err := sup.Status("alice"); ferrors.KindOf(err) != ferrors.NotFound {
		t.Errorf("expected NotFound after Remove, got %v", err)
	}
}

func TestRestartReplacesProcess(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil)
	if err := sup.Start("alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, _ := sup.Status("alice")

	if err := sup.Restart("alice"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	after, _ := sup.Status("alice")

	if after.State != instance.Running {
		t.Fatalf("State after Restart = %v, want Running", after.State)
	}
	if before.PID == after.PID {
		t.Errorf("Restart kept the same PID %d, want a new process", before.PID)
	}
	sup.Stop("alice")
}

func TestRunningAndTotalCount(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil)
	sup.Create("bob", nil)
	sup.Start("alice")

	if got := sup.TotalCount(); got != 2 {
		t.Errorf("TotalCount = %d, want 2", got)
	}
	if got := sup.RunningCount(); got != 1 {
		t.Errorf("RunningCount = %d, want 1", got)
	}
	sup.Stop("alice")
}

func TestAutoStartSweepRespectsServiceGateAndPerUserFlag(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil) // default config has AutoStart=true

	noAuto := instance.Limits{MemoryMB: 512, CPUPercent: 25, MaxApps: 5}
	sup.Create("bob", &noAuto)
	// Opt bob out through his own config.json and reload the table from disk.
	bobCfg := instance.DefaultConfig()
	bobCfg.AutoStart = false
	if err := instance.SaveConfig(sup.InstanceDir("bob"), bobCfg); err != nil {
		t.Fatalf("SaveConfig(bob): %v", err)
	}
	if err := sup.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Service-level gate off: sweep must be a no-op even for alice.
	if err := sup.AutoStartSweep(context.Background(), false); err != nil {
		t.Fatalf("AutoStartSweep(gate off): %v", err)
	}
	aliceRec, _ := sup.Status("alice")
	if aliceRec.State == instance.Running {
		t.Error("AutoStartSweep started an instance despite serviceAutoStart=false")
	}

	if err := sup.AutoStartSweep(context.Background(), true); err != nil {
		t.Fatalf("AutoStartSweep(gate on): %v", err)
	}
	aliceRec, _ = sup.Status("alice")
	if aliceRec.State != instance.Running {
		t.Error("AutoStartSweep did not start alice's auto_start instance")
	}
	bobRec, _ := sup.Status("bob")
	if bobRec.State == instance.Running {
		t.Error("AutoStartSweep started bob despite his auto_start=false")
		sup.Stop("bob")
	}
	sup.Stop("alice")
}

func TestRefreshUsagePopulatesRunningInstances(t *testing.T) {
	sup := newSupervisor(t)
	sup.Create("alice", nil)
	if err := sup.Start("alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop("alice")

	// Give the child process a moment to accumulate measurable CPU ticks.
	time.Sleep(150 * time.Millisecond)
	sup.RefreshUsage()

	rec, _ := sup.Status("alice")
	if rec.LastHealthCheck == nil {
		t.Error("RefreshUsage did not stamp LastHealthCheck for a running instance")
	}
}
