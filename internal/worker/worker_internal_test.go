package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
)

// newTestWorker builds a Worker without dialing Redis: asynq.NewClient and
// asynq.NewServer only store connection options lazily, so neither call
// touches the network until Start/Enqueue run.
func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	return New("127.0.0.1:0", nil)
}

func TestHandleHookRunSkipsMissingScript(t *testing.T) {
	w := newTestWorker(t)
	payload, _ := json.Marshal(HookRunPayload{ScriptPath: filepath.Join(t.TempDir(), "missing.sh")})
	task := asynq.NewTask(TaskHookRun, payload)

	if err := w.handleHookRun(context.Background(), task); err != nil {
		t.Errorf("handleHookRun with a missing script = %v, want nil (silent skip)", err)
	}
}

func TestHandleHookRunExecutesScriptWithEnv(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "hook.sh")
	marker := filepath.Join(dir, "ran")
	contents := "#!/bin/sh\necho -n \"$FRAME_USERNAME\" > \"" + marker + "\"\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(t)
	payload, _ := json.Marshal(HookRunPayload{ScriptPath: script, Env: map[string]string{"FRAME_USERNAME": "alice"}})
	task := asynq.NewTask(TaskHookRun, payload)

	if err := w.handleHookRun(context.Background(), task); err != nil {
		t.Fatalf("handleHookRun: %v", err)
	}

	got, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("hook script did not run (marker file missing): %v", err)
	}
	if string(got) != "alice" {
		t.Errorf("hook script saw FRAME_USERNAME=%q, want alice", got)
	}
}

func TestHandleHookRunMalformedPayload(t *testing.T) {
	w := newTestWorker(t)
	task := asynq.NewTask(TaskHookRun, []byte("not json"))
	if err := w.handleHookRun(context.Background(), task); err == nil {
		t.Error("expected an error unmarshaling a malformed payload")
	}
}
