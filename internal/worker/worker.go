// Package worker runs the embedded Asynq task dispatcher used to
// execute hook scripts and monitor-triggered restarts off the
// goroutine that detected the need for them (SPEC_FULL.md §4.6, §4.7).
//
// Adapted from the teacher's own internal/worker/worker.go: same
// asynq.Server/asynq.Client skeleton and queue layout, new task types
// for the supervisor domain in place of the Docker-compose task set.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/framed/internal/supervisor"
)

const (
	// TaskHookRun executes a hook script with an environment built
	// from the triggering event.
	TaskHookRun = "hooks:run"
	// TaskRestartInstance restarts one user's instance, used by the
	// health monitor on sustained failure.
	TaskRestartInstance = "restart:instance"
)

// HookRunPayload is the task payload for TaskHookRun.
type HookRunPayload struct {
	ScriptPath string            `json:"script_path"`
	Env        map[string]string `json:"env"`
}

// RestartInstancePayload is the task payload for TaskRestartInstance.
type RestartInstancePayload struct {
	Username string `json:"username"`
}

// Worker wraps an Asynq server + client pair.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	sup    *supervisor.Supervisor
}

// New creates a Worker backed by Redis at redisAddr (default
// localhost:6379 when empty), dispatching restart tasks against sup.
func New(redisAddr string, sup *supervisor.Supervisor) *Worker {
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	return &Worker{
		server: srv,
		client: asynq.NewClient(opt),
		sup:    sup,
	}
}

// Start begins processing tasks in a background goroutine.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskHookRun, w.handleHookRun)
	mux.HandleFunc(TaskRestartInstance, w.handleRestartInstance)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Error().Err(err).Msg("asynq worker stopped")
		}
	}()
}

// Shutdown stops the server and closes the client.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

// EnqueueHookRun implements eventbus.Dispatcher.
func (w *Worker) EnqueueHookRun(scriptPath string, env map[string]string) error {
	payload, err := json.Marshal(HookRunPayload{ScriptPath: scriptPath, Env: env})
	if err != nil {
		return err
	}
	_, err = w.client.Enqueue(asynq.NewTask(TaskHookRun, payload), asynq.Queue("default"))
	return err
}

// EnqueueRestart implements health.RestartDispatcher.
func (w *Worker) EnqueueRestart(username string) error {
	payload, err := json.Marshal(RestartInstancePayload{Username: username})
	if err != nil {
		return err
	}
	_, err = w.client.Enqueue(asynq.NewTask(TaskRestartInstance, payload), asynq.Queue("critical"))
	return err
}

func (w *Worker) handleHookRun(ctx context.Context, t *asynq.Task) error {
	var p HookRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}

	if _, err := os.Stat(p.ScriptPath); err != nil {
		// Hook script not installed — silently skip, matching
		// original_source/events/hooks.rs's execute().
		return nil
	}

	cmd := exec.CommandContext(ctx, p.ScriptPath)
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn().Str("script", p.ScriptPath).Err(err).Bytes("output", out).Msg("hook script failed")
		return nil // hook failures are logged only, never retried
	}
	log.Debug().Str("script", p.ScriptPath).Msg("hook script executed")
	return nil
}

func (w *Worker) handleRestartInstance(_ context.Context, t *asynq.Task) error {
	var p RestartInstancePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	if err := w.sup.Restart(p.Username); err != nil {
		log.Error().Str("username", p.Username).Err(err).Msg("health-triggered restart failed")
	}
	return nil
}
