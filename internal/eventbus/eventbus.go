// Package eventbus implements the lifecycle event bus and hook
// dispatch described in SPEC_FULL.md §4.7.
//
// Grounded on original_source/src/manager/src/events/{mod,hooks}.rs:
// the same event variants, the same hook-name mapping, the same
// FRAME_* environment variable conventions. In-process subscribers get
// a bounded, drop-oldest channel (the Go equivalent of
// tokio::sync::broadcast's lagging-receiver semantics); hook execution
// is handed off to the task dispatcher (internal/worker) instead of
// running inline, so emit() never blocks on a subprocess.
package eventbus

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event variant.
type Kind string

const (
	InstanceStarted      Kind = "instance_started"
	InstanceStopped      Kind = "instance_stopped"
	InstanceCrashed      Kind = "instance_crashed"
	AppDeployed          Kind = "app_deployed"
	AppRemoved           Kind = "app_removed"
	ResourceLimitReached Kind = "resource_limit_reached"
	HealthCheckFailed    Kind = "health_check_failed"
	ConfigReloaded       Kind = "config_reloaded"
	ServiceStarted       Kind = "service_started"
	ServiceStopped       Kind = "service_stopped"
)

// hookNames maps each Kind to the fixed script name invoked for it,
// matching original_source/events/hooks.rs's execute() match exactly.
var hookNames = map[Kind]string{
	InstanceStarted:      "on_instance_started",
	InstanceStopped:      "on_instance_stopped",
	InstanceCrashed:      "on_instance_crashed",
	AppDeployed:          "on_app_deployed",
	AppRemoved:           "on_app_removed",
	ResourceLimitReached: "on_resource_limit",
	HealthCheckFailed:    "on_health_check_failed",
	ConfigReloaded:       "on_config_reloaded",
	ServiceStarted:       "on_service_started",
	ServiceStopped:       "on_service_stopped",
}

// HookName returns the fixed hook script name for kind.
func HookName(kind Kind) string { return hookNames[kind] }

// Event carries the variant-specific fields. Unused fields are left
// zero; Fields is kept loose (map) for the ones that vary per kind.
type Event struct {
	Kind Kind
	// Username is set for every variant except the three global
	// service-level events (ConfigReloaded/ServiceStarted/ServiceStopped).
	Username  string
	Port      int
	Apps      []string
	ExitCode  *int
	Reason    string
	AppName   string
	Resource  string
	Current   uint64
	Limit     uint64
	CheckName string
	Message   string
}

// Envelope wraps an Event with a timestamp and correlation metadata,
// matching original_source's EventEnvelope.
type Envelope struct {
	Event     Event             `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

func newEnvelope(e Event) Envelope {
	return Envelope{
		Event:     e,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"event_id": uuid.NewString()},
	}
}

// EnvVars converts e into the FRAME_* environment variables a hook
// script receives, matching original_source/events/hooks.rs's
// event_to_env exactly.
func (e Event) EnvVars() map[string]string {
	env := map[string]string{}
	switch e.Kind {
	case InstanceStarted:
		env["FRAME_USERNAME"] = e.Username
		env["FRAME_PORT"] = itoa(e.Port)
		env["FRAME_APPS"] = joinComma(e.Apps)
	case InstanceStopped:
		env["FRAME_USERNAME"] = e.Username
	case InstanceCrashed:
		env["FRAME_USERNAME"] = e.Username
		if e.ExitCode != nil {
			env["FRAME_EXIT_CODE"] = itoa(*e.ExitCode)
		}
		env["FRAME_REASON"] = e.Reason
	case AppDeployed, AppRemoved:
		env["FRAME_USERNAME"] = e.Username
		env["FRAME_APP_NAME"] = e.AppName
	case ResourceLimitReached:
		env["FRAME_USERNAME"] = e.Username
		env["FRAME_RESOURCE"] = e.Resource
		env["FRAME_CURRENT"] = utoa(e.Current)
		env["FRAME_LIMIT"] = utoa(e.Limit)
	case HealthCheckFailed:
		env["FRAME_USERNAME"] = e.Username
		env["FRAME_CHECK_NAME"] = e.CheckName
		env["FRAME_MESSAGE"] = e.Message
	case ConfigReloaded, ServiceStarted, ServiceStopped:
		// no fields
	}
	return env
}

// Dispatcher is the subset of internal/worker.Worker the bus needs:
// fire-and-forget enqueue of a hook-run task.
type Dispatcher interface {
	EnqueueHookRun(scriptPath string, env map[string]string) error
}

// Bus fans events out to subscribers and dispatches hook execution.
type Bus struct {
	hooksDir   string
	dispatcher Dispatcher

	mu   sync.Mutex
	subs []chan Envelope
}

const subscriberBuffer = 100

// New returns a Bus that looks for hook scripts under hooksDir and
// enqueues their execution onto dispatcher.
func New(hooksDir string, dispatcher Dispatcher) *Bus {
	return &Bus{hooksDir: hooksDir, dispatcher: dispatcher}
}

// Subscribe returns a channel that receives every emitted envelope.
// When the subscriber falls behind, the oldest buffered envelope is
// dropped to make room for the newest (drop-oldest, never blocks the
// emitter) — Go channels can't do this natively, so Emit retries a
// single drop-and-resend on a full channel instead.
func (b *Bus) Subscribe() <-chan Envelope {
	out := make(chan Envelope, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, out)
	b.mu.Unlock()
	return out
}

// Emit broadcasts event to subscribers (drop-oldest on a full channel)
// and enqueues a run of its hook script onto the dispatcher; whether the
// script exists is not checked here.
func (b *Bus) Emit(e Event) {
	env := newEnvelope(e)

	b.mu.Lock()
	subs := make([]chan Envelope, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			// Full: drop the oldest queued envelope, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- env:
			default:
			}
		}
	}

	if b.dispatcher == nil {
		return
	}
	name := HookName(e.Kind)
	if name == "" {
		return
	}
	scriptPath := b.hooksDir + "/" + name
	_ = b.dispatcher.EnqueueHookRun(scriptPath, e.EnvVars())
}

// NotifyHealthCheckFailed implements health.FailureNotifier by emitting
// a HealthCheckFailed event for the failing check.
func (b *Bus) NotifyHealthCheckFailed(username, checkName, message string) {
	b.Emit(Event{Kind: HealthCheckFailed, Username: username, CheckName: checkName, Message: message})
}

func itoa(n int) string    { return strconv.Itoa(n) }
func utoa(n uint64) string { return strconv.FormatUint(n, 10) }

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
