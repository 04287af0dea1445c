package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/websoft9/framed/internal/health"
	"github.com/websoft9/framed/internal/httpapi"
	"github.com/websoft9/framed/internal/instance"
	"github.com/websoft9/framed/internal/metrics"
	"github.com/websoft9/framed/internal/portalloc"
	"github.com/websoft9/framed/internal/portreg"
	"github.com/websoft9/framed/internal/procdriver"
	"github.com/websoft9/framed/internal/supervisor"
)

type fakeSettings struct {
	view     httpapi.SettingsView
	packages []string
	applyErr error
	pkgErr   error
}

func (f *fakeSettings) GetSettings() httpapi.SettingsView { return f.view }

func (f *fakeSettings) ApplySettings(upd httpapi.SettingsUpdate) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	if upd.Enabled != nil {
		f.view.Enabled = *upd.Enabled
	}
	if upd.AutoStart != nil {
		f.view.AutoStart = *upd.AutoStart
	}
	if upd.HealthCheckInterval != nil {
		f.view.HealthCheckInterval = *upd.HealthCheckInterval
	}
	return nil
}

func (f *fakeSettings) ListPackages() ([]string, error) { return f.packages, f.pkgErr }

func (f *fakeSettings) UpdatePackage(name string, upd httpapi.PackageUpdate) error {
	return f.pkgErr
}

func newAPI(t *testing.T) (*httpapi.API, *supervisor.Supervisor) {
	t.Helper()
	base := t.TempDir()

	alloc, err := portalloc.Open(filepath.Join(base, "ports.json"), portreg.Range{Start: 34000, End: 34050})
	if err != nil {
		t.Fatalf("portalloc.Open: %v", err)
	}

	binary := filepath.Join(base, "app.sh")
	sup := supervisor.New(filepath.Join(base, "instances"), binary, instance.NewTable(), alloc, procdriver.New(), nil, supervisor.DefaultLimits{CPUPercent: 25})
	mon := health.New(time.Hour, instance.NewTable(), nil, nil)
	met := metrics.NewTable()
	settings := &fakeSettings{view: httpapi.SettingsView{Enabled: true, AutoStart: true, HealthCheckInterval: 15}, packages: []string{"starter"}}

	return httpapi.New(sup, mon, alloc, met, settings), sup
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) httpapi.Envelope {
	t.Helper()
	var env httpapi.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v (body=%s)", err, rr.Body.String())
	}
	return env
}

func TestHandleOwnHealth(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Status != 1 {
		t.Errorf("Envelope.Status = %d, want 1", env.Status)
	}
}

func TestHandleMetricsEmptyTable(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandleStatus(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/status", nil))

	env := decodeEnvelope(t, rr)
	if env.Status != 1 {
		t.Fatalf("Envelope.Status = %d, want 1: %v", env.Status, env.Errors)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %#v, want a map", env.Data)
	}
	if _, ok := data["instances_total"]; !ok {
		t.Error("expected instances_total in status response")
	}
}

func TestInstanceCreateListAndRemove(t *testing.T) {
	api, sup := newAPI(t)

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/frame/instances/alice", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/instances", nil))
	env := decodeEnvelope(t, rr)
	list, ok := env.Data.([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("instance list = %#v, want one entry", env.Data)
	}

	rr = httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/frame/instances/alice", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("remove status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if _, err := sup.Status("alice"); err == nil {
		t.Error("expected Status to fail for a removed instance")
	}
}

func TestInstanceCreateRejectsUnsafeUsername(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/frame/instances/..", nil))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	if env.Status != 0 || len(env.Errors) == 0 {
		t.Errorf("Envelope = %+v, want a failure with an error message", env)
	}
}

func TestHandleInstanceLogsReturnsFileTail(t *testing.T) {
	api, sup := newAPI(t)
	if err := sup.Create("alice", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	logDir := filepath.Join(sup.InstanceDir("alice"), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(logDir, "frame.log"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/instances/alice/logs", nil))
	env := decodeEnvelope(t, rr)
	if env.Status != 1 {
		t.Fatalf("handleInstanceLogs failed: %v", env.Errors)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok || data["logs"] != "hello\n" {
		t.Errorf("Data = %#v, want logs=%q", env.Data, "hello\n")
	}
}

func TestHandleInstanceLogsUnknownUserReturns404(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/instances/ghost/logs", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestInstanceStartUnknownUserReturns404(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/frame/instances/ghost/start", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetAndPutSettings(t *testing.T) {
	api, _ := newAPI(t)

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/settings", nil))
	env := decodeEnvelope(t, rr)
	if env.Status != 1 {
		t.Fatalf("GetSettings failed: %v", env.Errors)
	}

	body, _ := json.Marshal(httpapi.SettingsUpdate{AutoStart: boolPtr(false)})
	req := httptest.NewRequest(http.MethodPut, "/frame/settings", bytes.NewReader(body))
	rr = httptest.NewRecorder()
	api.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("PutSettings status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var view httpapi.SettingsView
	env = decodeEnvelope(t, rr)
	raw, _ := json.Marshal(env.Data)
	_ = json.Unmarshal(raw, &view)
	if view.AutoStart {
		t.Error("expected AutoStart=false to take effect after PUT")
	}
}

func TestPutSettingsRejectsMalformedBody(t *testing.T) {
	api, _ := newAPI(t)
	req := httptest.NewRequest(http.MethodPut, "/frame/settings", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a malformed body", rr.Code)
	}
}

func TestListAndPutPackages(t *testing.T) {
	api, _ := newAPI(t)

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/packages", nil))
	env := decodeEnvelope(t, rr)
	if env.Status != 1 {
		t.Fatalf("ListPackages failed: %v", env.Errors)
	}

	body, _ := json.Marshal(httpapi.PackageUpdate{MaxApps: intPtr(10)})
	rr = httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/frame/packages/starter", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("PutPackage status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandlePorts(t *testing.T) {
	api, _ := newAPI(t)
	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/frame/ports", nil))

	env := decodeEnvelope(t, rr)
	if env.Status != 1 {
		t.Fatalf("handlePorts failed: %v", env.Errors)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %#v, want a map", env.Data)
	}
	if _, ok := data["stats"]; !ok {
		t.Error("expected a stats field in the ports response")
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
