package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devrun/internal/controller"
	"github.com/loykin/devrun/internal/process"
)

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	ctrl, err := controller.New(process.Spec{
		Name:        "api",
		Runtime:     "/bin/sh",
		Command:     "-c",
		Args:        []string{"sleep 30"},
		PIDFile:     filepath.Join(t.TempDir(), "api.pid"),
		StopTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ctrl.Stop(ctx)
		_ = ctrl.Close(ctx)
	})
	return ctrl
}

func setupRouter(t *testing.T, ctrl Controller, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctrl, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) controller.Status {
	t.Helper()
	var st controller.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v: %s", err, rec.Body.String())
	}
	return st
}

func TestStatusAbsent(t *testing.T) {
	h := setupRouter(t, newController(t), "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	st := decodeStatus(t, rec)
	if st.Name != "api" || st.State != "absent" || st.Running {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestStartRestartStop(t *testing.T) {
	h := setupRouter(t, newController(t), "/api")

	rec := doReq(t, h, http.MethodPost, "/api/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	first := decodeStatus(t, rec)
	if !first.Running || first.PID == 0 {
		t.Fatalf("worker not running after start: %+v", first)
	}

	rec = doReq(t, h, http.MethodPost, "/api/start")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPost, "/api/restart")
	if rec.Code != http.StatusOK {
		t.Fatalf("restart: %d %s", rec.Code, rec.Body.String())
	}
	second := decodeStatus(t, rec)
	if second.PID == first.PID || second.Restarts != 1 {
		t.Fatalf("restart did not replace worker: %+v -> %+v", first, second)
	}

	rec = doReq(t, h, http.MethodPost, "/api/stop?wait=5s")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	if st := decodeStatus(t, rec); st.Running {
		t.Fatalf("worker still running after stop: %+v", st)
	}
}

func TestRestartWithoutPIDFile(t *testing.T) {
	h := setupRouter(t, newController(t), "")
	rec := doReq(t, h, http.MethodPost, "/restart")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStopInvalidWait(t *testing.T) {
	h := setupRouter(t, newController(t), "")
	rec := doReq(t, h, http.MethodPost, "/stop?wait=soon")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := setupRouter(t, newController(t), "")
	rec := doReq(t, h, http.MethodGet, "/healthz")
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(headerRequestID); got != "abc" {
		t.Fatalf("request id not echoed: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, newController(t), "/api", WithMetrics(true))
	if rec := doReq(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}

	h = setupRouter(t, newController(t), "/api")
	if rec := doReq(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be absent by default, got %d", rec.Code)
	}
}

func TestMetricsEndpoint_CustomGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "devrun_custom_total", Help: "x"}))
	h := setupRouter(t, newController(t), "/api", WithMetrics(true), WithGatherer(reg))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "devrun_custom_total") {
		t.Fatalf("custom registry not served:\n%s", rec.Body.String())
	}
}

type failing struct{ err error }

func (f failing) Start(context.Context) (*process.Handle, error)   { return nil, f.err }
func (f failing) Restart(context.Context) (*process.Handle, error) { return nil, f.err }
func (f failing) Stop(context.Context) error                       { return f.err }
func (f failing) Status() controller.Status                        { return controller.Status{} }

func TestErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{controller.ErrAlreadyRunning, http.StatusConflict},
		{fmt.Errorf("restart: %w", process.ErrPIDFileUnavailable), http.StatusNotFound},
		{process.ErrMalformedPID, http.StatusUnprocessableEntity},
		{controller.ErrClosed, http.StatusServiceUnavailable},
		{process.ErrTerminateTimeout, http.StatusGatewayTimeout},
		{process.ErrSpawn, http.StatusInternalServerError},
	}
	for _, c := range cases {
		h := setupRouter(t, failing{err: c.err}, "")
		for _, path := range []string{"/start", "/restart", "/stop"} {
			rec := doReq(t, h, http.MethodPost, path)
			if rec.Code != c.want {
				t.Fatalf("%s with %v: got %d want %d", path, c.err, rec.Code, c.want)
			}
			var e errorResp
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error == "" {
				t.Fatalf("%s: bad error body %q", path, rec.Body.String())
			}
		}
	}
}
