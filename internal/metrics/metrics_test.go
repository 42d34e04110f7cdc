package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	IncStart("w")
	IncStart("w")
	IncRestart("w")
	IncStop("w")
	IncExit("w")
	IncError("w", "stale_pid")
	ObserveTerminate("w", 0.25)
	RecordStateTransition("w", "absent", "starting")
	SetCurrentState("w", "running", true)
	ObserveTask("compile", 1.5, nil)
	ObserveTask("compile", 0.5, errors.New("boom"))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"devrun_worker_starts_total":               false,
		"devrun_worker_restarts_total":             false,
		"devrun_worker_stops_total":                false,
		"devrun_worker_exits_total":                false,
		"devrun_worker_errors_total":               false,
		"devrun_worker_terminate_duration_seconds": false,
		"devrun_worker_state_transitions_total":    false,
		"devrun_worker_current_state":              false,
		"devrun_task_runs_total":                   false,
		"devrun_task_duration_seconds":             false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), "metric %s has no samples", mf.GetName())
		}
		switch mf.GetName() {
		case "devrun_worker_starts_total":
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
		case "devrun_task_runs_total":
			assert.Len(t, mf.GetMetric(), 2, "ok and error results are separate series")
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected to find metric %s", n)
	}
}

func TestHandlerForServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	IncStart("served")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `devrun_worker_starts_total{name="served"}`)
}

func TestSampleResources_Self(t *testing.T) {
	s, err := SampleResources(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.NotZero(t, s.MemoryRSS)
}

func TestWorkerCollector(t *testing.T) {
	pid := 0
	c := NewWorkerCollector("w", func() int { return pid })
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs, "no worker, no samples")

	pid = os.Getpid()
	mfs, err = reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "devrun_worker_memory_rss_bytes")
	assert.Contains(t, joined, "devrun_worker_threads")
}
