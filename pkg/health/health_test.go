package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.err
}

// --- Helpers ---

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func passingCheck() CheckFunc {
	return func(_ context.Context) error {
		return nil
	}
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error {
		return errors.New(msg)
	}
}

// failPastThreshold runs c until it turns unhealthy.
func failPastThreshold(c *checkConfig) {
	for range failureThreshold {
		c.run(context.Background())
	}
}

func probe(t *testing.T, endpoint http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w.Code, body
}

// --- Tests ---

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]CheckFunc
		runs     int
		status   int
		failures []string
	}{
		{name: "no checks", status: http.StatusOK},
		{
			name:   "all passing",
			checks: map[string]CheckFunc{"goroutines": passingCheck(), "gc": passingCheck()},
			runs:   failureThreshold,
			status: http.StatusOK,
		},
		{
			name:   "failure below threshold",
			checks: map[string]CheckFunc{"flaky": failingCheck("temporary")},
			runs:   failureThreshold - 1,
			status: http.StatusOK,
		},
		{
			name:     "failure past threshold",
			checks:   map[string]CheckFunc{"goroutines": failingCheck("too many goroutines")},
			runs:     failureThreshold,
			status:   http.StatusServiceUnavailable,
			failures: []string{"goroutines"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, check := range tt.checks {
				h.AddLivenessCheck(name, time.Second, check)
			}
			for _, c := range h.livenessChecks {
				for range tt.runs {
					c.run(context.Background())
				}
			}

			code, body := probe(t, h.LiveEndpoint)
			assert.Equal(t, tt.status, code)
			if len(tt.failures) == 0 {
				assert.Equal(t, "ok", body.Status)
				assert.Empty(t, body.Checks)
				return
			}
			assert.Equal(t, "unhealthy", body.Status)
			for _, name := range tt.failures {
				assert.Contains(t, body.Checks, name)
			}
		})
	}
}

func TestReadyEndpoint_NotReadyUntilMarked(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())

	code, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "service is not ready", body.Checks["_readiness"])

	h.SetReady(true)
	code, body = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	// Draining.
	h.SetReady(false)
	code, _ = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpoint_ReportsOnlyFailingChecks(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("redis", time.Second, PingCheck(&mockPinger{err: errors.New("connection refused")}))
	h.SetReady(true)
	failPastThreshold(h.readinessChecks[1])

	code, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "ping: connection refused", body.Checks["redis"])
	assert.NotContains(t, body.Checks, "postgres")
	assert.False(t, h.IsReady())
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())

	assert.False(t, h.IsReady())
	h.SetReady(true)
	assert.True(t, h.IsReady())
	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(_ context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	c := h.livenessChecks[0]

	failPastThreshold(c)
	assert.False(t, c.isHealthy())
	assert.EqualError(t, c.getLastError(), "down")

	failing = false
	c.run(context.Background())
	assert.True(t, c.isHealthy())
	assert.NoError(t, c.getLastError())
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.AddReadinessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := h.readinessChecks[0]
	c.run(context.Background())
	assert.ErrorIs(t, c.getLastError(), context.DeadlineExceeded)
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("concurrent", time.Second, failingCheck("err"))
	h.AddReadinessCheck("concurrent", time.Second, passingCheck())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 10*time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
	h.Stop()
	h.Stop()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestBacklogCheck(t *testing.T) {
	tests := []struct {
		name    string
		backlog int
		err     error
		wantErr string
	}{
		{name: "empty", backlog: 0},
		{name: "at limit", backlog: 100},
		{name: "over limit", backlog: 101, wantErr: "backlog of 101 exceeds 100"},
		{name: "count fails", err: errors.New("no connection"), wantErr: "count backlog: no connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := BacklogCheck(func(context.Context) (int, error) {
				return tt.backlog, tt.err
			}, 100)
			err := check(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
