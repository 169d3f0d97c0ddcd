package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Statuses(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(CheckpointStoreCheck(func(context.Context) error { return nil }))
	assert.Equal(t, HealthStatusHealthy, hc.Check(context.Background()).Status)

	hc.RegisterCheck(CheckpointStoreCheck(func(context.Context) error { return errors.New("redis: connection refused 10.0.0.5:6379") }))
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, "check failed", resp.Checks["checkpoint_store"].Message)

	hc.RegisterCheck(DomainStoreCheck("clinical", func(context.Context) error { return errors.New("down") }))
	assert.Equal(t, HealthStatusUnhealthy, hc.Check(context.Background()).Status)
	assert.Equal(t, []string{"checkpoint_store", "domain_clinical"}, hc.Names())
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Timeout:  20 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	start := time.Now()
	assert.Equal(t, HealthStatusUnhealthy, hc.Check(context.Background()).Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServerRoutes(t *testing.T) {
	InitMetrics()
	RecordTurn("webapp", "respond")

	hc := NewHealthChecker("1.2.3")
	ready := true
	hc.RegisterCheck(DomainStoreCheck("operational", func(context.Context) error {
		if ready {
			return nil
		}
		return errors.New("down")
	}))
	srv := NewServer(":0", hc)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	ready = false
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clinicflow_turns_total")
}
