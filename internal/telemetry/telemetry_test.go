package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-automation/internal/events"
)

func TestCollectorObservesBus(t *testing.T) {
	collector := NewCollector()
	bus := events.New(events.Options{Observer: collector}, zerolog.Nop())
	defer bus.Close()

	bus.Subscribe(events.OracleError, func(ctx context.Context, evt events.Event) error {
		return errors.New("boom")
	}, events.WithName("test.failing"))

	bus.Publish(events.BlockchainAPYUpdated, events.APYUpdatedPayload{NewAPY: 1500})
	bus.Publish(events.BlockchainHalvingExecuted, events.HalvingExecutedPayload{}, events.WithPriority(events.PriorityCritical))
	bus.Publish(events.SystemHealthCheck, events.HealthCheckPayload{Status: events.HealthDegraded})
	bus.Publish(events.OracleError, events.OracleErrorPayload{})
	bus.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.eventsPublished.WithLabelValues(string(events.BlockchainHalvingExecuted), "critical")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(collector.currentAPY))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.halvings))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.healthStatus.WithLabelValues(events.HealthDegraded)))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.healthStatus.WithLabelValues(events.HealthHealthy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.handlerFailures.WithLabelValues(string(events.OracleError), "test.failing", "false")))
}

func TestServerExposesMetrics(t *testing.T) {
	collector := NewCollector()
	collector.GaugeFunc("orchestrator", "running", "Whether the orchestrator is running.", func() float64 { return 1 })
	collector.EventPublished(events.Event{Type: events.OracleDataReceived})

	srv := httptest.NewServer(NewServer(":0", collector.Registry(), zerolog.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `policyd_bus_events_published_total{priority="normal",type="ORACLE_DATA_RECEIVED"} 1`), text)
	assert.Contains(t, text, "policyd_orchestrator_running 1")

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewCollector().Registry(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
