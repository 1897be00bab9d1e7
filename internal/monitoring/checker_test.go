package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/config"
	"github.com/sells-group/datasheet-cli/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_EvaluatesWindowOnly(t *testing.T) {
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.5}
	collector := NewCollector()
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	for range 6 {
		collector.Observe(Observation{Status: model.TaskStatusFailed, Failure: model.FailureAllStrategiesFailed})
	}
	alerts := checker.check(context.Background(), zap.NewNop())
	assert.Len(t, alerts, 1)

	for range 6 {
		collector.Observe(Observation{Status: model.TaskStatusCompleted, Record: &model.GoldenRecord{}})
	}
	alerts = checker.check(context.Background(), zap.NewNop())
	assert.Empty(t, alerts, "earlier failures are outside the window")
}
