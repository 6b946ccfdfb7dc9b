package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordBeforeInitIsNoop(t *testing.T) {
	ctx := context.Background()
	RecordWorkflow(ctx, "completed", time.Second)
	RecordTask(ctx, "writer", "completed", time.Second, 10)
	RecordRetry(ctx, "writer")
	RecordRequest(ctx, "api", "classified")
}

func TestMetricsEndpointExposesInstruments(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "foreman-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	RecordWorkflow(ctx, "completed", 2*time.Second)
	RecordTask(ctx, "writer", "completed", 150*time.Millisecond, 42)
	RecordRetry(ctx, "analyst")
	WorkflowStarted()
	WorkflowFinished()
	WorkflowFinished() // must not go negative

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"foreman_workflows_finished_total",
		"foreman_task_executions_total",
		"foreman_tokens_total",
		"foreman_task_retries_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}
