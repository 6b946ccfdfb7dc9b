package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/mtzanidakis/foreman"

var (
	AttrStatus    = attribute.Key("status")
	AttrAgentType = attribute.Key("agent_type")
	AttrSource    = attribute.Key("source")
)

var (
	initOnce          sync.Once
	workflowsCounter  metric.Int64Counter
	workflowDuration  metric.Float64Histogram
	taskCounter       metric.Int64Counter
	taskDuration      metric.Float64Histogram
	tokensCounter     metric.Int64Counter
	retriesCounter    metric.Int64Counter
	requestsCounter   metric.Int64Counter
	activeGauge       metric.Int64ObservableGauge
	activeWorkflows   int64
	activeWorkflowsMu sync.Mutex
)

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter and returns the /metrics handler.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "foreman"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// Init creates the instruments once. Call after InitMeterProvider; the
// Record helpers are no-ops until then.
func Init() error {
	var err error
	initOnce.Do(func() {
		m := Meter()
		if workflowsCounter, err = m.Int64Counter("foreman_workflows_finished_total",
			metric.WithDescription("Workflow passes finished, by terminal status")); err != nil {
			return
		}
		if workflowDuration, err = m.Float64Histogram("foreman_workflow_duration_seconds",
			metric.WithDescription("Wall-clock duration of one workflow pass")); err != nil {
			return
		}
		if taskCounter, err = m.Int64Counter("foreman_task_executions_total",
			metric.WithDescription("Task executions, by agent type and outcome")); err != nil {
			return
		}
		if taskDuration, err = m.Float64Histogram("foreman_task_duration_seconds",
			metric.WithDescription("Task execution duration")); err != nil {
			return
		}
		if tokensCounter, err = m.Int64Counter("foreman_tokens_total",
			metric.WithDescription("Completion tokens consumed, by agent type")); err != nil {
			return
		}
		if retriesCounter, err = m.Int64Counter("foreman_task_retries_total",
			metric.WithDescription("Tasks sent back to pending after a failure")); err != nil {
			return
		}
		if requestsCounter, err = m.Int64Counter("foreman_requests_total",
			metric.WithDescription("Client requests taken in, by source and outcome")); err != nil {
			return
		}
		if activeGauge, err = m.Int64ObservableGauge("foreman_workflows_active",
			metric.WithDescription("Workflow passes currently executing")); err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			activeWorkflowsMu.Lock()
			n := activeWorkflows
			activeWorkflowsMu.Unlock()
			o.ObserveInt64(activeGauge, n)
			return nil
		}, activeGauge)
	})
	return err
}

func RecordWorkflow(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(AttrStatus.String(status))
	if workflowsCounter != nil {
		workflowsCounter.Add(ctx, 1, attrs)
	}
	if workflowDuration != nil {
		workflowDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func RecordTask(ctx context.Context, agentType, status string, d time.Duration, tokens int) {
	attrs := metric.WithAttributes(AttrAgentType.String(agentType), AttrStatus.String(status))
	if taskCounter != nil {
		taskCounter.Add(ctx, 1, attrs)
	}
	if taskDuration != nil {
		taskDuration.Record(ctx, d.Seconds(), attrs)
	}
	if tokensCounter != nil && tokens > 0 {
		tokensCounter.Add(ctx, int64(tokens), metric.WithAttributes(AttrAgentType.String(agentType)))
	}
}

func RecordRetry(ctx context.Context, agentType string) {
	if retriesCounter != nil {
		retriesCounter.Add(ctx, 1, metric.WithAttributes(AttrAgentType.String(agentType)))
	}
}

func RecordRequest(ctx context.Context, source, status string) {
	if requestsCounter != nil {
		requestsCounter.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source), AttrStatus.String(status)))
	}
}

// WorkflowStarted and WorkflowFinished bracket one pass for the active gauge.
func WorkflowStarted() {
	activeWorkflowsMu.Lock()
	activeWorkflows++
	activeWorkflowsMu.Unlock()
}

func WorkflowFinished() {
	activeWorkflowsMu.Lock()
	activeWorkflows--
	if activeWorkflows < 0 {
		activeWorkflows = 0
	}
	activeWorkflowsMu.Unlock()
}
