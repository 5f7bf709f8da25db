package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "taskerman/internal/core"

// Metrics counts task executions and routine passes.
type Metrics struct {
	executions metric.Int64Counter
	failures   metric.Int64Counter
	passes     metric.Int64Counter
}

// NewMetrics creates the counters on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	executions, err := meter.Int64Counter("taskerman.task.executions",
		metric.WithDescription("Task callback executions"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("taskerman.task.failures",
		metric.WithDescription("Task executions that ended in an error"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	passes, err := meter.Int64Counter("taskerman.routine.passes",
		metric.WithDescription("Completed passes over a routine's task sequence"),
		metric.WithUnit("{pass}"))
	if err != nil {
		return nil, err
	}
	return &Metrics{executions: executions, failures: failures, passes: passes}, nil
}

func (m *Metrics) TaskExecuted(ctx context.Context, taskName string, err error) {
	attrs := metric.WithAttributes(attribute.String("task.name", taskName))
	m.executions.Add(ctx, 1, attrs)
	if err != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RoutinePassed(ctx context.Context, routineName string) {
	m.passes.Add(ctx, 1, metric.WithAttributes(attribute.String("routine.name", routineName)))
}

// Setup installs the global MeterProvider. When w is nil readings are kept in
// process only; otherwise they are exported to w every interval.
func Setup(w io.Writer, interval time.Duration) (shutdown func(context.Context) error, err error) {
	var opts []sdkmetric.Option
	if w != nil {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		if interval <= 0 {
			interval = time.Minute
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
