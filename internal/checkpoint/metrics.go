package checkpoint

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	opsOnce    sync.Once
	opsCounter metric.Int64Counter
)

func operationCounter() metric.Int64Counter {
	opsOnce.Do(func() {
		c, err := otel.Meter("pkt.systems/bankd/checkpoint").Int64Counter(
			"bankd.checkpoint.operations",
			metric.WithDescription("Checkpoint index operations by kind and result"),
		)
		if err == nil {
			opsCounter = c
		}
	})
	return opsCounter
}

func recordOperation(ctx context.Context, op string, err error) {
	counter := operationCounter()
	if counter == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	counter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("bankd.checkpoint.operation", op),
		attribute.String("bankd.checkpoint.result", result),
	))
}
