package knowledge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/corvidlabs/ravend/internal/knowledge"

// initMetrics initializes OpenTelemetry counters. Failures degrade to
// no-op instruments; they never block the store.
func (s *Store) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.factCounter, err = meter.Int64Counter(
		"ravend.knowledge.facts_total",
		metric.WithDescription("Facts written, by outcome"),
		metric.WithUnit("{fact}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create fact counter", zap.Error(err))
	}

	s.conflictCounter, err = meter.Int64Counter(
		"ravend.knowledge.conflicts_total",
		metric.WithDescription("Conflicts detected, by type"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create conflict counter", zap.Error(err))
	}
}

func (s *Store) recordMaterialized(ctx context.Context, result *MaterializeResult) {
	if s.factCounter == nil {
		return
	}
	s.factCounter.Add(ctx, int64(len(result.Created)),
		metric.WithAttributes(attribute.String("outcome", "created")))
	s.factCounter.Add(ctx, int64(len(result.Unchanged)),
		metric.WithAttributes(attribute.String("outcome", "unchanged")))
	s.factCounter.Add(ctx, int64(result.Skipped),
		metric.WithAttributes(attribute.String("outcome", "skipped")))
}

func (s *Store) recordConflicts(ctx context.Context, conflicts []FactConflict) {
	if s.conflictCounter == nil {
		return
	}
	for _, c := range conflicts {
		s.conflictCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", string(c.ConflictType))))
	}
}
