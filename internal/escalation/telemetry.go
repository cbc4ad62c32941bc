package escalation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/corvidlabs/ravend/internal/escalation"

// initMetrics initializes OpenTelemetry counters. Failures degrade to
// no-op instruments; they never block the manager.
func (m *Manager) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	m.questionCounter, err = meter.Int64Counter(
		"ravend.escalation.questions_total",
		metric.WithDescription("Team questions posted, by author"),
		metric.WithUnit("{question}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create question counter", zap.Error(err))
	}

	m.transitionCounter, err = meter.Int64Counter(
		"ravend.escalation.transitions_total",
		metric.WithDescription("Question state transitions, by kind"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create transition counter", zap.Error(err))
	}
}

func (m *Manager) recordQuestion(ctx context.Context, askedByRaven bool) {
	if m.questionCounter == nil {
		return
	}
	author := "human"
	if askedByRaven {
		author = "raven"
	}
	m.questionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("author", author)))
}

func (m *Manager) recordTransition(ctx context.Context, kind string) {
	if m.transitionCounter == nil {
		return
	}
	m.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
