package classifier

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

type traced struct {
	Classifier
}

// Traced wraps c so each call is recorded as a span.
func Traced(c Classifier) Classifier {
	if c == nil {
		return nil
	}
	return traced{Classifier: c}
}

func (t traced) Classify(ctx context.Context, in Input) (emotion.Reading, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "classifier.classify",
		attribute.String("classifier.name", t.Name()),
		attribute.String("classifier.modality", string(t.Modality())),
	)
	reading, err := t.Classifier.Classify(ctx, in)
	span.SetAttributes(attribute.Int64("classifier.latency_ms", time.Since(start).Milliseconds()))
	if err == nil {
		span.SetAttributes(
			attribute.String("emotion.label", string(reading.Label)),
			attribute.Float64("emotion.confidence", reading.Confidence),
		)
	}
	if IsRejection(err) {
		span.SetAttributes(attribute.String("classifier.rejected", err.Error()))
		span.End(nil)
	} else {
		span.End(err)
	}
	return reading, err
}
