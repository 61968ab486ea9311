package classifier

import (
	"context"

	analysis "github.com/zhouzirui/empath/backend/internal/analysis/emotion"
	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

// Heuristic labels text with the offline keyword analyzer. It never fails on valid input.
type Heuristic struct {
	clock Clock
}

// NewHeuristic builds the keyword adapter.
func NewHeuristic(clock Clock) *Heuristic {
	if clock == nil {
		clock = systemClock
	}
	return &Heuristic{clock: clock}
}

func (h *Heuristic) Name() string { return "text-heuristic" }

func (h *Heuristic) Modality() emotion.Modality { return emotion.ModalityText }

func (h *Heuristic) Classify(_ context.Context, in Input) (emotion.Reading, error) {
	text, err := validateText(in)
	if err != nil {
		return emotion.Reading{}, err
	}
	decision := analysis.Analyze(text)
	return newReading(emotion.ModalityText, string(decision.Label), decision.Confidence, h.clock())
}
