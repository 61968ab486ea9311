package emotion

import "time"

// Modality identifies the signal a reading was taken from.
type Modality string

const (
	ModalityFacial Modality = "facial"
	ModalityText   Modality = "text"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityFacial || m == ModalityText
}

// Accepts reports whether l belongs to the label set of m.
func (m Modality) Accepts(l Label) bool {
	switch m {
	case ModalityFacial:
		return IsFacialLabel(l)
	case ModalityText:
		return IsTextLabel(l)
	default:
		return false
	}
}

// Reading is one classifier output. Readings are values and never mutated.
type Reading struct {
	Modality   Modality  `json:"modality"`
	Label      Label     `json:"label"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observedAt"`
}

// FusedState is the session-level affect derived from recent readings.
type FusedState struct {
	Label                Label     `json:"label"`
	Confidence           float64   `json:"confidence"`
	ContributingReadings []Reading `json:"contributingReadings,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// NeutralState is the fused state when no reading is live.
func NeutralState(at time.Time) FusedState {
	return FusedState{Label: Neutral, UpdatedAt: at}
}

// Clone returns a copy whose contributing slice is not shared.
func (s FusedState) Clone() FusedState {
	if s.ContributingReadings != nil {
		s.ContributingReadings = append([]Reading(nil), s.ContributingReadings...)
	}
	return s
}

// Update is the payload pushed to observers when the fused state changes materially.
type Update struct {
	SessionID  string    `json:"sessionId"`
	Label      Label     `json:"label"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ClampConfidence bounds c into [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c, c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
