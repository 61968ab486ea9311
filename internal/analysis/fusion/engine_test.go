package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func reading(m emotion.Modality, l emotion.Label, c float64, offset time.Duration) emotion.Reading {
	return emotion.Reading{Modality: m, Label: l, Confidence: c, ObservedAt: t0.Add(offset)}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestFuseEmptyIsNeutral(t *testing.T) {
	state := New(DefaultConfig()).Fuse(nil, t0)
	if state.Label != emotion.Neutral || state.Confidence != 0 {
		t.Fatalf("expected neutral/0, got %+v", state)
	}
	if !state.UpdatedAt.Equal(t0) {
		t.Fatalf("expected updatedAt %v, got %v", t0, state.UpdatedAt)
	}
}

func TestFuseSingleReadingThenExpires(t *testing.T) {
	engine := New(DefaultConfig())
	readings := []emotion.Reading{reading(emotion.ModalityFacial, emotion.Happy, 0.9, 0)}

	state := engine.Fuse(readings, t0)
	if state.Label != emotion.Happy || !approx(state.Confidence, 0.9) {
		t.Fatalf("expected happy/0.9, got %+v", state)
	}
	if len(state.ContributingReadings) != 1 {
		t.Fatalf("expected one contributing reading, got %d", len(state.ContributingReadings))
	}

	later := engine.Fuse(readings, t0.Add(15*time.Second))
	if later.Label != emotion.Neutral || later.Confidence != 0 {
		t.Fatalf("expected neutral after window, got %+v", later)
	}
}

func TestFuseStalenessBoundary(t *testing.T) {
	engine := New(DefaultConfig())
	readings := []emotion.Reading{reading(emotion.ModalityFacial, emotion.Sad, 1, 0)}

	if state := engine.Fuse(readings, t0.Add(DefaultStalenessWindow)); state.Label != emotion.Neutral {
		t.Fatalf("reading exactly at the window edge must not contribute, got %+v", state)
	}
	if state := engine.Fuse(readings, t0.Add(DefaultStalenessWindow-time.Millisecond)); state.Label != emotion.Sad {
		t.Fatalf("reading just inside the window must contribute, got %+v", state)
	}
}

func TestFuseCrossModalityHigherScoreWins(t *testing.T) {
	engine := New(DefaultConfig())
	readings := []emotion.Reading{
		reading(emotion.ModalityFacial, emotion.Sad, 0.6, 0),
		reading(emotion.ModalityText, emotion.Joy, 0.8, time.Second),
	}

	state := engine.Fuse(readings, t0.Add(time.Second))
	if state.Label != emotion.Joy {
		t.Fatalf("expected joy to win, got %+v", state)
	}
	if !approx(state.Confidence, 0.8) {
		t.Fatalf("expected confidence 0.8, got %v", state.Confidence)
	}
}

func TestFuseExactTieGoesToMostRecent(t *testing.T) {
	engine := New(Config{StalenessWindow: 10 * time.Second, Decay: StepDecay})
	readings := []emotion.Reading{
		reading(emotion.ModalityText, emotion.Joy, 0.7, time.Second),
		reading(emotion.ModalityFacial, emotion.Sad, 0.7, 0),
	}

	state := engine.Fuse(readings, t0.Add(2*time.Second))
	if state.Label != emotion.Joy {
		t.Fatalf("expected most recently observed label to win tie, got %+v", state)
	}

	// Same timestamp: the later-applied reading wins.
	same := []emotion.Reading{
		reading(emotion.ModalityText, emotion.Joy, 0.5, 0),
		reading(emotion.ModalityFacial, emotion.Sad, 0.5, 0),
	}
	if state := engine.Fuse(same, t0); state.Label != emotion.Sad {
		t.Fatalf("expected later-applied reading to win, got %+v", state)
	}
}

func TestFuseAccumulatesPerLabel(t *testing.T) {
	engine := New(Config{StalenessWindow: 10 * time.Second, Decay: StepDecay})
	readings := []emotion.Reading{
		reading(emotion.ModalityFacial, emotion.Happy, 0.4, 0),
		reading(emotion.ModalityFacial, emotion.Happy, 0.4, time.Second),
		reading(emotion.ModalityFacial, emotion.Angry, 0.7, 2*time.Second),
	}

	state := engine.Fuse(readings, t0.Add(2*time.Second))
	if state.Label != emotion.Happy {
		t.Fatalf("expected summed happy score to win, got %+v", state)
	}
	if !approx(state.Confidence, 0.4) {
		t.Fatalf("expected mean confidence 0.4, got %v", state.Confidence)
	}
	if len(state.ContributingReadings) != 2 || !state.ContributingReadings[0].ObservedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("contributing readings should be newest first: %+v", state.ContributingReadings)
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	engine := New(DefaultConfig())
	readings := []emotion.Reading{
		reading(emotion.ModalityFacial, emotion.Sad, 0.6, 0),
		reading(emotion.ModalityText, emotion.Grief, 0.5, 500*time.Millisecond),
		reading(emotion.ModalityFacial, emotion.Neutral, 0.3, time.Second),
	}
	now := t0.Add(3 * time.Second)

	first := engine.Fuse(readings, now)
	for i := 0; i < 20; i++ {
		next := engine.Fuse(readings, now)
		if next.Label != first.Label || next.Confidence != first.Confidence || len(next.ContributingReadings) != len(first.ContributingReadings) {
			t.Fatalf("fusion not deterministic: %+v vs %+v", first, next)
		}
	}
}

func TestFuseIgnoresZeroConfidence(t *testing.T) {
	engine := New(DefaultConfig())
	state := engine.Fuse([]emotion.Reading{reading(emotion.ModalityFacial, emotion.Angry, 0, 0)}, t0)
	if state.Label != emotion.Neutral || state.Confidence != 0 {
		t.Fatalf("zero-confidence reading should not move state, got %+v", state)
	}
}

func TestDecayShapesAreMonotonic(t *testing.T) {
	window := 10 * time.Second
	for name, fn := range map[string]DecayFunc{
		"linear":      LinearDecay,
		"step":        StepDecay,
		"exponential": ExponentialDecay(window / 4),
	} {
		prev := 2.0
		for age := time.Duration(0); age <= window; age += 500 * time.Millisecond {
			w := fn(age, window)
			if w > prev {
				t.Fatalf("%s decay increased at age %v", name, age)
			}
			if w < 0 || w > 1 {
				t.Fatalf("%s decay out of range at age %v: %v", name, age, w)
			}
			prev = w
		}
		if fn(window, window) != 0 {
			t.Fatalf("%s decay must reach zero at window edge", name)
		}
	}
}

func TestDecayByName(t *testing.T) {
	for _, name := range []string{"", "linear", "step", "exponential"} {
		if _, err := DecayByName(name, time.Second); err != nil {
			t.Fatalf("DecayByName(%q) returned error: %v", name, err)
		}
	}
	if _, err := DecayByName("cubic", time.Second); err == nil {
		t.Fatalf("expected error for unknown decay")
	}
}
