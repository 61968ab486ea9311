// Package fusion combines facial and text readings into one affective state.
package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

const (
	DefaultStalenessWindow = 10 * time.Second

	// tieEpsilon absorbs float noise when comparing label scores.
	tieEpsilon = 1e-9
)

// Config tunes the engine.
type Config struct {
	StalenessWindow time.Duration
	Decay           DecayFunc
}

// DefaultConfig returns the default fusion policy.
func DefaultConfig() Config {
	return Config{StalenessWindow: DefaultStalenessWindow, Decay: LinearDecay}
}

// Engine is stateless; the same readings and instant always fuse to the same state.
type Engine struct {
	window time.Duration
	decay  DecayFunc
}

// New creates an engine, filling unset fields with defaults.
func New(cfg Config) *Engine {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.Decay == nil {
		cfg.Decay = LinearDecay
	}
	return &Engine{window: cfg.StalenessWindow, decay: cfg.Decay}
}

// Age returns how old r is at now. Readings stamped in the future count as fresh.
func Age(r emotion.Reading, now time.Time) time.Duration {
	age := now.Sub(r.ObservedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsLive reports whether r may still influence fusion at now.
func (e *Engine) IsLive(r emotion.Reading, now time.Time) bool {
	return Age(r, now) < e.window
}

// Weight returns the decayed, confidence-scaled contribution of r at now.
func (e *Engine) Weight(r emotion.Reading, now time.Time) float64 {
	if !e.IsLive(r, now) {
		return 0
	}
	d := e.decay(Age(r, now), e.window)
	if d < 0 {
		d = 0
	} else if d > 1 {
		d = 1
	}
	return emotion.ClampConfidence(r.Confidence) * d
}

// Live filters readings down to those inside the staleness window, keeping order.
func (e *Engine) Live(readings []emotion.Reading, now time.Time) []emotion.Reading {
	live := make([]emotion.Reading, 0, len(readings))
	for _, r := range readings {
		if e.IsLive(r, now) {
			live = append(live, r)
		}
	}
	return live
}

type tally struct {
	label     emotion.Label
	score     float64
	count     int
	newest    time.Time
	newestIdx int
}

// Fuse computes the fused state of readings at now. readings must be in the
// order they were applied; that order breaks ties between equally recent labels.
func (e *Engine) Fuse(readings []emotion.Reading, now time.Time) emotion.FusedState {
	tallies := make(map[emotion.Label]*tally)
	order := make([]emotion.Label, 0, 4)

	for idx, r := range readings {
		if !e.IsLive(r, now) {
			continue
		}
		t, ok := tallies[r.Label]
		if !ok {
			t = &tally{label: r.Label, newestIdx: -1}
			tallies[r.Label] = t
			order = append(order, r.Label)
		}
		t.score += e.Weight(r, now)
		t.count++
		if t.newestIdx < 0 || !r.ObservedAt.Before(t.newest) {
			t.newest = r.ObservedAt
			t.newestIdx = idx
		}
	}

	if len(order) == 0 {
		return emotion.NeutralState(now)
	}

	var best *tally
	for _, label := range order {
		t := tallies[label]
		if best == nil || beats(t, best) {
			best = t
		}
	}

	if best.score <= 0 {
		return emotion.NeutralState(now)
	}

	contributing := make([]emotion.Reading, 0, best.count)
	for _, r := range readings {
		if r.Label == best.label && e.IsLive(r, now) {
			contributing = append(contributing, r)
		}
	}
	sort.SliceStable(contributing, func(i, j int) bool {
		return contributing[i].ObservedAt.After(contributing[j].ObservedAt)
	})

	return emotion.FusedState{
		Label:                best.label,
		Confidence:           emotion.ClampConfidence(best.score / float64(best.count)),
		ContributingReadings: contributing,
		UpdatedAt:            now,
	}
}

// beats reports whether candidate outranks current.
func beats(candidate, current *tally) bool {
	if diff := candidate.score - current.score; math.Abs(diff) > tieEpsilon {
		return diff > 0
	}
	if !candidate.newest.Equal(current.newest) {
		return candidate.newest.After(current.newest)
	}
	return candidate.newestIdx > current.newestIdx
}
