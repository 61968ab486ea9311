// Package classifier adapts facial and text emotion backends behind one capability.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

var (
	// ErrInputRejected marks input refused before any backend call.
	ErrInputRejected = errors.New("classifier input rejected")
	// ErrNoFaceDetected means the image held no face. It is not a neutral reading.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrClassifierUnavailable means no backend is configured or reachable.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrClassifierFailure covers backend errors and malformed responses.
	ErrClassifierFailure = errors.New("classifier failure")
)

// Input carries one unit of work. Facial classifiers read Image, text classifiers read Text.
type Input struct {
	Text        string
	Image       []byte
	ContentType string
}

// Classifier turns one input into one reading. Implementations hold no per-session state.
type Classifier interface {
	Name() string
	Modality() emotion.Modality
	Classify(ctx context.Context, in Input) (emotion.Reading, error)
}

// Clock supplies observation timestamps.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// IsRejection reports whether err is a caller-side rejection rather than a backend fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInputRejected) || errors.Is(err, ErrNoFaceDetected)
}

func validateText(in Input) (string, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrInputRejected)
	}
	return text, nil
}

func validateImage(in Input) error {
	if len(in.Image) == 0 {
		return fmt.Errorf("%w: empty image", ErrInputRejected)
	}
	return nil
}

// newReading validates raw backend output against the modality label set.
func newReading(m emotion.Modality, rawLabel string, confidence float64, at time.Time) (emotion.Reading, error) {
	var (
		label emotion.Label
		ok    bool
	)
	switch m {
	case emotion.ModalityFacial:
		label, ok = emotion.ParseFacialLabel(rawLabel)
	case emotion.ModalityText:
		label, ok = emotion.ParseTextLabel(rawLabel)
	}
	if !ok {
		return emotion.Reading{}, fmt.Errorf("%w: unknown %s label %q", ErrClassifierFailure, m, rawLabel)
	}
	return emotion.Reading{
		Modality:   m,
		Label:      label,
		Confidence: emotion.ClampConfidence(confidence),
		ObservedAt: at,
	}, nil
}
