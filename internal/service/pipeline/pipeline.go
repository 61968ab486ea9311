// Package pipeline runs one facial capture cycle: normalize, classify, submit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/imaging"
	"github.com/zhouzirui/empath/backend/internal/service/session"
)

// Status summarizes the outcome of a frame cycle.
type Status string

const (
	StatusOK          Status = "ok"
	StatusNoFace      Status = "no_face"
	StatusRejected    Status = "rejected"
	StatusUnavailable Status = "unavailable"
	StatusFailed      Status = "failed"
	StatusSuperseded  Status = "superseded"
	StatusStale       Status = "stale"
	StatusBusy        Status = "busy"
)

// Frame is one captured still image.
type Frame struct {
	Data        []byte
	ContentType string
}

// FrameSource produces a frame on demand, typically by asking the client.
type FrameSource interface {
	Capture(ctx context.Context) (Frame, error)
}

// FrameResult reports what a cycle did to the session.
type FrameResult struct {
	Status  Status              `json:"status"`
	Reading *emotion.Reading    `json:"reading,omitempty"`
	Fused   *emotion.FusedState `json:"fused,omitempty"`
	Detail  string              `json:"detail,omitempty"`
}

// Pipeline is shared by all sessions and holds no per-session state.
type Pipeline struct {
	normalizer imaging.Normalizer
	facial     classifier.Classifier
}

// New wires the frame pipeline. A nil normalizer passes frames through.
func New(normalizer imaging.Normalizer, facial classifier.Classifier) *Pipeline {
	if normalizer == nil {
		normalizer = imaging.Passthrough{}
	}
	return &Pipeline{normalizer: normalizer, facial: facial}
}

// IngestFrame classifies a client-pushed frame and applies the reading to
// sess. Classification runs without the session lock. A frame arriving while
// another facial cycle is in flight is dropped with StatusBusy. Only session
// lookup failures are returned as errors; everything else is reported through
// Status.
func (p *Pipeline) IngestFrame(ctx context.Context, sess *session.Session, frame Frame) (FrameResult, error) {
	ticket, err := sess.TryBegin(emotion.ModalityFacial)
	if errors.Is(err, session.ErrBusy) {
		return FrameResult{Status: StatusBusy, Detail: err.Error()}, nil
	}
	if err != nil {
		return FrameResult{}, err
	}
	return p.ingest(ctx, sess, ticket, frame)
}

// ingest runs under the ticket's context, so a superseded or cancelled cycle
// stops its backend call.
func (p *Pipeline) ingest(ctx context.Context, sess *session.Session, ticket session.Ticket, frame Frame) (FrameResult, error) {
	ctx, release := ticket.Bind(ctx)
	defer release()

	normalized, err := p.normalizer.Normalize(ctx, frame.Data)
	if err != nil {
		sess.Release(ticket)
		if ticket.Context().Err() != nil {
			return interrupted(sess)
		}
		return FrameResult{Status: StatusRejected, Detail: err.Error()}, nil
	}
	contentType := "image/jpeg"
	if _, ok := p.normalizer.(imaging.Passthrough); ok && frame.ContentType != "" {
		contentType = frame.ContentType
	}

	if p.facial == nil {
		sess.Release(ticket)
		return FrameResult{Status: StatusUnavailable, Detail: classifier.ErrClassifierUnavailable.Error()}, nil
	}
	reading, err := p.facial.Classify(ctx, classifier.Input{Image: normalized, ContentType: contentType})
	if err != nil {
		sess.Release(ticket)
		if ticket.Context().Err() != nil {
			return interrupted(sess)
		}
		return classifyFailure(sess.ID(), err), nil
	}

	fused, err := sess.SubmitReading(ticket, reading)
	switch {
	case err == nil:
		return FrameResult{Status: StatusOK, Reading: &reading, Fused: &fused}, nil
	case errors.Is(err, session.ErrSuperseded):
		return FrameResult{Status: StatusSuperseded, Reading: &reading}, nil
	case errors.Is(err, session.ErrStaleReading):
		return FrameResult{Status: StatusStale, Reading: &reading}, nil
	case errors.Is(err, session.ErrInvalidReading):
		return FrameResult{Status: StatusFailed, Detail: err.Error()}, nil
	default:
		return FrameResult{}, err
	}
}

// interrupted reports a cycle whose ticket was cancelled mid-flight.
func interrupted(sess *session.Session) (FrameResult, error) {
	if sess.Closed() {
		return FrameResult{}, session.ErrSessionNotFound
	}
	return FrameResult{Status: StatusSuperseded}, nil
}

func classifyFailure(sessionID string, err error) FrameResult {
	switch {
	case errors.Is(err, classifier.ErrNoFaceDetected):
		return FrameResult{Status: StatusNoFace}
	case errors.Is(err, classifier.ErrInputRejected):
		return FrameResult{Status: StatusRejected, Detail: err.Error()}
	case errors.Is(err, classifier.ErrClassifierUnavailable):
		log.Printf("[pipeline] facial classifier unavailable for session=%s: %v", sessionID, err)
		return FrameResult{Status: StatusUnavailable, Detail: "facial classifier unavailable"}
	default:
		log.Printf("[pipeline] facial classification failed for session=%s: %v", sessionID, err)
		return FrameResult{Status: StatusFailed, Detail: "facial classification failed"}
	}
}

// SampleJob returns a sampler cycle that captures from source, ingests the
// frame and hands the result to report. report may be nil.
func (p *Pipeline) SampleJob(sess *session.Session, source FrameSource, report func(FrameResult)) func(context.Context) error {
	return func(ctx context.Context) error {
		if !sess.VideoActive() {
			return nil
		}
		// The ticket is taken before capture so a video stop during capture discards the frame.
		ticket, err := sess.Begin(emotion.ModalityFacial)
		if err != nil {
			return err
		}
		captureCtx, stop := ticket.Bind(ctx)
		frame, err := source.Capture(captureCtx)
		stop()
		if err != nil {
			sess.Release(ticket)
			return fmt.Errorf("capture frame: %w", err)
		}
		result, err := p.ingest(ctx, sess, ticket, frame)
		if err != nil {
			return err
		}
		if report != nil {
			report(result)
		}
		return nil
	}
}
