// Package responder turns a user utterance into a transcript exchange,
// classifying it, updating the fused state and composing a reply.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/empath/backend/internal/model/chat"
	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/ai"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

// FallbackReply is delivered whenever the reply generator fails.
const FallbackReply = "I'm here with you and I want to understand how you're feeling. Could you tell me a little more about what's on your mind?"

const (
	DefaultReplyTimeout   = 20 * time.Second
	DefaultTranscriptTail = 10
)

var fallbackReplies = telemetry.Counter("affect.replies.fallback", "Turns answered with the fallback reply")

// Stage is a step of the per-turn state machine.
type Stage string

const (
	StageReceived    Stage = "received"
	StageClassifying Stage = "classifying"
	StageComposing   Stage = "composing"
	StageDelivered   Stage = "delivered"
	StageFailed      Stage = "failed"
)

// StageObserver is told about every stage transition of a turn.
type StageObserver func(sessionID string, stage Stage)

// Options tune the orchestrator.
type Options struct {
	ReplyTimeout   time.Duration
	TranscriptTail int
}

// TurnResult is the outcome of one delivered turn.
type TurnResult struct {
	UserTurn      chat.Turn          `json:"userTurn"`
	AssistantTurn chat.Turn          `json:"assistantTurn"`
	TextEmotion   *emotion.Reading   `json:"textEmotion,omitempty"`
	Fused         emotion.FusedState `json:"fused"`
	Fallback      bool               `json:"fallback"`
}

// Orchestrator is shared across sessions; turns of one session run one at a time.
type Orchestrator struct {
	text     classifier.Classifier
	composer ai.Composer
	opts     Options
}

// New wires the orchestrator. A nil composer always yields the fallback reply.
func New(text classifier.Classifier, composer ai.Composer, opts Options) *Orchestrator {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.TranscriptTail <= 0 {
		opts.TranscriptTail = DefaultTranscriptTail
	}
	return &Orchestrator{text: text, composer: composer, opts: opts}
}

// HandleTurn runs Received → Classifying → Composing → Delivered for text.
// Blank text is rejected with no transcript change. Reply failures still
// deliver FallbackReply; only a session ending mid-turn fails the turn.
func (o *Orchestrator) HandleTurn(ctx context.Context, sess *session.Session, text string, observe StageObserver) (TurnResult, error) {
	notify := func(stage Stage) {
		if observe != nil {
			observe(sess.ID(), stage)
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, fmt.Errorf("%w: empty text", classifier.ErrInputRejected)
	}

	ctx, span := telemetry.StartSpan(ctx, "responder.turn", attribute.String("session.id", sess.ID()))
	result, err := o.handle(ctx, sess, text, notify)
	span.SetAttributes(attribute.Bool("reply.fallback", result.Fallback))
	span.End(err)
	if err != nil && !classifier.IsRejection(err) {
		notify(StageFailed)
	}
	return result, err
}

func (o *Orchestrator) handle(ctx context.Context, sess *session.Session, text string, notify func(Stage)) (TurnResult, error) {
	unlock := sess.LockTurns()
	defer unlock()

	notify(StageReceived)
	notify(StageClassifying)

	reading, fused, err := o.classify(ctx, sess, text)
	if err != nil {
		return TurnResult{}, err
	}

	userTurn := chat.Turn{Role: chat.RoleUser, Text: text}
	if reading != nil {
		label := reading.Label
		userTurn.Emotion = &label
	}
	userTurn, err = sess.AppendTurn(userTurn)
	if err != nil {
		return TurnResult{}, err
	}

	notify(StageComposing)
	history := sess.Transcript(o.opts.TranscriptTail + 1)
	if n := len(history); n > 0 && history[n-1].ID == userTurn.ID {
		history = history[:n-1]
	}
	emotionCtx := ai.EmotionContext{Fused: fused, Text: reading}
	if facial, ok := sess.LatestReading(emotion.ModalityFacial); ok {
		emotionCtx.Facial = &facial
	}

	reply, fallback := o.compose(ctx, ai.ComposeRequest{
		SessionID:  sess.ID(),
		Text:       text,
		Emotion:    emotionCtx,
		Transcript: history,
	})

	assistantTurn, err := sess.AppendTurn(chat.Turn{Role: chat.RoleAssistant, Text: reply})
	if err != nil {
		return TurnResult{}, err
	}
	notify(StageDelivered)

	return TurnResult{
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
		TextEmotion:   reading,
		Fused:         fused,
		Fallback:      fallback,
	}, nil
}

// classify applies the text reading and returns the fused state as it stood
// right after. Backend failures leave the text modality stale and continue.
func (o *Orchestrator) classify(ctx context.Context, sess *session.Session, text string) (*emotion.Reading, emotion.FusedState, error) {
	if o.text == nil {
		return nil, sess.Fused(), nil
	}

	ticket, err := sess.Begin(emotion.ModalityText)
	if err != nil {
		return nil, emotion.FusedState{}, err
	}

	classifyCtx, release := ticket.Bind(ctx)
	reading, err := o.text.Classify(classifyCtx, classifier.Input{Text: text})
	release()
	if err != nil {
		sess.Release(ticket)
		if classifier.IsRejection(err) {
			return nil, emotion.FusedState{}, err
		}
		log.Printf("[responder] text classification failed for session=%s: %v", sess.ID(), err)
		return nil, sess.Fused(), nil
	}

	fused, err := sess.SubmitReading(ticket, reading)
	switch {
	case err == nil:
		return &reading, fused, nil
	case errors.Is(err, session.ErrSessionNotFound):
		return nil, emotion.FusedState{}, err
	default:
		log.Printf("[responder] text reading not applied for session=%s: %v", sess.ID(), err)
		return &reading, sess.Fused(), nil
	}
}

func (o *Orchestrator) compose(ctx context.Context, req ai.ComposeRequest) (string, bool) {
	if o.composer == nil {
		telemetry.Add(ctx, fallbackReplies, attribute.String("reason", "no_composer"))
		return FallbackReply, true
	}

	composeCtx, cancel := context.WithTimeout(ctx, o.opts.ReplyTimeout)
	defer cancel()

	reply, err := o.composer.Compose(composeCtx, req)
	if err == nil && strings.TrimSpace(reply) != "" {
		return reply, false
	}
	if err == nil {
		err = fmt.Errorf("%w: empty reply", ai.ErrComposeFailed)
	}
	log.Printf("[responder] reply generation failed for session=%s, using fallback: %v", req.SessionID, err)
	telemetry.Add(ctx, fallbackReplies, attribute.String("reason", "compose_failed"))
	return FallbackReply, true
}
