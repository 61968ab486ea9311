// Package ai composes empathetic replies with an eino chat chain.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/empath/backend/internal/model/chat"
	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

// ErrComposeFailed wraps every reply generation failure so callers can fall back.
var ErrComposeFailed = errors.New("compose reply failed")

// EmotionContext is the affect the reply should respond to.
type EmotionContext struct {
	Fused  emotion.FusedState
	Facial *emotion.Reading
	Text   *emotion.Reading
}

// ComposeRequest is everything the generator sees for one turn.
type ComposeRequest struct {
	SessionID  string
	Text       string
	Emotion    EmotionContext
	Transcript []chat.Turn
}

// Composer generates the assistant's reply.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (string, error)
}

// Options tune the chain.
type Options struct {
	HistoryLimit int
}

// Service is the chat-model backed Composer.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
}

// NewService compiles the reply chain around chatModel.
func NewService(ctx context.Context, chatModel model.ChatModel, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is nil")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}

	return &Service{chain: runnable, historyLimit: opts.HistoryLimit}, nil
}

// Compose runs the chain. Any failure, including an empty reply, is reported as ErrComposeFailed.
func (s *Service) Compose(ctx context.Context, req ComposeRequest) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "ai.compose",
		attribute.String("session.id", req.SessionID),
		attribute.String("emotion.label", string(req.Emotion.Fused.Label)),
	)

	input := map[string]any{
		"system":  BuildSystemPrompt(req.Emotion),
		"history": s.buildHistoryMessages(req.Transcript),
		"query":   req.Text,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrComposeFailed, err)
		span.End(err)
		return "", err
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		err = fmt.Errorf("%w: empty reply", ErrComposeFailed)
		span.End(err)
		return "", err
	}

	reply := strings.TrimSpace(response.Content)
	span.SetAttributes(attribute.Int("reply.length", len(reply)))
	span.End(nil)
	log.Printf("[ai] composed reply for session=%s, emotion=%s, length=%d", req.SessionID, req.Emotion.Fused.Label, len(reply))
	return reply, nil
}

func (s *Service) buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	start := 0
	if len(turns) > s.historyLimit {
		start = len(turns) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(turns)-start)
	for _, turn := range turns[start:] {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return history
}
