package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

type llmPayload struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// LLM asks a chat model to label an utterance with one of the text labels.
type LLM struct {
	runnable compose.Runnable[map[string]any, *schema.Message]
	clock    Clock
}

// NewLLM compiles the classification chain on top of chatModel.
func NewLLM(ctx context.Context, chatModel model.ChatModel, clock Clock) (*LLM, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model is nil", ErrClassifierUnavailable)
	}
	if clock == nil {
		clock = systemClock
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(llmSystemPrompt),
		schema.UserMessage("{utterance}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile text emotion chain: %w", err)
	}
	return &LLM{runnable: runnable, clock: clock}, nil
}

func (l *LLM) Name() string { return "text-llm" }

func (l *LLM) Modality() emotion.Modality { return emotion.ModalityText }

func (l *LLM) Classify(ctx context.Context, in Input) (emotion.Reading, error) {
	text, err := validateText(in)
	if err != nil {
		return emotion.Reading{}, err
	}

	msg, err := l.runnable.Invoke(ctx, map[string]any{"utterance": text})
	if err != nil {
		return emotion.Reading{}, fmt.Errorf("%w: llm invoke: %v", ErrClassifierUnavailable, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return emotion.Reading{}, fmt.Errorf("%w: empty llm output", ErrClassifierFailure)
	}

	payload, err := parseLLMOutput(msg.Content)
	if err != nil {
		return emotion.Reading{}, fmt.Errorf("%w: %v", ErrClassifierFailure, err)
	}
	confidence := payload.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	return newReading(emotion.ModalityText, payload.Emotion, confidence, l.clock())
}

// parseLLMOutput extracts the first JSON object from model output.
func parseLLMOutput(content string) (*llmPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &llmPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

var llmSystemPrompt = "You label the emotion expressed in a single user utterance. " +
	"Choose exactly one label from: " + joinLabels(emotion.TextLabels) + ". " +
	`Reply with only a JSON object holding the key "emotion" set to the chosen label ` +
	`and the key "confidence" set to a number between 0 and 1, with no other text.`

func joinLabels(labels []emotion.Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = string(l)
	}
	return strings.Join(parts, ", ")
}
