package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

const basePrompt = `You are an empathetic virtual listener. Respond to the user's message with support and understanding, taking their current emotional state into account.

Guidelines:
- Be warm and non-judgmental.
- Acknowledge how they seem to feel.
- Ask gentle, open-ended questions to understand them better.
- Offer support without being prescriptive.
- Keep replies to two or three sentences.
- Use "I" statements to show understanding.
- Stay conversational and avoid clinical language.`

var guidanceByFamily = map[emotion.Label]string{
	emotion.Sad:      "The user appears to be feeling sad. Show empathy, validate their feelings and gently explore what is causing the sadness. Offer comfort and hope.",
	emotion.Angry:    "The user seems angry or frustrated. Acknowledge the feeling, help them name its source and guide them toward calming down.",
	emotion.Fear:     "The user appears anxious or fearful. Reassure them, help them feel safe and gently explore what is worrying them.",
	emotion.Happy:    "The user seems to be in a positive mood. Share the moment, invite them to say what is going well and reinforce the good feeling.",
	emotion.Surprise: "The user seems surprised. Help them process whatever unexpected event or news they are dealing with.",
	emotion.Disgust:  "The user appears disgusted or repulsed. Validate the reaction and help them work through what caused it.",
	emotion.Neutral:  "The user's emotional state is neutral. Be warm and inviting, ask how they are feeling and make it easy to open up.",
}

// Guidance returns the reply guidance for the family of label.
func Guidance(label emotion.Label) string {
	if g, ok := guidanceByFamily[emotion.Family(label)]; ok {
		return g
	}
	return guidanceByFamily[emotion.Neutral]
}

// BuildSystemPrompt renders the system prompt for one turn.
func BuildSystemPrompt(ec EmotionContext) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nCurrent emotional state: ")
	b.WriteString(fmt.Sprintf("%s (confidence %.2f).", ec.Fused.Label, ec.Fused.Confidence))
	if ec.Facial != nil {
		b.WriteString(fmt.Sprintf("\nFacial expression: %s.", ec.Facial.Label))
	}
	if ec.Text != nil {
		b.WriteString(fmt.Sprintf("\nTone of the latest message: %s.", ec.Text.Label))
	}
	b.WriteString("\nContext: ")
	b.WriteString(Guidance(ec.Fused.Label))
	return b.String()
}
