package emotion

import model "github.com/zhouzirui/empath/backend/internal/model/emotion"

// VoiceTone is the speaking style a synthesizer should use for a reply.
type VoiceTone string

const (
	ToneNeutral  VoiceTone = "neutral"
	ToneHappy    VoiceTone = "happy"
	ToneExcited  VoiceTone = "excited"
	ToneComfort  VoiceTone = "comfort"
	ToneTender   VoiceTone = "tender"
	ToneMagnetic VoiceTone = "magnetic"
)

// ToneDecision pairs a tone with an intensity in [1,5].
type ToneDecision struct {
	Tone  VoiceTone
	Scale float32
}

// ToneFor picks how the assistant should sound given the user's fused emotion.
// Negative user states get a soothing tone instead of being mirrored.
func ToneFor(label model.Label, confidence float64) ToneDecision {
	var tone VoiceTone
	switch model.Family(label) {
	case model.Sad:
		tone = ToneComfort
	case model.Fear:
		tone = ToneTender
	case model.Angry, model.Disgust:
		tone = ToneMagnetic
	case model.Happy:
		tone = ToneHappy
	case model.Surprise:
		tone = ToneExcited
	default:
		return ToneDecision{Tone: ToneNeutral, Scale: 3}
	}

	scale := 2 + float32(model.ClampConfidence(confidence))*2
	switch tone {
	case ToneExcited:
		scale++
	case ToneMagnetic:
		scale = min(scale, 4)
	case ToneComfort, ToneTender:
		scale = min(scale, 3.5)
	}
	return ToneDecision{Tone: tone, Scale: max(1, min(scale, 5))}
}
