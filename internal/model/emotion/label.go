package emotion

import "strings"

// Label names one emotion category produced by a classifier or by fusion.
type Label string

// Facial labels. Text labels that share a name (fear, disgust, surprise, neutral) reuse these constants.
const (
	Angry    Label = "angry"
	Disgust  Label = "disgust"
	Fear     Label = "fear"
	Happy    Label = "happy"
	Sad      Label = "sad"
	Surprise Label = "surprise"
	Neutral  Label = "neutral"
)

// Text-only labels.
const (
	Admiration     Label = "admiration"
	Amusement      Label = "amusement"
	Anger          Label = "anger"
	Annoyance      Label = "annoyance"
	Approval       Label = "approval"
	Caring         Label = "caring"
	Confusion      Label = "confusion"
	Curiosity      Label = "curiosity"
	Desire         Label = "desire"
	Disappointment Label = "disappointment"
	Disapproval    Label = "disapproval"
	Embarrassment  Label = "embarrassment"
	Excitement     Label = "excitement"
	Gratitude      Label = "gratitude"
	Grief          Label = "grief"
	Joy            Label = "joy"
	Love           Label = "love"
	Nervousness    Label = "nervousness"
	Optimism       Label = "optimism"
	Pride          Label = "pride"
	Realization    Label = "realization"
	Relief         Label = "relief"
	Remorse        Label = "remorse"
	Sadness        Label = "sadness"
)

// FacialLabels is the closed label set of the facial classifier.
var FacialLabels = []Label{Angry, Disgust, Fear, Happy, Sad, Surprise, Neutral}

// TextLabels is the 28-label text taxonomy.
var TextLabels = []Label{
	Admiration, Amusement, Anger, Annoyance, Approval, Caring, Confusion,
	Curiosity, Desire, Disappointment, Disapproval, Disgust, Embarrassment,
	Excitement, Fear, Gratitude, Grief, Joy, Love, Nervousness, Optimism,
	Pride, Realization, Relief, Remorse, Sadness, Surprise, Neutral,
}

var (
	facialSet = makeSet(FacialLabels)
	textSet   = makeSet(TextLabels)
)

// facialSynonyms covers the spellings face-analysis services commonly emit.
var facialSynonyms = map[string]Label{
	"anger":     Angry,
	"happiness": Happy,
	"sadness":   Sad,
	"fearful":   Fear,
	"disgusted": Disgust,
	"surprised": Surprise,
	"calm":      Neutral,
}

// family folds every text label onto the facial vocabulary.
var family = map[Label]Label{
	Admiration:     Happy,
	Amusement:      Happy,
	Anger:          Angry,
	Annoyance:      Angry,
	Approval:       Happy,
	Caring:         Happy,
	Confusion:      Surprise,
	Curiosity:      Surprise,
	Desire:         Happy,
	Disappointment: Sad,
	Disapproval:    Angry,
	Disgust:        Disgust,
	Embarrassment:  Fear,
	Excitement:     Happy,
	Fear:           Fear,
	Gratitude:      Happy,
	Grief:          Sad,
	Joy:            Happy,
	Love:           Happy,
	Nervousness:    Fear,
	Optimism:       Happy,
	Pride:          Happy,
	Realization:    Surprise,
	Relief:         Happy,
	Remorse:        Sad,
	Sadness:        Sad,
	Surprise:       Surprise,
	Neutral:        Neutral,
}

func makeSet(labels []Label) map[Label]struct{} {
	set := make(map[Label]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return set
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// IsFacialLabel reports whether l belongs to the facial label set.
func IsFacialLabel(l Label) bool {
	_, ok := facialSet[l]
	return ok
}

// IsTextLabel reports whether l belongs to the text taxonomy.
func IsTextLabel(l Label) bool {
	_, ok := textSet[l]
	return ok
}

// ParseFacialLabel maps a raw classifier label onto the facial set.
func ParseFacialLabel(raw string) (Label, bool) {
	key := normalize(raw)
	if l := Label(key); IsFacialLabel(l) {
		return l, true
	}
	l, ok := facialSynonyms[key]
	return l, ok
}

// ParseTextLabel maps a raw classifier label onto the text taxonomy.
func ParseTextLabel(raw string) (Label, bool) {
	l := Label(normalize(raw))
	return l, IsTextLabel(l)
}

// Family returns the facial-vocabulary family of a label, used to pick reply
// guidance and speech tone. Unknown labels map to Neutral.
func Family(l Label) Label {
	if IsFacialLabel(l) {
		return l
	}
	if f, ok := family[l]; ok {
		return f
	}
	return Neutral
}

func (l Label) String() string { return string(l) }
