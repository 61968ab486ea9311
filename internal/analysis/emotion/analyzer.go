// Package emotion holds the offline keyword classifier used when no text
// classification service is reachable.
package emotion

import (
	"strings"
	"unicode"

	model "github.com/zhouzirui/empath/backend/internal/model/emotion"
)

// Decision is the outcome of keyword scoring.
type Decision struct {
	Label      model.Label
	Score      int
	Confidence float64
}

var keywordBuckets = map[model.Label][]string{
	model.Admiration:     {"admire", "impressive", "impressed", "brilliant", "incredible", "well done", "respect"},
	model.Amusement:      {"haha", "lol", "lmao", "funny", "hilarious", "joke", "laughing"},
	model.Anger:          {"angry", "furious", "rage", "mad", "pissed", "outraged", "hate", "livid"},
	model.Annoyance:      {"annoyed", "annoying", "irritated", "ugh", "fed up", "sick of", "bothered"},
	model.Approval:       {"agree", "sounds good", "makes sense", "okay then", "fair enough", "approve"},
	model.Caring:         {"take care", "are you ok", "hope you", "worried about you", "here for you"},
	model.Confusion:      {"confused", "confusing", "don't understand", "do not understand", "lost", "unclear", "puzzled"},
	model.Curiosity:      {"wonder", "curious", "how does", "why does", "what if", "interested"},
	model.Desire:         {"wish", "want", "crave", "longing", "dream of", "would love"},
	model.Disappointment: {"disappointed", "disappointing", "let down", "letdown", "expected more", "bummer"},
	model.Disapproval:    {"disagree", "wrong", "unacceptable", "shouldn't", "should not", "disapprove"},
	model.Disgust:        {"disgusting", "gross", "disgusted", "nasty", "revolting", "yuck"},
	model.Embarrassment:  {"embarrassed", "embarrassing", "awkward", "ashamed", "humiliated", "cringe"},
	model.Excitement:     {"excited", "can't wait", "cannot wait", "thrilled", "pumped", "woohoo", "hyped"},
	model.Fear:           {"afraid", "scared", "terrified", "frightened", "fear", "panic", "horrified"},
	model.Gratitude:      {"thanks", "thank you", "grateful", "appreciate", "thankful"},
	model.Grief:          {"grief", "grieving", "passed away", "mourning", "funeral", "lost my"},
	model.Joy:            {"happy", "glad", "joy", "delighted", "wonderful", "great day", "cheerful"},
	model.Love:           {"love", "adore", "sweetheart", "in love", "cherish"},
	model.Nervousness:    {"nervous", "anxious", "worried", "uneasy", "stressed", "jittery", "on edge"},
	model.Optimism:       {"hopeful", "optimistic", "it will be fine", "looking forward", "better tomorrow", "confident"},
	model.Pride:          {"proud", "accomplished", "achievement", "nailed it", "i did it"},
	model.Realization:    {"i realize", "i realized", "now i see", "turns out", "it dawned", "oh i get it"},
	model.Relief:         {"relieved", "relief", "phew", "finally over", "weight off"},
	model.Remorse:        {"sorry", "regret", "my fault", "apologize", "i shouldn't have", "guilty"},
	model.Sadness:        {"sad", "terrible", "miserable", "depressed", "unhappy", "cry", "crying", "lonely", "heartbroken", "down"},
	model.Surprise:       {"surprised", "wow", "no way", "unexpected", "shocked", "can't believe", "omg"},
}

var negators = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "dont": {}, "don't": {}, "isn't": {}, "isnt": {}, "wasn't": {}, "wasnt": {},
	"aren't": {}, "arent": {}, "hardly": {}, "without": {},
}

// exclamationBoost nudges labels whose intensity usually shows in punctuation.
var exclamationBoost = map[model.Label]int{
	model.Excitement: 2,
	model.Surprise:   1,
	model.Anger:      1,
}

// Analyze scores text against the keyword buckets. Empty or unmatched text
// yields Neutral with zero score.
func Analyze(text string) Decision {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return Decision{Label: model.Neutral}
	}
	padded := " " + strings.Join(tokens, " ") + " "

	scores := make(map[model.Label]int)
	for label, keywords := range keywordBuckets {
		for _, kw := range keywords {
			if hits := countMatches(tokens, padded, kw); hits > 0 {
				scores[label] += 3 * hits
			}
		}
	}

	if len(scores) > 0 {
		if bangs := strings.Count(text, "!"); bangs > 0 {
			for label, boost := range exclamationBoost {
				if scores[label] > 0 {
					scores[label] += boost * bangs
				}
			}
		}
	}

	best := model.Neutral
	bestScore := 0
	// TextLabels order makes ties deterministic.
	for _, label := range model.TextLabels {
		if s := scores[label]; s > bestScore {
			best, bestScore = label, s
		}
	}
	if bestScore == 0 {
		return Decision{Label: model.Neutral, Confidence: 0.5}
	}

	conf := 0.35 + 0.1*float64(bestScore)/3
	if conf > 0.9 {
		conf = 0.9
	}
	return Decision{Label: best, Score: bestScore, Confidence: conf}
}

func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// countMatches counts non-negated occurrences of kw. Single words match whole
// tokens; phrases match the space-joined token stream.
func countMatches(tokens []string, padded, kw string) int {
	if !strings.Contains(kw, " ") {
		hits := 0
		for i, tok := range tokens {
			if tok == kw && !negated(tokens, i) {
				hits++
			}
		}
		return hits
	}
	return strings.Count(padded, " "+kw+" ")
}

func negated(tokens []string, idx int) bool {
	for back := 1; back <= 2 && idx-back >= 0; back++ {
		if _, ok := negators[tokens[idx-back]]; ok {
			return true
		}
	}
	return false
}
