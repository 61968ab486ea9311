package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

type textReq struct {
	Text string `json:"text"`
}

type textScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type textResp struct {
	Emotions        []textScore `json:"emotions"`
	DominantEmotion string      `json:"dominant_emotion"`
}

// Text posts an utterance to a 28-label text emotion service at <url>/detect.
type Text struct {
	url   string
	http  *HTTPClient
	clock Clock
}

// NewText builds the text service adapter.
func NewText(url string, client *HTTPClient, clock Clock) *Text {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if clock == nil {
		clock = systemClock
	}
	return &Text{url: strings.TrimSpace(url), http: client, clock: clock}
}

func (t *Text) Name() string { return "text-http" }

func (t *Text) Modality() emotion.Modality { return emotion.ModalityText }

func (t *Text) Classify(ctx context.Context, in Input) (emotion.Reading, error) {
	text, err := validateText(in)
	if err != nil {
		return emotion.Reading{}, err
	}
	if t.url == "" {
		return emotion.Reading{}, fmt.Errorf("%w: text classifier url not configured", ErrClassifierUnavailable)
	}

	b, _ := json.Marshal(textReq{Text: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(t.url, "/detect"), bytes.NewReader(b))
	if err != nil {
		return emotion.Reading{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out textResp
	if err := t.http.do(ctx, "text", req, &out); err != nil {
		return emotion.Reading{}, err
	}

	label, score, found := out.DominantEmotion, 0.0, false
	if label == "" {
		for _, s := range out.Emotions {
			if !found || s.Score > score {
				label, score, found = s.Label, s.Score, true
			}
		}
	} else {
		for _, s := range out.Emotions {
			if strings.EqualFold(s.Label, label) {
				score, found = s.Score, true
				break
			}
		}
	}
	if label == "" {
		return emotion.Reading{}, fmt.Errorf("%w: text response without emotions", ErrClassifierFailure)
	}
	if !found {
		return emotion.Reading{}, fmt.Errorf("%w: no score for dominant emotion %q", ErrClassifierFailure, label)
	}
	return newReading(emotion.ModalityText, label, score, t.clock())
}
