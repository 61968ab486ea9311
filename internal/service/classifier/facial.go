package classifier

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
)

type facialResp struct {
	FaceDetected    *bool              `json:"face_detected"`
	DominantEmotion string             `json:"dominant_emotion"`
	Emotions        map[string]float64 `json:"emotions"`
}

// Facial posts a still image to a face analysis service at <url>/analyze.
type Facial struct {
	url   string
	http  *HTTPClient
	clock Clock
}

// NewFacial builds the facial adapter. An empty url yields an adapter that
// always reports ErrClassifierUnavailable.
func NewFacial(url string, client *HTTPClient, clock Clock) *Facial {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if clock == nil {
		clock = systemClock
	}
	return &Facial{url: strings.TrimSpace(url), http: client, clock: clock}
}

func (f *Facial) Name() string { return "facial-http" }

func (f *Facial) Modality() emotion.Modality { return emotion.ModalityFacial }

func (f *Facial) Classify(ctx context.Context, in Input) (emotion.Reading, error) {
	if err := validateImage(in); err != nil {
		return emotion.Reading{}, err
	}
	if f.url == "" {
		return emotion.Reading{}, fmt.Errorf("%w: facial classifier url not configured", ErrClassifierUnavailable)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	contentType := in.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="frame"`)
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return emotion.Reading{}, err
	}
	if _, err := part.Write(in.Image); err != nil {
		return emotion.Reading{}, err
	}
	if err := w.Close(); err != nil {
		return emotion.Reading{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(f.url, "/analyze"), &body)
	if err != nil {
		return emotion.Reading{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out facialResp
	if err := f.http.do(ctx, "facial", req, &out); err != nil {
		return emotion.Reading{}, err
	}
	if out.FaceDetected != nil && !*out.FaceDetected {
		return emotion.Reading{}, ErrNoFaceDetected
	}
	if out.DominantEmotion == "" && len(out.Emotions) == 0 {
		return emotion.Reading{}, ErrNoFaceDetected
	}

	label, score, err := dominantScore(out.DominantEmotion, out.Emotions)
	if err != nil {
		return emotion.Reading{}, err
	}
	return newReading(emotion.ModalityFacial, label, score, f.clock())
}

// dominantScore picks the labelled score, accepting either 0..1 or 0..100 scales.
// A dominant label without a score is a malformed response.
func dominantScore(dominant string, scores map[string]float64) (string, float64, error) {
	if dominant == "" {
		best := -1.0
		for label, s := range scores {
			if s > best || (s == best && label < dominant) {
				dominant, best = label, s
			}
		}
	}
	score, ok := scores[dominant]
	if !ok {
		for label, s := range scores {
			if strings.EqualFold(label, dominant) {
				score, ok = s, true
				break
			}
		}
	}
	if !ok {
		return "", 0, fmt.Errorf("%w: no score for dominant emotion %q", ErrClassifierFailure, dominant)
	}
	if score > 1 {
		score /= 100
	}
	return dominant, score, nil
}
