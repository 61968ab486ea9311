package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/empath/backend/internal/model/chat"
	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/pipeline"
	"github.com/zhouzirui/empath/backend/internal/service/responder"
	sessionService "github.com/zhouzirui/empath/backend/internal/service/session"
)

// stubFace reports no face for the bytes "blank" and a fearful face otherwise.
type stubFace struct{}

func (stubFace) Name() string               { return "stub-face" }
func (stubFace) Modality() emotion.Modality { return emotion.ModalityFacial }
func (stubFace) Classify(_ context.Context, in classifier.Input) (emotion.Reading, error) {
	if string(in.Image) == "blank" {
		return emotion.Reading{}, classifier.ErrNoFaceDetected
	}
	return emotion.Reading{Modality: emotion.ModalityFacial, Label: emotion.Fear, Confidence: 0.7, ObservedAt: time.Now().UTC()}, nil
}

func setupRouter() (*chi.Mux, *sessionService.Manager) {
	sessions := sessionService.NewManager(sessionService.Config{})
	frames := pipeline.New(nil, stubFace{})
	orchestrator := responder.New(classifier.NewHeuristic(nil), nil, responder.Options{})

	r := chi.NewRouter()
	New(sessions, frames, orchestrator).RegisterRoutes(r)
	return r, sessions
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createSession(t *testing.T, r http.Handler) string {
	t.Helper()
	resp := do(r, http.MethodPost, "/sessions", nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var info chat.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &info); err != nil || info.ID == "" {
		t.Fatalf("invalid session body %s: %v", resp.Body.String(), err)
	}
	return info.ID
}

func TestCreateAndSnapshot(t *testing.T) {
	r, _ := setupRouter()
	id := createSession(t, r)

	resp := do(r, http.MethodGet, "/sessions/"+id, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snap sessionService.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Fused.Label != emotion.Neutral || snap.Fused.Confidence != 0 {
		t.Fatalf("fresh session should be neutral, got %+v", snap.Fused)
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	r, _ := setupRouter()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/sessions/missing"},
		{http.MethodGet, "/sessions/missing/transcript"},
		{http.MethodDelete, "/sessions/missing"},
		{http.MethodPost, "/sessions/missing/turns"},
	} {
		resp := do(r, tc.method, tc.path, map[string]string{"text": "hi"})
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, resp.Code)
		}
	}
}

func TestFrameStatuses(t *testing.T) {
	r, _ := setupRouter()
	id := createSession(t, r)
	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		image  string
		status int
		want   pipeline.Status
	}{
		{name: "bad base64", image: "!!not-base64!!", status: http.StatusUnprocessableEntity},
		{name: "no face", image: encode("blank"), status: http.StatusUnprocessableEntity, want: pipeline.StatusNoFace},
		{name: "face", image: "data:image/png;base64," + encode("face"), status: http.StatusOK, want: pipeline.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(r, http.MethodPost, fmt.Sprintf("/sessions/%s/frames", id), map[string]string{"image": tt.image})
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
			if tt.want == "" {
				return
			}
			var body frameResponse
			_ = json.Unmarshal(resp.Body.Bytes(), &body)
			if body.Status != tt.want {
				t.Fatalf("expected status %s, got %s", tt.want, body.Status)
			}
			if tt.want == pipeline.StatusOK && (body.Fused == nil || body.Fused.Label != emotion.Fear) {
				t.Fatalf("expected fused fear, got %+v", body.Fused)
			}
		})
	}
}

func TestFrameWhileFacialInFlightIsBusy(t *testing.T) {
	r, sessions := setupRouter()
	id := createSession(t, r)
	sess, err := sessions.Get(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	held, err := sess.Begin(emotion.ModalityFacial)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	image := base64.StdEncoding.EncodeToString([]byte("face"))
	resp := do(r, http.MethodPost, fmt.Sprintf("/sessions/%s/frames", id), map[string]string{"image": image})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", resp.Code, resp.Body.String())
	}
	if held.Context().Err() != nil {
		t.Fatalf("busy frame must not cancel the call in flight")
	}

	sess.Release(held)
	resp = do(r, http.MethodPost, fmt.Sprintf("/sessions/%s/frames", id), map[string]string{"image": image})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 once released, got %d", resp.Code)
	}
}

func TestTurnFlow(t *testing.T) {
	r, _ := setupRouter()
	id := createSession(t, r)

	blank := do(r, http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "   "})
	if blank.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank turn: expected 422, got %d", blank.Code)
	}

	resp := do(r, http.MethodPost, "/sessions/"+id+"/turns", map[string]string{"text": "I'm so worried about tomorrow"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var turn turnResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if !turn.Fallback || turn.AssistantReply != responder.FallbackReply {
		t.Fatalf("expected fallback reply, got %+v", turn)
	}
	if turn.UserTurn.Role != chat.RoleUser || turn.UserTurn.Text != "I'm so worried about tomorrow" {
		t.Fatalf("unexpected user turn %+v", turn.UserTurn)
	}

	transcript := do(r, http.MethodGet, "/sessions/"+id+"/transcript", nil)
	var body transcriptResponse
	if err := json.Unmarshal(transcript.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(body.Turns) != 2 || body.Turns[1].Role != chat.RoleAssistant {
		t.Fatalf("expected user and assistant turns, got %+v", body.Turns)
	}
}

func TestDeleteEndsSession(t *testing.T) {
	r, sessions := setupRouter()
	id := createSession(t, r)

	if resp := do(r, http.MethodDelete, "/sessions/"+id, nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if sessions.Count() != 0 {
		t.Fatalf("expected no live sessions, got %d", sessions.Count())
	}
	if resp := do(r, http.MethodGet, "/sessions/"+id, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sessionService.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", classifier.ErrInputRejected), http.StatusUnprocessableEntity},
		{classifier.ErrNoFaceDetected, http.StatusUnprocessableEntity},
		{classifier.ErrClassifierUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Fatalf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
