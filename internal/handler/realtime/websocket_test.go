package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/pipeline"
	"github.com/zhouzirui/empath/backend/internal/service/responder"
	sessionService "github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/internal/service/speech"
)

type happyFace struct{}

func (happyFace) Name() string               { return "happy-face" }
func (happyFace) Modality() emotion.Modality { return emotion.ModalityFacial }
func (happyFace) Classify(_ context.Context, in classifier.Input) (emotion.Reading, error) {
	return emotion.Reading{Modality: emotion.ModalityFacial, Label: emotion.Happy, Confidence: 0.9, ObservedAt: time.Now().UTC()}, nil
}

// slowFace takes a while per call and records the highest overlap it saw.
type slowFace struct {
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (f *slowFace) Name() string               { return "slow-face" }
func (f *slowFace) Modality() emotion.Modality { return emotion.ModalityFacial }
func (f *slowFace) Classify(ctx context.Context, _ classifier.Input) (emotion.Reading, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return emotion.Reading{}, ctx.Err()
	}
	return emotion.Reading{Modality: emotion.ModalityFacial, Label: emotion.Sad, Confidence: 0.8, ObservedAt: time.Now().UTC()}, nil
}

type fakeSpeech struct{}

func (fakeSpeech) Transcribe(_ context.Context, _ string, audio []byte, _ string) (speech.Transcription, error) {
	return speech.Transcription{Text: string(audio)}, nil
}

func (fakeSpeech) Synthesize(_ context.Context, req speech.SynthesisRequest) (speech.Synthesis, error) {
	return speech.Synthesis{Audio: []byte("mp3:" + req.Text), Format: "mp3", Emotion: string(req.Tone.Tone)}, nil
}

type received struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func setup(t *testing.T, speechSvc Speech) (*sessionService.Manager, *websocket.Conn) {
	t.Helper()
	return setupWithFace(t, happyFace{}, speechSvc)
}

func setupWithFace(t *testing.T, face classifier.Classifier, speechSvc Speech) (*sessionService.Manager, *websocket.Conn) {
	t.Helper()
	sessions := sessionService.NewManager(sessionService.Config{})
	frames := pipeline.New(nil, face)
	orchestrator := responder.New(classifier.NewHeuristic(nil), nil, responder.Options{})
	h := New(sessions, frames, orchestrator, speechSvc, Options{SampleInterval: 20 * time.Millisecond, CaptureTimeout: time.Second})

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/realtime", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return sessions, conn
}

func send(t *testing.T, conn *websocket.Conn, kind string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": kind, "data": data}); err != nil {
		t.Fatalf("write %s failed: %v", kind, err)
	}
}

// waitFor reads until a message of the given type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, kind string) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg received
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if msg.Type == kind {
			return msg
		}
	}
}

func TestSessionStartsOnConnect(t *testing.T) {
	sessions, conn := setup(t, nil)
	msg := waitFor(t, conn, "session_started")
	if msg.SessionID == "" {
		t.Fatalf("expected session id")
	}
	if _, err := sessions.Get(msg.SessionID); err != nil {
		t.Fatalf("session should be registered: %v", err)
	}
}

func TestTextTurnDeliversStagesAndFallback(t *testing.T) {
	_, conn := setup(t, nil)
	waitFor(t, conn, "session_started")

	send(t, conn, "text", map[string]string{"text": "I feel terrible today"})

	var stages []string
	for len(stages) < 4 {
		msg := waitFor(t, conn, "turn_stage")
		var data struct {
			Stage string `json:"stage"`
		}
		_ = json.Unmarshal(msg.Data, &data)
		stages = append(stages, data.Stage)
	}
	if strings.Join(stages, ",") != "received,classifying,composing,delivered" {
		t.Fatalf("unexpected stages %v", stages)
	}

	result := waitFor(t, conn, "turn_result")
	var turn responder.TurnResult
	if err := json.Unmarshal(result.Data, &turn); err != nil {
		t.Fatalf("decode turn_result: %v", err)
	}
	if !turn.Fallback || turn.AssistantTurn.Text != responder.FallbackReply {
		t.Fatalf("expected fallback reply without composer, got %+v", turn.AssistantTurn)
	}
	if turn.TextEmotion == nil || turn.TextEmotion.Label != emotion.Sadness {
		t.Fatalf("expected sadness text emotion, got %+v", turn.TextEmotion)
	}
}

func TestVideoCaptureRoundTrip(t *testing.T) {
	_, conn := setup(t, nil)
	waitFor(t, conn, "session_started")

	send(t, conn, "video", map[string]bool{"active": true})
	capture := waitFor(t, conn, "capture_frame")
	var req struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(capture.Data, &req)
	if req.RequestID == "" {
		t.Fatalf("capture request without id")
	}

	image := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	send(t, conn, "frame", map[string]string{"requestId": req.RequestID, "image": image})

	update := waitFor(t, conn, "emotion_update")
	var fused emotion.Update
	_ = json.Unmarshal(update.Data, &fused)
	if fused.Label != emotion.Happy {
		t.Fatalf("expected happy update, got %+v", fused)
	}

	send(t, conn, "video", map[string]bool{"active": false})
	status := waitFor(t, conn, "status")
	var flags struct {
		Video   bool `json:"video"`
		Sampler bool `json:"sampler"`
	}
	_ = json.Unmarshal(status.Data, &flags)
	for flags.Video {
		// The video-on status may still be queued ahead of this one.
		status = waitFor(t, conn, "status")
		_ = json.Unmarshal(status.Data, &flags)
	}
	if flags.Sampler {
		t.Fatalf("sampler should stop with video")
	}
}

func TestVoiceTurnTranscribesAndSpeaks(t *testing.T) {
	_, conn := setup(t, fakeSpeech{})
	waitFor(t, conn, "session_started")

	send(t, conn, "audio", map[string]any{"audioData": []byte("I am so happy"), "format": "wav", "isFinal": false})
	send(t, conn, "audio", map[string]any{"audioData": []byte(" today"), "isFinal": true})

	transcript := waitFor(t, conn, "transcript")
	var text struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(transcript.Data, &text)
	if text.Text != "I am so happy today" {
		t.Fatalf("unexpected transcript %q", text.Text)
	}

	tts := waitFor(t, conn, "tts")
	var audio struct {
		AudioData string `json:"audioData"`
		Tone      string `json:"tone"`
	}
	_ = json.Unmarshal(tts.Data, &audio)
	if audio.AudioData == "" || audio.Tone != "happy" {
		t.Fatalf("unexpected tts payload %+v", audio)
	}
}

func TestEndMessageEndsSession(t *testing.T) {
	sessions, conn := setup(t, nil)
	started := waitFor(t, conn, "session_started")

	send(t, conn, "end", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := sessions.Get(started.SessionID); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session still registered after end")
}

func TestUnknownMessageTypeReportsError(t *testing.T) {
	_, conn := setup(t, nil)
	waitFor(t, conn, "session_started")
	send(t, conn, "dance", nil)
	msg := waitFor(t, conn, "error")
	if !strings.Contains(string(msg.Data), "dance") {
		t.Fatalf("unexpected error payload %s", msg.Data)
	}
}

func TestUnsolicitedFramesAreNotClassifiedConcurrently(t *testing.T) {
	face := &slowFace{delay: 300 * time.Millisecond}
	_, conn := setupWithFace(t, face, nil)
	waitFor(t, conn, "session_started")

	image := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	const frames = 20
	for i := 0; i < frames; i++ {
		send(t, conn, "frame", map[string]string{"image": image})
	}

	statuses := map[pipeline.Status]int{}
	for i := 0; i < frames; i++ {
		msg := waitFor(t, conn, "frame_result")
		var result pipeline.FrameResult
		_ = json.Unmarshal(msg.Data, &result)
		statuses[result.Status]++
	}
	if statuses[pipeline.StatusOK] < 1 || statuses[pipeline.StatusBusy] < 1 {
		t.Fatalf("expected one applied frame and the rest busy, got %v", statuses)
	}
	if peak := face.peak.Load(); peak != 1 {
		t.Fatalf("max concurrent facial calls for one session = %d, want 1", peak)
	}
}
