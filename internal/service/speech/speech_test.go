package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/empath/backend/internal/analysis/emotion"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{AppID: "app", AccessToken: "token", ASRURL: url, TTSURL: url, Timeout: 2 * time.Second, MaxRetries: 1}
}

func TestFrameRoundTripWithEvent(t *testing.T) {
	in := &frame{
		Header:    header{Type: msgFullServerResponse, Flags: flagWithEvent, Serialization: serialJSON},
		Event:     eventSessionFinished,
		SessionID: "abc",
		Payload:   []byte(`{"code":0}`),
	}
	out, err := decodeFrame(encodeFrame(in))
	if err != nil {
		t.Fatalf("decodeFrame returned error: %v", err)
	}
	if out.Event != eventSessionFinished || out.SessionID != "abc" || string(out.Payload) != `{"code":0}` {
		t.Fatalf("unexpected frame %+v", out)
	}
}

func TestAudioRequestMarksLastChunk(t *testing.T) {
	f, err := decodeFrame(encodeFrame(audioRequest([]byte("pcm"), 4, true, compressNone)))
	if err != nil {
		t.Fatalf("decodeFrame returned error: %v", err)
	}
	if !f.isLast() || f.Sequence != -4 {
		t.Fatalf("expected negated last sequence, got flags=%b seq=%d", f.Header.Flags, f.Sequence)
	}
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	data := encodeFrame(clientRequest([]byte("hello world"), compressNone))
	if _, err := decodeFrame(data[:len(data)-3]); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
	if _, err := decodeFrame([]byte{0x21, 0x10, 0x10, 0x00}); err == nil {
		t.Fatalf("expected error for unknown protocol version")
	}
}

func TestResourceCandidates(t *testing.T) {
	tests := []struct {
		voice string
		want  []string
	}{
		{voice: "", want: []string{ttsDefaultResource, ttsSeedResource}},
		{voice: "S_clone_speaker", want: []string{ttsCloneResource}},
		{voice: "zh_female_vv_uranus_bigtts", want: []string{ttsSeedResource, ttsDefaultResource}},
	}
	for _, tt := range tests {
		if got := resourceCandidates(tt.voice); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("resourceCandidates(%q) = %v, want %v", tt.voice, got, tt.want)
		}
	}
}

func TestEmotionParams(t *testing.T) {
	tone := emotion.ToneFor("sadness", 0.8)
	if _, _, ok := emotionParams("zh_female_vv_uranus_bigtts", tone); ok {
		t.Fatalf("plain voices must not receive emotion parameters")
	}
	name, scale, ok := emotionParams("en_female_skye_emo_v2_mars_bigtts", tone)
	if !ok || name != "comfort" || scale < 1 || scale > 5 {
		t.Fatalf("unexpected params %q %v %v", name, scale, ok)
	}
	if _, _, ok := emotionParams("en_female_skye_emo_v2_mars_bigtts", emotion.ToneDecision{Tone: emotion.ToneNeutral}); ok {
		t.Fatalf("neutral tone should send no emotion")
	}
}

func TestNewServiceRequiresCredentials(t *testing.T) {
	svc := NewService(Config{})
	if svc != nil {
		t.Fatalf("expected nil service without credentials")
	}
	if _, err := svc.Transcribe(context.Background(), "s", []byte("a"), "wav"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTranscribeAgainstFakeServer(t *testing.T) {
	var (
		mu        sync.Mutex
		chunks    int
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHeader = r.Header.Clone()
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, _ := decodeFrame(data)
		body, _ := req.payload()
		var parsed asrRequest
		_ = json.Unmarshal(body, &parsed)
		if parsed.Request.ModelName != "bigmodel" || parsed.User.UID != "sess-1" {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
			Header:   header{Type: msgFullServerResponse, Flags: flagPositiveSeq, Serialization: serialJSON},
			Sequence: 1,
			Payload:  []byte(`{"code":0,"sequence":1}`),
		}))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, _ := decodeFrame(data)
			mu.Lock()
			chunks++
			mu.Unlock()
			if f.isLast() {
				break
			}
		}
		final, _ := gzipBytes([]byte(`{"code":20000000,"sequence":-3,"result":{"text":" I feel terrible today ","utterances":[{"text":"I feel terrible today","definite":true}]},"audio_info":{"duration":1500}}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
			Header:   header{Type: msgFullServerResponse, Flags: flagNegativeSeq, Serialization: serialJSON, Compression: compressGzip},
			Sequence: -3,
			Payload:  final,
		}))
	}))
	defer srv.Close()

	svc := NewService(testConfig(wsURL(srv)))
	audio := make([]byte, asrChunkSize+100)
	got, err := svc.Transcribe(context.Background(), "sess-1", audio, "wav")
	if err != nil {
		t.Fatalf("Transcribe returned error: %v", err)
	}
	if got.Text != "I feel terrible today" || got.Duration != 1500*time.Millisecond || got.Utterances != 1 {
		t.Fatalf("unexpected transcription %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if chunks != 2 {
		t.Fatalf("expected 2 audio chunks, got %d", chunks)
	}
	if gotHeader.Get("X-Api-Resource-Id") != DefaultASRResource || gotHeader.Get("X-Api-App-Key") != "app" {
		t.Fatalf("unexpected auth headers %v", gotHeader)
	}
}

func TestTranscribeSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
			Header:    header{Type: msgError, Serialization: serialJSON},
			ErrorCode: 45000001,
			Payload:   []byte(`invalid audio`),
		}))
	}))
	defer srv.Close()

	_, err := NewService(testConfig(wsURL(srv))).Transcribe(context.Background(), "s", []byte("x"), "pcm")
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
}

func TestSynthesizeFallsBackOnResourceMismatch(t *testing.T) {
	var (
		mu        sync.Mutex
		resources []string
		emotions  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.Header.Get("X-Api-Resource-Id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, _ := decodeFrame(data)
		var parsed ttsRequest
		_ = json.Unmarshal(req.Payload, &parsed)

		mu.Lock()
		resources = append(resources, resource)
		emotions = append(emotions, parsed.ReqParams.AudioParams.Emotion)
		mu.Unlock()

		if resource == ttsSeedResource {
			_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
				Header:    header{Type: msgError, Serialization: serialJSON},
				ErrorCode: 1,
				Payload:   []byte(`{"error":"resource ID is mismatched with speaker related resource"}`),
			}))
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
			Header:   header{Type: msgAudioOnlyResponse, Flags: flagPositiveSeq},
			Sequence: 1,
			Payload:  []byte("ID3audio"),
		}))
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrame(&frame{
			Header:    header{Type: msgFullServerResponse, Flags: flagWithEvent, Serialization: serialJSON},
			Event:     eventSessionFinished,
			SessionID: parsed.User.UID,
			Payload:   []byte(`{"code":0,"reqid":"req-9"}`),
		}))
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.Voice = "en_female_skye_emo_v2_mars_bigtts"
	out, err := NewService(cfg).Synthesize(context.Background(), SynthesisRequest{
		SessionID: "sess-2",
		Text:      "I'm sorry today has been so hard.",
		Tone:      emotion.ToneFor("sadness", 0.9),
	})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	if string(out.Audio) != "ID3audio" || out.RequestID != "req-9" || out.Format != "mp3" || out.Emotion != "comfort" {
		t.Fatalf("unexpected synthesis %+v", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(resources, []string{ttsSeedResource, ttsDefaultResource}) {
		t.Fatalf("unexpected resource attempts %v", resources)
	}
	if emotions[1] != "comfort" {
		t.Fatalf("expected comfort emotion in request, got %q", emotions[1])
	}
}

func TestSynthesizeRejectsBlankText(t *testing.T) {
	svc := NewService(testConfig("ws://127.0.0.1:1"))
	if _, err := svc.Synthesize(context.Background(), SynthesisRequest{Text: "  "}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}
