// Package speech talks to the Volcengine speech services over their binary
// websocket protocol: recognition of user audio and synthesis of replies.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

const (
	DefaultASRURL      = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	DefaultTTSURL      = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
	DefaultASRResource = "volc.bigasr.sauc.duration"
	defaultMaxRetries  = 3
)

var (
	ErrNotConfigured = errors.New("speech service not configured")
	ErrEmptyInput    = errors.New("speech input is empty")
	ErrRemote        = errors.New("speech service error")
)

// Config carries credentials and defaults for both directions.
type Config struct {
	AppID       string
	AccessToken string
	ASRURL      string
	TTSURL      string
	ASRResource string
	ASRLanguage string
	Voice       string
	Speed       float32
	Volume      float32
	TTSLanguage string
	Timeout     time.Duration
	MaxRetries  int
}

// Enabled reports whether credentials were supplied.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.AppID) != "" && strings.TrimSpace(c.AccessToken) != ""
}

func (c Config) withDefaults() Config {
	if c.ASRURL == "" {
		c.ASRURL = DefaultASRURL
	}
	if c.TTSURL == "" {
		c.TTSURL = DefaultTTSURL
	}
	if c.ASRResource == "" {
		c.ASRResource = DefaultASRResource
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// Transcription is the recognized text of one utterance.
type Transcription struct {
	Text       string        `json:"text"`
	Duration   time.Duration `json:"duration"`
	RequestID  string        `json:"requestId"`
	Utterances int           `json:"utterances"`
}

// Synthesis is the encoded audio for one reply.
type Synthesis struct {
	Audio     []byte `json:"-"`
	Format    string `json:"format"`
	Voice     string `json:"voice"`
	Emotion   string `json:"emotion,omitempty"`
	RequestID string `json:"requestId"`
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, audio []byte, format string) (Transcription, error)
}

// Synthesizer renders reply text as audio in the given tone.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (Synthesis, error)
}

// Service bundles the recognition and synthesis clients.
type Service struct {
	cfg Config
	asr *ASRClient
	tts *TTSClient
}

// NewService returns nil when no credentials are configured.
func NewService(cfg Config) *Service {
	if !cfg.Enabled() {
		return nil
	}
	cfg = cfg.withDefaults()
	d := &dialer{timeout: cfg.Timeout, retries: cfg.MaxRetries}
	return &Service{
		cfg: cfg,
		asr: &ASRClient{cfg: cfg, dial: d},
		tts: &TTSClient{cfg: cfg, dial: d},
	}
}

// Transcribe implements Transcriber.
func (s *Service) Transcribe(ctx context.Context, sessionID string, audio []byte, format string) (Transcription, error) {
	if s == nil {
		return Transcription{}, ErrNotConfigured
	}
	ctx, span := telemetry.StartSpan(ctx, "speech.transcribe",
		attribute.String("session.id", sessionID), attribute.Int("audio.bytes", len(audio)))
	out, err := s.asr.Transcribe(ctx, sessionID, audio, format)
	span.End(err)
	return out, err
}

// Synthesize implements Synthesizer.
func (s *Service) Synthesize(ctx context.Context, req SynthesisRequest) (Synthesis, error) {
	if s == nil {
		return Synthesis{}, ErrNotConfigured
	}
	ctx, span := telemetry.StartSpan(ctx, "speech.synthesize",
		attribute.String("session.id", req.SessionID), attribute.String("tone", string(req.Tone.Tone)))
	out, err := s.tts.Synthesize(ctx, req)
	span.End(err)
	return out, err
}

type dialer struct {
	timeout time.Duration
	retries int
}

// dialWithRetry connects with linear backoff. Handshake rejections with a
// 4xx status are returned immediately since retrying cannot fix them.
func (d *dialer) dialWithRetry(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	ws := &websocket.Dialer{HandshakeTimeout: d.timeout}
	var lastErr error
	for attempt := 0; attempt < d.retries; attempt++ {
		conn, resp, err := ws.DialContext(ctx, url, h)
		if err == nil {
			return conn, resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, resp, fmt.Errorf("websocket handshake rejected with %d: %w", resp.StatusCode, err)
		}
		log.Printf("[speech] dial %s attempt %d failed: %v", url, attempt+1, err)

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return nil, nil, fmt.Errorf("failed to connect after %d attempts: %w", d.retries, lastErr)
}

func authHeader(cfg Config, resourceID, connectID string) http.Header {
	h := http.Header{}
	h.Set("X-Api-App-Key", strings.TrimSpace(cfg.AppID))
	h.Set("X-Api-Access-Key", strings.TrimSpace(cfg.AccessToken))
	h.Set("X-Api-Resource-Id", resourceID)
	h.Set("X-Api-Connect-Id", connectID)
	return h
}
