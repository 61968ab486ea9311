package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/empath/backend/internal/analysis/emotion"
)

const (
	ttsDefaultResource = "volc.service_type.10029"
	ttsSeedResource    = "seed-tts-2.0"
	ttsCloneResource   = "volc.megatts.default"
)

// SynthesisRequest is one reply to voice.
type SynthesisRequest struct {
	SessionID string
	Text      string
	Voice     string
	Format    string
	Tone      emotion.ToneDecision
}

// TTSClient synthesizes over the unidirectional stream endpoint.
type TTSClient struct {
	cfg  Config
	dial *dialer
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Additions   string         `json:"additions,omitempty"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format       string  `json:"format"`
	SampleRate   int     `json:"sample_rate"`
	SpeedRatio   float32 `json:"speed_ratio,omitempty"`
	VolumeRatio  float32 `json:"volume_ratio,omitempty"`
	Emotion      string  `json:"emotion,omitempty"`
	EmotionScale float32 `json:"emotion_scale,omitempty"`
}

type ttsResponse struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

// Synthesize tries each resource id compatible with the voice until one is
// accepted by the server.
func (c *TTSClient) Synthesize(ctx context.Context, req SynthesisRequest) (Synthesis, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Synthesis{}, ErrEmptyInput
	}
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = strings.TrimSpace(c.cfg.Voice)
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" || format == "wav" {
		format = "mp3"
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var lastErr error
	for i, resource := range resourceCandidates(voice) {
		out, err := c.synthesizeWith(ctx, req, text, voice, format, resource)
		if err == nil {
			if i > 0 {
				log.Printf("[TTS] voice %s accepted fallback resource %s", voice, resource)
			}
			return out, nil
		}
		if !isResourceMismatch(err) {
			return Synthesis{}, err
		}
		log.Printf("[TTS] voice %s resource %s mismatch: %v", voice, resource, err)
		lastErr = err
	}
	return Synthesis{}, lastErr
}

func (c *TTSClient) synthesizeWith(ctx context.Context, req SynthesisRequest, text, voice, format, resource string) (Synthesis, error) {
	connectID := uuid.NewString()
	conn, _, err := c.dial.dialWithRetry(ctx, c.cfg.TTSURL, authHeader(c.cfg, resource, connectID))
	if err != nil {
		return Synthesis{}, fmt.Errorf("connect TTS: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	body, err := json.Marshal(c.buildRequest(req, text, voice, format))
	if err != nil {
		return Synthesis{}, fmt.Errorf("marshal TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(clientRequest(body, compressNone))); err != nil {
		return Synthesis{}, fmt.Errorf("send TTS request: %w", err)
	}

	emotionName, _, _ := emotionParams(voice, req.Tone)
	out := Synthesis{Format: format, Voice: voice, Emotion: emotionName, RequestID: connectID}
	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Synthesis{}, ctx.Err()
			}
			return Synthesis{}, fmt.Errorf("read TTS response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return Synthesis{}, fmt.Errorf("decode TTS frame: %w", err)
		}
		payload, err := f.payload()
		if err != nil {
			return Synthesis{}, fmt.Errorf("decompress TTS payload: %w", err)
		}

		done := false
		switch f.Header.Type {
		case msgError:
			return Synthesis{}, fmt.Errorf("%w: TTS code %d: %s", ErrRemote, f.ErrorCode, string(payload))
		case msgAudioOnlyResponse:
			audio.Write(payload)
			done = f.isLast()
		case msgFullServerResponse:
			var resp ttsResponse
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &resp); err != nil {
					log.Printf("[TTS] unreadable response payload: %v", err)
				}
			}
			if resp.Code != 0 && resp.Code != 3000 {
				return Synthesis{}, fmt.Errorf("%w: TTS code %d: %s", ErrRemote, resp.Code, resp.Message)
			}
			if resp.ReqID != "" {
				out.RequestID = resp.ReqID
			}
			if resp.Data != "" {
				chunk, err := base64.StdEncoding.DecodeString(resp.Data)
				if err != nil {
					return Synthesis{}, fmt.Errorf("decode TTS audio chunk: %w", err)
				}
				audio.Write(chunk)
			}
			done = f.isLast() || resp.Sequence < 0 || (f.hasEvent() && f.Event == eventSessionFinished)
		default:
			log.Printf("[TTS] unexpected message type %d", f.Header.Type)
		}

		if done {
			if audio.Len() == 0 {
				return Synthesis{}, fmt.Errorf("%w: TTS returned no audio", ErrRemote)
			}
			out.Audio = audio.Bytes()
			return out, nil
		}
	}
}

func (c *TTSClient) buildRequest(req SynthesisRequest, text, voice, format string) ttsRequest {
	var r ttsRequest
	r.User.UID = req.SessionID
	if r.User.UID == "" {
		r.User.UID = uuid.NewString()
	}
	r.ReqParams.Speaker = voice
	r.ReqParams.Text = text
	r.ReqParams.Language = strings.TrimSpace(c.cfg.TTSLanguage)
	r.ReqParams.Additions = `{"disable_markdown_filter":false}`
	r.ReqParams.AudioParams = ttsAudioParams{Format: format, SampleRate: 24000}
	if c.cfg.Speed > 0 && c.cfg.Speed != 1 {
		r.ReqParams.AudioParams.SpeedRatio = c.cfg.Speed
	}
	if c.cfg.Volume > 0 && c.cfg.Volume != 1 {
		r.ReqParams.AudioParams.VolumeRatio = c.cfg.Volume
	}
	if name, scale, ok := emotionParams(voice, req.Tone); ok {
		r.ReqParams.AudioParams.Emotion = name
		r.ReqParams.AudioParams.EmotionScale = scale
	}
	return r
}

// emotionParams maps a tone to synthesis parameters. Only emotion-capable
// voices accept them and neutral replies send none.
func emotionParams(voice string, tone emotion.ToneDecision) (string, float32, bool) {
	if tone.Tone == "" || tone.Tone == emotion.ToneNeutral || !supportsEmotion(voice) {
		return "", 0, false
	}
	scale := tone.Scale
	if scale <= 0 {
		scale = 3
	}
	return string(tone.Tone), max(1, min(scale, 5)), true
}

func supportsEmotion(voice string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(voice)), "_emo")
}

func resourceCandidates(voice string) []string {
	if strings.HasPrefix(voice, "S_") {
		return []string{ttsCloneResource}
	}
	lower := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "mars"} {
		if strings.Contains(lower, hint) {
			return []string{ttsSeedResource, ttsDefaultResource}
		}
	}
	return []string{ttsDefaultResource, ttsSeedResource}
}

func isResourceMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched")
}
