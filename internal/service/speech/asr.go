package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const asrChunkSize = 6400

// ASRClient runs one non-streaming recognition per call.
type ASRClient struct {
	cfg  Config
	dial *dialer
}

type asrRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
		EndWindowSize  int    `json:"end_window_size"`
	} `json:"request"`
}

type asrResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text     string `json:"text"`
			Definite bool   `json:"definite"`
		} `json:"utterances"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

func (c *ASRClient) buildRequest(sessionID, format string) asrRequest {
	var req asrRequest
	req.User.UID = sessionID
	req.Audio.Language = strings.TrimSpace(c.cfg.ASRLanguage)
	req.Audio.Format = format
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// Transcribe sends audio in fixed chunks and waits for the final result.
func (c *ASRClient) Transcribe(ctx context.Context, sessionID string, audio []byte, format string) (Transcription, error) {
	if len(audio) == 0 {
		return Transcription{}, ErrEmptyInput
	}
	format = normalizeAudioFormat(format)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	connectID := uuid.NewString()
	conn, resp, err := c.dial.dialWithRetry(ctx, c.cfg.ASRURL, authHeader(c.cfg, c.cfg.ASRResource, connectID))
	if err != nil {
		return Transcription{}, fmt.Errorf("connect ASR: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	requestID := connectID
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[ASR] connected session=%s logid=%s", sessionID, logid)
			requestID = logid
		}
	}

	body, err := json.Marshal(c.buildRequest(sessionID, format))
	if err != nil {
		return Transcription{}, fmt.Errorf("marshal ASR request: %w", err)
	}
	if body, err = gzipBytes(body); err != nil {
		return Transcription{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(clientRequest(body, compressGzip))); err != nil {
		return Transcription{}, fmt.Errorf("send ASR request: %w", err)
	}
	if _, err := c.readResponse(conn); err != nil {
		return Transcription{}, err
	}

	go c.sendAudio(conn, audio)

	for {
		out, err := c.readResponse(conn)
		if err != nil {
			if ctx.Err() != nil {
				return Transcription{}, ctx.Err()
			}
			return Transcription{}, err
		}
		if out.final {
			return Transcription{
				Text:       strings.TrimSpace(out.resp.Result.Text),
				Duration:   time.Duration(out.resp.AudioInfo.Duration) * time.Millisecond,
				RequestID:  requestID,
				Utterances: len(out.resp.Result.Utterances),
			}, nil
		}
	}
}

// sendAudio writes chunks with sequence numbers starting at 2; the request
// frame implicitly holds sequence 1.
func (c *ASRClient) sendAudio(conn *websocket.Conn, audio []byte) {
	seq := int32(2)
	for start := 0; start < len(audio); start += asrChunkSize {
		end := min(start+asrChunkSize, len(audio))
		last := end == len(audio)
		chunk, err := gzipBytes(audio[start:end])
		if err != nil {
			log.Printf("[ASR] compress chunk %d: %v", seq, err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(audioRequest(chunk, seq, last, compressGzip))); err != nil {
			log.Printf("[ASR] send chunk %d: %v", seq, err)
			return
		}
		seq++
	}
}

type asrResult struct {
	resp  asrResponse
	final bool
}

func (c *ASRClient) readResponse(conn *websocket.Conn) (asrResult, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return asrResult{}, fmt.Errorf("read ASR response: %w", err)
	}
	f, err := decodeFrame(data)
	if err != nil {
		return asrResult{}, fmt.Errorf("decode ASR frame: %w", err)
	}
	payload, err := f.payload()
	if err != nil {
		return asrResult{}, fmt.Errorf("decompress ASR payload: %w", err)
	}

	switch f.Header.Type {
	case msgError:
		return asrResult{}, fmt.Errorf("%w: ASR code %d: %s", ErrRemote, f.ErrorCode, string(payload))
	case msgFullServerResponse:
	default:
		return asrResult{}, nil
	}

	var resp asrResponse
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &resp); err != nil {
			return asrResult{}, fmt.Errorf("unmarshal ASR response: %w", err)
		}
	}
	if resp.Code != 0 && resp.Code != 20000000 {
		return asrResult{}, fmt.Errorf("%w: ASR code %d: %s", ErrRemote, resp.Code, resp.Message)
	}
	return asrResult{resp: resp, final: f.isLast() || resp.Sequence < 0}, nil
}

func normalizeAudioFormat(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", "wav", "wave":
		return "wav"
	case "pcm", "raw":
		return "pcm"
	default:
		return f
	}
}
