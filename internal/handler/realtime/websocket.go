// Package realtime serves the bidirectional websocket channel of a live session.
package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	analysis "github.com/zhouzirui/empath/backend/internal/analysis/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/imaging"
	"github.com/zhouzirui/empath/backend/internal/service/pipeline"
	"github.com/zhouzirui/empath/backend/internal/service/responder"
	"github.com/zhouzirui/empath/backend/internal/service/sampler"
	sessionService "github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/internal/service/speech"
)

const (
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 54 * time.Second
	sendBuffer    = 64
	turnQueueSize = 8
	maxAudioBytes = 10 << 20
)

// Speech is the optional voice collaborator.
type Speech interface {
	speech.Transcriber
	speech.Synthesizer
}

// Options tune per-connection behavior.
type Options struct {
	SampleInterval time.Duration
	CaptureTimeout time.Duration
	Voice          string
}

// Handler upgrades connections and runs one session per connection.
type Handler struct {
	sessions  *sessionService.Manager
	frames    *pipeline.Pipeline
	responder *responder.Orchestrator
	speech    Speech
	opts      Options
	upgrader  websocket.Upgrader
}

// New creates the realtime handler. speech may be nil.
func New(sessions *sessionService.Manager, frames *pipeline.Pipeline, orchestrator *responder.Orchestrator, speechSvc Speech, opts Options) *Handler {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = sampler.DefaultInterval
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 5 * time.Second
	}
	return &Handler{
		sessions:  sessions,
		frames:    frames,
		responder: orchestrator,
		speech:    speechSvc,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/realtime", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type toggleMessage struct {
	Active bool `json:"active"`
}

type textMessage struct {
	Text string `json:"text"`
}

type audioMessage struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format"`
	IsFinal   bool   `json:"isFinal"`
}

type frameMessage struct {
	RequestID string `json:"requestId"`
	Image     string `json:"image"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type turnJob struct {
	text   string
	audio  []byte
	format string
}

// connection is the state of one websocket client. Only the writer goroutine
// touches ws for writing; only the read loop touches audio.
type connection struct {
	h       *Handler
	ws      *websocket.Conn
	sess    *sessionService.Session
	ctx     context.Context
	cancel  context.CancelFunc
	send    chan outgoingMessage
	turns   chan turnJob
	sampler *sampler.Sampler

	pendingMu sync.Mutex
	pending   map[string]chan pipeline.Frame

	// ingesting guards the single unsolicited frame allowed in flight.
	ingesting atomic.Bool

	audio       bytes.Buffer
	audioFormat string
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[realtime] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	sess := h.sessions.Create(r.Context())
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		h:       h,
		ws:      ws,
		sess:    sess,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan outgoingMessage, sendBuffer),
		turns:   make(chan turnJob, turnQueueSize),
		pending: make(map[string]chan pipeline.Frame),
	}
	c.sampler = sampler.New("session="+sess.ID(), h.opts.SampleInterval, h.frames.SampleJob(sess, c, c.reportFrame))

	log.Printf("[realtime] connection opened session=%s", sess.ID())
	c.run()
	log.Printf("[realtime] connection closed session=%s", sess.ID())
}

func (c *connection) run() {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.forwardUpdates()
	}()
	go func() {
		defer wg.Done()
		c.turnLoop()
	}()

	c.emit("session_started", c.sess.Info())
	c.readLoop()

	c.cancel()
	c.sampler.Stop()
	close(c.turns)
	if err := c.h.sessions.End(c.sess.ID()); err != nil && !errors.Is(err, sessionService.ErrSessionNotFound) {
		log.Printf("[realtime] end session=%s: %v", c.sess.ID(), err)
	}
	wg.Wait()
}

func (c *connection) readLoop() {
	c.ws.SetReadLimit(maxAudioBytes * 2)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[realtime] read error session=%s: %v", c.sess.ID(), err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if done := c.handleMessage(msg); done {
			return
		}
	}
}

// handleMessage dispatches one inbound message and reports whether the
// client asked to end the session.
func (c *connection) handleMessage(msg inboundMessage) bool {
	switch msg.Type {
	case "video":
		var toggle toggleMessage
		if err := json.Unmarshal(msg.Data, &toggle); err != nil {
			c.emitError("invalid video payload")
			return false
		}
		c.setVideo(toggle.Active)
	case "mic":
		var toggle toggleMessage
		if err := json.Unmarshal(msg.Data, &toggle); err != nil {
			c.emitError("invalid mic payload")
			return false
		}
		c.setMic(toggle.Active)
	case "text":
		var text textMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			c.emitError("invalid text payload")
			return false
		}
		c.enqueue(turnJob{text: text.Text})
	case "audio":
		var audio audioMessage
		if err := json.Unmarshal(msg.Data, &audio); err != nil {
			c.emitError("invalid audio payload")
			return false
		}
		c.handleAudio(audio)
	case "frame":
		var frame frameMessage
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			c.emitError("invalid frame payload")
			return false
		}
		c.handleFrame(frame)
	case "end":
		return true
	default:
		c.emitError("unsupported message type: " + msg.Type)
	}
	return false
}

func (c *connection) setVideo(active bool) {
	changed, err := c.sess.SetVideoActive(active)
	if err != nil {
		c.emitError(err.Error())
		return
	}
	if active {
		c.sampler.Start(c.ctx)
	} else {
		c.sampler.Stop()
		c.dropPending()
	}
	if changed {
		log.Printf("[realtime] video active=%v session=%s", active, c.sess.ID())
	}
	c.emitStatus()
}

func (c *connection) setMic(active bool) {
	if _, err := c.sess.SetMicActive(active); err != nil {
		c.emitError(err.Error())
		return
	}
	if !active && c.audio.Len() > 0 {
		log.Printf("[realtime] mic off, discarding %d buffered audio bytes session=%s", c.audio.Len(), c.sess.ID())
		c.audio.Reset()
	}
	c.emitStatus()
}

func (c *connection) emitStatus() {
	info := c.sess.Info()
	c.emit("status", map[string]any{
		"video":   info.VideoActive,
		"mic":     info.MicActive,
		"voice":   c.h.speech != nil,
		"sampler": c.sampler.Running(),
	})
}

func (c *connection) handleAudio(audio audioMessage) {
	if c.h.speech == nil {
		c.emitError("speech service unavailable")
		return
	}
	if c.audio.Len()+len(audio.AudioData) > maxAudioBytes {
		c.audio.Reset()
		c.emitError("audio utterance too long")
		return
	}
	c.audio.Write(audio.AudioData)
	if audio.Format != "" {
		c.audioFormat = audio.Format
	}
	if !audio.IsFinal {
		return
	}

	data := bytes.Clone(c.audio.Bytes())
	c.audio.Reset()
	if len(data) == 0 {
		return
	}
	c.enqueue(turnJob{audio: data, format: c.audioFormat})
}

func (c *connection) enqueue(job turnJob) {
	select {
	case c.turns <- job:
	default:
		c.emitError("too many turns in progress")
	}
}

// turnLoop handles turns one at a time in arrival order.
func (c *connection) turnLoop() {
	for job := range c.turns {
		text := job.text
		if job.audio != nil {
			transcribed, ok := c.transcribe(job)
			if !ok {
				continue
			}
			text = transcribed
		}
		c.handleTurn(text)
	}
}

func (c *connection) transcribe(job turnJob) (string, bool) {
	result, err := c.h.speech.Transcribe(c.ctx, c.sess.ID(), job.audio, job.format)
	if err != nil {
		log.Printf("[realtime] transcription failed session=%s: %v", c.sess.ID(), err)
		c.emitError("transcription failed")
		return "", false
	}
	c.emit("transcript", map[string]any{"text": result.Text, "isFinal": true})
	if result.Text == "" {
		return "", false
	}
	return result.Text, true
}

func (c *connection) handleTurn(text string) {
	result, err := c.h.responder.HandleTurn(c.ctx, c.sess, text, func(_ string, stage responder.Stage) {
		c.emit("turn_stage", map[string]string{"stage": string(stage)})
	})
	if err != nil {
		if errors.Is(err, classifier.ErrInputRejected) {
			c.emitError("text is empty")
			return
		}
		log.Printf("[realtime] turn failed session=%s: %v", c.sess.ID(), err)
		c.emitError("turn failed")
		return
	}
	c.emit("turn_result", result)

	if c.h.speech != nil {
		c.speak(result)
	}
}

// speak voices the reply in a tone chosen from the user's fused emotion.
func (c *connection) speak(result responder.TurnResult) {
	tone := analysis.ToneFor(result.Fused.Label, result.Fused.Confidence)
	out, err := c.h.speech.Synthesize(c.ctx, speech.SynthesisRequest{
		SessionID: c.sess.ID(),
		Text:      result.AssistantTurn.Text,
		Voice:     c.h.opts.Voice,
		Tone:      tone,
	})
	if err != nil {
		log.Printf("[realtime] synthesis failed session=%s: %v", c.sess.ID(), err)
		c.emit("tts", map[string]string{"error": "synthesis failed"})
		return
	}
	c.emit("tts", map[string]any{
		"turnId":    result.AssistantTurn.ID,
		"audioData": base64.StdEncoding.EncodeToString(out.Audio),
		"format":    out.Format,
		"tone":      tone.Tone,
	})
}

// Capture asks the client for a frame and waits for the matching reply.
func (c *connection) Capture(ctx context.Context) (pipeline.Frame, error) {
	id := uuid.NewString()
	reply := make(chan pipeline.Frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.emit("capture_frame", map[string]string{"requestId": id})

	timer := time.NewTimer(c.h.opts.CaptureTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-reply:
		if !ok {
			return pipeline.Frame{}, fmt.Errorf("capture %s cancelled", id)
		}
		return frame, nil
	case <-timer.C:
		return pipeline.Frame{}, fmt.Errorf("capture %s timed out after %s", id, c.h.opts.CaptureTimeout)
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	}
}

func (c *connection) dropPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// handleFrame routes a captured frame to its waiting request, or ingests an
// unsolicited frame directly.
func (c *connection) handleFrame(msg frameMessage) {
	data, contentType, err := imaging.DecodeDataURL(msg.Image)
	if err != nil {
		c.emit("frame_result", pipeline.FrameResult{Status: pipeline.StatusRejected, Detail: err.Error()})
		return
	}
	frame := pipeline.Frame{Data: data, ContentType: contentType}

	if msg.RequestID != "" {
		c.pendingMu.Lock()
		reply, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			reply <- frame
		} else {
			log.Printf("[realtime] late frame for request=%s session=%s ignored", msg.RequestID, c.sess.ID())
		}
		return
	}

	if !c.ingesting.CompareAndSwap(false, true) {
		c.reportFrame(pipeline.FrameResult{Status: pipeline.StatusBusy, Detail: "frame already in flight"})
		return
	}
	go func() {
		defer c.ingesting.Store(false)
		result, err := c.h.frames.IngestFrame(c.ctx, c.sess, frame)
		if err != nil {
			return
		}
		c.reportFrame(result)
	}()
}

func (c *connection) reportFrame(result pipeline.FrameResult) {
	c.emit("frame_result", result)
}

func (c *connection) forwardUpdates() {
	updates, cancel := c.sess.Subscribe()
	defer cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.emit("emotion_update", update)
		}
	}
}

func (c *connection) emit(kind string, data any) {
	msg := outgoingMessage{Type: kind, SessionID: c.sess.ID(), Data: data, Timestamp: time.Now().Unix()}
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *connection) emitError(message string) {
	c.emit("error", map[string]string{"message": message})
}

// writeLoop owns every write to the socket, including pings.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("[realtime] write failed session=%s: %v", c.sess.ID(), err)
				c.cancel()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				_ = c.ws.Close()
				return
			}
		}
	}
}

var _ pipeline.FrameSource = (*connection)(nil)
