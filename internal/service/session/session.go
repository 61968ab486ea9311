package session

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/empath/backend/internal/model/chat"
	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

var (
	acceptedReadings = telemetry.Counter("affect.readings.accepted", "Readings applied to a session")
	pushedUpdates    = telemetry.Counter("affect.updates.pushed", "Fused-state updates pushed to observers")
)

// Ticket authorizes exactly one reading submission for a modality. A newer
// ticket for the same modality invalidates older ones.
type Ticket struct {
	SessionID  string
	Modality   emotion.Modality
	Generation uint64

	ctx context.Context
}

// Context is cancelled once the ticket is superseded, cancelled, settled or
// its session ends.
func (t Ticket) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// Bind derives a context from parent that is also cancelled with the ticket.
func (t Ticket) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(t.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Snapshot is a read-only projection of a session.
type Snapshot struct {
	Session     chat.Session       `json:"session"`
	Fused       emotion.FusedState `json:"fused"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
	Readings    []emotion.Reading  `json:"readings"`
	Transcript  []chat.Turn        `json:"transcript"`
}

// Session is one live conversation. All mutation happens under mu.
type Session struct {
	id        string
	createdAt time.Time
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc

	// turnMu serializes orchestrated turns; it is never held with mu.
	turnMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	videoActive bool
	micActive   bool
	transcript  []chat.Turn
	history     *ring
	fused       emotion.FusedState
	generations map[emotion.Modality]uint64
	inFlight    map[emotion.Modality]uint64
	cancels     map[emotion.Modality]context.CancelFunc
	lastPushed  *emotion.Update
	subscribers map[int]chan emotion.Update
	nextSubID   int
}

func newSession(id string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Clock()
	return &Session{
		id:          id,
		createdAt:   now,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		transcript:  make([]chat.Turn, 0, 16),
		history:     newRing(cfg.HistoryCapacity),
		fused:       emotion.NeutralState(now),
		generations: make(map[emotion.Modality]uint64),
		inFlight:    make(map[emotion.Modality]uint64),
		cancels:     make(map[emotion.Modality]context.CancelFunc),
		subscribers: make(map[int]chan emotion.Update),
	}
}

func (s *Session) ID() string { return s.id }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Now reads the session clock.
func (s *Session) Now() time.Time { return s.cfg.Clock() }

// LockTurns serializes turn handling within the session and returns the unlock func.
func (s *Session) LockTurns() func() {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

// Begin issues a ticket for a new classification of modality m, superseding
// and cancelling any request still in flight for it.
func (s *Session) Begin(m emotion.Modality) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, ErrSessionNotFound
	}
	if !m.Valid() {
		return Ticket{}, fmt.Errorf("%w: unknown modality %q", ErrInvalidReading, m)
	}
	s.cancelLocked(m)
	return s.issueLocked(m), nil
}

// TryBegin is Begin for callers that must not displace a request already in
// flight; it fails with ErrBusy instead.
func (s *Session) TryBegin(m emotion.Modality) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, ErrSessionNotFound
	}
	if !m.Valid() {
		return Ticket{}, fmt.Errorf("%w: unknown modality %q", ErrInvalidReading, m)
	}
	if _, ok := s.inFlight[m]; ok {
		return Ticket{}, ErrBusy
	}
	return s.issueLocked(m), nil
}

func (s *Session) issueLocked(m emotion.Modality) Ticket {
	s.generations[m]++
	gen := s.generations[m]
	ctx, cancel := context.WithCancel(s.ctx)
	s.inFlight[m] = gen
	s.cancels[m] = cancel
	return Ticket{SessionID: s.id, Modality: m, Generation: gen, ctx: ctx}
}

// Cancel invalidates the in-flight ticket for m, if any.
func (s *Session) Cancel(m emotion.Modality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(m)
}

func (s *Session) cancelLocked(m emotion.Modality) {
	if _, ok := s.inFlight[m]; ok {
		s.generations[m]++
		s.settleLocked(m)
	}
}

// settleLocked clears the in-flight slot of m and cancels its ticket context.
func (s *Session) settleLocked(m emotion.Modality) {
	delete(s.inFlight, m)
	if cancel, ok := s.cancels[m]; ok {
		cancel()
		delete(s.cancels, m)
	}
}

// Release drops t without submitting, used when classification failed.
func (s *Session) Release(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen, ok := s.inFlight[t.Modality]; ok && gen == t.Generation {
		s.settleLocked(t.Modality)
	}
}

// SubmitReading applies a classifier result and recomputes the fused state.
// Superseded, stale or malformed readings leave the session untouched.
func (s *Session) SubmitReading(t Ticket, r emotion.Reading) (emotion.FusedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || t.SessionID != s.id {
		return emotion.FusedState{}, ErrSessionNotFound
	}
	if r.Modality != t.Modality || !r.Modality.Accepts(r.Label) {
		return emotion.FusedState{}, fmt.Errorf("%w: %s label %q", ErrInvalidReading, r.Modality, r.Label)
	}
	if gen, ok := s.inFlight[t.Modality]; !ok || gen != t.Generation {
		return emotion.FusedState{}, ErrSuperseded
	}
	s.settleLocked(t.Modality)

	now := s.cfg.Clock()
	if !s.cfg.Engine.IsLive(r, now) {
		return emotion.FusedState{}, ErrStaleReading
	}
	r.Confidence = emotion.ClampConfidence(r.Confidence)

	s.history.push(r)
	next := s.cfg.Engine.Fuse(s.history.items(), now)
	if next.UpdatedAt.Before(s.fused.UpdatedAt) {
		next.UpdatedAt = s.fused.UpdatedAt
	}
	s.fused = next
	telemetry.Add(s.ctx, acceptedReadings, attribute.String("modality", string(r.Modality)))

	s.maybePushLocked()
	return next.Clone(), nil
}

// maybePushLocked fans the fused state out when it changed materially since the last push.
func (s *Session) maybePushLocked() {
	update := emotion.Update{
		SessionID:  s.id,
		Label:      s.fused.Label,
		Confidence: s.fused.Confidence,
		UpdatedAt:  s.fused.UpdatedAt,
	}
	if prev := s.lastPushed; prev != nil {
		if prev.Label == update.Label && math.Abs(prev.Confidence-update.Confidence) < s.cfg.PushDelta {
			return
		}
	} else if update.Label == emotion.Neutral && update.Confidence == 0 {
		return
	}
	s.lastPushed = &update

	for id, ch := range s.subscribers {
		select {
		case ch <- update:
		default:
			log.Printf("[session] subscriber %d of session=%s lagging, update dropped", id, s.id)
		}
	}
	telemetry.Add(s.ctx, pushedUpdates)
}

// Subscribe registers for emotion updates. The channel is closed when the
// session ends or cancel is called.
func (s *Session) Subscribe() (<-chan emotion.Update, func()) {
	ch := make(chan emotion.Update, defaultSubscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(c)
			}
		})
	}
}

// AppendTurn adds a turn to the transcript, filling id and timestamp.
func (s *Session) AppendTurn(turn chat.Turn) (chat.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.Turn{}, ErrSessionNotFound
	}
	if turn.Role != chat.RoleUser && turn.Role != chat.RoleAssistant {
		return chat.Turn{}, fmt.Errorf("unknown turn role %q", turn.Role)
	}
	if strings.TrimSpace(turn.Text) == "" {
		return chat.Turn{}, fmt.Errorf("turn text is empty")
	}
	turn.ID = uuid.NewString()
	turn.SessionID = s.id
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.cfg.Clock()
	}
	s.transcript = append(s.transcript, turn)
	return turn, nil
}

// Transcript returns the last n turns, or all turns when n <= 0.
func (s *Session) Transcript(n int) []chat.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.transcript, n)
}

func tail(turns []chat.Turn, n int) []chat.Turn {
	start := 0
	if n > 0 && len(turns) > n {
		start = len(turns) - n
	}
	out := make([]chat.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// Fused returns the stored fused state as of the last accepted reading.
func (s *Session) Fused() emotion.FusedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fused.Clone()
}

// LatestReading returns the newest live reading of modality m.
func (s *Session) LatestReading(m emotion.Modality) (emotion.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Clock()
	items := s.history.items()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Modality == m && s.cfg.Engine.IsLive(items[i], now) {
			return items[i], true
		}
	}
	return emotion.Reading{}, false
}

// Snapshot projects the session at the current clock without mutating it.
// Readings that aged out since the last recompute no longer count.
func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, ErrSessionNotFound
	}

	now := s.cfg.Clock()
	readings := s.history.items()
	fused := s.cfg.Engine.Fuse(readings, now)
	fused.UpdatedAt = s.fused.UpdatedAt

	return Snapshot{
		Session:     s.infoLocked(),
		Fused:       fused,
		EvaluatedAt: now,
		Readings:    s.cfg.Engine.Live(readings, now),
		Transcript:  tail(s.transcript, 0),
	}, nil
}

// Info returns the public session descriptor.
func (s *Session) Info() chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() chat.Session {
	return chat.Session{ID: s.id, CreatedAt: s.createdAt, VideoActive: s.videoActive, MicActive: s.micActive}
}

// SetVideoActive records camera state and reports whether it changed.
// Turning video off invalidates the in-flight facial request.
func (s *Session) SetVideoActive(active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionNotFound
	}
	changed := s.videoActive != active
	s.videoActive = active
	if !active {
		s.cancelLocked(emotion.ModalityFacial)
	}
	return changed, nil
}

// VideoActive reports whether the camera is on.
func (s *Session) VideoActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoActive
}

// SetMicActive records microphone state and reports whether it changed.
func (s *Session) SetMicActive(active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionNotFound
	}
	changed := s.micActive != active
	s.micActive = active
	return changed, nil
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) end() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for m := range s.inFlight {
		s.cancelLocked(m)
	}
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()

	s.cancel()
}
