// Package panel sequences questions across a roster of virtual interviewers
// and gates the candidate's responses.
package panel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/capture"
	"github.com/ent0n29/mockpanel/internal/kvstore"
	"github.com/ent0n29/mockpanel/internal/observability"
	"github.com/ent0n29/mockpanel/internal/reliability"
	"github.com/ent0n29/mockpanel/internal/scheduler"
	"github.com/ent0n29/mockpanel/internal/speech"
	"github.com/ent0n29/mockpanel/internal/transcript"
)

const (
	DefaultQuestionTarget = 12
	DefaultRosterSize     = 3
	DefaultSpeakDelay     = 1500 * time.Millisecond
	DefaultResumeDelay    = 500 * time.Millisecond
	defaultSpeakTimeout   = 2 * time.Minute
)

// MetricsCapture is the part of capture.Sampler the orchestrator drives.
type MetricsCapture interface {
	Start(ctx context.Context) (string, error)
	Stop() *capture.Session
	Snapshot() (capture.Snapshot, bool)
}

// Listener is the part of speech.Manager the orchestrator drives.
type Listener interface {
	Start(ctx context.Context) error
	Stop()
	ResetTranscript()
	CurrentTranscript() speech.Transcript
}

type Options struct {
	Catalog        *Catalog
	QuestionTarget int
	RosterSize     int
	// Diversity defaults to VoiceGender("female").
	Diversity    DiversityPredicate
	SpeakDelay   time.Duration
	ResumeDelay  time.Duration
	HistoryLimit int

	Capture     MetricsCapture
	Listener    Listener
	Synthesizer capability.Synthesizer
	Descriptor  capability.Descriptor
	Transcript  *transcript.Aggregator
	History     kvstore.Store
	Rand        *rand.Rand

	OnEvent func(Event)
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Orchestrator runs a single panel session: Created, then Active while
// questions alternate with responses, then Completed.
type Orchestrator struct {
	lifecycle sync.Mutex
	mu        sync.Mutex

	catalog     *Catalog
	target      int
	rosterSize  int
	diversity   DiversityPredicate
	speakDelay  time.Duration
	resumeDelay time.Duration
	history     questionHistory
	capture     MetricsCapture
	listener    Listener
	synth       capability.Synthesizer
	descriptor  capability.Descriptor
	transcript  *transcript.Aggregator
	rng         *rand.Rand
	onEvent     func(Event)
	log         *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	sched       *scheduler.Scheduler

	sess      Session
	started   bool
	gen       uint64
	pending   *Turn
	speaking  int // deliveries in flight
	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil {
		cat, err := DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("load default catalog: %w", err)
		}
		opts.Catalog = cat
	}
	if opts.QuestionTarget <= 0 {
		opts.QuestionTarget = DefaultQuestionTarget
	}
	if opts.RosterSize <= 0 {
		opts.RosterSize = DefaultRosterSize
	}
	if opts.Diversity == nil {
		opts.Diversity = VoiceGender("female")
	}
	if opts.SpeakDelay < 0 {
		opts.SpeakDelay = 0
	} else if opts.SpeakDelay == 0 {
		opts.SpeakDelay = DefaultSpeakDelay
	}
	if opts.ResumeDelay < 0 {
		opts.ResumeDelay = 0
	} else if opts.ResumeDelay == 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if opts.Transcript == nil {
		opts.Transcript = transcript.NewAggregator(transcript.Options{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Catalog.Questions) < opts.QuestionTarget {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientQuestions, len(opts.Catalog.Questions), opts.QuestionTarget)
	}

	return &Orchestrator{
		catalog:     opts.Catalog,
		target:      opts.QuestionTarget,
		rosterSize:  opts.RosterSize,
		diversity:   opts.Diversity,
		speakDelay:  opts.SpeakDelay,
		resumeDelay: opts.ResumeDelay,
		history:     questionHistory{store: opts.History, limit: opts.HistoryLimit},
		capture:     opts.Capture,
		listener:    opts.Listener,
		synth:       opts.Synthesizer,
		descriptor:  opts.Descriptor,
		transcript:  opts.Transcript,
		rng:         opts.Rand,
		onEvent:     opts.OnEvent,
		log:         observability.OrNop(opts.Logger).Named("panel"),
		metrics:     opts.Metrics,
		now:         opts.Now,
		sched:       scheduler.New(),
	}, nil
}

// StartSession selects the roster and questions and starts capture. Capture
// and speech failures are logged; the session proceeds without them.
func (o *Orchestrator) StartSession(ctx context.Context) (Session, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	switch {
	case o.sess.IsActive:
		o.mu.Unlock()
		return Session{}, ErrSessionActive
	case o.started:
		o.mu.Unlock()
		return Session{}, ErrSessionCompleted
	}
	o.mu.Unlock()

	roster, err := SelectRoster(o.catalog.Interviewers, o.rosterSize, o.diversity, o.rng)
	if err != nil {
		return Session{}, err
	}
	avoid, err := o.history.recent(ctx)
	if err != nil {
		o.log.Warn("question history unavailable", zap.Error(err))
	}
	questions, err := SelectQuestions(o.catalog.Questions, o.target, o.catalog.CategoryPriority, avoid, o.rng)
	if err != nil {
		return Session{}, err
	}
	if err := o.history.record(ctx, questions); err != nil {
		o.log.Warn("question history not saved", zap.Error(err))
	}

	sessionID := uuid.NewString()
	log := o.log.With(zap.String("session_id", sessionID))

	metricsAvailable := false
	if o.capture != nil {
		if _, err := o.capture.Start(ctx); err != nil {
			log.Warn("capture unavailable, continuing without metrics", zap.Error(err))
			o.metrics.CaptureFailure(reliability.Code(err))
		} else {
			metricsAvailable = true
		}
	}
	if o.listener != nil {
		if err := o.listener.Start(ctx); err != nil {
			log.Warn("speech recognition unavailable", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.started = true
	o.gen++
	o.runCtx = runCtx
	o.runCancel = cancel
	o.sess = Session{
		ID:               sessionID,
		Roster:           roster,
		Questions:        questions,
		IsActive:         true,
		MetricsAvailable: metricsAvailable,
		StartedAt:        o.now().UTC(),
	}
	snap := o.sess.clone()
	o.mu.Unlock()

	o.metrics.SessionEvent("started")
	log.Info("panel session started",
		zap.Int("questions", len(questions)),
		zap.Int("roster", len(roster)),
		zap.Bool("metrics", metricsAvailable),
	)
	o.emit(Event{Type: EventSessionStarted, SessionID: sessionID})
	return snap, nil
}

// AskNextQuestion returns the next turn immediately and schedules the
// interviewer's spoken delivery after the speak delay. While a response is
// pending it returns the same turn again.
func (o *Orchestrator) AskNextQuestion(ctx context.Context) (Turn, error) {
	o.mu.Lock()
	if !o.sess.IsActive {
		o.mu.Unlock()
		return Turn{}, reliability.ErrNoActiveSession
	}
	if o.pending != nil {
		turn := *o.pending
		o.mu.Unlock()
		return turn, nil
	}
	if o.sess.CurrentIndex >= len(o.sess.Questions) {
		o.mu.Unlock()
		return Turn{IsComplete: true}, nil
	}

	q := o.sess.Questions[o.sess.CurrentIndex]
	iv := o.sess.Roster[o.sess.CurrentSpeakerIndex]
	o.sess.CurrentSpeakerIndex = (o.sess.CurrentSpeakerIndex + 1) % len(o.sess.Roster)
	turn := Turn{
		Number:      o.sess.CurrentIndex + 1,
		Question:    &q,
		Interviewer: &iv,
		AskedAt:     o.now().UTC(),
	}
	o.pending = &turn
	o.sess.AwaitingResponse = true
	gen := o.gen
	sessionID := o.sess.ID
	o.sched.After(o.speakDelay, func() { o.deliver(gen, turn) })
	o.mu.Unlock()

	o.transcript.AddInterviewerQuestion(q.Text, iv.Name)
	o.metrics.TurnEvent("asked")
	o.log.Debug("question asked",
		zap.String("session_id", sessionID),
		zap.Int("number", turn.Number),
		zap.String("question_id", q.ID),
		zap.String("interviewer", iv.ID),
	)
	o.emit(Event{Type: EventQuestionAsked, SessionID: sessionID, Turn: &turn})
	return turn, nil
}

// deliver speaks a question aloud, pausing recognition so the interviewer's
// voice is not transcribed as the candidate's answer.
func (o *Orchestrator) deliver(gen uint64, turn Turn) {
	if o.synth == nil || !o.descriptor.SpeechSynthesis {
		return
	}
	o.mu.Lock()
	if o.gen != gen || !o.sess.IsActive {
		o.mu.Unlock()
		return
	}
	ctx := o.runCtx
	sessionID := o.sess.ID
	o.speaking++
	o.mu.Unlock()

	if o.listener != nil {
		o.listener.Stop()
	}
	o.emit(Event{Type: EventSpeakingStarted, SessionID: sessionID, Turn: &turn})

	speakCtx, cancel := context.WithTimeout(ctx, defaultSpeakTimeout)
	started := time.Now()
	err := o.synth.Speak(speakCtx, turn.Question.Text, turn.Interviewer.Voice)
	cancel()
	o.metrics.ObserveTurnStage("speech_duration", time.Since(started))

	if err != nil && !errors.Is(err, context.Canceled) {
		o.metrics.SynthesisFailure()
		o.log.Warn("question synthesis failed",
			zap.String("session_id", sessionID),
			zap.String("question_id", turn.Question.ID),
			zap.Error(err),
		)
		o.emit(Event{Type: EventSpeakingFailed, SessionID: sessionID, Turn: &turn, Err: err})
	} else if err == nil {
		o.emit(Event{Type: EventSpeakingFinished, SessionID: sessionID, Turn: &turn})
	}

	o.mu.Lock()
	o.speaking--
	o.mu.Unlock()
	o.restartListening(gen, sessionID)
}

// restartListening resumes recognition if gen is still the live session.
// The lifecycle lock keeps EndSession from landing between check and start.
func (o *Orchestrator) restartListening(gen uint64, sessionID string) {
	if o.listener == nil {
		return
	}
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	live := o.gen == gen && o.sess.IsActive && o.speaking == 0
	ctx := o.runCtx
	o.mu.Unlock()
	if !live {
		return
	}
	if err := o.listener.Start(ctx); err != nil {
		o.log.Warn("speech resume failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SubmitResponse records the answer to the pending question and advances the
// turn. An empty text falls back to the live recognized transcript.
func (o *Orchestrator) SubmitResponse(ctx context.Context, text string) (Response, error) {
	text = strings.TrimSpace(text)
	if text == "" && o.listener != nil {
		text = o.listener.CurrentTranscript().Text()
	}

	var snapshot capture.Snapshot
	if o.capture != nil {
		snapshot, _ = o.capture.Snapshot()
	}

	o.mu.Lock()
	if !o.sess.IsActive {
		o.mu.Unlock()
		return Response{}, reliability.ErrNoActiveSession
	}
	if o.pending == nil {
		o.mu.Unlock()
		return Response{}, ErrNoPendingQuestion
	}
	now := o.now().UTC()
	turn := o.pending
	askedBy := o.sess.Roster[(o.sess.CurrentSpeakerIndex-1+len(o.sess.Roster))%len(o.sess.Roster)]
	resp := Response{
		QuestionID:    turn.Question.ID,
		InterviewerID: askedBy.ID,
		ResponseText:  text,
		Timestamp:     now,
		Duration:      now.Sub(turn.AskedAt),
		Metrics:       snapshot,
	}
	o.sess.Responses = append(o.sess.Responses, resp)
	number := o.sess.CurrentIndex + 1
	o.sess.CurrentIndex++
	o.sess.AwaitingResponse = false
	o.pending = nil
	gen := o.gen
	sessionID := o.sess.ID
	o.sched.After(o.resumeDelay, func() { o.resume(gen) })
	o.mu.Unlock()

	o.transcript.SaveResponse(number, text)
	if o.listener != nil {
		o.listener.ResetTranscript()
	}
	o.metrics.TurnEvent("submitted")
	o.metrics.ObserveResponseDuration(resp.Duration)
	o.log.Debug("response recorded",
		zap.String("session_id", sessionID),
		zap.Int("number", number),
		zap.Duration("duration", resp.Duration),
	)
	o.emit(Event{Type: EventResponseRecorded, SessionID: sessionID, Response: &resp})
	return resp, nil
}

// resume restarts recognition after a response unless a question is being
// spoken; deliver restarts it once speech finishes.
func (o *Orchestrator) resume(gen uint64) {
	o.mu.Lock()
	sessionID := o.sess.ID
	o.mu.Unlock()
	o.restartListening(gen, sessionID)
}

// EndSession stops speech and capture, finalizes metrics and returns the
// completed session. It is the only transition into Completed.
func (o *Orchestrator) EndSession(_ context.Context) (Session, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if !o.sess.IsActive {
		o.mu.Unlock()
		return Session{}, reliability.ErrNoActiveSession
	}
	o.sess.IsActive = false
	o.sess.AwaitingResponse = false
	o.sess.EndedAt = o.now().UTC()
	o.pending = nil
	o.gen++
	cancel := o.runCancel
	o.mu.Unlock()

	o.sched.CancelAll()
	if cancel != nil {
		cancel()
	}
	if o.listener != nil {
		o.listener.Stop()
	}
	var captured *capture.Session
	if o.capture != nil {
		captured = o.capture.Stop()
	}

	o.mu.Lock()
	o.sess.Capture = captured
	snap := o.sess.clone()
	o.mu.Unlock()

	o.metrics.SessionEvent("completed")
	o.log.Info("panel session ended",
		zap.String("session_id", snap.ID),
		zap.Int("responses", len(snap.Responses)),
		zap.Int("questions", len(snap.Questions)),
	)
	o.emit(Event{Type: EventSessionEnded, SessionID: snap.ID})
	return snap, nil
}

// Snapshot returns a copy of the session. ok is false before StartSession.
func (o *Orchestrator) Snapshot() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.clone(), o.started
}

// Active reports whether the session is between StartSession and EndSession.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.IsActive
}

func (o *Orchestrator) Transcript() *transcript.Aggregator {
	return o.transcript
}

func (o *Orchestrator) Responses() []Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Response(nil), o.sess.Responses...)
}

func (o *Orchestrator) emit(evt Event) {
	if o.onEvent != nil {
		o.onEvent(evt)
	}
}
