package panel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/capture"
	"github.com/ent0n29/mockpanel/internal/reliability"
	"github.com/ent0n29/mockpanel/internal/speech"
)

type stubListener struct {
	mu       sync.Mutex
	starts   int
	stops    int
	resets   int
	text     string
	startErr error
}

func (l *stubListener) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	return l.startErr
}

func (l *stubListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
}

func (l *stubListener) ResetTranscript() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
	l.text = ""
}

func (l *stubListener) CurrentTranscript() speech.Transcript {
	l.mu.Lock()
	defer l.mu.Unlock()
	return speech.Transcript{Final: l.text}
}

func (l *stubListener) counts() (starts, stops int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.stops
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) has(typ EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range l.events {
		if evt.Type == typ {
			return true
		}
	}
	return false
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, evt := range l.events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(t *testing.T, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		SpeakDelay:  time.Millisecond,
		ResumeDelay: time.Millisecond,
		Descriptor:  capability.Full(),
		Synthesizer: capability.NewMockSynthesizer(),
		Listener:    &stubListener{},
		Rand:        rand.New(rand.NewPCG(7, 11)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func TestFullPanelRunRecordsEveryResponse(t *testing.T) {
	device := capability.NewMockDevice()
	sampler := capture.NewSampler(capture.Options{
		Device:         device,
		Descriptor:     capability.Full(),
		AudioInterval:  2 * time.Millisecond,
		VisualInterval: 3 * time.Millisecond,
	})
	o := newTestOrchestrator(t, func(opts *Options) { opts.Capture = sampler })
	ctx := context.Background()

	sess, err := o.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if len(sess.Roster) != 3 || len(sess.Questions) != 12 || !sess.IsActive || !sess.MetricsAvailable {
		t.Fatalf("StartSession() = roster %d, questions %d, active %v, metrics %v", len(sess.Roster), len(sess.Questions), sess.IsActive, sess.MetricsAvailable)
	}

	for i := 0; i < 12; i++ {
		turn, err := o.AskNextQuestion(ctx)
		if err != nil {
			t.Fatalf("AskNextQuestion() #%d error = %v", i, err)
		}
		if turn.IsComplete || turn.Number != i+1 {
			t.Fatalf("turn #%d = %+v", i, turn)
		}
		if turn.Interviewer.ID != sess.Roster[i%3].ID {
			t.Fatalf("turn #%d interviewer = %s, want round-robin %s", i, turn.Interviewer.ID, sess.Roster[i%3].ID)
		}
		resp, err := o.SubmitResponse(ctx, fmt.Sprintf("answer %d", i+1))
		if err != nil {
			t.Fatalf("SubmitResponse() #%d error = %v", i, err)
		}
		if resp.InterviewerID != turn.Interviewer.ID || resp.QuestionID != turn.Question.ID {
			t.Fatalf("response #%d = %+v, want attributed to %s/%s", i, resp, turn.Interviewer.ID, turn.Question.ID)
		}
	}

	done, err := o.AskNextQuestion(ctx)
	if err != nil || !done.IsComplete {
		t.Fatalf("AskNextQuestion() after last = %+v, %v; want complete", done, err)
	}

	final, err := o.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if final.IsActive || len(final.Responses) != 12 || final.EndedAt.IsZero() {
		t.Fatalf("EndSession() = active %v, responses %d", final.IsActive, len(final.Responses))
	}
	if final.Capture == nil || final.Capture.EndTime.IsZero() {
		t.Fatalf("EndSession() capture = %+v, want finalized capture session", final.Capture)
	}
	if got := len(o.Transcript().Responses()); got != 12 {
		t.Fatalf("transcript responses = %d, want 12", got)
	}
	if acquired, released := device.Counts(); acquired != 1 || released != 1 {
		t.Fatalf("device acquired/released = %d/%d, want 1/1", acquired, released)
	}
}

func TestTurnIndexAdvancesOnlyOnSubmit(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if _, err := o.SubmitResponse(ctx, "too early"); !errors.Is(err, ErrNoPendingQuestion) {
		t.Fatalf("SubmitResponse() before ask error = %v, want ErrNoPendingQuestion", err)
	}

	prev := 0
	for i := 0; i < 5; i++ {
		first, err := o.AskNextQuestion(ctx)
		if err != nil {
			t.Fatalf("AskNextQuestion() error = %v", err)
		}
		again, err := o.AskNextQuestion(ctx)
		if err != nil {
			t.Fatalf("AskNextQuestion() repeat error = %v", err)
		}
		if again.Question.ID != first.Question.ID || again.Interviewer.ID != first.Interviewer.ID {
			t.Fatalf("repeat ask advanced: %s -> %s", first.Question.ID, again.Question.ID)
		}
		snap, _ := o.Snapshot()
		if snap.CurrentIndex != prev || !snap.AwaitingResponse {
			t.Fatalf("CurrentIndex = %d before submit, want %d", snap.CurrentIndex, prev)
		}
		if _, err := o.SubmitResponse(ctx, "ok"); err != nil {
			t.Fatalf("SubmitResponse() error = %v", err)
		}
		if _, err := o.SubmitResponse(ctx, "twice"); !errors.Is(err, ErrNoPendingQuestion) {
			t.Fatalf("second SubmitResponse() error = %v, want ErrNoPendingQuestion", err)
		}
		snap, _ = o.Snapshot()
		if snap.CurrentIndex != prev+1 {
			t.Fatalf("CurrentIndex = %d after submit, want %d", snap.CurrentIndex, prev+1)
		}
		prev = snap.CurrentIndex
	}
}

func TestAskAfterLastQuestionIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.QuestionTarget = 2
	})
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := o.AskNextQuestion(ctx); err != nil {
			t.Fatalf("AskNextQuestion() error = %v", err)
		}
		if _, err := o.SubmitResponse(ctx, "done"); err != nil {
			t.Fatalf("SubmitResponse() error = %v", err)
		}
	}
	before, _ := o.Snapshot()
	for i := 0; i < 3; i++ {
		turn, err := o.AskNextQuestion(ctx)
		if err != nil || !turn.IsComplete || turn.Question != nil {
			t.Fatalf("AskNextQuestion() = %+v, %v; want bare completion", turn, err)
		}
	}
	after, _ := o.Snapshot()
	if after.CurrentIndex != before.CurrentIndex || after.CurrentSpeakerIndex != before.CurrentSpeakerIndex || after.AwaitingResponse {
		t.Fatalf("completion ask mutated state: before %+v after %+v", before, after)
	}
}

func TestOperationsRequireActiveSession(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := o.AskNextQuestion(ctx); !errors.Is(err, reliability.ErrNoActiveSession) {
		t.Fatalf("AskNextQuestion() before start error = %v", err)
	}
	if _, err := o.SubmitResponse(ctx, "x"); !errors.Is(err, reliability.ErrNoActiveSession) {
		t.Fatalf("SubmitResponse() before start error = %v", err)
	}
	if _, err := o.EndSession(ctx); !errors.Is(err, reliability.ErrNoActiveSession) {
		t.Fatalf("EndSession() before start error = %v", err)
	}

	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := o.StartSession(ctx); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second StartSession() error = %v, want ErrSessionActive", err)
	}
	if _, err := o.EndSession(ctx); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, err := o.EndSession(ctx); !errors.Is(err, reliability.ErrNoActiveSession) {
		t.Fatalf("second EndSession() error = %v", err)
	}
	if _, err := o.AskNextQuestion(ctx); !errors.Is(err, reliability.ErrNoActiveSession) {
		t.Fatalf("AskNextQuestion() after end error = %v", err)
	}
	if _, err := o.StartSession(ctx); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("StartSession() after end error = %v, want ErrSessionCompleted", err)
	}
}

func TestCaptureFailureDoesNotAbortSession(t *testing.T) {
	device := capability.NewMockDevice()
	device.Err = reliability.ErrPermissionDenied
	sampler := capture.NewSampler(capture.Options{Device: device, Descriptor: capability.Full()})
	listener := &stubListener{startErr: errors.New("mic busy")}
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Capture = sampler
		opts.Listener = listener
	})
	ctx := context.Background()

	sess, err := o.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v, want degraded start", err)
	}
	if sess.MetricsAvailable {
		t.Fatalf("MetricsAvailable = true with denied device")
	}
	if _, err := o.AskNextQuestion(ctx); err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	if _, err := o.SubmitResponse(ctx, "still going"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	final, err := o.EndSession(ctx)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if final.Capture != nil || len(final.Responses) != 1 {
		t.Fatalf("EndSession() = capture %+v, responses %d", final.Capture, len(final.Responses))
	}
}

func TestDeliveryIsDelayedAndPausesRecognition(t *testing.T) {
	synth := capability.NewMockSynthesizer()
	listener := &stubListener{}
	events := &eventLog{}
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Synthesizer = synth
		opts.Listener = listener
		opts.SpeakDelay = 40 * time.Millisecond
		opts.OnEvent = events.add
	})
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	turn, err := o.AskNextQuestion(ctx)
	if err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	if len(synth.Spoken()) != 0 {
		t.Fatalf("question spoken before the display delay elapsed")
	}
	waitUntil(t, "speech", func() bool { return events.has(EventSpeakingFinished) })

	spoken := synth.Spoken()
	if len(spoken) != 1 || spoken[0] != turn.Question.Text {
		t.Fatalf("Spoken() = %v, want [%q]", spoken, turn.Question.Text)
	}
	waitUntil(t, "resume", func() bool {
		starts, stops := listener.counts()
		return stops == 1 && starts == 2
	})
}

func TestSynthesisFailureIsSwallowed(t *testing.T) {
	synth := capability.NewMockSynthesizer()
	synth.Err = errors.New("voice not installed")
	events := &eventLog{}
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Synthesizer = synth
		opts.OnEvent = events.add
	})
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := o.AskNextQuestion(ctx); err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	waitUntil(t, "failure event", func() bool { return events.has(EventSpeakingFailed) })
	if _, err := o.SubmitResponse(ctx, "answer"); err != nil {
		t.Fatalf("SubmitResponse() after synthesis failure error = %v", err)
	}
	if !o.Active() {
		t.Fatalf("session ended by synthesis failure")
	}
}

func TestEndSessionCancelsPendingDelivery(t *testing.T) {
	synth := capability.NewMockSynthesizer()
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Synthesizer = synth
		opts.SpeakDelay = 30 * time.Millisecond
	})
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := o.AskNextQuestion(ctx); err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	if _, err := o.EndSession(ctx); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	time.Sleep(70 * time.Millisecond)
	if got := synth.Spoken(); len(got) != 0 {
		t.Fatalf("Spoken() = %v after EndSession, want nothing", got)
	}
}

func TestSubmitFallsBackToRecognizedText(t *testing.T) {
	listener := &stubListener{text: "I rebuilt the deploy pipeline"}
	o := newTestOrchestrator(t, func(opts *Options) { opts.Listener = listener })
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := o.AskNextQuestion(ctx); err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	resp, err := o.SubmitResponse(ctx, "   ")
	if err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	if resp.ResponseText != "I rebuilt the deploy pipeline" {
		t.Fatalf("ResponseText = %q, want recognized transcript", resp.ResponseText)
	}
	if got := o.Transcript().Responses()["q1"]; got != resp.ResponseText {
		t.Fatalf("saved response q1 = %q", got)
	}
	listener.mu.Lock()
	resets := listener.resets
	listener.mu.Unlock()
	if resets != 1 {
		t.Fatalf("ResetTranscript() calls = %d, want 1", resets)
	}
}

func TestNewOrchestratorRejectsSmallPool(t *testing.T) {
	cat := &Catalog{
		Interviewers: []Interviewer{{ID: "a", Name: "A"}},
		Questions:    []Question{{ID: "q1", Text: "one", Category: "technical"}},
	}
	_, err := NewOrchestrator(Options{Catalog: cat, QuestionTarget: 2})
	if !errors.Is(err, ErrInsufficientQuestions) {
		t.Fatalf("NewOrchestrator() error = %v, want ErrInsufficientQuestions", err)
	}
}

func TestResumeKeepsExhaustedRecognitionStopped(t *testing.T) {
	rec := capability.NewMockRecognizer()
	listener := speech.NewManager(speech.Options{
		Recognizer:     rec,
		Permission:     capability.MockPermission{},
		Descriptor:     capability.Full(),
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
	})
	defer listener.Stop()
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Listener = listener
		opts.Synthesizer = nil
	})
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		waitUntil(t, fmt.Sprintf("recognition session %d", i), func() bool { return len(rec.Sessions()) == i })
		rec.Last().Fail("network")
	}
	waitUntil(t, "terminal speech error", func() bool {
		var serr *speech.Error
		return errors.As(listener.LastError(), &serr) && serr.Terminal
	})

	if _, err := o.AskNextQuestion(ctx); err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	if _, err := o.SubmitResponse(ctx, "answer"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := len(rec.Sessions()); got != 3 {
		t.Fatalf("recognition sessions = %d, want 3 until a manual retry", got)
	}
	if got := listener.State(); got != speech.StateErrored {
		t.Fatalf("State() = %s, want errored", got)
	}
	if err := listener.Retry(ctx); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got := len(rec.Sessions()); got != 4 {
		t.Fatalf("recognition sessions after Retry = %d, want 4", got)
	}
}

func TestResumeWaitsForSpokenQuestion(t *testing.T) {
	synth := capability.NewMockSynthesizer()
	synth.Latency = 80 * time.Millisecond
	listener := &stubListener{}
	events := &eventLog{}
	o := newTestOrchestrator(t, func(opts *Options) {
		opts.Synthesizer = synth
		opts.Listener = listener
		opts.OnEvent = events.add
	})
	ctx := context.Background()
	if _, err := o.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := o.AskNextQuestion(ctx); err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	waitUntil(t, "speaking", func() bool { return events.count(EventSpeakingStarted) == 1 })

	// Answer while the interviewer is still talking.
	before, _ := listener.counts()
	if _, err := o.SubmitResponse(ctx, "early answer"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if starts, _ := listener.counts(); starts != before {
		t.Fatalf("listener starts = %d during speech, want %d", starts, before)
	}

	waitUntil(t, "speech finished", func() bool { return events.count(EventSpeakingFinished) == 1 })
	waitUntil(t, "recognition resumed", func() bool {
		starts, _ := listener.counts()
		return starts == before+1
	})
	time.Sleep(20 * time.Millisecond)
	if starts, _ := listener.counts(); starts != before+1 {
		t.Fatalf("listener starts = %d after speech, want %d", starts, before+1)
	}
}

func TestNoRecognitionRestartAfterEndSession(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		listener := &stubListener{}
		o := newTestOrchestrator(t, func(opts *Options) {
			opts.Listener = listener
			opts.Synthesizer = nil
			opts.ResumeDelay = -1
		})
		if _, err := o.StartSession(ctx); err != nil {
			t.Fatalf("StartSession() error = %v", err)
		}
		if _, err := o.AskNextQuestion(ctx); err != nil {
			t.Fatalf("AskNextQuestion() error = %v", err)
		}
		if _, err := o.SubmitResponse(ctx, "answer"); err != nil {
			t.Fatalf("SubmitResponse() error = %v", err)
		}
		if _, err := o.EndSession(ctx); err != nil {
			t.Fatalf("EndSession() error = %v", err)
		}
		ended, _ := listener.counts()
		time.Sleep(2 * time.Millisecond)
		if starts, _ := listener.counts(); starts != ended {
			t.Fatalf("iteration %d: listener started %d times after EndSession", i, starts-ended)
		}
	}
}
