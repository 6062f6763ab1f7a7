package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/reliability"
)

type finalLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *finalLog) add(text string, _ float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, text)
}

func (l *finalLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

type errorLog struct {
	mu   sync.Mutex
	errs []*Error
}

func (l *errorLog) add(err *Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) snapshot() []*Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Error(nil), l.errs...)
}

// timedRecognizer records when each recognition session was opened.
type timedRecognizer struct {
	*capability.MockRecognizer
	mu     sync.Mutex
	starts []time.Time
}

func (r *timedRecognizer) StartSession(ctx context.Context, opts capability.RecognitionOptions) (capability.RecognitionSession, <-chan capability.RecognitionEvent, error) {
	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	r.mu.Unlock()
	return r.MockRecognizer.StartSession(ctx, opts)
}

func (r *timedRecognizer) startTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.starts...)
}

func newTestManager(rec *capability.MockRecognizer, extra func(*Options)) *Manager {
	opts := Options{
		Recognizer:     rec,
		Permission:     &capability.MockPermission{},
		Descriptor:     capability.Full(),
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  40 * time.Millisecond,
		RestartDelay:   5 * time.Millisecond,
	}
	if extra != nil {
		extra(&opts)
	}
	return NewManager(opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func TestStartReachesListening(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()
	waitFor(t, "listening", func() bool { return m.State() == StateListening })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := len(rec.Sessions()); got != 1 {
		t.Fatalf("sessions = %d, want Start to be idempotent while listening", got)
	}
}

func TestStartUnsupportedEnvironment(t *testing.T) {
	m := NewManager(Options{Recognizer: capability.NewMockRecognizer()})
	err := m.Start(context.Background())
	if !errors.Is(err, reliability.ErrUnsupportedEnvironment) {
		t.Fatalf("Start() error = %v, want ErrUnsupportedEnvironment", err)
	}
	var serr *Error
	if !errors.As(err, &serr) || !serr.Terminal {
		t.Fatalf("Start() error = %#v, want terminal *Error", err)
	}
}

func TestStartPermissionDeniedIsTerminal(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, func(o *Options) {
		o.Permission = &capability.MockPermission{Err: errors.New("user dismissed prompt")}
	})
	err := m.Start(context.Background())
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("Start() error = %v, want *Error", err)
	}
	if serr.Class != reliability.SpeechErrorPermission || !serr.Terminal || serr.Recoverable {
		t.Fatalf("error = %+v, want terminal non-recoverable permission error", serr)
	}
	if !errors.Is(err, reliability.ErrPermissionDenied) {
		t.Fatalf("error = %v, want wrapped ErrPermissionDenied", err)
	}
	if len(rec.Sessions()) != 0 {
		t.Fatalf("recognizer started despite denied permission")
	}
}

func TestFinalResultsFlowToSinks(t *testing.T) {
	rec := capability.NewMockRecognizer()
	finals := &finalLog{}
	var interimMu sync.Mutex
	var interim string
	m := newTestManager(rec, func(o *Options) {
		o.OnFinal = []func(string, float64){finals.add}
		o.OnInterim = func(text string) {
			interimMu.Lock()
			interim = text
			interimMu.Unlock()
		}
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	sess := rec.Last()
	sess.Emit(capability.RecognitionEvent{
		Type:    capability.RecognitionResult,
		Results: []capability.RecognitionAlternative{{Transcript: "I led the", Confidence: 0.4}},
	})
	waitFor(t, "interim", func() bool {
		interimMu.Lock()
		defer interimMu.Unlock()
		return interim == "I led the"
	})
	sess.Final("  I led   the migration ", 0.92)
	sess.Final("a", 0.9)
	waitFor(t, "final", func() bool { return len(finals.snapshot()) == 1 })

	if got := finals.snapshot()[0]; got != "I led the migration" {
		t.Fatalf("final = %q, want whitespace-normalized text", got)
	}
	tr := m.CurrentTranscript()
	if tr.Final != "I led the migration" || tr.Interim != "" {
		t.Fatalf("CurrentTranscript() = %+v", tr)
	}
	m.ResetTranscript()
	if tr := m.CurrentTranscript(); tr.Text() != "" {
		t.Fatalf("CurrentTranscript() after reset = %+v, want empty", tr)
	}
}

func TestNaturalEndRestartsWithoutConsumingRetries(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	for i := 1; i <= 4; i++ {
		waitFor(t, "session", func() bool { return len(rec.Sessions()) == i })
		rec.Last().Emit(capability.RecognitionEvent{Type: capability.RecognitionEnd})
	}
	waitFor(t, "fifth session", func() bool { return len(rec.Sessions()) == 5 })
	if got := m.Failures(); got != 0 {
		t.Fatalf("Failures() = %d, want 0 after natural ends", got)
	}
	if m.LastError() != nil {
		t.Fatalf("LastError() = %v, want nil", m.LastError())
	}
}

func TestIgnoredCodesDoNotSurface(t *testing.T) {
	rec := capability.NewMockRecognizer()
	errs := &errorLog{}
	m := newTestManager(rec, func(o *Options) { o.OnError = errs.add })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	rec.Last().Emit(capability.RecognitionEvent{Type: capability.RecognitionError, Code: "no-speech"})
	rec.Last().Emit(capability.RecognitionEvent{Type: capability.RecognitionError, Code: "aborted"})
	rec.Last().Final("still here", 0.9)
	waitFor(t, "transcript", func() bool { return m.CurrentTranscript().Final == "still here" })

	if got := errs.snapshot(); len(got) != 0 {
		t.Fatalf("errors = %+v, want none for ignored codes", got)
	}
	if m.State() != StateListening {
		t.Fatalf("State() = %s, want listening", m.State())
	}
}

func TestRetryBudgetIsBounded(t *testing.T) {
	rec := capability.NewMockRecognizer()
	errs := &errorLog{}
	m := newTestManager(rec, func(o *Options) { o.OnError = errs.add })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	for i := 1; i <= 3; i++ {
		waitFor(t, "session", func() bool { return len(rec.Sessions()) == i })
		rec.Last().Fail("network")
	}
	waitFor(t, "terminal error", func() bool {
		got := errs.snapshot()
		return len(got) > 0 && got[len(got)-1].Terminal
	})
	time.Sleep(100 * time.Millisecond)

	if got := len(rec.Sessions()); got != 3 {
		t.Fatalf("sessions = %d, want no fourth automatic attempt", got)
	}
	final := errs.snapshot()[len(errs.snapshot())-1]
	if !final.Recoverable || final.Class != reliability.SpeechErrorNetwork {
		t.Fatalf("final error = %+v, want recoverable network error", final)
	}
	if !errors.Is(m.LastError(), reliability.ErrNetwork) {
		t.Fatalf("LastError() = %v, want wrapped ErrNetwork", m.LastError())
	}
	if m.State() != StateErrored {
		t.Fatalf("State() = %s, want errored", m.State())
	}

	if err := m.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	waitFor(t, "listening after retry", func() bool { return m.State() == StateListening })
	if m.Failures() != 0 || m.LastError() != nil {
		t.Fatalf("Retry() left failures=%d err=%v", m.Failures(), m.LastError())
	}
	if got := len(rec.Sessions()); got != 4 {
		t.Fatalf("sessions = %d, want manual retry to start a fourth", got)
	}
}

func TestFailureCountResetsAfterResult(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	rec.Last().Fail("network")
	waitFor(t, "restart", func() bool { return len(rec.Sessions()) == 2 })
	rec.Last().Fail("audio-capture")
	waitFor(t, "second restart", func() bool { return len(rec.Sessions()) == 3 })
	if got := m.Failures(); got != 2 {
		t.Fatalf("Failures() = %d, want 2", got)
	}
	rec.Last().Final("recovered now", 0.8)
	waitFor(t, "reset", func() bool { return m.Failures() == 0 })

	rec.Last().Fail("network")
	waitFor(t, "restart after reset", func() bool { return len(rec.Sessions()) == 4 })
}

func TestStopSuppressesScheduledRestart(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, func(o *Options) { o.RestartDelay = 30 * time.Millisecond })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec.Last().Emit(capability.RecognitionEvent{Type: capability.RecognitionEnd})
	waitFor(t, "ended", func() bool { return m.State() == StateEnded })
	m.Stop()
	time.Sleep(80 * time.Millisecond)

	if got := len(rec.Sessions()); got != 1 {
		t.Fatalf("sessions = %d, want no restart after Stop", got)
	}
	if m.State() != StateIdle {
		t.Fatalf("State() = %s, want idle", m.State())
	}
}

func TestStaleSessionEventsAreDropped(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := rec.Last()
	m.Stop()
	if !first.Stopped() {
		t.Fatalf("Stop() did not stop the engine session")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	first.Final("ghost words", 0.9)
	rec.Last().Final("fresh words", 0.9)
	waitFor(t, "fresh", func() bool { return m.CurrentTranscript().Final != "" })
	if got := m.CurrentTranscript().Final; got != "fresh words" {
		t.Fatalf("transcript = %q, want only the current session's text", got)
	}
}

func TestPermissionErrorDuringSessionIsTerminal(t *testing.T) {
	rec := capability.NewMockRecognizer()
	errs := &errorLog{}
	m := newTestManager(rec, func(o *Options) { o.OnError = errs.add })
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	rec.Last().Fail("not-allowed")
	waitFor(t, "error", func() bool { return len(errs.snapshot()) == 1 })
	time.Sleep(30 * time.Millisecond)

	got := errs.snapshot()[0]
	if !got.Terminal || got.Recoverable {
		t.Fatalf("error = %+v, want terminal non-recoverable", got)
	}
	if n := len(rec.Sessions()); n != 1 {
		t.Fatalf("sessions = %d, want no restart after permission failure", n)
	}
}

func TestRetryBackoffSpacing(t *testing.T) {
	const (
		base     = 20 * time.Millisecond
		maxDelay = 50 * time.Millisecond
	)
	rec := &timedRecognizer{MockRecognizer: capability.NewMockRecognizer()}
	m := NewManager(Options{
		Recognizer:     rec,
		Permission:     &capability.MockPermission{},
		Descriptor:     capability.Full(),
		MaxRetries:     4,
		RetryBaseDelay: base,
		RetryMaxDelay:  maxDelay,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	want := []time.Duration{base, 2 * base, maxDelay}
	var failedAt []time.Time
	for i := range want {
		waitFor(t, "session", func() bool { return len(rec.Sessions()) == i+1 })
		failedAt = append(failedAt, time.Now())
		rec.Last().Fail("network")
	}
	waitFor(t, "fourth session", func() bool { return len(rec.Sessions()) == 4 })

	starts := rec.startTimes()
	for i, floor := range want {
		if gap := starts[i+1].Sub(failedAt[i]); gap < floor {
			t.Fatalf("restart %d after %s, want at least %s", i+1, gap, floor)
		}
	}
}

func TestStartAfterExhaustedRetriesReturnsLatchedError(t *testing.T) {
	rec := capability.NewMockRecognizer()
	m := newTestManager(rec, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()
	for i := 1; i <= 3; i++ {
		waitFor(t, "session", func() bool { return len(rec.Sessions()) == i })
		rec.Last().Fail("network")
	}
	waitFor(t, "errored", func() bool { return m.State() == StateErrored && m.LastError() != nil })
	waitFor(t, "terminal", func() bool {
		var serr *Error
		return errors.As(m.LastError(), &serr) && serr.Terminal
	})

	err := m.Start(context.Background())
	var serr *Error
	if !errors.As(err, &serr) || !serr.Terminal {
		t.Fatalf("Start() error = %v, want the latched terminal error", err)
	}
	if got := len(rec.Sessions()); got != 3 {
		t.Fatalf("sessions = %d, want Start to open nothing", got)
	}
	if m.State() != StateErrored || m.Failures() != 3 {
		t.Fatalf("State() = %s, Failures() = %d, want errored/3", m.State(), m.Failures())
	}
}

func TestStateChangesArriveInOrder(t *testing.T) {
	for i := 0; i < 200; i++ {
		var mu sync.Mutex
		var seen []State
		rec := capability.NewMockRecognizer()
		m := newTestManager(rec, func(o *Options) {
			o.OnState = func(s State) {
				mu.Lock()
				seen = append(seen, s)
				mu.Unlock()
			}
		})
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitFor(t, "listening", func() bool { return m.State() == StateListening })
		waitFor(t, "notifications", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 2
		})
		mu.Lock()
		got := append([]State(nil), seen...)
		mu.Unlock()
		if got[0] != StateInitializing || got[1] != StateListening {
			t.Fatalf("run %d: OnState saw %v, want [initializing listening]", i, got)
		}
		m.Stop()
	}
}
