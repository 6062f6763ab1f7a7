// Package speech keeps one continuous speech-to-text session alive across
// engine restarts and transient failures.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/observability"
	"github.com/ent0n29/mockpanel/internal/reliability"
	"github.com/ent0n29/mockpanel/internal/scheduler"
)

type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateListening    State = "listening"
	StateEnded        State = "ended"
	StateErrored      State = "errored"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 10 * time.Second
	DefaultRestartDelay   = 250 * time.Millisecond
	minFinalRunes         = 2
)

// Error is a lifecycle error surfaced to the caller.
type Error struct {
	Class reliability.SpeechErrorClass
	Code  string
	// Terminal means no further automatic restart will happen.
	Terminal bool
	// Recoverable means a manual Retry may succeed without outside action.
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("speech %s error", e.Class)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transcript is the text captured since the last reset.
type Transcript struct {
	Final   string `json:"final"`
	Interim string `json:"interim"`
}

func (t Transcript) Text() string {
	return strings.TrimSpace(strings.TrimSpace(t.Final) + " " + strings.TrimSpace(t.Interim))
}

type Options struct {
	Recognizer     capability.Recognizer
	Permission     capability.Permission
	Descriptor     capability.Descriptor
	Language       string
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RestartDelay   time.Duration

	// OnFinal receives each finalized utterance (transcript log, metrics side channel).
	OnFinal []func(text string, confidence float64)
	// OnInterim receives the provisional utterance whenever it changes.
	OnInterim func(text string)
	OnState   func(State)
	OnError   func(*Error)

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Manager wraps one recognition session at a time.
type Manager struct {
	lifecycle sync.Mutex
	mu        sync.Mutex

	recognizer     capability.Recognizer
	permission     capability.Permission
	descriptor     capability.Descriptor
	language       string
	maxRetries     int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	restartDelay   time.Duration
	onFinal        []func(string, float64)
	onInterim      func(string)
	onState        func(State)
	onError        func(*Error)
	log            *zap.Logger
	metrics        *observability.Metrics
	sched          *scheduler.Scheduler

	state         State
	wantActive    bool
	permGranted   bool
	gen           uint64
	session       capability.RecognitionSession
	failures      int
	errorPending  bool
	lastErr       *Error
	finalText     []string
	interim       string
	endedAt       time.Time

	stateQueue  []State
	dispatching bool
}

func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if strings.TrimSpace(opts.Language) == "" {
		opts.Language = "en-US"
	}
	return &Manager{
		recognizer:     opts.Recognizer,
		permission:     opts.Permission,
		descriptor:     opts.Descriptor,
		language:       opts.Language,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		restartDelay:   opts.RestartDelay,
		onFinal:        opts.OnFinal,
		onInterim:      opts.OnInterim,
		onState:        opts.OnState,
		onError:        opts.OnError,
		log:            observability.OrNop(opts.Logger).Named("speech"),
		metrics:        opts.Metrics,
		sched:          scheduler.New(),
		state:          StateIdle,
	}
}

// Start begins continuous recognition. Calling Start while a session is
// running is a no-op. After a terminal error Start returns that error and
// opens nothing until Retry clears it.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if latched := m.lastErr; latched != nil && latched.Terminal {
		m.mu.Unlock()
		return latched
	}
	m.mu.Unlock()

	if !m.descriptor.SpeechRecognition || m.recognizer == nil {
		err := &Error{Class: reliability.SpeechErrorBrowser, Code: "unsupported", Terminal: true, Err: reliability.ErrUnsupportedEnvironment}
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.wantActive && (m.state == StateListening || m.state == StateInitializing) {
		m.mu.Unlock()
		return nil
	}
	m.wantActive = true
	granted := m.permGranted
	m.mu.Unlock()

	if !granted && m.permission != nil {
		if err := m.permission.RequestMicrophone(ctx); err != nil {
			serr := &Error{Class: reliability.SpeechErrorPermission, Code: "not-allowed", Terminal: true, Err: fmt.Errorf("%w: %w", reliability.ErrPermissionDenied, err)}
			m.mu.Lock()
			m.wantActive = false
			m.mu.Unlock()
			m.fail(serr)
			return serr
		}
	}
	m.mu.Lock()
	m.permGranted = true
	m.mu.Unlock()

	return m.open(ctx)
}

// open starts a fresh engine session. Callers hold the lifecycle lock.
func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	if !m.wantActive {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.errorPending = false
	m.setStateLocked(StateInitializing)
	m.mu.Unlock()

	session, events, err := m.recognizer.StartSession(ctx, capability.RecognitionOptions{
		Continuous:     true,
		InterimResults: true,
		Language:       m.language,
	})
	if err != nil {
		m.log.Warn("recognition start failed", zap.Error(err))
		m.handleEngineError(gen, classifyStartError(err), "", err)
		return m.LastError()
	}

	m.mu.Lock()
	if m.gen != gen || !m.wantActive {
		m.mu.Unlock()
		_ = session.Stop()
		return nil
	}
	m.session = session
	m.mu.Unlock()

	go m.pump(gen, events)
	return nil
}

// Stop ends recognition and suppresses every automatic restart.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	m.wantActive = false
	m.gen++
	m.errorPending = false
	session := m.session
	m.session = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	m.sched.CancelAll()
	if session != nil {
		if err := session.Stop(); err != nil {
			m.log.Debug("recognition stop", zap.Error(err))
		}
	}
}

// Retry clears the error state and retry budget, then starts again.
func (m *Manager) Retry(ctx context.Context) error {
	m.Stop()
	m.mu.Lock()
	m.failures = 0
	m.lastErr = nil
	m.mu.Unlock()
	m.metrics.SpeechRestart("manual")
	return m.Start(ctx)
}

// CurrentTranscript returns the text recognized since the last reset.
func (m *Manager) CurrentTranscript() Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Transcript{Final: strings.Join(m.finalText, " "), Interim: m.interim}
}

// ResetTranscript clears the accumulated text, typically after a response is submitted.
func (m *Manager) ResetTranscript() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalText = nil
	m.interim = ""
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent surfaced error, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return nil
	}
	return m.lastErr
}

// Failures returns the number of consecutive retryable failures.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Manager) pump(gen uint64, events <-chan capability.RecognitionEvent) {
	for evt := range events {
		if !m.current(gen) {
			continue
		}
		switch evt.Type {
		case capability.RecognitionStart:
			m.handleStart(gen)
		case capability.RecognitionResult:
			m.handleResult(gen, evt)
		case capability.RecognitionError:
			class := reliability.ClassifySpeechError(evt.Code)
			if class == reliability.SpeechErrorNone {
				m.log.Debug("recognition notice ignored", zap.String("code", evt.Code))
				continue
			}
			m.handleEngineError(gen, class, evt.Code, errors.New(firstNonEmpty(evt.Detail, evt.Code)))
		case capability.RecognitionEnd:
			m.handleEnd(gen)
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) handleStart(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if !m.endedAt.IsZero() {
		m.metrics.ObserveTurnStage("speech_restart_gap", time.Since(m.endedAt))
		m.endedAt = time.Time{}
	}
	m.setStateLocked(StateListening)
}

func (m *Manager) handleResult(gen uint64, evt capability.RecognitionEvent) {
	var finals []capability.RecognitionAlternative
	var interim strings.Builder

	start := evt.ResultIndex
	if start < 0 || start > len(evt.Results) {
		start = 0
	}
	for _, r := range evt.Results[start:] {
		if r.IsFinal {
			finals = append(finals, r)
			continue
		}
		interim.WriteString(r.Transcript)
		interim.WriteString(" ")
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	// A delivered result proves the session healthy, so the failure budget resets.
	m.failures = 0
	m.lastErr = nil
	if m.state != StateListening {
		m.setStateLocked(StateListening)
	}
	var accepted []capability.RecognitionAlternative
	for _, r := range finals {
		text := normalizeWhitespace(r.Transcript)
		if len([]rune(text)) < minFinalRunes {
			continue
		}
		r.Transcript = text
		accepted = append(accepted, r)
		m.finalText = append(m.finalText, text)
	}
	interimText := normalizeWhitespace(interim.String())
	interimChanged := interimText != m.interim
	m.interim = interimText
	onFinal := m.onFinal
	onInterim := m.onInterim
	m.mu.Unlock()

	for _, r := range accepted {
		for _, fn := range onFinal {
			fn(r.Transcript, r.Confidence)
		}
	}
	if interimChanged && onInterim != nil {
		onInterim(interimText)
	}
}

func (m *Manager) handleEngineError(gen uint64, class reliability.SpeechErrorClass, errCode string, cause error) {
	m.metrics.SpeechError(string(class))

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.errorPending = true
	m.setStateLocked(StateErrored)

	wrapped := cause
	if sentinel := class.Sentinel(); sentinel != nil && !errors.Is(cause, sentinel) {
		wrapped = fmt.Errorf("%w: %w", sentinel, cause)
	}

	if !reliability.IsRetryableSpeechError(class) {
		serr := &Error{Class: class, Code: errCode, Terminal: true, Recoverable: false, Err: wrapped}
		m.lastErr = serr
		m.mu.Unlock()
		m.log.Warn("recognition failed permanently", zap.String("class", string(class)), zap.String("code", errCode), zap.Error(cause))
		m.notifyError(serr)
		return
	}

	m.failures++
	if !m.wantActive {
		m.lastErr = &Error{Class: class, Code: errCode, Recoverable: true, Err: wrapped}
		m.mu.Unlock()
		return
	}
	if m.failures >= m.maxRetries {
		serr := &Error{Class: class, Code: errCode, Terminal: true, Recoverable: true, Err: fmt.Errorf("retries exhausted after %d attempts: %w", m.failures, wrapped)}
		m.lastErr = serr
		m.mu.Unlock()
		m.log.Warn("recognition retries exhausted", zap.Int("failures", m.maxRetries), zap.String("class", string(class)))
		m.notifyError(serr)
		return
	}
	delay := reliability.ExponentialBackoff(m.failures-1, m.retryBaseDelay, m.retryMaxDelay)
	serr := &Error{Class: class, Code: errCode, Recoverable: true, Err: wrapped}
	m.lastErr = serr
	m.mu.Unlock()

	m.log.Info("recognition retry scheduled", zap.String("class", string(class)), zap.Duration("delay", delay))
	m.scheduleRestart(gen, delay, "retry")
	m.notifyError(serr)
}

func (m *Manager) handleEnd(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.endedAt = time.Now()
	if m.errorPending {
		// The error path already decided whether to restart.
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateEnded)
	want := m.wantActive
	m.mu.Unlock()

	if want {
		m.scheduleRestart(gen, m.restartDelay, "natural_end")
	}
}

func (m *Manager) scheduleRestart(gen uint64, delay time.Duration, reason string) {
	m.sched.After(delay, func() {
		m.lifecycle.Lock()
		defer m.lifecycle.Unlock()

		m.mu.Lock()
		if m.gen != gen || !m.wantActive {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.metrics.SpeechRestart(reason)
		m.log.Debug("recognition restarting", zap.String("reason", reason))
		_ = m.open(context.Background())
	})
}

func (m *Manager) fail(err *Error) {
	m.mu.Lock()
	m.lastErr = err
	m.setStateLocked(StateErrored)
	m.mu.Unlock()
	m.metrics.SpeechError(string(err.Class))
	m.notifyError(err)
}

func (m *Manager) notifyError(err *Error) {
	if m.onError != nil {
		m.onError(err)
	}
}

// setStateLocked queues the transition for onState. A single drainer
// delivers queued states in order, outside m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState == nil {
		return
	}
	m.stateQueue = append(m.stateQueue, s)
	if !m.dispatching {
		m.dispatching = true
		go m.drainStates()
	}
}

func (m *Manager) drainStates() {
	for {
		m.mu.Lock()
		if len(m.stateQueue) == 0 {
			m.dispatching = false
			m.mu.Unlock()
			return
		}
		s := m.stateQueue[0]
		m.stateQueue = m.stateQueue[1:]
		fn := m.onState
		m.mu.Unlock()
		fn(s)
	}
}

func classifyStartError(err error) reliability.SpeechErrorClass {
	switch {
	case errors.Is(err, reliability.ErrPermissionDenied):
		return reliability.SpeechErrorPermission
	case errors.Is(err, reliability.ErrUnsupportedEnvironment):
		return reliability.SpeechErrorBrowser
	case errors.Is(err, reliability.ErrNetwork):
		return reliability.SpeechErrorNetwork
	case errors.Is(err, reliability.ErrDeviceUnavailable):
		return reliability.SpeechErrorAudio
	default:
		return reliability.SpeechErrorUnknown
	}
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "unknown"
}
