package capability

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockDevice is a simulated capture device used when no real collaborator is
// attached (COLLABORATOR_MODE=mock) and in tests.
type MockDevice struct {
	mu        sync.Mutex
	Err       error
	NilStream bool
	Level     func(t time.Time) byte
	acquired  int
	released  int
	live      map[string]*MockStream
}

func NewMockDevice() *MockDevice {
	return &MockDevice{live: make(map[string]*MockStream)}
}

func (d *MockDevice) Acquire(_ context.Context, _ Constraints) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if d.NilStream {
		return nil, nil
	}
	level := d.Level
	if level == nil {
		level = speechLikeLevel
	}
	s := &MockStream{id: uuid.NewString(), level: level}
	if d.live == nil {
		d.live = make(map[string]*MockStream)
	}
	d.live[s.id] = s
	d.acquired++
	return s, nil
}

func (d *MockDevice) Release(s Stream) error {
	if s == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[s.ID()]; !ok {
		return errors.New("stream not acquired from this device")
	}
	delete(d.live, s.ID())
	d.released++
	return nil
}

// Counts returns how many streams were acquired and released.
func (d *MockDevice) Counts() (acquired, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired, d.released
}

type MockStream struct {
	id    string
	level func(t time.Time) byte
}

func (s *MockStream) ID() string { return s.id }

func (s *MockStream) ReadFrequencyData(dst []byte) int {
	v := s.level(time.Now())
	for i := range dst {
		dst[i] = v
	}
	return len(dst)
}

func (s *MockStream) CaptureFrame() (Frame, error) {
	return Frame{Width: 640, Height: 480, Timestamp: time.Now()}, nil
}

// speechLikeLevel alternates ~2s of speech energy with ~1s of silence.
func speechLikeLevel(t time.Time) byte {
	phase := math.Mod(float64(t.UnixMilli())/1000, 3)
	if phase < 2 {
		return 110
	}
	return 4
}

// MockPermission grants or denies microphone access.
type MockPermission struct {
	Err error
}

func (p MockPermission) RequestMicrophone(context.Context) error { return p.Err }

// MockRecognizer hands out sessions that can be driven from tests, and
// optionally replays a script of final utterances.
type MockRecognizer struct {
	mu       sync.Mutex
	StartErr error
	Script   []string
	Interval time.Duration
	sessions []*MockRecognitionSession
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) StartSession(_ context.Context, _ RecognitionOptions) (RecognitionSession, <-chan RecognitionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return nil, nil, r.StartErr
	}
	events := make(chan RecognitionEvent, 64)
	s := &MockRecognitionSession{events: events, done: make(chan struct{})}
	r.sessions = append(r.sessions, s)
	s.Emit(RecognitionEvent{Type: RecognitionStart})
	if len(r.Script) > 0 {
		go s.replay(append([]string(nil), r.Script...), r.Interval)
	}
	return s, events, nil
}

// Sessions returns every session started so far, oldest first.
func (r *MockRecognizer) Sessions() []*MockRecognitionSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MockRecognitionSession(nil), r.sessions...)
}

// Last returns the most recent session or nil.
func (r *MockRecognizer) Last() *MockRecognitionSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

type MockRecognitionSession struct {
	mu      sync.Mutex
	events  chan RecognitionEvent
	done    chan struct{}
	closed  bool
	stopped bool
}

// Emit delivers an event unless the session already ended. RecognitionEnd closes the stream.
func (s *MockRecognitionSession) Emit(evt RecognitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
	if evt.Type == RecognitionEnd {
		s.closed = true
		close(s.events)
		close(s.done)
	}
}

// Final emits a single finalized result.
func (s *MockRecognitionSession) Final(text string, confidence float64) {
	s.Emit(RecognitionEvent{
		Type:    RecognitionResult,
		Results: []RecognitionAlternative{{Transcript: text, Confidence: confidence, IsFinal: true}},
	})
}

// Fail emits an error followed by the end signal, the way browser engines do.
func (s *MockRecognitionSession) Fail(code string) {
	s.Emit(RecognitionEvent{Type: RecognitionError, Code: code})
	s.Emit(RecognitionEvent{Type: RecognitionEnd})
}

func (s *MockRecognitionSession) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Emit(RecognitionEvent{Type: RecognitionEnd})
	return nil
}

func (s *MockRecognitionSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *MockRecognitionSession) replay(script []string, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for _, line := range script {
		select {
		case <-s.done:
			return
		case <-time.After(interval):
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.Emit(RecognitionEvent{
			Type:    RecognitionResult,
			Results: []RecognitionAlternative{{Transcript: line, Confidence: 0.5}},
		})
		s.Final(line, 0.9)
	}
}

// MockSynthesizer records spoken lines.
type MockSynthesizer struct {
	mu      sync.Mutex
	Err     error
	Latency time.Duration
	spoken  []string
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Speak(ctx context.Context, text string, _ VoiceProfile) error {
	s.mu.Lock()
	latency := s.Latency
	err := s.Err
	s.mu.Unlock()
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	return nil
}

func (s *MockSynthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}
