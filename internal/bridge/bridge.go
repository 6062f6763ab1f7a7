// Package bridge implements the capture, recognition and synthesis
// collaborators on top of a browser connected over websocket. The browser runs
// the real engines and relays their signals; the server-side components drive
// it through bridge commands.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/audio"
	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/protocol"
	"github.com/ent0n29/mockpanel/internal/reliability"
)

const (
	defaultPermissionTimeout = 30 * time.Second
	recognitionBuffer        = 256
)

var ErrNotAttached = errors.New("no browser attached")

// Sender delivers one outbound message to the browser.
type Sender func(msg any) error

type Options struct {
	SessionID         string
	Language          string
	RecordingDir      string
	PermissionTimeout time.Duration
	Logger            *zap.Logger
}

// Bridge is bound to one panel session and at most one browser connection.
type Bridge struct {
	mu sync.Mutex

	sessionID         string
	language          string
	recordingDir      string
	permissionTimeout time.Duration
	log               *zap.Logger

	send        Sender
	granted     *bool
	captureDeny bool
	permWaiters []chan bool
	stream      *Stream
	recognition *recognitionSession
	speaking    map[string]chan error
}

func New(opts Options) *Bridge {
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = defaultPermissionTimeout
	}
	if strings.TrimSpace(opts.Language) == "" {
		opts.Language = "en-US"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		sessionID:         opts.SessionID,
		language:          opts.Language,
		recordingDir:      strings.TrimSpace(opts.RecordingDir),
		permissionTimeout: opts.PermissionTimeout,
		log:               log.Named("bridge").With(zap.String("session_id", opts.SessionID)),
		speaking:          make(map[string]chan error),
	}
}

// Attach binds a browser connection. A previous connection is replaced.
func (b *Bridge) Attach(send Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.send = send
	b.log.Info("browser attached")
}

// Detach drops the browser. In-flight recognition fails with a network error
// so the speech manager's retry policy applies; pending speech is abandoned.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.send = nil
	rec := b.recognition
	b.recognition = nil
	waiters := b.speaking
	b.speaking = make(map[string]chan error)
	b.mu.Unlock()

	if rec != nil {
		rec.emit(capability.RecognitionEvent{Type: capability.RecognitionError, Code: "network", Detail: "browser disconnected"})
		rec.end()
	}
	for _, ch := range waiters {
		ch <- ErrNotAttached
	}
	b.log.Info("browser detached")
}

func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send != nil
}

func (b *Bridge) command(action string) error {
	b.mu.Lock()
	send := b.send
	b.mu.Unlock()
	if send == nil {
		return ErrNotAttached
	}
	return send(protocol.BridgeCommand{
		Type:      protocol.TypeBridgeCommand,
		SessionID: b.sessionID,
		Action:    action,
		Language:  b.language,
	})
}

// Handle routes one inbound browser message. Messages the bridge does not own
// are reported as handled=false.
func (b *Bridge) Handle(msg any) (handled bool, err error) {
	switch m := msg.(type) {
	case protocol.ClientAudioLevels:
		bins, err := m.Bins()
		if err != nil {
			return true, fmt.Errorf("decode levels: %w", err)
		}
		b.mu.Lock()
		stream := b.stream
		b.mu.Unlock()
		if stream != nil {
			stream.setLevels(bins)
		}
		return true, nil
	case protocol.ClientAudioChunk:
		pcm, err := m.PCM()
		if err != nil {
			return true, fmt.Errorf("decode pcm: %w", err)
		}
		b.mu.Lock()
		stream := b.stream
		b.mu.Unlock()
		if stream != nil {
			stream.writePCM(pcm, m.SampleRate)
		}
		return true, nil
	case protocol.ClientRecognition:
		b.handleRecognition(m)
		return true, nil
	case protocol.ClientSpeechDone:
		b.mu.Lock()
		ch, ok := b.speaking[m.RequestID]
		delete(b.speaking, m.RequestID)
		b.mu.Unlock()
		if ok {
			if m.Error != "" {
				ch <- errors.New(m.Error)
			} else {
				ch <- nil
			}
		}
		return true, nil
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionPermission:
			b.setPermission(m.Granted != nil && *m.Granted)
			return true, nil
		case protocol.ActionCapture:
			b.mu.Lock()
			b.captureDeny = m.Granted != nil && !*m.Granted
			b.mu.Unlock()
			return true, nil
		}
	}
	return false, nil
}

func (b *Bridge) setPermission(granted bool) {
	b.mu.Lock()
	b.granted = &granted
	waiters := b.permWaiters
	b.permWaiters = nil
	b.mu.Unlock()
	for _, ch := range waiters {
		ch <- granted
	}
}

// RequestMicrophone asks the browser for microphone consent and waits for the answer.
func (b *Bridge) RequestMicrophone(ctx context.Context) error {
	b.mu.Lock()
	if b.granted != nil {
		granted := *b.granted
		b.mu.Unlock()
		if !granted {
			return reliability.ErrPermissionDenied
		}
		return nil
	}
	ch := make(chan bool, 1)
	b.permWaiters = append(b.permWaiters, ch)
	b.mu.Unlock()

	if err := b.command(protocol.CommandPermissionRequest); err != nil {
		return fmt.Errorf("%w: %w", reliability.ErrDeviceUnavailable, err)
	}

	timer := time.NewTimer(b.permissionTimeout)
	defer timer.Stop()
	select {
	case granted := <-ch:
		if !granted {
			return reliability.ErrPermissionDenied
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: permission prompt timed out", reliability.ErrPermissionDenied)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire asks the browser to start streaming analyser levels.
func (b *Bridge) Acquire(_ context.Context, _ capability.Constraints) (capability.Stream, error) {
	b.mu.Lock()
	if b.captureDeny {
		b.mu.Unlock()
		return nil, reliability.ErrPermissionDenied
	}
	var rec *audio.Recorder
	if b.recordingDir != "" {
		rec = audio.NewRecorder(filepath.Join(b.recordingDir, b.sessionID+"-"+uuid.NewString()[:8]+".wav"), audio.DefaultSampleRate)
	}
	stream := newStream(rec)
	b.stream = stream
	b.mu.Unlock()

	if err := b.command(protocol.CommandCaptureAcquire); err != nil {
		b.mu.Lock()
		b.stream = nil
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", reliability.ErrDeviceUnavailable, err)
	}
	return stream, nil
}

func (b *Bridge) Release(s capability.Stream) error {
	b.mu.Lock()
	if b.stream == s {
		b.stream = nil
	}
	b.mu.Unlock()

	if stream, ok := s.(*Stream); ok {
		if err := stream.close(); err != nil {
			b.log.Warn("recording not saved", zap.Error(err))
		}
	}
	if err := b.command(protocol.CommandCaptureRelease); err != nil && !errors.Is(err, ErrNotAttached) {
		return err
	}
	return nil
}

// StartSession asks the browser to start its recognition engine.
func (b *Bridge) StartSession(_ context.Context, _ capability.RecognitionOptions) (capability.RecognitionSession, <-chan capability.RecognitionEvent, error) {
	sess := &recognitionSession{bridge: b, events: make(chan capability.RecognitionEvent, recognitionBuffer)}

	b.mu.Lock()
	prev := b.recognition
	b.recognition = sess
	b.mu.Unlock()
	if prev != nil {
		prev.end()
	}

	if err := b.command(protocol.CommandRecognitionStart); err != nil {
		b.mu.Lock()
		if b.recognition == sess {
			b.recognition = nil
		}
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %w", reliability.ErrNetwork, err)
	}
	return sess, sess.events, nil
}

func (b *Bridge) handleRecognition(m protocol.ClientRecognition) {
	b.mu.Lock()
	sess := b.recognition
	if m.Event == "end" && sess != nil {
		b.recognition = nil
	}
	b.mu.Unlock()
	if sess == nil {
		return
	}

	switch m.Event {
	case "start":
		sess.emit(capability.RecognitionEvent{Type: capability.RecognitionStart})
	case "result":
		results := make([]capability.RecognitionAlternative, 0, len(m.Results))
		for _, r := range m.Results {
			results = append(results, capability.RecognitionAlternative{
				Transcript: r.Transcript,
				Confidence: r.Confidence,
				IsFinal:    r.IsFinal,
			})
		}
		sess.emit(capability.RecognitionEvent{Type: capability.RecognitionResult, ResultIndex: m.ResultIndex, Results: results})
	case "error":
		sess.emit(capability.RecognitionEvent{Type: capability.RecognitionError, Code: m.Code, Detail: m.Detail})
	case "end":
		sess.end()
	}
}

// Speak asks the browser to voice text and waits for completion.
func (b *Bridge) Speak(ctx context.Context, text string, voice capability.VoiceProfile) error {
	id := uuid.NewString()
	ch := make(chan error, 1)

	b.mu.Lock()
	send := b.send
	if send == nil {
		b.mu.Unlock()
		return ErrNotAttached
	}
	b.speaking[id] = ch
	b.mu.Unlock()

	err := send(protocol.SpeakRequest{
		Type:      protocol.TypeSpeakRequest,
		SessionID: b.sessionID,
		RequestID: id,
		Text:      text,
		Voice: protocol.Voice{
			Name:   voice.Name,
			Gender: voice.Gender,
			Lang:   voice.Lang,
			Rate:   voice.Rate,
			Pitch:  voice.Pitch,
		},
	})
	if err != nil {
		b.mu.Lock()
		delete(b.speaking, id)
		b.mu.Unlock()
		return fmt.Errorf("send speak request: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.speaking, id)
		b.mu.Unlock()
		return ctx.Err()
	}
}

type recognitionSession struct {
	bridge *Bridge
	mu     sync.Mutex
	events chan capability.RecognitionEvent
	closed bool
}

func (s *recognitionSession) emit(evt capability.RecognitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.bridge.log.Warn("recognition event dropped", zap.String("type", string(evt.Type)))
	}
}

func (s *recognitionSession) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- capability.RecognitionEvent{Type: capability.RecognitionEnd}:
	default:
	}
	s.closed = true
	close(s.events)
}

func (s *recognitionSession) Stop() error {
	b := s.bridge
	b.mu.Lock()
	current := b.recognition == s
	if current {
		b.recognition = nil
	}
	b.mu.Unlock()
	s.end()
	if current {
		if err := b.command(protocol.CommandRecognitionStop); err != nil && !errors.Is(err, ErrNotAttached) {
			return err
		}
	}
	return nil
}
