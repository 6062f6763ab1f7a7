package capability

import (
	"context"
	"time"
)

// Descriptor declares which collaborators the runtime environment provides.
// It replaces probing for capabilities at call time.
type Descriptor struct {
	MediaCapture      bool
	SpeechRecognition bool
	SpeechSynthesis   bool
}

// Full reports a descriptor with every capability present.
func Full() Descriptor {
	return Descriptor{MediaCapture: true, SpeechRecognition: true, SpeechSynthesis: true}
}

type Constraints struct {
	Audio bool
	Video bool
}

// Frame is one captured video frame. Pixel data may be empty when the source only
// reports frame timing.
type Frame struct {
	Width     int
	Height    int
	Pixels    []byte
	Timestamp time.Time
}

// Stream is a live combined audio/video capture stream.
type Stream interface {
	ID() string
	// ReadFrequencyData fills dst with the current byte frequency-domain energy
	// (0..255 per bin) and returns the number of bins written.
	ReadFrequencyData(dst []byte) int
	CaptureFrame() (Frame, error)
}

// CaptureDevice grants exclusive access to capture streams.
type CaptureDevice interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
	Release(s Stream) error
}

// Permission requests user consent for microphone access.
type Permission interface {
	RequestMicrophone(ctx context.Context) error
}

type RecognitionEventType string

const (
	RecognitionStart  RecognitionEventType = "start"
	RecognitionResult RecognitionEventType = "result"
	RecognitionError  RecognitionEventType = "error"
	RecognitionEnd    RecognitionEventType = "end"
)

type RecognitionAlternative struct {
	Transcript string
	Confidence float64
	IsFinal    bool
}

type RecognitionEvent struct {
	Type        RecognitionEventType
	ResultIndex int
	Results     []RecognitionAlternative
	Code        string
	Detail      string
}

type RecognitionOptions struct {
	Continuous     bool
	InterimResults bool
	Language       string
}

// RecognitionSession is one running speech-to-text engine session.
type RecognitionSession interface {
	Stop() error
}

// Recognizer starts speech-to-text sessions. The returned channel is closed
// after the session emits RecognitionEnd.
type Recognizer interface {
	StartSession(ctx context.Context, opts RecognitionOptions) (RecognitionSession, <-chan RecognitionEvent, error)
}

// ArtifactSource is implemented by streams that persist media while capturing.
// Artifacts is read after the stream is released.
type ArtifactSource interface {
	Artifacts() []string
}

// VoiceProfile selects the synthesis voice for an interviewer.
type VoiceProfile struct {
	Name   string  `json:"name" yaml:"name"`
	Gender string  `json:"gender" yaml:"gender"`
	Lang   string  `json:"lang" yaml:"lang"`
	Rate   float64 `json:"rate" yaml:"rate"`
	Pitch  float64 `json:"pitch" yaml:"pitch"`
}

// Synthesizer speaks text aloud. Speak returns once playback completed or failed.
type Synthesizer interface {
	Speak(ctx context.Context, text string, voice VoiceProfile) error
}
