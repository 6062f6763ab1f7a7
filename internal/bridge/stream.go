package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mockpanel/internal/audio"
	"github.com/ent0n29/mockpanel/internal/capability"
)

var errNoFrame = errors.New("no frame received yet")

// Stream holds the latest analyser levels the browser reported and, when
// recording is enabled, the raw PCM it streamed.
type Stream struct {
	id string

	mu        sync.Mutex
	levels    []byte
	updatedAt time.Time
	recorder  *audio.Recorder
	artifacts []string
}

func newStream(rec *audio.Recorder) *Stream {
	return &Stream{id: uuid.NewString(), recorder: rec}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) ReadFrequencyData(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(dst, s.levels)
}

// CaptureFrame reports frame timing only; the browser does not ship pixels.
func (s *Stream) CaptureFrame() (capability.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updatedAt.IsZero() {
		return capability.Frame{}, errNoFrame
	}
	return capability.Frame{Timestamp: s.updatedAt}, nil
}

func (s *Stream) Artifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.artifacts...)
}

func (s *Stream) setLevels(bins []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels[:0], bins...)
	s.updatedAt = time.Now()
}

// writePCM records the chunk and derives levels from it for clients that only
// stream raw audio.
func (s *Stream) writePCM(pcm []byte, _ int) {
	levels := make([]byte, 128)
	n := audio.PCM16Levels(pcm, levels)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.levels = append(s.levels[:0], levels[:n]...)
		s.updatedAt = time.Now()
	}
	if s.recorder != nil {
		_, _ = s.recorder.Write(pcm)
	}
}

func (s *Stream) close() error {
	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	written, err := rec.Close()
	if err != nil {
		return err
	}
	if written {
		s.mu.Lock()
		s.artifacts = append(s.artifacts, rec.Path())
		s.mu.Unlock()
	}
	return nil
}
