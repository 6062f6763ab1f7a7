package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/audio"
	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/observability"
	"github.com/ent0n29/mockpanel/internal/reliability"
	"github.com/ent0n29/mockpanel/internal/scheduler"
)

const (
	DefaultAudioInterval     = 100 * time.Millisecond
	DefaultVisualInterval    = 200 * time.Millisecond
	DefaultSpeakingThreshold = 15.0
	volumeHistoryLimit       = 100
	defaultFrequencyBins     = 128
	detectTimeout            = 150 * time.Millisecond
)

var fillerPhrases = []string{"um", "uh", "er", "ah", "hmm", "like", "basically", "actually", "literally", "you know", "i mean", "sort of", "kind of"}

type Options struct {
	Device            capability.CaptureDevice
	Descriptor        capability.Descriptor
	Detector          VisualFeatureDetector
	AudioInterval     time.Duration
	VisualInterval    time.Duration
	SpeakingThreshold float64
	FrequencyBins     int
	Weights           *Weights
	Jitter            JitterFunc
	Logger            *zap.Logger
	Metrics           *observability.Metrics
	Now               func() time.Time
}

type speechEvent struct {
	at       time.Time
	speaking bool
}

// Sampler owns one capture stream at a time and derives metrics from it with
// two independent periodic samplers.
type Sampler struct {
	lifecycle sync.Mutex
	mu        sync.Mutex

	device            capability.CaptureDevice
	descriptor        capability.Descriptor
	detector          VisualFeatureDetector
	audioInterval     time.Duration
	visualInterval    time.Duration
	speakingThreshold float64
	weights           Weights
	jitter            JitterFunc
	log               *zap.Logger
	metrics           *observability.Metrics
	now               func() time.Time
	sched             *scheduler.Scheduler

	gen     uint64
	session *Session
	stream  capability.Stream
	cancel  context.CancelFunc
	bins    []byte

	volumeHistory []float64
	speaking      bool
	speakingSince time.Time
	speakingTotal time.Duration
	events        []speechEvent
	eyeSum        float64
	headSum       float64
	visualSamples int
	expressions   map[string]struct{}
}

func NewSampler(opts Options) *Sampler {
	if opts.AudioInterval <= 0 {
		opts.AudioInterval = DefaultAudioInterval
	}
	if opts.VisualInterval <= 0 {
		opts.VisualInterval = DefaultVisualInterval
	}
	if opts.SpeakingThreshold <= 0 {
		opts.SpeakingThreshold = DefaultSpeakingThreshold
	}
	if opts.FrequencyBins <= 0 {
		opts.FrequencyBins = defaultFrequencyBins
	}
	weights := DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	if opts.Jitter == nil {
		opts.Jitter = NoJitter
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sampler{
		device:            opts.Device,
		descriptor:        opts.Descriptor,
		detector:          opts.Detector,
		audioInterval:     opts.AudioInterval,
		visualInterval:    opts.VisualInterval,
		speakingThreshold: opts.SpeakingThreshold,
		weights:           weights,
		jitter:            opts.Jitter,
		log:               observability.OrNop(opts.Logger).Named("capture"),
		metrics:           opts.Metrics,
		now:               opts.Now,
		sched:             scheduler.New(),
		bins:              make([]byte, opts.FrequencyBins),
	}
}

// Start acquires a combined audio/video stream and begins sampling. It returns
// the capture session id. Failure is reported as ErrCaptureUnavailable and
// leaves the sampler idle.
func (s *Sampler) Start(ctx context.Context) (string, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.session != nil {
		id := s.session.ID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	if !s.descriptor.MediaCapture || s.device == nil {
		s.metrics.CaptureFailure("unsupported_environment")
		return "", fmt.Errorf("%w: %w", reliability.ErrCaptureUnavailable, reliability.ErrUnsupportedEnvironment)
	}

	stream, err := s.device.Acquire(ctx, capability.Constraints{Audio: true, Video: true})
	if err != nil {
		s.metrics.CaptureFailure(reliability.Code(err))
		if errors.Is(err, reliability.ErrCaptureUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", reliability.ErrCaptureUnavailable, err)
	}
	if stream == nil {
		s.metrics.CaptureFailure("no_stream")
		return "", fmt.Errorf("%w: device returned no stream", reliability.ErrCaptureUnavailable)
	}

	now := s.now()
	sampleCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.stream = stream
	s.cancel = cancel
	s.session = &Session{ID: uuid.NewString(), StartTime: now}
	s.resetLocked()
	id := s.session.ID
	s.mu.Unlock()

	s.sched.Every(s.audioInterval, func() { s.sampleAudio(gen) })
	if s.detector != nil {
		s.sched.Every(s.visualInterval, func() { s.sampleVisual(sampleCtx, gen) })
	}
	s.log.Info("capture started", zap.String("capture_id", id), zap.String("stream_id", stream.ID()))
	return id, nil
}

// Stop ends sampling, releases the stream and returns the finalized session.
// It returns nil when no capture is active.
func (s *Sampler) Stop() *Session {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.sched.CancelAll()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	now := s.now()
	s.finalizeLocked(now)
	s.session.EndTime = now
	out := *s.session
	out.Metrics = s.session.Metrics.clone()
	stream := s.stream
	s.session = nil
	s.stream = nil
	s.mu.Unlock()

	if err := s.device.Release(stream); err != nil {
		s.log.Warn("release capture stream", zap.Error(err))
	}
	if src, ok := stream.(capability.ArtifactSource); ok {
		out.MediaArtifacts = append(out.MediaArtifacts, src.Artifacts()...)
	}
	s.log.Info("capture stopped",
		zap.String("capture_id", out.ID),
		zap.Duration("duration", out.EndTime.Sub(out.StartTime)),
		zap.Float64("confidence", out.Metrics.Behavioral.ConfidenceLevel),
	)
	return &out
}

// AddTranscriptEntry attaches a finalized utterance to the active capture.
// It is a silent no-op when no capture is active.
func (s *Sampler) AddTranscriptEntry(text string, confidence float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	s.session.Metrics.Transcript = append(s.session.Metrics.Transcript, TranscriptLine{
		Text:       text,
		Timestamp:  s.now(),
		Confidence: confidence,
	})
}

// Snapshot returns a copy of the live metrics.
func (s *Sampler) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Snapshot{}, false
	}
	return s.session.Metrics.clone(), true
}

func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

func (s *Sampler) resetLocked() {
	s.volumeHistory = s.volumeHistory[:0]
	s.speaking = false
	s.speakingSince = time.Time{}
	s.speakingTotal = 0
	s.events = nil
	s.eyeSum = 0
	s.headSum = 0
	s.visualSamples = 0
	s.expressions = make(map[string]struct{})
}

func (s *Sampler) sampleAudio(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.gen != gen {
		return
	}
	n := s.stream.ReadFrequencyData(s.bins)
	if n > len(s.bins) {
		n = len(s.bins)
	}
	vol := audio.RMSLevel(s.bins[:n])

	s.volumeHistory = append(s.volumeHistory, vol)
	if over := len(s.volumeHistory) - volumeHistoryLimit; over > 0 {
		s.volumeHistory = append(s.volumeHistory[:0], s.volumeHistory[over:]...)
	}
	s.session.Metrics.Audio.Volume = vol
	s.session.Metrics.Audio.Clarity = audio.Clarity(vol)

	speaking := vol > s.speakingThreshold
	if speaking == s.speaking {
		return
	}
	now := s.now()
	s.speaking = speaking
	s.events = append(s.events, speechEvent{at: now, speaking: speaking})
	if speaking {
		s.speakingSince = now
	} else {
		s.speakingTotal += now.Sub(s.speakingSince)
	}
}

func (s *Sampler) sampleVisual(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.session == nil || s.gen != gen {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.mu.Unlock()

	frame, err := stream.CaptureFrame()
	if err != nil {
		s.log.Debug("capture frame", zap.Error(err))
		return
	}
	detectCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	features, err := s.detector.Detect(detectCtx, frame)
	cancel()
	if err != nil {
		s.log.Debug("visual detect", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.gen != gen {
		return
	}
	s.visualSamples++
	s.eyeSum += features.EyeContact
	s.headSum += features.HeadMovement
	v := &s.session.Metrics.Video
	v.EyeContact = s.eyeSum / float64(s.visualSamples)
	v.HeadMovement = s.headSum / float64(s.visualSamples)
	if features.Posture != "" {
		v.Posture = features.Posture
	}
	if features.Gesture {
		v.GestureCount++
	}
	for _, e := range features.Expressions {
		e = strings.TrimSpace(strings.ToLower(e))
		if e == "" {
			continue
		}
		if _, seen := s.expressions[e]; !seen {
			s.expressions[e] = struct{}{}
			v.FacialExpressions = append(v.FacialExpressions, e)
		}
	}
}

// finalizeLocked is the single pass that turns raw samples into final scores.
func (s *Sampler) finalizeLocked(now time.Time) {
	m := &s.session.Metrics
	w := s.weights

	if s.speaking {
		s.speakingTotal += now.Sub(s.speakingSince)
		s.speaking = false
	}

	m.Audio.Volume = mean(s.volumeHistory)
	m.Audio.Clarity = audio.Clarity(m.Audio.Volume)
	speechStarts := 0
	pauses := 0
	for _, e := range s.events {
		if e.speaking {
			speechStarts++
		} else {
			pauses++
		}
	}
	m.Audio.PauseCount = pauses
	if elapsed := now.Sub(s.session.StartTime); elapsed > 0 {
		m.Audio.SpeechRate = float64(s.speakingTotal) / float64(elapsed) * 100
	}
	m.Audio.FillerWords = countFillers(m.Transcript)

	sort.Strings(m.Video.FacialExpressions)

	activity := math.Min(100, float64(speechStarts)*w.ActivityPerEvent)
	confidence := w.ConfidenceEyeContact*m.Video.EyeContact +
		w.ConfidenceVolume*m.Audio.Volume +
		w.ConfidenceClarity*m.Audio.Clarity
	confidence = clamp100(confidence)
	engagement := clamp100(w.EngagementEyeContact*m.Video.EyeContact + w.EngagementActivity*activity)

	m.Behavioral = BehavioralMetrics{
		ConfidenceLevel: confidence,
		Nervousness:     clamp100(100 - confidence + s.jitter()*w.NervousnessJitter),
		Engagement:      engagement,
		Professionalism: clamp100((confidence + engagement) / 2),
	}

	m.Audio.Volume = clamp100(m.Audio.Volume)
	m.Audio.Clarity = clamp100(m.Audio.Clarity)
	m.Audio.SpeechRate = clamp100(m.Audio.SpeechRate)
	m.Audio.PauseCount = int(clamp100(float64(m.Audio.PauseCount)))
	m.Audio.FillerWords = int(clamp100(float64(m.Audio.FillerWords)))
	m.Video.EyeContact = clamp100(m.Video.EyeContact)
	m.Video.HeadMovement = clamp100(m.Video.HeadMovement)
	m.Video.GestureCount = int(clamp100(float64(m.Video.GestureCount)))
}

func countFillers(lines []TranscriptLine) int {
	total := 0
	for _, l := range lines {
		words := splitWords(l.Text)
		for i := range words {
			for _, f := range fillerPhrases {
				parts := strings.Fields(f)
				if i+len(parts) > len(words) {
					continue
				}
				match := true
				for j, p := range parts {
					if words[i+j] != p {
						match = false
						break
					}
				}
				if match {
					total++
				}
			}
		}
	}
	return total
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func clamp100(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
