package capture

import (
	"context"
	"time"

	"github.com/ent0n29/mockpanel/internal/capability"
)

type AudioMetrics struct {
	Volume      float64 `json:"volume"`
	Clarity     float64 `json:"clarity"`
	SpeechRate  float64 `json:"speech_rate"`
	PauseCount  int     `json:"pause_count"`
	FillerWords int     `json:"filler_words"`
}

type VideoMetrics struct {
	EyeContact        float64  `json:"eye_contact"`
	HeadMovement      float64  `json:"head_movement"`
	FacialExpressions []string `json:"facial_expressions"`
	Posture           string   `json:"posture"`
	GestureCount      int      `json:"gesture_count"`
}

type BehavioralMetrics struct {
	ConfidenceLevel float64 `json:"confidence_level"`
	Nervousness     float64 `json:"nervousness"`
	Engagement      float64 `json:"engagement"`
	Professionalism float64 `json:"professionalism"`
}

type TranscriptLine struct {
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Snapshot is the metrics record of one capture session.
type Snapshot struct {
	Audio      AudioMetrics      `json:"audio"`
	Video      VideoMetrics      `json:"video"`
	Behavioral BehavioralMetrics `json:"behavioral"`
	Transcript []TranscriptLine  `json:"transcript"`
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Video.FacialExpressions = append([]string(nil), s.Video.FacialExpressions...)
	c.Transcript = append([]TranscriptLine(nil), s.Transcript...)
	return c
}

// Session is one capture window. It is read-only once EndTime is set.
type Session struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
	Metrics        Snapshot  `json:"metrics"`
	MediaArtifacts []string  `json:"media_artifacts,omitempty"`
}

// VisualFeatures is what a detector extracts from one frame.
type VisualFeatures struct {
	EyeContact   float64
	HeadMovement float64
	Posture      string
	Expressions  []string
	Gesture      bool
}

// VisualFeatureDetector turns captured frames into visual features.
type VisualFeatureDetector interface {
	Detect(ctx context.Context, frame capability.Frame) (VisualFeatures, error)
}

// Weights are the tunable coefficients of the behavioural composites.
type Weights struct {
	ConfidenceEyeContact float64
	ConfidenceVolume     float64
	ConfidenceClarity    float64
	EngagementEyeContact float64
	EngagementActivity   float64
	// ActivityPerEvent converts one speaking transition into activity points.
	ActivityPerEvent float64
	// NervousnessJitter bounds the +/- jitter added to nervousness.
	NervousnessJitter float64
}

func DefaultWeights() Weights {
	return Weights{
		ConfidenceEyeContact: 0.4,
		ConfidenceVolume:     0.3,
		ConfidenceClarity:    0.3,
		EngagementEyeContact: 0.6,
		EngagementActivity:   0.4,
		ActivityPerEvent:     5,
		NervousnessJitter:    5,
	}
}
