package panel

import (
	"errors"
	"time"

	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/capture"
)

var (
	ErrSessionActive         = errors.New("panel session already active")
	ErrSessionCompleted      = errors.New("panel session already completed")
	ErrNoPendingQuestion     = errors.New("no question is awaiting a response")
	ErrInsufficientQuestions = errors.New("question pool smaller than target")
	ErrEmptyRoster           = errors.New("interviewer pool is empty")
)

type Interviewer struct {
	ID          string                  `json:"id" yaml:"id"`
	Name        string                  `json:"name" yaml:"name"`
	Role        string                  `json:"role" yaml:"role"`
	Voice       capability.VoiceProfile `json:"voice" yaml:"voice"`
	Specialties []string                `json:"specialties" yaml:"specialties"`
	Background  string                  `json:"background" yaml:"background"`
}

type Question struct {
	ID               string `json:"id" yaml:"id"`
	Text             string `json:"text" yaml:"text"`
	Category         string `json:"category" yaml:"category"`
	ExpectedDuration int    `json:"expected_duration_seconds" yaml:"expected_seconds"`
}

// Response is one answered question. Metrics is a copy of the live capture
// metrics at submission time, zero when capture was unavailable.
type Response struct {
	QuestionID    string           `json:"question_id"`
	InterviewerID string           `json:"interviewer_id"`
	ResponseText  string           `json:"response_text"`
	Timestamp     time.Time        `json:"timestamp"`
	Duration      time.Duration    `json:"duration"`
	Metrics       capture.Snapshot `json:"metrics"`
}

// Turn is the result of AskNextQuestion.
type Turn struct {
	Number      int          `json:"number,omitempty"`
	Question    *Question    `json:"question,omitempty"`
	Interviewer *Interviewer `json:"interviewer,omitempty"`
	IsComplete  bool         `json:"is_complete"`
	AskedAt     time.Time    `json:"asked_at,omitempty"`
}

// Session is a read-only snapshot of a panel run.
type Session struct {
	ID                  string           `json:"id"`
	Roster              []Interviewer    `json:"roster"`
	Questions           []Question       `json:"questions"`
	CurrentIndex        int              `json:"current_index"`
	CurrentSpeakerIndex int              `json:"current_speaker_index"`
	Responses           []Response       `json:"responses"`
	IsActive            bool             `json:"is_active"`
	AwaitingResponse    bool             `json:"awaiting_response"`
	MetricsAvailable    bool             `json:"metrics_available"`
	StartedAt           time.Time        `json:"started_at"`
	EndedAt             time.Time        `json:"ended_at,omitempty"`
	Capture             *capture.Session `json:"capture,omitempty"`
}

func (s Session) clone() Session {
	c := s
	c.Roster = append([]Interviewer(nil), s.Roster...)
	c.Questions = append([]Question(nil), s.Questions...)
	c.Responses = append([]Response(nil), s.Responses...)
	if s.Capture != nil {
		captured := *s.Capture
		c.Capture = &captured
	}
	return c
}

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventQuestionAsked    EventType = "question_asked"
	EventSpeakingStarted  EventType = "speaking_started"
	EventSpeakingFinished EventType = "speaking_finished"
	EventSpeakingFailed   EventType = "speaking_failed"
	EventResponseRecorded EventType = "response_recorded"
	EventSessionEnded     EventType = "session_ended"
)

// Event notifies observers about orchestrator progress.
type Event struct {
	Type      EventType
	SessionID string
	Turn      *Turn
	Response  *Response
	Err       error
}
