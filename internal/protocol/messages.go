package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioLevels MessageType = "client_audio_levels"
	TypeClientAudioChunk  MessageType = "client_audio_chunk"
	TypeClientRecognition MessageType = "client_recognition"
	TypeClientSpeechDone  MessageType = "client_speech_done"
	TypeClientControl     MessageType = "client_control"

	TypeTranscriptUpdate MessageType = "transcript_update"
	TypeQuestionEvent    MessageType = "question_event"
	TypeSpeakRequest     MessageType = "speak_request"
	TypeSpeechState      MessageType = "speech_state"
	TypeBridgeCommand    MessageType = "bridge_command"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionAsk         = "ask"
	ActionSubmit      = "submit"
	ActionEnd         = "end"
	ActionRetrySpeech = "retry_speech"
	ActionPermission  = "permission"
	ActionCapture     = "capture"
)

// Bridge command actions sent to a browser acting as the capture collaborators.
const (
	CommandPermissionRequest = "permission_request"
	CommandCaptureAcquire    = "capture_acquire"
	CommandCaptureRelease    = "capture_release"
	CommandRecognitionStart  = "recognition_start"
	CommandRecognitionStop   = "recognition_stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioLevels carries one analyser frame of byte frequency data.
type ClientAudioLevels struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	BinsBase64 string      `json:"bins_base64"`
	TSMs       int64       `json:"ts_ms"`
}

func (m ClientAudioLevels) Bins() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.BinsBase64)
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

func (m ClientAudioChunk) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.PCM16Base64)
}

type RecognitionResult struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// ClientRecognition relays one browser speech-recognition event.
type ClientRecognition struct {
	Type        MessageType         `json:"type"`
	SessionID   string              `json:"session_id"`
	Event       string              `json:"event"`
	ResultIndex int                 `json:"result_index"`
	Results     []RecognitionResult `json:"results,omitempty"`
	Code        string              `json:"code,omitempty"`
	Detail      string              `json:"detail,omitempty"`
}

type ClientSpeechDone struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Error     string      `json:"error,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Text      string      `json:"text,omitempty"`
	Granted   *bool       `json:"granted,omitempty"`
}

type TranscriptEntry struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	TSMs        int64   `json:"ts_ms"`
	Speaker     string  `json:"speaker"`
	SpeakerName string  `json:"speaker_name"`
	Confidence  float64 `json:"confidence"`
}

type TranscriptUpdate struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Entries   []TranscriptEntry `json:"entries"`
	Interim   string            `json:"interim"`
}

type QuestionEvent struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Event         string      `json:"event"`
	Number        int         `json:"number,omitempty"`
	QuestionID    string      `json:"question_id,omitempty"`
	Text          string      `json:"text,omitempty"`
	Category      string      `json:"category,omitempty"`
	InterviewerID string      `json:"interviewer_id,omitempty"`
	Interviewer   string      `json:"interviewer,omitempty"`
	Detail        string      `json:"detail,omitempty"`
}

type Voice struct {
	Name   string  `json:"name"`
	Gender string  `json:"gender"`
	Lang   string  `json:"lang"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
}

type SpeakRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Text      string      `json:"text"`
	Voice     Voice       `json:"voice"`
}

type SpeechState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
}

type BridgeCommand struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Language  string      `json:"language,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

var recognitionEvents = map[string]bool{"start": true, "result": true, "error": true, "end": true}

var controlActions = map[string]bool{
	ActionAsk:         true,
	ActionSubmit:      true,
	ActionEnd:         true,
	ActionRetrySpeech: true,
	ActionPermission:  true,
	ActionCapture:     true,
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioLevels:
		var msg ClientAudioLevels
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.BinsBase64 == "" {
			return nil, errors.New("invalid client_audio_levels")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientRecognition:
		var msg ClientRecognition
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Event = strings.ToLower(strings.TrimSpace(msg.Event))
		if msg.SessionID == "" || !recognitionEvents[msg.Event] {
			return nil, errors.New("invalid client_recognition")
		}
		return msg, nil
	case TypeClientSpeechDone:
		var msg ClientSpeechDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RequestID == "" {
			return nil, errors.New("invalid client_speech_done")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !controlActions[msg.Action] {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
