package app

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/capture"
	"github.com/ent0n29/mockpanel/internal/config"
	"github.com/ent0n29/mockpanel/internal/kvstore"
	"github.com/ent0n29/mockpanel/internal/observability"
	"github.com/ent0n29/mockpanel/internal/panel"
	"github.com/ent0n29/mockpanel/internal/protocol"
	"github.com/ent0n29/mockpanel/internal/session"
	"github.com/ent0n29/mockpanel/internal/speech"
	"github.com/ent0n29/mockpanel/internal/transcript"
)

// Runtimes builds the component graph behind one panel session.
type Runtimes struct {
	cfg      config.Config
	catalog  *panel.Catalog
	store    kvstore.Store
	sessions *session.Manager
	log      *zap.Logger
	metrics  *observability.Metrics
	seed     func() uint64
}

func NewRuntimes(cfg config.Config, catalog *panel.Catalog, store kvstore.Store, sessions *session.Manager, logger *zap.Logger, metrics *observability.Metrics) *Runtimes {
	return &Runtimes{
		cfg:      cfg,
		catalog:  catalog,
		store:    store,
		sessions: sessions,
		log:      observability.OrNop(logger),
		metrics:  metrics,
		seed:     func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

func (f *Runtimes) Mode() string {
	mode := strings.ToLower(strings.TrimSpace(f.cfg.CollaboratorMode))
	if mode == "" {
		return config.ModeMock
	}
	return mode
}

// NewRuntime wires capture, speech, transcript and panel for sessionID.
// Nothing is started; the panel starts capture and speech itself.
func (f *Runtimes) NewRuntime(sessionID, candidateName string) (*session.Runtime, error) {
	log := f.log.With(zap.String("session_id", sessionID))
	collab, err := resolveCollaborators(f.cfg, sessionID, log)
	if err != nil {
		return nil, err
	}

	events := session.NewBroadcaster()
	agg := transcript.NewAggregator(transcript.Options{
		MaxEntries:    f.cfg.TranscriptMaxEntries,
		Debounce:      f.cfg.TranscriptDebounce,
		CandidateName: candidateName,
	})
	agg.Subscribe(func(u transcript.Update) {
		events.Publish(transcriptMessage(sessionID, u))
	})

	seed := f.seed()
	sampler := capture.NewSampler(capture.Options{
		Device:            collab.device,
		Descriptor:        collab.descriptor,
		Detector:          capture.NewRandomDetector(seed),
		AudioInterval:     f.cfg.CaptureAudioInterval,
		VisualInterval:    f.cfg.CaptureVisualInterval,
		SpeakingThreshold: f.cfg.CaptureSpeakingThreshold,
		Jitter:            capture.RandomJitter(seed + 1),
		Logger:            log,
		Metrics:           f.metrics,
	})

	listener := speech.NewManager(speech.Options{
		Recognizer:     collab.recognizer,
		Permission:     collab.permission,
		Descriptor:     collab.descriptor,
		Language:       f.cfg.SpeechLanguage,
		MaxRetries:     f.cfg.SpeechMaxRetries,
		RetryBaseDelay: f.cfg.SpeechRetryBaseDelay,
		RetryMaxDelay:  f.cfg.SpeechRetryMaxDelay,
		RestartDelay:   f.cfg.SpeechRestartDelay,
		OnFinal: []func(string, float64){
			func(text string, confidence float64) { agg.AddCandidateSpeech(text, confidence) },
			sampler.AddTranscriptEntry,
		},
		OnInterim: agg.SetInterim,
		OnState: func(state speech.State) {
			events.Publish(protocol.SpeechState{Type: protocol.TypeSpeechState, SessionID: sessionID, State: string(state)})
		},
		OnError: func(err *speech.Error) {
			events.Publish(speechErrorMessage(sessionID, err))
		},
		Logger:  log,
		Metrics: f.metrics,
	})

	orchestrator, err := panel.NewOrchestrator(panel.Options{
		Catalog:        f.catalog,
		QuestionTarget: f.cfg.QuestionTarget,
		RosterSize:     f.cfg.RosterSize,
		Diversity:      panel.VoiceGender(f.cfg.DiversityGender),
		SpeakDelay:     panelDelay(f.cfg.SpeakDelay),
		ResumeDelay:    panelDelay(f.cfg.ResumeDelay),
		HistoryLimit:   f.cfg.HistoryLimit,
		Capture:        sampler,
		Listener:       listener,
		Synthesizer:    collab.synth,
		Descriptor:     collab.descriptor,
		Transcript:     agg,
		History:        f.store,
		Rand:           rand.New(rand.NewPCG(seed, seed>>7)),
		OnEvent: func(evt panel.Event) {
			f.track(sessionID, evt)
			events.Publish(questionMessage(sessionID, evt))
		},
		Logger:  log,
		Metrics: f.metrics,
	})
	if err != nil {
		agg.Close()
		return nil, fmt.Errorf("panel init failed: %w", err)
	}

	log.Debug("session runtime built", zap.String("collaborators", collab.detail))
	return &session.Runtime{
		Panel:      orchestrator,
		Speech:     listener,
		Capture:    sampler,
		Transcript: agg,
		Bridge:     collab.bridge,
		Events:     events,
	}, nil
}

func (f *Runtimes) track(sessionID string, evt panel.Event) {
	switch evt.Type {
	case panel.EventQuestionAsked:
		if evt.Turn != nil {
			_ = f.sessions.RecordAsk(sessionID, evt.Turn.Number)
		}
	case panel.EventResponseRecorded:
		_ = f.sessions.RecordAnswer(sessionID)
	}
}

// panelDelay maps a configured zero ("no delay") onto the orchestrator's
// negative sentinel; the orchestrator treats zero as "use the default".
func panelDelay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func transcriptMessage(sessionID string, u transcript.Update) protocol.TranscriptUpdate {
	entries := make([]protocol.TranscriptEntry, 0, len(u.Entries))
	for _, e := range u.Entries {
		entries = append(entries, protocol.TranscriptEntry{
			ID:          e.ID,
			Text:        e.Text,
			TSMs:        e.Timestamp.UnixMilli(),
			Speaker:     string(e.Speaker),
			SpeakerName: e.SpeakerName,
			Confidence:  e.Confidence,
		})
	}
	return protocol.TranscriptUpdate{
		Type:      protocol.TypeTranscriptUpdate,
		SessionID: sessionID,
		Entries:   entries,
		Interim:   u.Interim,
	}
}

func questionMessage(sessionID string, evt panel.Event) protocol.QuestionEvent {
	msg := protocol.QuestionEvent{
		Type:      protocol.TypeQuestionEvent,
		SessionID: sessionID,
		Event:     string(evt.Type),
	}
	if evt.Turn != nil {
		msg.Number = evt.Turn.Number
		if q := evt.Turn.Question; q != nil {
			msg.QuestionID = q.ID
			msg.Text = q.Text
			msg.Category = q.Category
		}
		if iv := evt.Turn.Interviewer; iv != nil {
			msg.InterviewerID = iv.ID
			msg.Interviewer = iv.Name
		}
	}
	if r := evt.Response; r != nil {
		msg.QuestionID = r.QuestionID
		msg.InterviewerID = r.InterviewerID
		msg.Text = r.ResponseText
	}
	if evt.Err != nil {
		msg.Detail = evt.Err.Error()
	}
	return msg
}

func speechErrorMessage(sessionID string, err *speech.Error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "speech_" + string(err.Class),
		Source:    "speech",
		Retryable: err.Recoverable,
		Detail:    err.Error(),
	}
}
