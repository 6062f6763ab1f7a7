package app

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/bridge"
	"github.com/ent0n29/mockpanel/internal/capability"
	"github.com/ent0n29/mockpanel/internal/config"
)

// simulatedAnswers is what the mock recognizer "hears" after each restart.
var simulatedAnswers = []string{
	"I think the key was aligning the team early on the goals.",
	"We measured the impact and iterated on the rollout plan.",
}

type collaborators struct {
	device     capability.CaptureDevice
	permission capability.Permission
	recognizer capability.Recognizer
	synth      capability.Synthesizer
	descriptor capability.Descriptor
	bridge     *bridge.Bridge
	detail     string
}

func resolveCollaborators(cfg config.Config, sessionID string, logger *zap.Logger) (collaborators, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.CollaboratorMode))
	switch mode {
	case "", config.ModeMock:
		rec := capability.NewMockRecognizer()
		rec.Script = simulatedAnswers
		rec.Interval = 3 * time.Second
		synth := capability.NewMockSynthesizer()
		synth.Latency = 1200 * time.Millisecond
		return collaborators{
			device:     capability.NewMockDevice(),
			permission: capability.MockPermission{},
			recognizer: rec,
			synth:      synth,
			descriptor: capability.Full(),
			detail:     "simulated devices",
		}, nil
	case config.ModeBridge:
		b := bridge.New(bridge.Options{
			SessionID:    sessionID,
			Language:     cfg.SpeechLanguage,
			RecordingDir: cfg.CaptureRecordingDir,
			Logger:       logger,
		})
		return collaborators{
			device:     b,
			permission: b,
			recognizer: b,
			synth:      b,
			descriptor: capability.Full(),
			bridge:     b,
			detail:     "browser bridge",
		}, nil
	default:
		return collaborators{}, fmt.Errorf("unsupported collaborator mode %q", cfg.CollaboratorMode)
	}
}
