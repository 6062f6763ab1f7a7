package session

import (
	"context"
	"errors"

	"github.com/ent0n29/mockpanel/internal/bridge"
	"github.com/ent0n29/mockpanel/internal/capture"
	"github.com/ent0n29/mockpanel/internal/panel"
	"github.com/ent0n29/mockpanel/internal/reliability"
	"github.com/ent0n29/mockpanel/internal/speech"
	"github.com/ent0n29/mockpanel/internal/transcript"
)

// Runtime bundles the components that serve one panel session.
type Runtime struct {
	Panel      *panel.Orchestrator
	Speech     *speech.Manager
	Capture    *capture.Sampler
	Transcript *transcript.Aggregator
	// Bridge is set when a browser provides the collaborators.
	Bridge *bridge.Bridge
	Events *Broadcaster
}

// Close ends the panel if it is still running and releases every component.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var err error
	if r.Panel != nil {
		if _, endErr := r.Panel.EndSession(ctx); endErr != nil && !errors.Is(endErr, reliability.ErrNoActiveSession) {
			err = endErr
		}
	}
	if r.Speech != nil {
		r.Speech.Stop()
	}
	if r.Capture != nil {
		r.Capture.Stop()
	}
	if r.Transcript != nil {
		r.Transcript.Close()
	}
	if r.Bridge != nil {
		r.Bridge.Detach()
	}
	return err
}
