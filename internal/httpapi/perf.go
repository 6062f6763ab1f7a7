package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/mockpanel/internal/observability"
)

// handlePerfLatency reports the rolling turn-stage window (question delivery,
// response durations, speech restart gaps).
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	if snap.GeneratedAt.IsZero() {
		snap.GeneratedAt = time.Now().UTC()
	}
	if snap.Stages == nil {
		snap.Stages = []observability.StageStats{}
	}
	respondJSON(w, http.StatusOK, snap)
}
