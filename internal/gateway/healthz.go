package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wstts/gateway/internal/audio"
)

// healthzResponse is the exact shape spec.md §6 names for GET /healthz.
// "engine" is the raw WS_TTS_ENGINE configuration value; "engine_resolved"
// is the engine kind actually constructed (e.g. when WS_TTS_ENGINE is left
// empty, engine.Resolve falls back to "dummy" — engine_resolved reports
// that fallback, engine reports the empty configured value).
type healthzResponse struct {
	Status          string  `json:"status"`
	Engine          string  `json:"engine"`
	EngineResolved  string  `json:"engine_resolved"`
	ModelSampleRate int     `json:"model_sample_rate,omitempty"`
	UptimeSeconds   float64 `json:"uptime_s"`
	SessionsActive  int     `json:"sessions_active"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var native audio.Spec
	hasEngine := s.cfg.Engine != nil
	if hasEngine {
		native = s.cfg.Engine.NativeSpec()
	}

	resolvedKind := s.cfg.EngineResolvedKind
	if resolvedKind == "" {
		resolvedKind = "unknown"
	}

	resp := healthzResponse{
		Status:         "ok",
		Engine:         s.cfg.EngineKind,
		EngineResolved: resolvedKind,
		UptimeSeconds:  time.Since(s.cfg.StartedAt).Seconds(),
		SessionsActive: s.cfg.Registry.Len(),
	}
	if hasEngine {
		resp.ModelSampleRate = native.SampleRate
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
