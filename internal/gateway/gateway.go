// Package gateway is the WebSocket front door spec.md §4.1 describes: it
// upgrades HTTP connections, authenticates the caller, and routes the
// first client message to a new session (start) or a reattached one
// (resume). Everything downstream of that routing decision belongs to
// session.Pipeline; this package's job ends once a Pipeline is handed a
// live Transport.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wstts/gateway/internal/audio"
	"github.com/wstts/gateway/internal/engine"
	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/protocol"
	"github.com/wstts/gateway/internal/registry"
	"github.com/wstts/gateway/internal/segmenter"
	"github.com/wstts/gateway/internal/session"
)

// MetricsRecorder is the gateway's view of the metrics package's
// instruments: connection-level counts, plus everything session.Metrics
// needs so the same value can be handed straight to PipelineConfig.
// Kept as a small interface here (rather than importing internal/metrics)
// so gateway has no compile-time dependency on how metrics are exported;
// a nil Recorder on ServerConfig falls back to a no-op implementation.
type MetricsRecorder interface {
	session.Metrics
	SessionStarted()
	SessionEnded()
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted() {}
func (noopMetrics) SessionEnded()   {}
func (noopMetrics) FirstAudioEmitted(string, time.Duration) {}
func (noopMetrics) ErrorOccurred(string, string)            {}
func (noopMetrics) BackpressureEngaged(string)              {}

// ServerConfig bundles everything Server needs that doesn't change per
// connection.
type ServerConfig struct {
	APIKeys []string
	// EngineKind is the raw WS_TTS_ENGINE configuration value, surfaced
	// verbatim on /healthz's "engine" field.
	EngineKind string
	// EngineResolvedKind is the engine kind actually constructed by
	// engine.Resolve (e.g. "dummy" when EngineKind was left empty and
	// Resolve fell back to the default), surfaced on /healthz's
	// "engine_resolved" field.
	EngineResolvedKind string
	Registry           *registry.Registry
	Engine             engine.Engine
	Metrics            MetricsRecorder
	MetricsHandler     http.Handler // mounted at /metrics if non-nil
	Log                *logx.Logger
	Hooks              session.TransitionHook // composed with the registry's own orphan bookkeeping
	StartedAt          time.Time

	QueueCapacity       int
	WriteTimeout        time.Duration
	BackpressureTimeout time.Duration
	IdleReadTimeout     time.Duration
	ChunkMaxBytesMillis int
	RetentionSize       int
	RetentionAge        time.Duration
	EngineSem           chan struct{}
}

// Server is the gateway's HTTP handler: /healthz plus the WebSocket
// upgrade endpoint. It holds no per-connection state itself — every
// session lives in Registry.
type Server struct {
	cfg      ServerConfig
	apiKeys  map[string]bool
	upgrader websocket.Upgrader
	log      *logx.Logger
}

// NewServer constructs a Server from cfg, filling in the session
// defaults a PipelineConfig needs.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Log == nil {
		cfg.Log = logx.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	return &Server{
		cfg:     cfg,
		apiKeys: keys,
		log:     cfg.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Mux returns an http.Handler routing /healthz and /ws, suitable for
// passing straight to http.ListenAndServe.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", s.cfg.MetricsHandler)
	}
	return mux
}

// authEnabled reports whether WS_TTS_API_KEYS configured any keys at
// all — an empty set disables auth entirely, per SPEC_FULL.md §4.1
// (development mode).
func (s *Server) authEnabled() bool {
	return len(s.apiKeys) > 0
}

// apiKeyFrom extracts the bearer token from either the Authorization
// header or the ?api_key= query parameter, per spec.md §4.1.
func apiKeyFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return r.URL.Query().Get("api_key")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	apiKey := apiKeyFrom(r)
	if s.authEnabled() && !s.apiKeys[apiKey] {
		http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	msgType, raw, err := readFirstMessage(conn)
	if err != nil {
		writeTerminalError(conn, 0, protocol.ErrProtocolError, err.Error())
		_ = conn.Close()
		return
	}

	switch msgType {
	case protocol.MsgStart:
		s.handleStart(r.Context(), conn, apiKey, raw)
	case protocol.MsgResume:
		s.handleResume(r.Context(), conn, raw)
	default:
		writeTerminalError(conn, 0, protocol.ErrProtocolError, "first message must be start or resume, got "+string(msgType))
		_ = conn.Close()
	}
}

func readFirstMessage(conn *websocket.Conn) (protocol.MessageType, []byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	return protocol.Unmarshal(data)
}

func (s *Server) handleStart(ctx context.Context, conn *websocket.Conn, apiKey string, raw []byte) {
	if err := s.cfg.Registry.Admit(apiKey); err != nil {
		writeTerminalError(conn, 0, protocol.ErrCapacityExhausted, err.Error())
		_ = conn.Close()
		return
	}

	payload, err := protocol.UnmarshalPayload[protocol.StartPayload](raw)
	if err != nil {
		writeTerminalError(conn, 0, protocol.ErrProtocolError, err.Error())
		_ = conn.Close()
		return
	}

	declared := audio.Spec{SampleRate: payload.SampleRate, Channels: payload.Channels, Codec: audio.Codec(payload.AudioFormat)}
	if err := declared.Validate(); err != nil {
		writeTerminalError(conn, 0, protocol.ErrProtocolError, err.Error())
		_ = conn.Close()
		return
	}

	native := s.cfg.Engine.NativeSpec()
	if err := declared.AgainstEngine(native.SampleRate); err != nil {
		writeTerminalError(conn, 0, protocol.ErrUnsupportedSampleRate, err.Error())
		_ = conn.Close()
		return
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	hook := session.ComposeHooks(s.registryHook(), s.cfg.Hooks)
	sess := session.New(sessionID, declared, declared, session.Config{
		RetentionSize: s.cfg.RetentionSize,
		RetentionAge:  s.cfg.RetentionAge,
	}, hook)

	if err := s.cfg.Registry.Create(sess, apiKey); err != nil {
		writeTerminalError(conn, 0, protocol.ErrProtocolError, err.Error())
		_ = conn.Close()
		return
	}

	ack, err := protocol.Marshal(protocol.MsgStartAck, protocol.StartAckPayload{
		SessionID:   sess.ID,
		AudioFormat: string(declared.Codec),
		SampleRate:  declared.SampleRate,
		Channels:    declared.Channels,
		Seq:         sess.NextServerSeq(),
	})
	if err != nil {
		s.log.Error("marshal start_ack failed", "error", err.Error())
		s.cfg.Registry.Remove(sess.ID)
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		s.cfg.Registry.Remove(sess.ID)
		_ = conn.Close()
		return
	}

	s.cfg.Metrics.SessionStarted()
	defer s.cfg.Metrics.SessionEnded()

	seg := segmenter.New(segmenter.DefaultConfig())
	pipeline := session.NewPipeline(sess, conn, s.cfg.Engine, seg, session.PipelineConfig{
		QueueCapacity:       s.cfg.QueueCapacity,
		WriteTimeout:        s.cfg.WriteTimeout,
		BackpressureTimeout: s.cfg.BackpressureTimeout,
		IdleReadTimeout:     s.cfg.IdleReadTimeout,
		ChunkMaxBytesMillis: s.cfg.ChunkMaxBytesMillis,
		EngineSem:           s.cfg.EngineSem,
		Metrics:             s.cfg.Metrics,
	})
	pipeline.Run(ctx)
}

func (s *Server) handleResume(ctx context.Context, conn *websocket.Conn, raw []byte) {
	payload, err := protocol.UnmarshalPayload[protocol.ResumePayload](raw)
	if err != nil {
		writeTerminalError(conn, 0, protocol.ErrProtocolError, err.Error())
		_ = conn.Close()
		return
	}

	sess, err := s.cfg.Registry.Adopt(payload.SessionID)
	if err != nil {
		writeTerminalError(conn, 0, protocol.ErrResumeNotAvailable, err.Error())
		_ = conn.Close()
		return
	}

	replayable, err := session.ReplayRetained(sess, conn, payload.LastUnitIndexReceived)
	if err != nil {
		s.cfg.Registry.Remove(sess.ID)
		_ = conn.Close()
		return
	}
	if !replayable {
		writeTerminalError(conn, 0, protocol.ErrResumeNotAvailable, "requested resume point has already been evicted from retention")
		_ = conn.Close()
		return
	}

	if err := sess.Transition(sess.ResumeState(), "resume"); err != nil {
		writeTerminalError(conn, 0, protocol.ErrResumeNotAvailable, err.Error())
		_ = conn.Close()
		return
	}

	s.cfg.Metrics.SessionStarted()
	defer s.cfg.Metrics.SessionEnded()

	prior := sess.Pipeline()
	var pipeline *session.Pipeline
	if prior != nil {
		pipeline = prior.Rebind(conn)
	} else {
		// Defensive fallback: every session created via handleStart binds
		// a Pipeline, so this only fires if Adopt somehow returned a
		// session this process never ran a Pipeline for.
		seg := segmenter.New(segmenter.DefaultConfig())
		pipeline = session.NewPipeline(sess, conn, s.cfg.Engine, seg, session.PipelineConfig{
			QueueCapacity:       s.cfg.QueueCapacity,
			WriteTimeout:        s.cfg.WriteTimeout,
			BackpressureTimeout: s.cfg.BackpressureTimeout,
			IdleReadTimeout:     s.cfg.IdleReadTimeout,
			ChunkMaxBytesMillis: s.cfg.ChunkMaxBytesMillis,
			EngineSem:           s.cfg.EngineSem,
		})
	}
	pipeline.Run(ctx)
}

// registryHook returns the TransitionHook that keeps Registry's orphan
// bookkeeping (orphanedAt) in sync with Session's own state machine.
func (s *Server) registryHook() session.TransitionHook {
	return func(sessionID string, from, to session.State, reason string) {
		switch to {
		case session.StateOrphan:
			_ = s.cfg.Registry.MarkOrphan(sessionID)
		case session.StateClosed:
			s.cfg.Registry.Remove(sessionID)
		}
	}
}

func writeTerminalError(conn *websocket.Conn, seq int64, kind protocol.ErrorKind, message string) {
	msg, err := protocol.Marshal(protocol.MsgError, protocol.ErrorPayload{Seq: seq, Kind: kind, Message: message})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, msg)
}
