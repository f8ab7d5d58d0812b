// Package transport exposes the session-management HTTP surface and the
// per-session voice WebSocket channel (§6): binary PCM frames in, JSON
// control messages out. It wires inbound frames to a pipeline.Engine and
// implements pipeline.Outbound to deliver messages back to the client.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/voxturn/internal/bargein"
	"github.com/chadiek/voxturn/internal/llm"
	"github.com/chadiek/voxturn/internal/metrics"
	"github.com/chadiek/voxturn/internal/pipeline"
	"github.com/chadiek/voxturn/internal/router"
	"github.com/chadiek/voxturn/internal/session"
	"github.com/chadiek/voxturn/internal/store"
	"github.com/chadiek/voxturn/internal/transcript"
	"github.com/chadiek/voxturn/internal/tts"
	"github.com/chadiek/voxturn/internal/turntaking"
)

// Deps bundles everything the transport needs to build a pipeline.Engine per
// connection.
type Deps struct {
	Sessions      *session.Manager
	Store         *store.Store
	LLM           llm.Client
	TTS           tts.Synthesizer
	AssemblyAIKey string
	TurnTiming    turntaking.Config
	BargeIn       bargein.Config
	Thresholds    router.Thresholds
	MaxDuration   time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the session-management routes and the voice WebSocket onto an
// http.ServeMux, mirroring the teacher's plain-stdlib router.
type Server struct {
	deps Deps
}

// New builds a Server and mounts its routes on mux, including /metrics.
func New(mux *http.ServeMux, deps Deps) *Server {
	s := &Server{deps: deps}
	mux.HandleFunc("/session/create", s.handleCreate)
	mux.HandleFunc("/session/", s.handleSessionByID)
	mux.HandleFunc("/ws/voice/", s.handleVoiceWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	id, err := s.deps.Sessions.Create(r.Context(), req.UserID)
	if err != nil {
		slog.Error("failed to create session", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createResponse{SessionID: id})
}

// handleSessionByID serves GET /session/{id} and POST /session/{id}/close.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/session/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case action == "close" && r.Method == http.MethodPost:
		if err := s.deps.Sessions.Close(r.Context(), id); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "" && r.Method == http.MethodGet:
		data, err := s.deps.Sessions.Get(r.Context(), id)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if data == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// wsOutbound adapts a *websocket.Conn to pipeline.Outbound, serializing
// concurrent writers since gorilla's Conn forbids concurrent WriteMessage
// calls.
type wsOutbound struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsOutbound) Send(msg pipeline.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/voice/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil || data == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	out := &wsOutbound{conn: conn}
	engine := pipeline.New(pipeline.Config{
		SessionID:   id,
		TurnTiming:  s.deps.TurnTiming,
		Thresholds:  s.deps.Thresholds,
		BargeIn:     s.deps.BargeIn,
		ASR:         s.asrFunc(),
		LLM:         s.deps.LLM,
		TTS:         s.deps.TTS,
		Store:       s.deps.Store,
		Out:         out,
		MaxDuration: s.deps.MaxDuration,
	})
	engine.Start()
	defer engine.Close("connection_closed")

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			slog.Info("voice websocket closed", slog.String("session_id", id), slog.String("error", err.Error()))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		_, _ = s.deps.Sessions.Touch(r.Context(), id)
		engine.FeedPCM(payload)
	}
}

// asrFunc adapts the AssemblyAI batch transcription call to pipeline.ASRFunc.
func (s *Server) asrFunc() pipeline.ASRFunc {
	key := s.deps.AssemblyAIKey
	return func(ctx context.Context, pcm []byte, sampleRate int) (pipeline.ASRResult, error) {
		res, err := transcript.Transcribe(ctx, key, pcm, sampleRate)
		if err != nil {
			return pipeline.ASRResult{}, err
		}
		return pipeline.ASRResult{Text: res.Text, Confidence: res.Confidence, Language: res.Language}, nil
	}
}
