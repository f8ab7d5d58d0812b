// Package pipeline wires C1-C5 (vad, turntaking, bargein, conversation,
// router) to the ASR/LLM/TTS adapters and the transport for one session. It
// is the "session actor" of the concurrency model: FeedPCM is the only entry
// point the transport's read loop calls, and every adapter call it triggers
// runs off that call's goroutine so inbound audio keeps draining and
// barge-in stays responsive while ASR/LLM/TTS are outstanding.
package pipeline

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/voxturn/internal/apperror"
	"github.com/chadiek/voxturn/internal/bargein"
	"github.com/chadiek/voxturn/internal/conversation"
	"github.com/chadiek/voxturn/internal/llm"
	"github.com/chadiek/voxturn/internal/metrics"
	"github.com/chadiek/voxturn/internal/router"
	"github.com/chadiek/voxturn/internal/store"
	"github.com/chadiek/voxturn/internal/tts"
	"github.com/chadiek/voxturn/internal/turntaking"
	"github.com/chadiek/voxturn/internal/vad"
)

// ASRResult is the batch ASR adapter's output, decoupled from any one
// provider's wire format.
type ASRResult struct {
	Text       string
	Confidence float64
	Language   string
}

// ASRFunc adapts a concrete transcription provider to the adapter contract.
type ASRFunc func(ctx context.Context, pcm []byte, sampleRate int) (ASRResult, error)

// Message is one outbound JSON control message (§6, Server -> Client).
type Message struct {
	Type              string  `json:"type"`
	Text              string  `json:"text,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	Audio             string  `json:"audio,omitempty"`
	ConversationState string  `json:"conversation_state,omitempty"`
	Code              string  `json:"code,omitempty"`
	Message           string  `json:"message,omitempty"`
}

// Outbound delivers Messages to the connected client.
type Outbound interface {
	Send(Message) error
}

// Config builds one session's Engine.
type Config struct {
	SessionID   string
	TurnTiming  turntaking.Config
	BargeIn     bargein.Config
	Thresholds  router.Thresholds
	ASR         ASRFunc
	LLM         llm.Client
	TTS         tts.Synthesizer
	Store       *store.Store
	Out         Outbound
	MaxDuration time.Duration
}

// Engine is the per-session actor. Exported methods are safe to call from
// the transport's read loop and from timers; the turn-handling goroutines it
// spawns internally coordinate through mu.
type Engine struct {
	sessionID string

	tt     *turntaking.Engine
	bg     *bargein.Detector
	conv   *conversation.Engine
	router *router.Router

	asr ASRFunc
	llm llm.Client
	tts tts.Synthesizer
	st  *store.Store
	out Outbound

	maxDuration time.Duration

	mu        sync.Mutex
	turnBusy  bool
	ttsCancel context.CancelFunc
	closed    bool
}

// New builds an Engine in the INIT state.
func New(cfg Config) *Engine {
	return &Engine{
		sessionID:   cfg.SessionID,
		tt:          turntaking.New(cfg.TurnTiming),
		bg:          bargein.New(cfg.BargeIn),
		conv:        conversation.New(conversation.DefaultLimits()),
		router:      router.New(cfg.Thresholds),
		asr:         cfg.ASR,
		llm:         cfg.LLM,
		tts:         cfg.TTS,
		st:          cfg.Store,
		out:         cfg.Out,
		maxDuration: cfg.MaxDuration,
	}
}

// Start moves the conversation engine through INIT -> GREETING -> LISTENING
// so the session is ready to accumulate audio as soon as the transport opens
// the channel.
func (e *Engine) Start() {
	e.conv.Advance()
	e.conv.Advance()
	metrics.SessionsActive.Inc()
}

// FeedPCM handles one inbound PCM chunk. A zero-length or odd-byte-count
// chunk is malformed (samples are 16-bit) and is logged and discarded
// without advancing either state machine, per the malformed-input policy.
func (e *Engine) FeedPCM(pcm []byte) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		slog.Warn("discarding malformed audio chunk", slog.String("session_id", e.sessionID), slog.Int("bytes", len(pcm)))
		return
	}

	now := time.Now()
	for off := 0; off+vad.FrameBytes <= len(pcm); off += vad.FrameBytes {
		if trig := e.bg.FeedFrame(pcm[off:off+vad.FrameBytes], now); trig != nil {
			e.handleBargeIn()
		}
	}

	e.mu.Lock()
	busy := e.turnBusy
	e.mu.Unlock()
	if busy {
		// An ASR/LLM/TTS call is outstanding for the previous turn; C1/C3
		// keep running above but nothing accumulates into a new buffer
		// until handleTurn returns and clears turnBusy.
		return
	}

	ev := e.tt.ProcessChunk(pcm)
	if ev == nil {
		return
	}

	switch ev.Type {
	case turntaking.Nudge:
		metrics.NudgesEmitted.Inc()
		e.handleSilence()
	case turntaking.Comfort:
		e.send(Message{Type: "comfort", Text: conversation.ComfortMessage()})
	case turntaking.ContinuationCue:
		e.send(Message{Type: "continuation_cue", Text: conversation.ContinuationCueMessage()})
	case turntaking.TurnEnd:
		e.mu.Lock()
		e.turnBusy = true
		e.mu.Unlock()
		e.tt.FinalizeTurn()
		go e.handleTurn(ev.Buffer)
	}
}

func (e *Engine) handleBargeIn() {
	e.mu.Lock()
	cancel := e.ttsCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.bg.SetSpeaking(false)
	metrics.BargeIns.Inc()
	e.send(Message{Type: "barge_in"})
}

// handleTurn runs the ASR -> router -> conversation -> LLM -> TTS chain for
// one finalized turn, entirely off FeedPCM's goroutine.
func (e *Engine) handleTurn(buf []byte) {
	defer func() {
		e.mu.Lock()
		e.turnBusy = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if e.st != nil {
		_, _ = e.st.TouchActivity(ctx, e.sessionID)
	}

	res, err := e.callASR(ctx, buf)
	if err != nil {
		e.recoverFromAdapterError(ctx, "asr", err)
		return
	}

	action, text := e.router.Route(res.Text, res.Confidence)
	metrics.TurnsCompleted.WithLabelValues(action.String()).Inc()

	switch action {
	case router.Reject, router.Clarify:
		e.handleClarify(ctx, res.Confidence)
		return
	}

	combined := e.conv.ConsumePendingPrefix(text)
	complete, _ := conversation.CheckLinguisticCompleteness(ctx, combined, nil)
	if !complete {
		e.conv.SetPendingPrefix(combined)
		e.tt.TurnEndIncomplete()
		return
	}

	e.conv.EnterProcessing(combined)
	e.persistConversationState(ctx)
	if e.st != nil {
		_ = e.st.AddToHistory(ctx, e.sessionID, "user", combined)
	}

	reply, err := e.callLLM(ctx, combined)
	if err != nil {
		e.recoverFromAdapterError(ctx, "llm", err)
		return
	}

	e.conv.EnterResponding()
	e.persistConversationState(ctx)

	ttsCtx, ttsCancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ttsCancel = ttsCancel
	e.mu.Unlock()
	e.bg.SetSpeaking(true)

	audioRes, err := e.callTTS(ttsCtx, reply)

	e.bg.SetSpeaking(false)
	e.mu.Lock()
	e.ttsCancel = nil
	e.mu.Unlock()
	ttsCancel()

	if err != nil {
		if ttsCtx.Err() != nil {
			// Barged in mid-synthesis: audio was already suppressed
			// client-side by the barge_in message, just close out the turn.
			state := e.conv.FinishResponding()
			e.persistConversationState(ctx)
			e.maybeClose(state)
			return
		}
		e.recoverFromAdapterError(ctx, "tts", err)
		return
	}

	if e.st != nil {
		_ = e.st.AddToHistory(ctx, e.sessionID, "assistant", reply)
	}

	state := e.conv.FinishResponding()
	e.persistConversationState(ctx)
	e.send(Message{
		Type:              "response",
		Text:              reply,
		Audio:             base64.StdEncoding.EncodeToString(audioRes.AudioBytes),
		ConversationState: state.String(),
	})
	e.maybeClose(state)
}

// handleSilence reacts to a NUDGE event from the turn-taking engine: the
// caller has said nothing at all since LISTENING began. Each call escalates
// the silence-prompt wording; exhausting the budget never force-closes the
// session (turntaking.Config.NudgeCap already stops further NUDGE events,
// and the session's idle timeout closes a call nobody is speaking on).
func (e *Engine) handleSilence() {
	e.conv.EnterSilencePrompt()
	e.persistConversationState(context.Background())
	e.send(Message{Type: "nudge", Text: e.conv.SilencePromptMessage()})
}

func (e *Engine) handleClarify(ctx context.Context, confidence float64) {
	state := e.conv.EnterClarifying()
	e.persistConversationState(ctx)
	if state == conversation.Error {
		e.send(Message{Type: "response", Text: conversation.ErrorMessage(), ConversationState: state.String()})
		e.Close("clarification_exhausted")
		return
	}
	e.send(Message{Type: "response", Text: router.ClarificationPrompt(confidence), ConversationState: state.String()})
}

func (e *Engine) maybeClose(state conversation.State) {
	if state == conversation.End {
		e.Close("max_turns")
	}
}

// recoverFromAdapterError implements the transient-failure policy of §7: the
// caller has already retried once inside callASR/callLLM/callTTS, so a
// second failure here is surfaced to the client as a non-fatal error and the
// turn is abandoned back to LISTENING. A Fatal-classified error (e.g. a
// missing credential) instead escalates the session to ERROR and closes it.
func (e *Engine) recoverFromAdapterError(ctx context.Context, adapter string, err error) {
	slog.Warn("adapter call failed", slog.String("session_id", e.sessionID), slog.String("adapter", adapter), slog.String("error", err.Error()))
	e.tt.FinalizeTurn()

	if apperror.ClassOf(err) == apperror.Fatal {
		e.conv.EnterError()
		e.persistConversationState(ctx)
		e.send(Message{Type: "error", Code: "adapter_fatal", Message: "something went wrong, ending the call"})
		e.Close("adapter_fatal")
		return
	}

	e.send(Message{Type: "response", Text: "Sorry, I had trouble with that. Could you say it again?", ConversationState: e.conv.State().String()})
}

func (e *Engine) callASR(ctx context.Context, buf []byte) (ASRResult, error) {
	var res ASRResult
	err := withRetry("asr", func() error {
		var callErr error
		res, callErr = e.asr(ctx, buf, vad.SampleRate)
		return callErr
	})
	return res, err
}

func (e *Engine) callLLM(ctx context.Context, combined string) (string, error) {
	messages := e.buildMessages(ctx, combined)
	var reply string
	err := withRetry("llm", func() error {
		var callErr error
		reply, callErr = e.llm.Reply(ctx, messages)
		return callErr
	})
	return strings.TrimSpace(reply), err
}

func (e *Engine) callTTS(ctx context.Context, text string) (tts.Result, error) {
	var res tts.Result
	err := withRetry("tts", func() error {
		var callErr error
		res, callErr = e.tts.Synthesize(ctx, text)
		return callErr
	})
	return res, err
}

// buildMessages assembles the ordered history plus the latest user turn for
// the LLM adapter; history filtering (dropping any non-conforming keys) is
// automatic since store.HistoryEntry only carries role/content/timestamp.
func (e *Engine) buildMessages(ctx context.Context, combined string) []llm.Message {
	var messages []llm.Message
	if e.st != nil {
		history, err := e.st.GetHistory(ctx, e.sessionID, 20)
		if err != nil {
			slog.Warn("failed to load conversation history", slog.String("session_id", e.sessionID), slog.String("error", err.Error()))
		}
		for _, h := range history {
			messages = append(messages, llm.Message{Role: h.Role, Content: h.Content})
		}
	}
	return append(messages, llm.Message{Role: "user", Content: combined})
}

// withRetry calls fn once, retries once more if the failure is classified
// Transient, and records adapter latency/error metrics around each attempt.
func withRetry(adapter string, fn func() error) error {
	err := timeCall(adapter, fn)
	if err != nil && apperror.IsTransient(err) {
		err = timeCall(adapter, fn)
	}
	if err != nil {
		metrics.AdapterErrors.WithLabelValues(adapter, apperror.ClassOf(err).String()).Inc()
	}
	return err
}

func timeCall(adapter string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.AdapterLatency.WithLabelValues(adapter).Observe(time.Since(start).Seconds())
	return err
}

func (e *Engine) persistConversationState(ctx context.Context) {
	if e.st == nil {
		return
	}
	data := store.ConversationData{
		State:              e.conv.State().String(),
		TurnCount:          e.conv.TurnCount(),
		ClarificationCount: e.conv.ClarificationCount(),
		SilencePrompts:     e.conv.SilencePrompts(),
	}
	if err := e.st.SaveConversationState(ctx, e.sessionID, data, e.maxDuration+60*time.Second); err != nil {
		slog.Warn("failed to persist conversation state", slog.String("session_id", e.sessionID), slog.String("error", err.Error()))
	}
}

func (e *Engine) send(msg Message) {
	if e.out == nil {
		return
	}
	if err := e.out.Send(msg); err != nil {
		slog.Warn("failed to deliver outbound message", slog.String("session_id", e.sessionID), slog.String("type", msg.Type), slog.String("error", err.Error()))
	}
}

// Close finalizes the session actor: it logs the full (role, content)
// history for operator visibility and marks the session closed in the
// store. It is idempotent.
func (e *Engine) Close(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.WithLabelValues(reason).Inc()

	if e.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	history, err := e.st.GetHistory(ctx, e.sessionID, 50)
	if err == nil {
		slog.Info("call transcript", slog.String("session_id", e.sessionID), slog.String("reason", reason), slog.Int("turns", len(history)))
		for i, h := range history {
			slog.Info("call transcript turn", slog.String("session_id", e.sessionID), slog.Int("turn", i+1), slog.String("role", strings.ToUpper(h.Role)), slog.String("text", h.Content))
		}
	}
	if err := e.st.CloseSession(ctx, e.sessionID); err != nil {
		slog.Warn("failed to close session in store", slog.String("session_id", e.sessionID), slog.String("error", err.Error()))
	}
}
