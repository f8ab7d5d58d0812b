// Package turntaking implements the turn-taking state machine (C2): it
// consumes PCM chunks and VAD probabilities and emits TURN_END,
// CONTINUATION_CUE, NUDGE and COMFORT events according to the silence-grace
// and confirmation-window timing model.
package turntaking

import (
	"github.com/chadiek/voxturn/internal/vad"
)

// State is one of the four turn-taking states.
type State int

const (
	Idle State = iota
	Listening
	CandidateEnd
	WaitingIncomplete
)

func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case CandidateEnd:
		return "CANDIDATE_END"
	case WaitingIncomplete:
		return "WAITING_INCOMPLETE"
	default:
		return "IDLE"
	}
}

// EventType enumerates the events the engine can emit.
type EventType int

const (
	TurnEnd EventType = iota
	ContinuationCue
	Nudge
	Comfort
)

func (e EventType) String() string {
	switch e {
	case TurnEnd:
		return "TURN_END"
	case ContinuationCue:
		return "CONTINUATION_CUE"
	case Nudge:
		return "NUDGE"
	case Comfort:
		return "COMFORT"
	default:
		return "UNKNOWN"
	}
}

// Event is emitted by ProcessChunk. Buffer is populated only for TurnEnd.
type Event struct {
	Type   EventType
	Buffer []byte
}

// Config carries the per-session timing thresholds, in milliseconds. Chunks
// fed to ProcessChunk may be any multiple of 20ms (spec §6); the engine
// tracks elapsed time from each chunk's actual PCM length rather than
// assuming a fixed chunk duration, so splitting one chunk into several
// smaller ones produces the same state trajectory as feeding it whole.
type Config struct {
	CandidateEndMs   int
	FinalEndMs       int
	MinSpeechMs      int
	NudgeMs          int
	IncompleteWaitMs int
	ComfortWaitMs    int

	// NudgeCap bounds how many NUDGE events IDLE emits before going silent
	// and relying on the session's idle timeout to close things out.
	NudgeCap int

	SampleRate int
}

// Engine is the per-session turn-taking state machine. It is not safe for
// concurrent use; callers serialize access through the session actor.
type Engine struct {
	cfg Config

	state  State
	buffer []byte

	// Accumulated milliseconds, derived from each processed chunk's actual
	// PCM length rather than a chunk count, so the elapsed time a threshold
	// compares against does not depend on how the caller splits its audio.
	silenceMs     int
	speechMs      int
	idleSilenceMs int
	nudgesSent    int
}

// New builds an Engine from cfg, defaulting SampleRate and NudgeCap.
func New(cfg Config) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = vad.SampleRate
	}
	if cfg.NudgeCap <= 0 {
		cfg.NudgeCap = 3
	}

	return &Engine{cfg: cfg, state: Idle}
}

// durationMs returns how many milliseconds of 16-bit mono PCM at
// cfg.SampleRate the given buffer represents.
func (e *Engine) durationMs(pcm []byte) int {
	samples := len(pcm) / 2
	return samples * 1000 / e.cfg.SampleRate
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// ProcessChunk feeds one PCM chunk through the state machine, returning an
// Event if the chunk causes a transition the caller must act on.
func (e *Engine) ProcessChunk(pcm []byte) *Event {
	if len(pcm) == 0 {
		return nil
	}

	if len(pcm) < vad.FrameBytes {
		if e.state == Listening || e.state == CandidateEnd {
			e.buffer = append(e.buffer, pcm...)
		}
		return nil
	}

	verdict := vad.Classify(vad.Probability(pcm, e.cfg.SampleRate))
	ms := e.durationMs(pcm)

	switch e.state {
	case Idle:
		return e.processIdle(pcm, verdict, ms)
	case Listening:
		return e.processListening(pcm, verdict, ms)
	case CandidateEnd:
		return e.processCandidateEnd(pcm, verdict, ms)
	case WaitingIncomplete:
		return e.processWaitingIncomplete(pcm, verdict, ms)
	}
	return nil
}

// isVoice reports whether verdict counts as speech for state-transition
// purposes, in IDLE and everywhere else alike (§4.1/§4.2): Voice and
// Uncertain do, WeakSignal does not — a weak signal is treated as silence in
// LISTENING/CANDIDATE_END/WAITING_INCOMPLETE and as non-triggering in IDLE.
func isVoice(verdict vad.Verdict) bool {
	return verdict == vad.Voice || verdict == vad.Uncertain
}

func (e *Engine) processIdle(pcm []byte, verdict vad.Verdict, ms int) *Event {
	if isVoice(verdict) {
		e.state = Listening
		e.buffer = append([]byte(nil), pcm...)
		e.speechMs = ms
		e.silenceMs = 0
		e.idleSilenceMs = 0
		return nil
	}

	e.idleSilenceMs += ms
	if e.idleSilenceMs >= e.cfg.NudgeMs {
		e.idleSilenceMs = 0
		if e.nudgesSent >= e.cfg.NudgeCap {
			return nil
		}
		e.nudgesSent++
		return &Event{Type: Nudge}
	}
	return nil
}

func (e *Engine) processListening(pcm []byte, verdict vad.Verdict, ms int) *Event {
	e.buffer = append(e.buffer, pcm...)
	if isVoice(verdict) {
		e.speechMs += ms
		e.silenceMs = 0
		return nil
	}

	e.silenceMs += ms
	if e.silenceMs >= e.cfg.CandidateEndMs {
		if e.speechMs >= e.cfg.MinSpeechMs {
			e.state = CandidateEnd
			e.silenceMs = 0
		} else {
			e.state = Idle
			e.buffer = nil
			e.speechMs = 0
			e.silenceMs = 0
		}
	}
	return nil
}

func (e *Engine) processCandidateEnd(pcm []byte, verdict vad.Verdict, ms int) *Event {
	if isVoice(verdict) {
		e.state = Listening
		e.buffer = append(e.buffer, pcm...)
		e.speechMs += ms
		e.silenceMs = 0
		return nil
	}

	e.buffer = append(e.buffer, pcm...)
	e.silenceMs += ms
	if e.silenceMs >= e.cfg.FinalEndMs {
		buf := e.buffer
		return &Event{Type: TurnEnd, Buffer: buf}
	}
	return nil
}

func (e *Engine) processWaitingIncomplete(pcm []byte, verdict vad.Verdict, ms int) *Event {
	if isVoice(verdict) {
		e.state = Listening
		e.buffer = append([]byte(nil), pcm...)
		e.speechMs += ms
		e.silenceMs = 0
		return nil
	}

	e.silenceMs += ms
	if e.silenceMs >= e.cfg.ComfortWaitMs {
		e.reset()
		return &Event{Type: Comfort}
	}
	if e.silenceMs >= e.cfg.IncompleteWaitMs && e.silenceMs-ms < e.cfg.IncompleteWaitMs {
		return &Event{Type: ContinuationCue}
	}
	return nil
}

// TurnEndIncomplete is called when the conversation layer determines the
// just-finalized turn's text is linguistically incomplete. It waits
// IncompleteWaitMs for a CONTINUATION_CUE and ComfortWaitMs for a COMFORT
// (which returns the engine to IDLE). If speech resumes first, the buffer
// starts over with the resuming chunk, so the next TURN_END carries only the
// continuation audio.
func (e *Engine) TurnEndIncomplete() {
	e.state = WaitingIncomplete
	e.silenceMs = 0
}

// FinalizeTurn resets the engine to IDLE once a turn has been fully
// processed (routed, replied to, or rejected).
func (e *Engine) FinalizeTurn() {
	e.reset()
}

func (e *Engine) reset() {
	e.state = Idle
	e.buffer = nil
	e.speechMs = 0
	e.silenceMs = 0
	e.idleSilenceMs = 0
	e.nudgesSent = 0
}
