// Package conversation implements the dialogue state machine (C4): the
// INIT/GREETING/LISTENING/PROCESSING/RESPONDING/CLARIFYING/ERROR/END states,
// the linguistic-completeness gate, and input-quality classification.
package conversation

import (
	"context"
	"strings"
)

// State is one of the eight conversation states.
type State int

const (
	Init State = iota
	Greeting
	Listening
	Processing
	Responding
	Clarifying
	Error
	End
)

func (s State) String() string {
	switch s {
	case Greeting:
		return "GREETING"
	case Listening:
		return "LISTENING"
	case Processing:
		return "PROCESSING"
	case Responding:
		return "RESPONDING"
	case Clarifying:
		return "CLARIFYING"
	case Error:
		return "ERROR"
	case End:
		return "END"
	default:
		return "INIT"
	}
}

// Quality classifies the clarity of a user's utterance.
type Quality int

const (
	Empty Quality = iota
	Unclear
	Clear
)

func (q Quality) String() string {
	switch q {
	case Unclear:
		return "UNCLEAR"
	case Clear:
		return "CLEAR"
	default:
		return "EMPTY"
	}
}

// Limits bounds repeated clarification/silence handling before the engine
// gives up on a turn.
type Limits struct {
	MaxClarifications int
	MaxSilencePrompts int
	MaxTurns          int
}

// DefaultLimits matches the dialogue policy's defaults.
func DefaultLimits() Limits {
	return Limits{MaxClarifications: 2, MaxSilencePrompts: 2, MaxTurns: 20}
}

// Arbiter performs the bounded LLM arbitration step for ambiguous
// completeness judgments. Implementations must be fast and must degrade to
// "complete" on error so a flaky LLM never stalls a turn.
type Arbiter interface {
	JudgeCompleteness(ctx context.Context, text string) (complete bool, continuationCue string, err error)
}

// Engine tracks one session's conversation state, counters, and the pending
// text prefix carried across a WAITING_INCOMPLETE resume. It is not safe for
// concurrent use.
type Engine struct {
	limits Limits

	state               State
	turnCount           int
	clarificationCount  int
	silencePrompts      int
	lastUserInput       string

	// pendingPrefix holds text from a turn the completeness gate judged
	// linguistically incomplete; it is concatenated with the next turn's
	// ASR text before the LLM sees it. The audio buffer itself is not
	// retained across the resume, only this text.
	pendingPrefix string
}

// New builds an Engine in the INIT state.
func New(limits Limits) *Engine {
	return &Engine{limits: limits, state: Init}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// TurnCount, ClarificationCount and SilencePrompts expose the session counters.
func (e *Engine) TurnCount() int          { return e.turnCount }
func (e *Engine) ClarificationCount() int { return e.clarificationCount }
func (e *Engine) SilencePrompts() int     { return e.silencePrompts }

// Advance moves INIT -> GREETING -> LISTENING, the only state transitions
// that happen without external input.
func (e *Engine) Advance() State {
	switch e.state {
	case Init:
		e.state = Greeting
	case Greeting:
		e.state = Listening
	}
	return e.state
}

// EnterProcessing records a turn and moves to PROCESSING.
func (e *Engine) EnterProcessing(userText string) {
	e.turnCount++
	e.lastUserInput = userText
	e.state = Processing
}

// EnterResponding moves to RESPONDING after a successful LLM call.
func (e *Engine) EnterResponding() { e.state = Responding }

// FinishResponding closes out a turn: RESPONDING moves to END once the turn
// budget is exhausted, otherwise back to LISTENING for the next turn.
func (e *Engine) FinishResponding() State {
	if e.MaxTurnsReached() {
		e.state = End
	} else {
		e.state = Listening
	}
	return e.state
}

// EnterClarifying increments the clarification counter and moves to
// CLARIFYING, or to ERROR if the clarification limit is exceeded.
func (e *Engine) EnterClarifying() State {
	e.clarificationCount++
	if e.clarificationCount > e.limits.MaxClarifications {
		e.state = Error
	} else {
		e.state = Clarifying
	}
	return e.state
}

// EnterSilencePrompt increments the silence-prompt counter, grading
// SilencePromptMessage's wording as it climbs. Exhausting the prompt budget
// never force-closes the session: the turn-taking engine's own NudgeCap
// already stops emitting NUDGE events once its cap is hit, and the
// session's idle timeout is what eventually closes a call nobody is
// speaking on.
func (e *Engine) EnterSilencePrompt() {
	e.silencePrompts++
	e.state = Listening
}

// EnterEnd moves to END.
func (e *Engine) EnterEnd() { e.state = End }

// EnterError moves to ERROR, the state that precedes an escalation to a
// human or a graceful END.
func (e *Engine) EnterError() { e.state = Error }

// MaxTurnsReached reports whether the session has hit its turn budget.
func (e *Engine) MaxTurnsReached() bool { return e.turnCount >= e.limits.MaxTurns }

// SetPendingPrefix stashes text from a turn judged incomplete.
func (e *Engine) SetPendingPrefix(text string) { e.pendingPrefix = text }

// ConsumePendingPrefix concatenates any stashed prefix onto text and clears
// it, so the combined utterance is what reaches the LLM.
func (e *Engine) ConsumePendingPrefix(text string) string {
	if e.pendingPrefix == "" {
		return text
	}
	combined := strings.TrimSpace(e.pendingPrefix + " " + text)
	e.pendingPrefix = ""
	return combined
}

// AnalyzeInputQuality classifies text with the rule-based fast path: empty
// text is EMPTY, anything under 3 runes is UNCLEAR, everything else is
// CLEAR. This mirrors the fast heuristic that runs before any LLM-based
// nuance check.
func AnalyzeInputQuality(text string) Quality {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Empty
	}
	if len([]rune(trimmed)) < 3 {
		return Unclear
	}
	return Clear
}

var trailingIncompleteWords = []string{"...", "…", "and", "so", "but", "or", "because", "then"}

var incompletePhrases = []string{
	"i want to", "i need to", "i'd like to", "i'm trying to",
	"so basically", "and then", "but then", "or maybe",
	"i think", "i guess", "maybe", "perhaps",
}

var questionWords = []string{"what", "where", "when", "who", "how", "why", "which"}

var shortStarterPhrases = []string{"i want", "i need", "can you", "could you", "would you"}

// CheckLinguisticCompleteness runs the two-level gate: a fast rule-based
// pass, falling back to the bounded LLM arbiter only for genuinely
// ambiguous utterances. It returns (complete, continuationCue).
//
// A nil arbiter, or one that errors, makes level 2 default to complete,
// since a turn should never stall on the arbitration step.
func CheckLinguisticCompleteness(ctx context.Context, text string, arbiter Arbiter) (bool, string) {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < 3 {
		return true, ""
	}

	lower := strings.ToLower(trimmed)

	if hasSuffixAny(lower, trailingIncompleteWords) {
		return false, "Mm-hmm… go on."
	}
	if hasSuffixAny(lower, incompletePhrases) {
		return false, "Mm-hmm… go on."
	}
	if hasPrefixAny(lower, questionWords) && !strings.Contains(trimmed, "?") {
		return false, "Mm-hmm… go on."
	}

	words := strings.Fields(trimmed)
	if len(words) <= 3 && hasPrefixAny(lower, shortStarterPhrases) {
		return false, "Mm-hmm… go on."
	}

	completeIndicator := strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?") ||
		len(words) >= 5

	if completeIndicator && len(words) >= 4 {
		return true, ""
	}

	if arbiter == nil {
		return true, ""
	}

	complete, cue, err := arbiter.JudgeCompleteness(ctx, trimmed)
	if err != nil {
		return true, ""
	}
	if !complete && cue == "" {
		cue = "Mm-hmm… go on."
	}
	return complete, cue
}

func hasSuffixAny(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ClarificationMessage grades its wording by how many times the session has
// already asked for clarification.
func (e *Engine) ClarificationMessage() string {
	if e.clarificationCount <= 1 {
		return "I didn't catch that clearly. Could you please repeat?"
	}
	return "I'm still having trouble understanding. Could you speak more clearly?"
}

// SilencePromptMessage grades its wording by how many silence prompts have
// already been issued against the session's MaxSilencePrompts budget.
// Exhausting the budget never ends the call (see EnterSilencePrompt); it
// just settles on the final, least insistent wording.
func (e *Engine) SilencePromptMessage() string {
	switch {
	case e.silencePrompts <= 1:
		return "I'm listening. Please go ahead and speak."
	case e.silencePrompts <= e.limits.MaxSilencePrompts:
		return "I'm still here. Please tell me how I can help you."
	default:
		return "Take your time. I'm still here whenever you're ready."
	}
}

// ErrorMessage is the escalation message shown when ERROR is entered.
func ErrorMessage() string {
	return "I'm having trouble understanding you. Let me connect you to someone who can assist you better."
}

// ComfortMessage accompanies a COMFORT event.
func ComfortMessage() string { return "Take your time, I'm listening." }

// ContinuationCueMessage accompanies a CONTINUATION_CUE event.
func ContinuationCueMessage() string { return "Mm-hmm… go on." }
