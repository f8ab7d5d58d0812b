package turntaking

import (
	"encoding/binary"
	"testing"
)

const testChunkMs = 20

func testConfig() Config {
	return Config{
		CandidateEndMs:   1000,
		FinalEndMs:       400,
		MinSpeechMs:      300,
		NudgeMs:          1500,
		IncompleteWaitMs: 300,
		ComfortWaitMs:    1500,
		NudgeCap:         3,
	}
}

func chunkOfMs(ms int, voiced bool) []byte {
	n := ms * 16000 / 1000
	buf := make([]byte, n*2)
	if voiced {
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(20000))
		}
	}
	return buf
}

func loudChunk() []byte   { return chunkOfMs(testChunkMs, true) }
func silentChunk() []byte { return chunkOfMs(testChunkMs, false) }

// mixedChunk builds totalFrames 20ms/640-byte VAD frames, the first
// loudFrames of them loud and the rest silent, to land vad.Probability's
// frame ratio on a specific band: loudFrames/totalFrames >= 0.5 is Voice,
// >= 0.25 is Uncertain, > 0 is WeakSignal, 0 is Silence.
func mixedChunk(totalFrames, loudFrames int) []byte {
	const frameBytes = 640
	const samplesPerFrame = frameBytes / 2
	buf := make([]byte, totalFrames*frameBytes)
	for f := 0; f < loudFrames; f++ {
		for i := 0; i < samplesPerFrame; i++ {
			binary.LittleEndian.PutUint16(buf[f*frameBytes+i*2:], uint16(20000))
		}
	}
	return buf
}

func feed(e *Engine, chunk []byte, n int) *Event {
	var last *Event
	for i := 0; i < n; i++ {
		if ev := e.ProcessChunk(chunk); ev != nil {
			last = ev
		}
	}
	return last
}

// A speech burst shorter than min_speech_ms, followed by silence, must never
// produce a TURN_END: it resets to IDLE as likely noise instead.
func TestEngine_ShortBurstNeverEmitsTurnEnd(t *testing.T) {
	e := New(testConfig())

	// 280ms of speech (< 300ms min_speech_ms) = 14 chunks of 20ms.
	feed(e, loudChunk(), 14)
	if e.State() != Listening {
		t.Fatalf("expected LISTENING after short burst, got %v", e.State())
	}

	// Enough silence to clear the candidate-end grace window several times over.
	for i := 0; i < 100; i++ {
		if ev := e.ProcessChunk(silentChunk()); ev != nil {
			t.Fatalf("expected no event for a sub-threshold speech burst, got %v", ev.Type)
		}
	}
	if e.State() != Idle {
		t.Fatalf("expected reset to IDLE after insufficient speech, got %v", e.State())
	}
}

// 400ms of speech followed by enough silence to clear both the candidate-end
// grace window and the confirmation window must emit exactly one TURN_END.
func TestEngine_SufficientSpeechThenSilenceEmitsTurnEndOnce(t *testing.T) {
	e := New(testConfig())

	feed(e, loudChunk(), 20) // 400ms of speech

	var events []EventType
	silenceChunksNeeded := 1000/testChunkMs + 400/testChunkMs
	for i := 0; i < silenceChunksNeeded; i++ {
		if ev := e.ProcessChunk(silentChunk()); ev != nil {
			events = append(events, ev.Type)
		}
	}

	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d: %v", len(events), events)
	}
	if events[0] != TurnEnd {
		t.Fatalf("expected TURN_END, got %v", events[0])
	}
	if e.State() != CandidateEnd {
		t.Fatalf("expected engine to remain in CANDIDATE_END until FinalizeTurn, got %v", e.State())
	}
}

// Resuming speech during CANDIDATE_END must return to LISTENING without
// emitting TURN_END.
func TestEngine_ResumeDuringCandidateEndCancelsTurnEnd(t *testing.T) {
	e := New(testConfig())

	feed(e, loudChunk(), 20)
	graceChunks := 1000 / testChunkMs
	for i := 0; i < graceChunks; i++ {
		if ev := e.ProcessChunk(silentChunk()); ev != nil {
			t.Fatalf("unexpected event while still within candidate-end grace: %v", ev.Type)
		}
	}
	if e.State() != CandidateEnd {
		t.Fatalf("expected CANDIDATE_END, got %v", e.State())
	}

	if ev := e.ProcessChunk(loudChunk()); ev != nil {
		t.Fatalf("unexpected event on resumed speech, got %v", ev.Type)
	}
	if e.State() != Listening {
		t.Fatalf("expected LISTENING after resumed speech, got %v", e.State())
	}
}

// IDLE with nothing but silence emits NUDGE once per nudge window, capped.
func TestEngine_NudgeIsCappedThenSilent(t *testing.T) {
	e := New(testConfig())

	nudgeChunks := 1500 / testChunkMs

	var nudges int
	for round := 0; round < 5; round++ {
		for i := 0; i < nudgeChunks; i++ {
			if ev := e.ProcessChunk(silentChunk()); ev != nil && ev.Type == Nudge {
				nudges++
			}
		}
	}

	if nudges != 3 {
		t.Fatalf("expected exactly 3 nudges (cap), got %d", nudges)
	}
}

// WAITING_INCOMPLETE resumes to LISTENING on renewed speech, and otherwise
// emits CONTINUATION_CUE before COMFORT as silence lengthens.
func TestEngine_WaitingIncompleteEmitsContinuationThenComfort(t *testing.T) {
	e := New(testConfig())
	e.TurnEndIncomplete()

	incompleteChunks := 300 / testChunkMs
	var ev *Event
	for i := 0; i < incompleteChunks; i++ {
		ev = e.ProcessChunk(silentChunk())
		if ev != nil {
			break
		}
	}
	if ev == nil || ev.Type != ContinuationCue {
		t.Fatalf("expected CONTINUATION_CUE, got %v", ev)
	}
	if e.State() != WaitingIncomplete {
		t.Fatalf("expected to keep waiting in WAITING_INCOMPLETE after CONTINUATION_CUE, got %v", e.State())
	}

	e2 := New(testConfig())
	e2.TurnEndIncomplete()
	comfortChunks := 1500 / testChunkMs
	var events []EventType
	for i := 0; i < comfortChunks; i++ {
		if got := e2.ProcessChunk(silentChunk()); got != nil {
			events = append(events, got.Type)
		}
	}
	if len(events) != 2 || events[0] != ContinuationCue || events[1] != Comfort {
		t.Fatalf("expected CONTINUATION_CUE then COMFORT by the end of the comfort window, got %v", events)
	}
	if e2.State() != Idle {
		t.Fatalf("expected reset to IDLE after COMFORT, got %v", e2.State())
	}
}

func TestEngine_TurnEndIncompleteThenResumeSpeechReturnsToListening(t *testing.T) {
	e := New(testConfig())
	e.TurnEndIncomplete()

	if ev := e.ProcessChunk(loudChunk()); ev != nil {
		t.Fatalf("unexpected event on resumed speech, got %v", ev.Type)
	}
	if e.State() != Listening {
		t.Fatalf("expected LISTENING after resumed speech during WAITING_INCOMPLETE, got %v", e.State())
	}
}

// A WeakSignal verdict must not start a turn out of IDLE (only Voice and
// Uncertain do, per §4.1); it holds IDLE the same as true silence.
func TestEngine_WeakSignalNeverStartsTurnFromIdle(t *testing.T) {
	e := New(testConfig())
	if ev := e.ProcessChunk(mixedChunk(5, 1)); ev != nil { // ratio 0.2 -> WeakSignal
		t.Fatalf("unexpected event, got %v", ev.Type)
	}
	if e.State() != Idle {
		t.Fatalf("expected IDLE to hold on a WeakSignal chunk, got %v", e.State())
	}
}

// Uncertain, unlike WeakSignal, is strong enough to start a turn out of
// IDLE per §4.1.
func TestEngine_UncertainStartsTurnFromIdle(t *testing.T) {
	e := New(testConfig())
	if ev := e.ProcessChunk(mixedChunk(5, 2)); ev != nil { // ratio 0.4 -> Uncertain
		t.Fatalf("unexpected event, got %v", ev.Type)
	}
	if e.State() != Listening {
		t.Fatalf("expected LISTENING after an Uncertain chunk from IDLE, got %v", e.State())
	}
}

// A WeakSignal verdict mid-turn must extend the silence timer like true
// silence (§4.2), not reset it the way Voice/Uncertain would.
func TestEngine_WeakSignalCountsAsSilenceInListening(t *testing.T) {
	e := New(testConfig())
	feed(e, loudChunk(), 20) // 400ms of speech, >= MinSpeechMs

	if ev := e.ProcessChunk(mixedChunk(5, 1)); ev != nil { // 100ms WeakSignal
		t.Fatalf("unexpected event on WeakSignal chunk, got %v", ev.Type)
	}
	if e.State() != Listening {
		t.Fatalf("expected LISTENING to hold after one WeakSignal chunk, got %v", e.State())
	}

	// 900ms more of true silence: 100ms (WeakSignal) + 900ms = 1000ms =
	// CandidateEndMs, so this must tip the engine into CANDIDATE_END. If
	// WeakSignal had instead reset the silence timer, 900ms alone would
	// fall 100ms short and the engine would still be in LISTENING.
	for i := 0; i < 45; i++ {
		if ev := e.ProcessChunk(silentChunk()); ev != nil {
			t.Fatalf("unexpected event while accumulating silence, got %v", ev.Type)
		}
	}
	if e.State() != CandidateEnd {
		t.Fatalf("expected CANDIDATE_END once combined WeakSignal+silence reaches CandidateEndMs, got %v", e.State())
	}
}

// WeakSignal chunks while IDLE count toward the nudge window like silence,
// and the accumulator resets correctly once a NUDGE fires so the next
// window is timed from zero rather than from the previous window's
// overshoot.
func TestEngine_WeakSignalAccumulatesTowardNudgeAndResets(t *testing.T) {
	e := New(testConfig())

	// 1400ms of silence, then 100ms of WeakSignal: 1500ms total = NudgeMs,
	// so the WeakSignal chunk itself must tip the window and fire NUDGE.
	for i := 0; i < 70; i++ {
		if ev := e.ProcessChunk(silentChunk()); ev != nil {
			t.Fatalf("unexpected event before the nudge window elapses, got %v", ev.Type)
		}
	}
	if ev := e.ProcessChunk(mixedChunk(5, 1)); ev == nil || ev.Type != Nudge {
		t.Fatalf("expected NUDGE once WeakSignal silence tips the window, got %v", ev)
	}

	// The next window must be timed from zero: 1500ms of plain silence
	// fires exactly one more NUDGE, not early from stale overshoot.
	var nudges int
	for i := 0; i < 75; i++ {
		if got := e.ProcessChunk(silentChunk()); got != nil && got.Type == Nudge {
			nudges++
		}
	}
	if nudges != 1 {
		t.Fatalf("expected exactly one NUDGE in the following window, got %d", nudges)
	}
}

// Splitting one chunk into two equal, frame-aligned halves must produce the
// same state trajectory as feeding the original chunk whole (spec's
// round-trip/idempotence property): the engine tracks elapsed milliseconds
// from each chunk's actual PCM length, not a fixed per-call increment. Here
// a single 400ms speech chunk is compared against two 200ms halves, and a
// single 1000ms silence chunk against two 500ms halves; all four sizes are
// multiples of the 20ms VAD frame, as spec's frame-alignment requires.
func TestEngine_SplittingChunksPreservesStateTrajectory(t *testing.T) {
	whole := New(testConfig())
	whole.ProcessChunk(chunkOfMs(400, true))

	split := New(testConfig())
	split.ProcessChunk(chunkOfMs(200, true))
	split.ProcessChunk(chunkOfMs(200, true))

	if whole.State() != split.State() {
		t.Fatalf("expected matching state after splitting chunks, whole=%v split=%v", whole.State(), split.State())
	}
	if whole.speechMs != split.speechMs {
		t.Fatalf("expected matching accumulated speech ms, whole=%d split=%d", whole.speechMs, split.speechMs)
	}

	whole.ProcessChunk(chunkOfMs(1000, false))
	split.ProcessChunk(chunkOfMs(500, false))
	split.ProcessChunk(chunkOfMs(500, false))

	if whole.State() != split.State() {
		t.Fatalf("expected matching state after silence, whole=%v split=%v", whole.State(), split.State())
	}
}
