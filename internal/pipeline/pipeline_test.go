package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chadiek/voxturn/internal/apperror"
	"github.com/chadiek/voxturn/internal/bargein"
	"github.com/chadiek/voxturn/internal/llm"
	"github.com/chadiek/voxturn/internal/router"
	"github.com/chadiek/voxturn/internal/tts"
	"github.com/chadiek/voxturn/internal/turntaking"
)

const testChunkMs = 20

func testTurnTiming() turntaking.Config {
	return turntaking.Config{
		CandidateEndMs:   100,
		FinalEndMs:       40,
		MinSpeechMs:      60,
		NudgeMs:          1500,
		IncompleteWaitMs: 300,
		ComfortWaitMs:    1500,
		NudgeCap:         3,
	}
}

func loudChunk() []byte {
	n := testChunkMs * 16000 / 1000
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(20000))
	}
	return buf
}

func silentChunk() []byte {
	n := testChunkMs * 16000 / 1000
	return make([]byte, n*2)
}

type fakeOutbound struct {
	mu       sync.Mutex
	messages []Message
}

func (f *fakeOutbound) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeOutbound) find(msgType string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.Type == msgType {
			return m, true
		}
	}
	return Message{}, false
}

func waitFor(t *testing.T, out *fakeOutbound, msgType string) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := out.find(msgType); ok {
			return m
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q message, got %+v", msgType, out.messages)
	return Message{}
}

func asrReturning(text string, confidence float64) ASRFunc {
	return func(ctx context.Context, pcm []byte, sampleRate int) (ASRResult, error) {
		return ASRResult{Text: text, Confidence: confidence, Language: "en"}, nil
	}
}

type fakeLLM struct {
	reply string
	err   error
}

func (f fakeLLM) Reply(ctx context.Context, messages []llm.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeTTS struct {
	audio   []byte
	err     error
	started chan struct{}
	block   bool
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (tts.Result, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return tts.Result{}, ctx.Err()
	}
	if f.err != nil {
		return tts.Result{}, f.err
	}
	return tts.Result{AudioBytes: f.audio, DurationSec: 1}, nil
}

func newTestEngine(asr ASRFunc, llmClient llm.Client, ttsClient tts.Synthesizer, out *fakeOutbound) *Engine {
	e := New(Config{
		SessionID:   "sess-test",
		TurnTiming:  testTurnTiming(),
		BargeIn:     bargein.Config{FrameThreshold: 2, ProbThreshold: 0.6, SampleRate: 16000},
		Thresholds:  router.DefaultThresholds(),
		ASR:         asr,
		LLM:         llmClient,
		TTS:         ttsClient,
		Out:         out,
		MaxDuration: 10 * time.Minute,
	})
	e.Start()
	return e
}

func feedTurn(e *Engine) {
	for i := 0; i < 4; i++ {
		e.FeedPCM(loudChunk())
	}
	for i := 0; i < 10; i++ {
		e.FeedPCM(silentChunk())
	}
}

func TestEngine_AcceptedTurnProducesResponse(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestEngine(asrReturning("I would like to book a table for tonight.", 0.95), fakeLLM{reply: "Sure, what time works for you?"}, &fakeTTS{audio: []byte{1, 2, 3, 4}}, out)

	feedTurn(e)

	resp := waitFor(t, out, "response")
	if resp.Text != "Sure, what time works for you?" {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
	if resp.Audio == "" {
		t.Fatalf("expected base64 audio in response")
	}
	if resp.ConversationState != "LISTENING" {
		t.Fatalf("expected LISTENING conversation_state, got %q", resp.ConversationState)
	}
}

func TestEngine_LowConfidenceTriggersClarify(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestEngine(asrReturning("mumble", 0.25), fakeLLM{}, &fakeTTS{}, out)

	feedTurn(e)

	resp := waitFor(t, out, "response")
	if resp.ConversationState != "CLARIFYING" {
		t.Fatalf("expected CLARIFYING, got %q", resp.ConversationState)
	}
}

func TestEngine_RejectTriggersClarify(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestEngine(asrReturning("", 0.05), fakeLLM{}, &fakeTTS{}, out)

	feedTurn(e)

	resp := waitFor(t, out, "response")
	if resp.ConversationState != "CLARIFYING" {
		t.Fatalf("expected CLARIFYING after a reject verdict, got %q", resp.ConversationState)
	}
}

func TestEngine_FatalAdapterErrorClosesSessionWithErrorMessage(t *testing.T) {
	out := &fakeOutbound{}
	fatalErr := apperror.Wrap(apperror.Fatal, "llm.Reply", errors.New("missing credential"))
	e := newTestEngine(asrReturning("I would like to book a table.", 0.9), fakeLLM{err: fatalErr}, &fakeTTS{}, out)

	feedTurn(e)

	msg := waitFor(t, out, "error")
	if msg.Code != "adapter_fatal" {
		t.Fatalf("expected adapter_fatal code, got %q", msg.Code)
	}
}

func TestEngine_BargeInCancelsSynthesisAndNotifiesClient(t *testing.T) {
	out := &fakeOutbound{}
	ttsClient := &fakeTTS{started: make(chan struct{}), block: true}
	e := newTestEngine(asrReturning("I would like to book a table for tonight.", 0.95), fakeLLM{reply: "Sure thing"}, ttsClient, out)

	feedTurn(e)

	select {
	case <-ttsClient.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for synthesis to start")
	}

	e.FeedPCM(loudChunk())
	e.FeedPCM(loudChunk())

	waitFor(t, out, "barge_in")
}

func TestEngine_MalformedChunkIsDiscardedWithoutPanicking(t *testing.T) {
	out := &fakeOutbound{}
	e := newTestEngine(asrReturning("hi", 0.9), fakeLLM{}, &fakeTTS{}, out)

	e.FeedPCM(nil)
	e.FeedPCM([]byte{1})

	if len(out.messages) != 0 {
		t.Fatalf("expected no messages from malformed chunks, got %+v", out.messages)
	}
}
