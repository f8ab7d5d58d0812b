package tts

import (
	"context"
	"testing"
	"time"
)

func TestPcmDurationSeconds(t *testing.T) {
	pcm := make([]byte, 32000) // 16000 16-bit samples
	if got := pcmDurationSeconds(pcm, 16000); got != 1.0 {
		t.Fatalf("expected 1.0s for 16000 samples at 16kHz, got %v", got)
	}
	if got := pcmDurationSeconds(nil, 16000); got != 0 {
		t.Fatalf("expected 0s for empty buffer, got %v", got)
	}
	if got := pcmDurationSeconds(pcm, 0); got != 0 {
		t.Fatalf("expected 0s for zero sample rate, got %v", got)
	}
}

func TestDeepgram_Synthesize_NoKeyErrors(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := d.Synthesize(ctx, "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestElevenLabs_Synthesize_NoKeyErrors(t *testing.T) {
	e := NewElevenLabsClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := e.Synthesize(ctx, "hello"); err == nil {
		t.Fatalf("expected error when api key or voice id missing")
	}
}
