// Package tts implements the synthesis adapter (§6): synthesise(text) ->
// {audio_bytes, duration_sec}. Two providers are wired in, Deepgram and
// ElevenLabs, both of which stream audio internally; Synthesize collects the
// full stream into one buffer since the adapter contract is a single
// request/response pair, not a channel.
package tts

import "context"

// Result is the adapter's synthesis output.
type Result struct {
	AudioBytes  []byte
	DurationSec float64
}

// Synthesizer is the TTS adapter contract.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Result, error)
}

// pcmDurationSeconds estimates duration from 16-bit mono PCM sample count.
func pcmDurationSeconds(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return float64(samples) / float64(sampleRate)
}
