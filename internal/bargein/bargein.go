// Package bargein implements the barge-in detector (C3): while the bot is
// speaking, it watches consecutive voiced 20ms frames in the inbound mic
// stream and signals pre-emption once the run crosses threshold.
package bargein

import (
	"time"

	"github.com/chadiek/voxturn/internal/vad"
)

// Config holds the barge-in thresholds, overridable per session.
type Config struct {
	// FrameThreshold is the number of consecutive voiced frames required to
	// trigger, e.g. 2 frames of 20ms each (~40ms).
	FrameThreshold int
	// ProbThreshold is the minimum per-frame VAD probability counted as voiced.
	ProbThreshold float64
	SampleRate    int
}

// DefaultConfig returns the barge-in thresholds: 2 consecutive 20ms frames
// at probability >= 0.6.
func DefaultConfig() Config {
	return Config{
		FrameThreshold: 2,
		ProbThreshold:  0.6,
		SampleRate:     vad.SampleRate,
	}
}

// Detector tracks the running count of consecutive voiced frames while the
// bot is speaking. It is not safe for concurrent use.
type Detector struct {
	cfg      Config
	speaking bool
	run      int
}

// New builds a Detector from cfg, filling zero-value fields with defaults.
func New(cfg Config) *Detector {
	if cfg.FrameThreshold <= 0 {
		cfg.FrameThreshold = 2
	}
	if cfg.ProbThreshold <= 0 {
		cfg.ProbThreshold = 0.6
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = vad.SampleRate
	}
	return &Detector{cfg: cfg}
}

// SetSpeaking toggles whether the bot is currently speaking. Barge-in only
// triggers while true; the run counter resets whenever speaking turns off.
func (d *Detector) SetSpeaking(on bool) {
	d.speaking = on
	if !on {
		d.run = 0
	}
}

// Speaking reports whether the detector currently believes the bot is speaking.
func (d *Detector) Speaking() bool { return d.speaking }

// Trigger is returned by FeedFrame when the run crosses threshold.
type Trigger struct {
	At time.Time
}

// FeedFrame processes one ~20ms PCM frame from the inbound mic stream. It
// returns a non-nil Trigger the instant the consecutive-voiced-frame run
// reaches the configured threshold while the bot is speaking; it returns nil
// on every other call, including all calls while not speaking.
func (d *Detector) FeedFrame(pcm []byte, now time.Time) *Trigger {
	if !d.speaking {
		d.run = 0
		return nil
	}

	prob := vad.Probability(pcm, d.cfg.SampleRate)
	if prob >= d.cfg.ProbThreshold {
		d.run++
	} else {
		d.run = 0
	}

	if d.run >= d.cfg.FrameThreshold {
		d.run = 0
		return &Trigger{At: now}
	}
	return nil
}

// Reset clears the run counter without changing the speaking flag.
func (d *Detector) Reset() {
	d.run = 0
}
