package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TurnTiming holds the turn-taking timing constants. A loaded YAML profile
// only overrides the fields it sets; the rest keep the Defaults() value.
type TurnTiming struct {
	CandidateEndMs    int     `yaml:"candidate_end_ms"`
	FinalEndMs        int     `yaml:"final_end_ms"`
	MinSpeechMs       int     `yaml:"min_speech_ms"`
	NudgeMs           int     `yaml:"nudge_ms"`
	IncompleteWaitMs  int     `yaml:"incomplete_wait_ms"`
	ComfortWaitMs     int     `yaml:"comfort_wait_ms"`
	BargeInFrames     int     `yaml:"barge_in_frames"`
	BargeInProbThresh float64 `yaml:"barge_in_prob_threshold"`
}

// Defaults returns the hardcoded turn-timing defaults.
func Defaults() TurnTiming {
	return TurnTiming{
		CandidateEndMs:    1000,
		FinalEndMs:        400,
		MinSpeechMs:       300,
		NudgeMs:           1500,
		IncompleteWaitMs:  300,
		ComfortWaitMs:     1500,
		BargeInFrames:     2,
		BargeInProbThresh: 0.6,
	}
}

func (t TurnTiming) merge(o TurnTiming) TurnTiming {
	if o.CandidateEndMs != 0 {
		t.CandidateEndMs = o.CandidateEndMs
	}
	if o.FinalEndMs != 0 {
		t.FinalEndMs = o.FinalEndMs
	}
	if o.MinSpeechMs != 0 {
		t.MinSpeechMs = o.MinSpeechMs
	}
	if o.NudgeMs != 0 {
		t.NudgeMs = o.NudgeMs
	}
	if o.IncompleteWaitMs != 0 {
		t.IncompleteWaitMs = o.IncompleteWaitMs
	}
	if o.ComfortWaitMs != 0 {
		t.ComfortWaitMs = o.ComfortWaitMs
	}
	if o.BargeInFrames != 0 {
		t.BargeInFrames = o.BargeInFrames
	}
	if o.BargeInProbThresh != 0 {
		t.BargeInProbThresh = o.BargeInProbThresh
	}
	return t
}

// Config holds application-wide configuration, loaded once at startup.
type Config struct {
	HTTPAddress string

	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration

	RedisHost string
	RedisPort string
	RedisDB   int

	AssemblyAIKey string

	CerebrasKey     string
	CerebrasModelID string

	DeepgramKey   string
	DeepgramModel string

	ElevenLabsKey     string
	ElevenLabsVoiceID string

	TurnTiming TurnTiming
}

// Load reads environment variables (via .env if present) and an optional
// YAML turn-timing profile named by TURN_TIMING_CONFIG.
func Load(logger *slog.Logger) Config {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", slog.String("error", err.Error()))
	}

	addr := getEnv("HTTP_ADDRESS", ":8080")

	idleTimeout := getEnvInt("IDLE_TIMEOUT", 30)
	maxSessionDuration := getEnvInt("MAX_SESSION_DURATION", 600)

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisDB := getEnvInt("REDIS_DB", 0)

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		logger.Warn("ASSEMBLYAI_API_KEY not set, transcription will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := getEnv("CEREBRAS_MODEL_ID", "llama-4-maverick-17b-128e-instruct")
	if cerebrasKey == "" {
		logger.Warn("CEREBRAS_API_KEY not set, LLM will not work")
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	deepgramModel := getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en")

	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")
	if elevenKey == "" && deepgramKey == "" {
		logger.Warn("no TTS credentials set, synthesis will not work")
	}

	timing := Defaults()
	if path := os.Getenv("TURN_TIMING_CONFIG"); path != "" {
		loaded, err := loadTurnTiming(path)
		if err != nil {
			logger.Warn("failed to load turn timing profile", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			timing = timing.merge(loaded)
		}
	}

	return Config{
		HTTPAddress:        addr,
		IdleTimeout:        time.Duration(idleTimeout) * time.Second,
		MaxSessionDuration: time.Duration(maxSessionDuration) * time.Second,
		RedisHost:          redisHost,
		RedisPort:          redisPort,
		RedisDB:            redisDB,
		AssemblyAIKey:      assemblyAIKey,
		CerebrasKey:        cerebrasKey,
		CerebrasModelID:    cerebrasModel,
		DeepgramKey:        deepgramKey,
		DeepgramModel:      deepgramModel,
		ElevenLabsKey:      elevenKey,
		ElevenLabsVoiceID:  voiceID,
		TurnTiming:         timing,
	}
}

func loadTurnTiming(path string) (TurnTiming, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TurnTiming{}, fmt.Errorf("read turn timing config: %w", err)
	}
	var t TurnTiming
	if err := yaml.Unmarshal(b, &t); err != nil {
		return TurnTiming{}, fmt.Errorf("parse turn timing config: %w", err)
	}
	return t, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
