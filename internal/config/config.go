// Package config provides configuration for the voice gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Sensitivity presets for the energy-based voice detector.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

var sensitivityThresholds = map[string]float64{
	SensitivityLow:    800,
	SensitivityMedium: 400,
	SensitivityHigh:   200,
}

// Config holds the gateway configuration.
type Config struct {
	// Server settings
	WSPort   int // Public port for /ws and /chat/*
	HTTPPort int // Internal port for /health, /metrics, /internal/*
	RPCPort  int // Internal JSON-RPC push port

	// Provider settings
	VoiceMode          string // MOCK selects deterministic collaborators
	ReasonerProvider   string // openai or gemini
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AssistantID        string
	TranscriptionModel string
	SpeechModel        string
	SpeechVoice        string
	SpeechFormat       string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiInstruction  string

	// Storage
	DatabaseURL string

	// Audio and voice activity detection
	SampleRate      int
	FrameDuration   time.Duration
	VADWindowFrames int
	VADStartRatio   float64
	VADSensitivity  string
	VADThresholdRMS float64 // overrides VADSensitivity when > 0
	PreRoll         time.Duration

	// Limits
	MaxAudioBytes        int
	MaxTextChars         int
	AudioBytesPerSecond  int
	MaxMessageSize       int64
	UploadFormatFallback string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	ReceiveTimeout time.Duration

	// Turn stage timeouts
	TranscribeTimeout time.Duration
	ReasonTimeout     time.Duration
	SynthesizeTimeout time.Duration

	// Conversations unused for this long are dropped from memory
	ConversationIdleTTL time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from a .env file (when present) and environment variables.
func Load() *Config {
	_ = godotenv.Load()

	sampleRate := getEnvInt("SAMPLE_RATE", 16000)
	return &Config{
		WSPort:   getEnvInt("WS_PORT", 8090),
		HTTPPort: getEnvInt("HTTP_PORT", 8091),
		RPCPort:  getEnvInt("RPC_PORT", 8092),

		VoiceMode:          getEnv("VOICE_MODE", ""),
		ReasonerProvider:   strings.ToLower(getEnv("REASONER_PROVIDER", "openai")),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AssistantID:        getEnv("ASSISTANT_ID", "asst_F5NLC8GjoWIo6vBG903g53JJ"),
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		SpeechModel:        getEnv("SPEECH_MODEL", "tts-1"),
		SpeechVoice:        getEnv("SPEECH_VOICE", "nova"),
		SpeechFormat:       getEnv("SPEECH_FORMAT", "mp3"),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiInstruction:  getEnv("GEMINI_INSTRUCTION", "You are a research assistant answering by voice. Keep replies short and speakable."),

		DatabaseURL: getEnv("DATABASE_URL", "file:voice.db?_busy_timeout=5000&_foreign_keys=on"),

		SampleRate:      sampleRate,
		FrameDuration:   time.Duration(getEnvInt("FRAME_MS", 20)) * time.Millisecond,
		VADWindowFrames: getEnvInt("VAD_WINDOW_FRAMES", 8),
		VADStartRatio:   getEnvFloat("VAD_START_RATIO", 0.6),
		VADSensitivity:  strings.ToLower(getEnv("VAD_SENSITIVITY", SensitivityMedium)),
		VADThresholdRMS: getEnvFloat("VAD_THRESHOLD", 0),
		PreRoll:         time.Duration(getEnvInt("PREROLL_MS", 300)) * time.Millisecond,

		MaxAudioBytes:        getEnvInt("MAX_AUDIO_BYTES", 4<<20),
		MaxTextChars:         getEnvInt("MAX_TEXT_CHARS", 4000),
		AudioBytesPerSecond:  getEnvInt("AUDIO_BYTES_PER_SECOND", sampleRate*2*2),
		MaxMessageSize:       int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		UploadFormatFallback: getEnv("UPLOAD_FORMAT", "webm"),

		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		ReceiveTimeout: time.Duration(getEnvInt("WS_RECEIVE_TIMEOUT_MS", 15000)) * time.Millisecond,

		TranscribeTimeout: time.Duration(getEnvInt("TRANSCRIBE_TIMEOUT_MS", 30000)) * time.Millisecond,
		ReasonTimeout:     time.Duration(getEnvInt("REASON_TIMEOUT_MS", 60000)) * time.Millisecond,
		SynthesizeTimeout: time.Duration(getEnvInt("SYNTHESIZE_TIMEOUT_MS", 30000)) * time.Millisecond,

		ConversationIdleTTL: time.Duration(getEnvInt("CONVERSATION_IDLE_TTL_MS", 1800000)) * time.Millisecond,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports configuration values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate))
	}
	if c.FrameBytes() <= 0 {
		errs = append(errs, fmt.Errorf("FRAME_MS yields an empty frame"))
	}
	if c.VADWindowFrames <= 0 {
		errs = append(errs, fmt.Errorf("VAD_WINDOW_FRAMES must be positive, got %d", c.VADWindowFrames))
	}
	if c.VADStartRatio <= 0 || c.VADStartRatio >= 1 {
		errs = append(errs, fmt.Errorf("VAD_START_RATIO must be in (0,1), got %v", c.VADStartRatio))
	}
	if _, ok := sensitivityThresholds[c.VADSensitivity]; !ok && c.VADThresholdRMS <= 0 {
		errs = append(errs, fmt.Errorf("unknown VAD_SENSITIVITY %q", c.VADSensitivity))
	}
	if c.MaxAudioBytes <= 0 || c.MaxTextChars <= 0 {
		errs = append(errs, errors.New("MAX_AUDIO_BYTES and MAX_TEXT_CHARS must be positive"))
	}
	// the pre-roll is buffered ahead of every utterance
	if c.MaxAudioBytes > 0 && c.MaxAudioBytes <= c.PreRollBytes() {
		errs = append(errs, fmt.Errorf("MAX_AUDIO_BYTES must exceed the %d byte pre-roll", c.PreRollBytes()))
	}
	switch c.ReasonerProvider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown REASONER_PROVIDER %q", c.ReasonerProvider))
	}
	return errors.Join(errs...)
}

// FrameSamples returns the number of samples in one detector frame.
func (c *Config) FrameSamples() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// FrameBytes returns the size of one PCM16 mono detector frame.
func (c *Config) FrameBytes() int {
	return c.FrameSamples() * 2
}

// PreRollBytes returns how much audio is kept ahead of an utterance start.
func (c *Config) PreRollBytes() int {
	return int(int64(c.SampleRate)*int64(c.PreRoll)/int64(time.Second)) * 2
}

// VADThreshold returns the RMS threshold for the configured sensitivity.
func (c *Config) VADThreshold() float64 {
	if c.VADThresholdRMS > 0 {
		return c.VADThresholdRMS
	}
	if t, ok := sensitivityThresholds[c.VADSensitivity]; ok {
		return t
	}
	return sensitivityThresholds[SensitivityMedium]
}

// Mock reports whether deterministic collaborators are requested.
func (c *Config) Mock() bool {
	return strings.EqualFold(c.VoiceMode, "MOCK")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
