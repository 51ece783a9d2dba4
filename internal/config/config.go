// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/vivavoce/viva/shared/config"
)

const (
	// DefaultCaptureSampleRate is the rate pre-silence and uploaded audio use.
	DefaultCaptureSampleRate = 16000
	// DefaultOutputSampleRate is the rate the server streams audio_out at.
	DefaultOutputSampleRate = 24000
)

// Config holds everything the client needs to hold a conversation.
type Config struct {
	Server    ServerConfig
	Channel   ChannelConfig
	Turn      TurnConfig
	Interview InterviewConfig
	Audio     AudioConfig

	Environment string
	TraceStdout bool
}

// ServerConfig points at the remote speech model.
type ServerConfig struct {
	WSURL         string
	TranscribeURL string
	Lang          string
}

// ChannelConfig tunes the connection lifecycle.
type ChannelConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	JitterRatio       float64
	HeartbeatInterval time.Duration
	DeadConnection    time.Duration
	MaxQueueSize      int
}

// TurnConfig tunes turn resolution.
type TurnConfig struct {
	Timeout    time.Duration
	PreSilence time.Duration
	SoftSettle time.Duration
	HardSettle time.Duration
}

// InterviewConfig frames the conversation pushed to the server.
type InterviewConfig struct {
	Role       string
	Level      string
	Topic      string
	MaxHistory int
}

// AudioConfig carries sample formats and the fallback energy gate.
type AudioConfig struct {
	CaptureSampleRate int
	OutputSampleRate  int
	Channels          int
	EnergyThreshold   float64
	TranscribeTimeout time.Duration
}

// Load reads configuration from the environment with working local defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:         config.GetEnv("VIVA_WS_URL", "ws://localhost:8000/ws"),
			TranscribeURL: config.GetEnv("VIVA_TRANSCRIBE_URL", "http://localhost:8000/transcribe"),
			Lang:          config.GetEnv("VIVA_LANG", "en"),
		},
		Channel: ChannelConfig{
			MaxAttempts:       config.GetEnvInt("VIVA_MAX_ATTEMPTS", 10),
			BaseDelay:         config.GetEnvDuration("VIVA_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:          config.GetEnvDuration("VIVA_MAX_DELAY", 30*time.Second),
			JitterRatio:       config.GetEnvFloat("VIVA_JITTER_RATIO", 0.2),
			HeartbeatInterval: config.GetEnvDuration("VIVA_HEARTBEAT_INTERVAL", 15*time.Second),
			DeadConnection:    config.GetEnvDuration("VIVA_DEAD_CONNECTION", 45*time.Second),
			MaxQueueSize:      config.GetEnvInt("VIVA_MAX_QUEUE_SIZE", 32),
		},
		Turn: TurnConfig{
			Timeout:    config.GetEnvDuration("VIVA_TURN_TIMEOUT", 12*time.Second),
			PreSilence: config.GetEnvDuration("VIVA_PRE_SILENCE", 900*time.Millisecond),
			SoftSettle: config.GetEnvDuration("VIVA_SOFT_SETTLE", 900*time.Millisecond),
			HardSettle: config.GetEnvDuration("VIVA_HARD_SETTLE", 2500*time.Millisecond),
		},
		Interview: InterviewConfig{
			Role:       config.GetEnv("VIVA_ROLE", "backend engineer"),
			Level:      config.GetEnv("VIVA_LEVEL", "mid"),
			Topic:      config.GetEnv("VIVA_TOPIC", "databases"),
			MaxHistory: config.GetEnvInt("VIVA_MAX_HISTORY", 8),
		},
		Audio: AudioConfig{
			CaptureSampleRate: config.GetEnvInt("VIVA_CAPTURE_SAMPLE_RATE", DefaultCaptureSampleRate),
			OutputSampleRate:  config.GetEnvInt("VIVA_OUTPUT_SAMPLE_RATE", DefaultOutputSampleRate),
			Channels:          config.GetEnvInt("VIVA_CHANNELS", 1),
			EnergyThreshold:   config.GetEnvFloat("VIVA_ENERGY_THRESHOLD", 0.01),
			TranscribeTimeout: config.GetEnvDuration("VIVA_TRANSCRIBE_TIMEOUT", 10*time.Second),
		},
		Environment: config.GetEnv("VIVA_ENVIRONMENT", "development"),
		TraceStdout: config.GetEnvBool("VIVA_TRACE_STDOUT", false),
	}
}

// Validate rejects configurations the channel or turn layers would refuse.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("config: VIVA_WS_URL %q is not a ws:// or wss:// URL", c.Server.WSURL)
	}
	if _, err := url.Parse(c.Server.TranscribeURL); err != nil {
		return fmt.Errorf("config: VIVA_TRANSCRIBE_URL %q: %w", c.Server.TranscribeURL, err)
	}
	if c.Channel.MaxAttempts < 1 {
		return fmt.Errorf("config: VIVA_MAX_ATTEMPTS must be at least 1")
	}
	if c.Channel.JitterRatio < 0 || c.Channel.JitterRatio > 1 {
		return fmt.Errorf("config: VIVA_JITTER_RATIO must be in [0, 1]")
	}
	if c.Turn.SoftSettle > c.Turn.HardSettle {
		return fmt.Errorf("config: VIVA_SOFT_SETTLE exceeds VIVA_HARD_SETTLE")
	}
	if c.Interview.MaxHistory < 0 {
		return fmt.Errorf("config: VIVA_MAX_HISTORY must not be negative")
	}
	return nil
}
