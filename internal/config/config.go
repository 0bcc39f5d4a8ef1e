// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

type Config struct {
	DiscordToken   string
	GuildID        string
	VoiceChannelID string
	BotID          string

	OpenAIBaseURL   string
	OpenAIKey       string
	ChatModel       string
	FallbackModel   string
	STTBaseURL      string
	STTModel        string
	STTLanguage     string
	STTSampleRate   int
	ElevenLabsKey   string
	ElevenLabsURL   string
	ElevenLabsModel string

	ReplyMode      string
	Persona        string
	PlaybackPolicy string
	PlaybackQueue  int

	LockBackend string
	LockDir     string
	LockName    string
	LockTTL     time.Duration
	LockSweep   time.Duration
	LockJitter  time.Duration
	RedisAddr   string
	RedisPrefix string

	MinUtterance     time.Duration
	MinAmplitude     float64
	MaxUtterance     time.Duration
	WatchdogInterval time.Duration
	SilenceThreshold time.Duration
	FillerChance     float64
	TickChance       float64

	HTTPAddr      string
	TempDir       string
	TempMaxAge    time.Duration
	SaveAudioDir  string
	SaveAudioAge  time.Duration
	FFmpegPath    string
	ShutdownGrace time.Duration
}

// Load reads .env (a missing file is fine) and then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warnw("could not read .env", "err", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Invalid values are logged and
// replaced with their defaults.
func FromEnv(getenv func(string) string) Config {
	e := env{get: getenv}
	c := Config{
		DiscordToken:   e.str("DISCORD_BOT_TOKEN", ""),
		GuildID:        e.str("GUILD_ID", ""),
		VoiceChannelID: e.str("VOICE_CHANNEL_ID", ""),
		BotID:          e.str("BOT_ID", ""),

		OpenAIBaseURL:   strings.TrimRight(e.str("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		OpenAIKey:       e.str("OPENAI_API_KEY", ""),
		ChatModel:       e.str("OPENAI_MODEL", "gpt-4o-mini"),
		FallbackModel:   e.str("OPENAI_FALLBACK_MODEL", ""),
		STTModel:        e.str("STT_MODEL", "whisper-1"),
		STTLanguage:     e.str("STT_LANGUAGE", "en"),
		STTSampleRate:   e.integer("STT_SAMPLE_RATE", 16000),
		ElevenLabsKey:   e.str("ELEVENLABS_API_KEY", ""),
		ElevenLabsURL:   strings.TrimRight(e.str("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io/v1"), "/"),
		ElevenLabsModel: e.str("ELEVENLABS_MODEL", "eleven_turbo_v2_5"),

		ReplyMode:      e.str("REPLY_MODE", "generate"),
		Persona:        e.str("PERSONA", ""),
		PlaybackPolicy: e.str("PLAYBACK_POLICY", "drop"),
		PlaybackQueue:  e.integer("PLAYBACK_QUEUE", 4),

		LockBackend: strings.ToLower(e.str("LOCK_BACKEND", "file")),
		LockDir:     e.str("LOCK_DIR", filepath.Join(os.TempDir(), "voicemimic")),
		LockName:    e.str("LOCK_NAME", ""),
		LockTTL:     e.duration("LOCK_TTL", 10*time.Second),
		LockSweep:   e.duration("LOCK_SWEEP_INTERVAL", 5*time.Second),
		LockJitter:  e.duration("LOCK_JITTER", 200*time.Millisecond),
		RedisAddr:   e.str("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix: e.str("REDIS_PREFIX", "voicemimic"),

		MinUtterance:     e.duration("MIN_UTTERANCE", 500*time.Millisecond),
		MinAmplitude:     e.float("SILENCE_THRESHOLD", 400),
		MaxUtterance:     e.duration("MAX_RECORDING_DURATION", 30*time.Second),
		WatchdogInterval: e.duration("WATCHDOG_INTERVAL", 15*time.Second),
		SilenceThreshold: e.duration("SILENCE_FILL_AFTER", 60*time.Second),
		FillerChance:     e.probability("SILENCE_FILL_CHANCE", 0.25),
		TickChance:       e.probability("TICK_CHANCE", 0.10),

		HTTPAddr:      e.str("HTTP_ADDR", ":9090"),
		TempDir:       e.str("TEMP_DIR", filepath.Join(os.TempDir(), "voicemimic-audio")),
		TempMaxAge:    e.duration("TEMP_MAX_AGE", time.Hour),
		SaveAudioDir:  e.str("SAVE_AUDIO_DIR", ""),
		SaveAudioAge:  e.duration("SAVE_AUDIO_MAX_AGE", 24*time.Hour),
		FFmpegPath:    e.str("FFMPEG_PATH", "ffmpeg"),
		ShutdownGrace: e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	c.STTBaseURL = strings.TrimRight(e.str("STT_BASE_URL", c.OpenAIBaseURL), "/")
	if c.LockName == "" {
		c.LockName = "response"
		if c.GuildID != "" {
			c.LockName = "response-" + c.GuildID
		}
	}
	if c.BotID == "" {
		c.BotID = defaultOwnerID()
	}
	return c
}

func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bot"
	}
	return host + "-" + uuid.NewString()
}

type env struct {
	get func(string) string
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e env) integer(key string, def int) int {
	v := e.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		logging.Warnw("invalid integer setting; using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func (e env) float(key string, def float64) float64 {
	v := e.get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		logging.Warnw("invalid number setting; using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func (e env) probability(key string, def float64) float64 {
	f := e.float(key, def)
	if f > 1 {
		logging.Warnw("probability above 1; using default", "key", key, "value", f, "default", def)
		return def
	}
	return f
}

// duration accepts Go duration strings or a bare number of milliseconds.
func (e env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logging.Warnw("invalid duration setting; using default", "key", key, "value", v, "default", def.String())
		return def
	}
	return d
}
