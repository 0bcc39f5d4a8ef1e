package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"

	"github.com/discord-voice-lab/voicemimic/internal/artifact"
	"github.com/discord-voice-lab/voicemimic/internal/audio"
	"github.com/discord-voice-lab/voicemimic/internal/codec"
	"github.com/discord-voice-lab/voicemimic/internal/config"
	"github.com/discord-voice-lab/voicemimic/internal/conversation"
	"github.com/discord-voice-lab/voicemimic/internal/lock"
	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/mcp"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
	"github.com/discord-voice-lab/voicemimic/internal/persona"
	"github.com/discord-voice-lab/voicemimic/internal/stt"
	"github.com/discord-voice-lab/voicemimic/internal/tts"
	"github.com/discord-voice-lab/voicemimic/internal/voice"
	"github.com/discord-voice-lab/voicemimic/llm"
)

const (
	version         = "0.1.0"
	cleanupInterval = time.Hour
	archiveMaxFiles = 2000
)

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.FatalExitf("bot stopped", "err", err)
	}
	logging.Infow("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.DiscordToken == "" {
		return errors.New("DISCORD_BOT_TOKEN required")
	}
	if cfg.GuildID == "" || cfg.VoiceChannelID == "" {
		return errors.New("GUILD_ID and VOICE_CHANNEL_ID required")
	}

	catalog, err := persona.LoadCatalog()
	if err != nil {
		logging.Warnw("persona manifest unreadable; using built-in personas", "err", err)
		catalog = persona.NewCatalog(persona.Builtins(), "")
	}
	mode, err := conversation.ParseReplyMode(cfg.ReplyMode)
	if err != nil {
		logging.Warnw("invalid REPLY_MODE; using default", "value", cfg.ReplyMode, "default", mode.String())
	}
	policy, err := voice.ParsePolicy(cfg.PlaybackPolicy)
	if err != nil {
		logging.Warnw("invalid PLAYBACK_POLICY; using default", "value", cfg.PlaybackPolicy, "default", policy.String())
	}
	start := catalog.Default()
	if cfg.Persona != "" {
		if p, ok := catalog.Lookup(cfg.Persona); ok {
			start = p
		} else {
			logging.Warnw("unknown PERSONA; using default", "value", cfg.Persona, "default", start.Key)
		}
	}

	locker, closeLock, err := newLock(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLock()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	logging.Infow("using gateway intents", "intents", dg.Identify.Intents)
	dg.AddHandler(logVoiceState)
	dg.AddHandler(logGatewayEvent)
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord session open: %w", err)
	}
	defer func() {
		if err := dg.Close(); err != nil {
			logging.Warnw("discord session close error", "err", err)
		}
	}()
	selfID := ""
	if dg.State != nil && dg.State.User != nil {
		selfID = dg.State.User.ID
	}

	resolver := voice.NewDiscordResolver(dg, cfg.GuildID)
	joinFields := append(logging.GuildFields(cfg.GuildID, resolver.GuildName(cfg.GuildID)),
		logging.ChannelFields(cfg.VoiceChannelID, resolver.ChannelName(cfg.VoiceChannelID))...)
	logging.Infow("joining voice channel", joinFields...)
	vc, err := dg.ChannelVoiceJoin(cfg.GuildID, cfg.VoiceChannelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join: %w", err)
	}
	defer func() {
		if err := vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect error", "err", err)
		}
	}()

	transcoder := audio.NewTranscoder(cfg.FFmpegPath)
	if !transcoder.Available() {
		logging.Warnw("ffmpeg not found; playback will fail and uploads keep the capture rate", "path", cfg.FFmpegPath)
	}
	archive := artifact.NewArchive(cfg.SaveAudioDir)

	sttClient := stt.NewClient(cfg.STTBaseURL, cfg.OpenAIKey)
	sttClient.Model = cfg.STTModel
	sttClient.Language = cfg.STTLanguage
	sttClient.SampleRate = cfg.STTSampleRate
	sttClient.Transcoder = transcoder
	sttClient.Archive = archive

	ttsClient := tts.NewClient(cfg.ElevenLabsURL, cfg.ElevenLabsKey, cfg.TempDir)
	ttsClient.Model = cfg.ElevenLabsModel

	history := llm.NewConversation(llm.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.ChatModel, cfg.FallbackModel), llm.DefaultMaxHistory)

	seg := voice.NewSegmenter()
	seg.MinDuration = cfg.MinUtterance
	seg.MinAmplitude = cfg.MinAmplitude

	transport := voice.NewDiscordTransport(vc, selfID, nil)
	receiver := voice.NewReceiver(ctx, transport, voice.ReceiverConfig{
		Segmenter:    seg,
		NewDecoder:   newOpusDecoder,
		Resolver:     resolver,
		MaxUtterance: cfg.MaxUtterance,
	})
	transport.SetListener(receiver)

	slot := voice.NewSlot(voice.NewDiscordOutput(vc, transcoder), policy, cfg.PlaybackQueue)
	slot.OnStateChange(func(s voice.SlotState) {
		logging.Debugw("playback slot", "state", s.String())
	})

	deps := conversation.Deps{
		Transcriber: sttClient,
		Generator:   history,
		Synthesizer: ttsClient,
		Sink:        slot,
		Lock:        locker,
		Identity:    voice.NewDiscordIdentity(dg, cfg.GuildID),
	}
	if archive != nil {
		archive.Locking = true
		deps.Recorder = archive
	}
	orch := conversation.New(conversation.Config{
		OwnerID:          cfg.BotID,
		Mode:             mode,
		Catalog:          catalog,
		Persona:          start,
		TickChance:       orDisabled(cfg.TickChance),
		FillerChance:     orDisabled(cfg.FillerChance),
		SilenceThreshold: cfg.SilenceThreshold,
	}, deps)

	control := mcp.NewServer(orch, history, catalog, version)
	exporter := metrics.NewExporter(cfg.HTTPAddr)
	exporter.Handle("/mcp/ws", control)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Infow("http listening", "addr", cfg.HTTPAddr)
		if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("http server failed", "err", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		transport.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx, receiver.Utterances())
	}()
	wg.Add(1)
	locker.StartSweeper(ctx, &wg, cfg.LockSweep)
	wg.Add(1)
	orch.StartWatchdog(ctx, &wg, cfg.WatchdogInterval)
	wg.Add(1)
	artifact.StartTempCleaner(ctx, &wg, cfg.TempDir, cfg.TempMaxAge, cleanupInterval)
	if archive != nil {
		wg.Add(1)
		artifact.StartArchiveCleaner(ctx, &wg, archive.Dir, cfg.SaveAudioAge, cleanupInterval, archiveMaxFiles)
	}

	logging.Infow("voice bot ready",
		"owner", cfg.BotID,
		"mode", mode.String(),
		"persona", start.Key,
		"playback", policy.String(),
		"lock", cfg.LockBackend,
	)
	<-ctx.Done()
	logging.Infow("shutdown signal received, closing resources")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	receiver.Close()
	control.Close()
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http shutdown error", "err", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logging.Warnw("shutdown grace elapsed with work still running", "grace", cfg.ShutdownGrace.String())
	}
	return nil
}

// orDisabled maps a configured zero chance to the orchestrator's disabled
// value, since zero there selects the default.
func orDisabled(chance float64) float64 {
	if chance == 0 {
		return -1
	}
	return chance
}

func newOpusDecoder() (voice.Decoder, error) {
	d, err := codec.NewOpusDecoder()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// newLock builds the response lock on the configured backend. The returned
// func releases backend resources.
func newLock(ctx context.Context, cfg config.Config) (*lock.Lock, func(), error) {
	opts := []lock.Option{lock.WithTTL(cfg.LockTTL), lock.WithMaxJitter(cfg.LockJitter)}
	switch cfg.LockBackend {
	case "", "file":
		store, err := lock.NewFileStore(cfg.LockDir, cfg.LockName)
		if err != nil {
			return nil, nil, fmt.Errorf("lock dir: %w", err)
		}
		logging.Infow("response lock", "backend", "file", "path", store.Path())
		return lock.New(store, opts...), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		store := lock.NewRedisStore(client, cfg.LockName, lock.WithPrefix(cfg.RedisPrefix), lock.WithExpiry(2*cfg.LockTTL))
		logging.Infow("response lock", "backend", "redis", "addr", cfg.RedisAddr, "name", cfg.LockName)
		return lock.New(store, opts...), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
}
