// Package conversation turns segmented utterances into spoken replies while
// keeping at most one reply in flight across every bot sharing the session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
	"github.com/discord-voice-lab/voicemimic/internal/persona"
	"github.com/discord-voice-lab/voicemimic/internal/voice"
)

const (
	DefaultTickChance       = 0.10
	DefaultFillerChance     = 0.25
	DefaultWatchdogInterval = 15 * time.Second
	DefaultSilenceThreshold = 60 * time.Second
	DefaultMinTranscript    = 2

	identityTimeout = 15 * time.Second

	// Lock speaker ids for replies that are not answering anyone.
	fillerSpeaker = "silence-filler"
	injectSpeaker = "operator"
)

// ErrLockHeld is returned by Inject when another reply owns the session.
var ErrLockHeld = errors.New("conversation: response lock held elsewhere")

type Config struct {
	OwnerID string
	Mode    ReplyMode
	Catalog *persona.Catalog
	// Persona is the starting persona; the catalog default when empty.
	Persona persona.Profile

	// TickChance and FillerChance default when zero; a negative value
	// disables ticks or silence fillers.
	TickChance       float64
	FillerChance     float64
	SilenceThreshold time.Duration
	MinTranscript    int
	Ticks            []string
	Trivia           []string
	Apology          string

	Rand func() float64
	Now  func() time.Time
}

func chanceOrDefault(v, def float64) float64 {
	switch {
	case v == 0:
		return def
	case v < 0:
		return 0
	}
	return v
}

func (c *Config) setDefaults() {
	c.TickChance = chanceOrDefault(c.TickChance, DefaultTickChance)
	c.FillerChance = chanceOrDefault(c.FillerChance, DefaultFillerChance)
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.MinTranscript <= 0 {
		c.MinTranscript = DefaultMinTranscript
	}
	if len(c.Ticks) == 0 {
		c.Ticks = DefaultTicks
	}
	if len(c.Trivia) == 0 {
		c.Trivia = DefaultTrivia
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Catalog == nil {
		c.Catalog = persona.NewCatalog(persona.Builtins(), "")
	}
	if c.Persona.Key == "" {
		c.Persona = c.Catalog.Default()
	}
}

// Deps are the collaborators a turn calls out to. Identity and Recorder
// are optional.
type Deps struct {
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Sink        Sink
	Lock        Locker
	Identity    IdentityUpdater
	Recorder    TurnRecorder
}

type Orchestrator struct {
	cfg      Config
	deps     Deps
	detector *persona.AddressDetector

	mu           sync.Mutex
	inProgress   map[string]struct{}
	mode         ReplyMode
	persona      persona.Profile
	lastActivity time.Time
	fillerSent   bool
	state        State

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		detector:     persona.NewAddressDetector(cfg.Catalog),
		inProgress:   make(map[string]struct{}),
		mode:         cfg.Mode,
		persona:      cfg.Persona,
		lastActivity: cfg.Now(),
	}
}

// Run handles utterances until in closes or ctx ends, one goroutine per
// utterance, then waits for outstanding turns.
func (o *Orchestrator) Run(ctx context.Context, in <-chan voice.Utterance) {
	defer o.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.HandleUtterance(ctx, u)
			}()
		}
	}
}

// Wait blocks until every turn and background identity update has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// HandleUtterance runs one turn for u and reports how it ended.
func (o *Orchestrator) HandleUtterance(ctx context.Context, u voice.Utterance) (outcome Outcome) {
	speaker := u.SpeakerID
	ctx = logging.WithCorrelationID(ctx, u.CorrelationID)
	ctx = logging.WithFields(ctx, "speaker.id", speaker)
	defer func() { metrics.RecordTurn(string(outcome)) }()

	if o.Mode() == Silent {
		logging.DebugwCtx(ctx, "turn ignored: silent mode")
		return OutcomeSilent
	}

	o.setState(ctx, AcquiringLock)
	if !o.deps.Lock.TryAcquire(ctx, speaker, o.cfg.OwnerID) {
		o.settle(ctx)
		logging.DebugwCtx(ctx, "turn dropped: response lock held")
		return OutcomeLockHeld
	}
	defer o.deps.Lock.Release(context.WithoutCancel(ctx), speaker, o.cfg.OwnerID)

	if o.deps.Sink.Busy() {
		o.settle(ctx)
		logging.DebugwCtx(ctx, "turn dropped: playback slot busy")
		return OutcomeSlotBusy
	}
	if !o.markInProgress(speaker) {
		o.settle(ctx)
		logging.DebugwCtx(ctx, "turn dropped: speaker already in progress")
		return OutcomeInProgress
	}
	defer o.clearInProgress(ctx, speaker)

	reply, p, outcome, err := o.compose(ctx, u)
	if err == nil && outcome == "" {
		err = o.speak(ctx, reply, p)
		if errors.Is(err, voice.ErrSlotBusy) {
			logging.DebugwCtx(ctx, "reply dropped: playback slot taken")
			return OutcomeSlotBusy
		}
	}
	if err != nil {
		logging.WarnwCtx(ctx, "turn failed; speaking apology", "err", err)
		o.apologize(ctx)
		o.record(ctx, u.CorrelationID, map[string]interface{}{"turn_outcome": string(OutcomeFailed), "turn_error": err.Error()})
		return OutcomeFailed
	}
	if outcome != "" {
		return outcome
	}
	o.record(ctx, u.CorrelationID, map[string]interface{}{
		"turn_outcome": string(OutcomeReplied),
		"reply":        reply,
		"persona":      p.Key,
	})
	logging.InfowCtx(ctx, "turn replied", append(logging.PersonaFields(p.Key, p.Name), "reply_chars", len(reply))...)
	return OutcomeReplied
}

// compose transcribes u and picks the reply text and persona. A non-empty
// outcome ends the turn without speaking.
func (o *Orchestrator) compose(ctx context.Context, u voice.Utterance) (string, persona.Profile, Outcome, error) {
	o.setState(ctx, Transcribing)
	start := time.Now()
	text, err := o.deps.Transcriber.Transcribe(ctx, u.PCM, u.Format)
	if err != nil {
		return "", persona.Profile{}, "", fmt.Errorf("transcribe: %w", err)
	}
	logging.DebugwCtx(ctx, "transcribed", "chars", len(text), "latency_ms", time.Since(start).Milliseconds())
	if len([]rune(text)) < o.cfg.MinTranscript {
		logging.DebugwCtx(ctx, "transcript too short; treating as noise", "text", text)
		return "", persona.Profile{}, OutcomeNoise, nil
	}
	o.noteActivity()
	o.record(ctx, u.CorrelationID, map[string]interface{}{"transcript": text})

	o.setState(ctx, Dispatching)
	mode, p := o.snapshot()
	if mode == RepeatVerbatim {
		return text, p, "", nil
	}

	prompt := text
	if addressed, rest, ok := o.detector.Detect(text); ok {
		p = o.switchPersona(ctx, addressed)
		if len([]rune(rest)) < o.cfg.MinTranscript {
			return o.pick(o.cfg.Ticks), p, "", nil
		}
		prompt = rest
	}

	if o.cfg.Rand() < o.cfg.TickChance {
		logging.DebugwCtx(ctx, "substituting tick for generated reply")
		return o.pick(o.cfg.Ticks), p, "", nil
	}
	start = time.Now()
	reply, err := o.deps.Generator.Generate(ctx, u.SpeakerID, prompt, p)
	metrics.ObserveStage("generate", time.Since(start).Seconds())
	if err != nil {
		return "", p, "", fmt.Errorf("generate: %w", err)
	}
	if reply == "" {
		logging.DebugwCtx(ctx, "generator returned empty reply")
		return "", p, OutcomeNoise, nil
	}
	return reply, p, "", nil
}

// speak synthesizes text with p's voice and plays it, removing the file
// afterwards.
func (o *Orchestrator) speak(ctx context.Context, text string, p persona.Profile) error {
	o.setState(ctx, Synthesizing)
	path, err := o.deps.Synthesizer.Synthesize(ctx, text, p.VoiceID)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	defer func() {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			logging.DebugwCtx(ctx, "failed to remove synthesized audio", "path", path, "err", rerr)
		}
	}()
	o.setState(ctx, Playing)
	if err := o.deps.Sink.Play(ctx, path); err != nil {
		if errors.Is(err, voice.ErrSlotBusy) {
			return err
		}
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

func (o *Orchestrator) apologize(ctx context.Context) {
	_, p := o.snapshot()
	if err := o.speak(context.WithoutCancel(ctx), o.cfg.Apology, p); err != nil {
		logging.ErrorwCtx(ctx, "apology failed", "err", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, cid string, updates map[string]interface{}) {
	if o.deps.Recorder == nil || cid == "" {
		return
	}
	if err := o.deps.Recorder.MergeUpdates(cid, updates); err != nil {
		logging.DebugwCtx(ctx, "turn annotation skipped", "err", err)
	}
}

func (o *Orchestrator) pick(list []string) string {
	if len(list) == 0 {
		return ""
	}
	i := int(o.cfg.Rand() * float64(len(list)))
	if i >= len(list) {
		i = len(list) - 1
	}
	return list[i]
}

// switchPersona makes p active. Switching to a different persona resets the
// generator and updates the bot identity in the background.
func (o *Orchestrator) switchPersona(ctx context.Context, p persona.Profile) persona.Profile {
	o.mu.Lock()
	prev := o.persona
	o.persona = p
	o.mu.Unlock()
	if prev.Key == p.Key {
		return p
	}
	logging.InfowCtx(ctx, "persona switched", append(logging.PersonaFields(p.Key, p.Name), "previous", prev.Key)...)
	if o.deps.Generator != nil {
		o.deps.Generator.Reset()
	}
	if o.deps.Identity != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), identityTimeout)
			defer cancel()
			if err := o.deps.Identity.UpdateIdentity(ictx, p.Nickname(), p.AvatarURL); err != nil {
				logging.WarnwCtx(ictx, "identity update failed", "persona.key", p.Key, "err", err)
			}
		}()
	}
	return p
}

// SetPersona switches to the persona named by key or name.
func (o *Orchestrator) SetPersona(ctx context.Context, name string) (persona.Profile, error) {
	p, ok := o.cfg.Catalog.Lookup(name)
	if !ok {
		return persona.Profile{}, fmt.Errorf("unknown persona %q", name)
	}
	return o.switchPersona(ctx, p), nil
}

func (o *Orchestrator) SetMode(m ReplyMode) {
	o.mu.Lock()
	prev := o.mode
	o.mode = m
	o.mu.Unlock()
	if prev != m {
		logging.Infow("reply mode changed", "mode", m.String(), "previous", prev.String())
	}
}

func (o *Orchestrator) Mode() ReplyMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) Persona() persona.Profile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persona
}

// Inject speaks operator-supplied text as the active persona. It is dropped
// with voice.ErrSlotBusy while another reply is playing.
func (o *Orchestrator) Inject(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("empty text")
	}
	if o.deps.Sink.Busy() {
		return voice.ErrSlotBusy
	}
	if !o.deps.Lock.TryAcquire(ctx, injectSpeaker, o.cfg.OwnerID) {
		return ErrLockHeld
	}
	defer o.deps.Lock.Release(context.WithoutCancel(ctx), injectSpeaker, o.cfg.OwnerID)
	_, p := o.snapshot()
	err := o.speak(ctx, text, p)
	o.settle(ctx)
	return err
}

// Status is a point-in-time view of the session. Turns for different
// speakers share one State, so with several turns in flight State is the
// step most recently entered by any of them; InProgress lists the speakers.
type Status struct {
	State        string    `json:"state"`
	Mode         string    `json:"mode"`
	Persona      string    `json:"persona"`
	PersonaName  string    `json:"personaName"`
	InProgress   []string  `json:"inProgress"`
	LastActivity time.Time `json:"lastActivity"`
	FillerSent   bool      `json:"fillerSent"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.inProgress))
	for id := range o.inProgress {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Status{
		State:        o.state.String(),
		Mode:         o.mode.String(),
		Persona:      o.persona.Key,
		PersonaName:  o.persona.Name,
		InProgress:   ids,
		LastActivity: o.lastActivity,
		FillerSent:   o.fillerSent,
	}
}

func (o *Orchestrator) snapshot() (ReplyMode, persona.Profile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode, o.persona
}

func (o *Orchestrator) markInProgress(speaker string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inProgress[speaker]; ok {
		return false
	}
	o.inProgress[speaker] = struct{}{}
	return true
}

func (o *Orchestrator) clearInProgress(ctx context.Context, speaker string) {
	o.mu.Lock()
	delete(o.inProgress, speaker)
	o.mu.Unlock()
	o.settle(ctx)
}

func (o *Orchestrator) noteActivity() {
	o.mu.Lock()
	o.lastActivity = o.cfg.Now()
	o.fillerSent = false
	o.mu.Unlock()
}

func (o *Orchestrator) setState(ctx context.Context, s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		logging.DebugwCtx(ctx, "orchestrator state", "from", prev.String(), "to", s.String())
	}
}

// settle returns to Idle once no turn is in progress.
func (o *Orchestrator) settle(ctx context.Context) {
	o.mu.Lock()
	idle := len(o.inProgress) == 0
	o.mu.Unlock()
	if idle {
		o.setState(ctx, Idle)
	}
}
