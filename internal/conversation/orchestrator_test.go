package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
	"github.com/discord-voice-lab/voicemimic/internal/lock"
	"github.com/discord-voice-lab/voicemimic/internal/persona"
	"github.com/discord-voice-lab/voicemimic/internal/voice"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, _ audio.Format) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type generateCall struct {
	speaker, prompt, persona string
}

type fakeGenerator struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  []generateCall
	resets int
}

func (g *fakeGenerator) Generate(ctx context.Context, speakerID, prompt string, p persona.Profile) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, generateCall{speakerID, prompt, p.Key})
	return g.reply, g.err
}

func (g *fakeGenerator) Reset() {
	g.mu.Lock()
	g.resets++
	g.mu.Unlock()
}

// fakeSynth writes each text to a temp file so removal can be observed.
type fakeSynth struct {
	mu     sync.Mutex
	dir    string
	err    error
	texts  []string
	voices []string
	paths  []string
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("tts_%03d.mp3", len(s.paths)))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	s.texts = append(s.texts, text)
	s.voices = append(s.voices, voiceID)
	s.paths = append(s.paths, path)
	return path, nil
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeSink struct {
	mu      sync.Mutex
	busy    bool
	playErr error
	played  []string
	block   chan struct{}
}

func (k *fakeSink) Busy() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.busy
}

func (k *fakeSink) Play(ctx context.Context, path string) error {
	b, _ := os.ReadFile(path)
	if k.block != nil {
		<-k.block
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.playErr != nil {
		return k.playErr
	}
	k.played = append(k.played, string(b))
	return nil
}

func (k *fakeSink) plays() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.played...)
}

type fakeLock struct {
	mu       sync.Mutex
	refuse   bool
	held     map[string]bool
	released []string
}

func newFakeLock() *fakeLock { return &fakeLock{held: map[string]bool{}} }

func (l *fakeLock) TryAcquire(ctx context.Context, speakerID, ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return false
	}
	l.held[speakerID] = true
	return true
}

func (l *fakeLock) Release(ctx context.Context, speakerID, ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, speakerID)
	ok := l.held[speakerID]
	delete(l.held, speakerID)
	return ok
}

func (l *fakeLock) holding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

type identityCall struct{ name, avatar string }

type fakeIdentity struct {
	mu    sync.Mutex
	calls []identityCall
}

func (f *fakeIdentity) UpdateIdentity(ctx context.Context, displayName, avatarURL string) error {
	f.mu.Lock()
	f.calls = append(f.calls, identityCall{displayName, avatarURL})
	f.mu.Unlock()
	return errors.New("missing permissions")
}

type harness struct {
	o     *Orchestrator
	stt   *fakeTranscriber
	gen   *fakeGenerator
	synth *fakeSynth
	sink  *fakeSink
	lock  *fakeLock
	id    *fakeIdentity
	now   time.Time
}

func newHarness(t *testing.T, mode ReplyMode, roll float64) *harness {
	t.Helper()
	h := &harness{
		stt:   &fakeTranscriber{text: "what are we doing tonight"},
		gen:   &fakeGenerator{reply: "nothing good"},
		synth: &fakeSynth{dir: t.TempDir()},
		sink:  &fakeSink{},
		lock:  newFakeLock(),
		id:    &fakeIdentity{},
		now:   time.Unix(1_700_000_000, 0),
	}
	h.o = New(Config{
		OwnerID:      "bot-a",
		Mode:         mode,
		TickChance:   DefaultTickChance,
		FillerChance: DefaultFillerChance,
		Rand:         func() float64 { return roll },
		Now:          func() time.Time { return h.now },
	}, Deps{
		Transcriber: h.stt,
		Generator:   h.gen,
		Synthesizer: h.synth,
		Sink:        h.sink,
		Lock:        h.lock,
		Identity:    h.id,
	})
	return h
}

func utterance(speaker string) voice.Utterance {
	return voice.Utterance{
		SpeakerID:     speaker,
		CorrelationID: "cid-" + speaker,
		PCM:           make([]byte, 96000),
		Format:        audio.Discord,
		ByteLength:    96000,
	}
}

func TestSilentModeSkipsTranscription(t *testing.T) {
	h := newHarness(t, Silent, 0.5)
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeSilent {
		t.Fatalf("outcome: %s", got)
	}
	if h.stt.count() != 0 {
		t.Fatalf("silent mode must not transcribe")
	}
}

func TestGenerateReplySpeaksWithActivePersona(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeReplied {
		t.Fatalf("outcome: %s", got)
	}
	if len(h.gen.calls) != 1 || h.gen.calls[0].prompt != "what are we doing tonight" || h.gen.calls[0].speaker != "alice" {
		t.Fatalf("generate calls: %+v", h.gen.calls)
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != "nothing good" {
		t.Fatalf("played: %v", got)
	}
	def := h.o.Persona()
	if h.synth.voices[0] != def.VoiceID {
		t.Fatalf("voice: want=%s got=%s", def.VoiceID, h.synth.voices[0])
	}
	if _, err := os.Stat(h.synth.paths[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("synthesized file not removed: %v", err)
	}
	if h.lock.holding() != 0 {
		t.Fatalf("lock not released")
	}
	if st := h.o.Status(); st.State != "idle" || len(st.InProgress) != 0 {
		t.Fatalf("status after turn: %+v", st)
	}
}

func TestLockHeldDropsTurn(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.lock.refuse = true
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeLockHeld {
		t.Fatalf("outcome: %s", got)
	}
	if h.stt.count() != 0 || len(h.sink.plays()) != 0 {
		t.Fatalf("dropped turn must not transcribe or play")
	}
}

func TestSlotBusyReleasesLock(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.sink.busy = true
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeSlotBusy {
		t.Fatalf("outcome: %s", got)
	}
	if h.lock.holding() != 0 || len(h.lock.released) != 1 {
		t.Fatalf("lock must be released on slot busy: %v", h.lock.released)
	}
	if h.stt.count() != 0 {
		t.Fatalf("busy slot must not transcribe")
	}
}

func TestSpeakerAlreadyInProgress(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.o.markInProgress("alice")
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeInProgress {
		t.Fatalf("outcome: %s", got)
	}
	if got := h.o.HandleUtterance(context.Background(), utterance("bob")); got != OutcomeReplied {
		t.Fatalf("other speaker outcome: %s", got)
	}
}

func TestShortTranscriptIsNoise(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.stt.text = "a"
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeNoise {
		t.Fatalf("outcome: %s", got)
	}
	if len(h.gen.calls) != 0 || len(h.sink.plays()) != 0 {
		t.Fatalf("noise must not reply")
	}
}

func TestRepeatModeSpeaksTranscript(t *testing.T) {
	h := newHarness(t, RepeatVerbatim, 0.01)
	h.stt.text = "hey griffin say this back"
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeReplied {
		t.Fatalf("outcome: %s", got)
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != "hey griffin say this back" {
		t.Fatalf("played: %v", got)
	}
	if len(h.gen.calls) != 0 || h.o.Persona().Key != "connor" {
		t.Fatalf("repeat mode must not generate or switch persona")
	}
}

func TestAddressSwitchesPersonaAndGenerates(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.stt.text = "Hey Griffin, tell me a joke."
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeReplied {
		t.Fatalf("outcome: %s", got)
	}
	h.o.Wait()

	if h.o.Persona().Key != "griffin" {
		t.Fatalf("persona: %s", h.o.Persona().Key)
	}
	if len(h.gen.calls) != 1 || h.gen.calls[0].prompt != "tell me a joke" || h.gen.calls[0].persona != "griffin" {
		t.Fatalf("generate calls: %+v", h.gen.calls)
	}
	if h.gen.resets != 1 {
		t.Fatalf("history resets: %d", h.gen.resets)
	}
	griffin, _ := persona.NewCatalog(persona.Builtins(), "").Lookup("griffin")
	if len(h.id.calls) != 1 || h.id.calls[0].name != griffin.Nickname() || h.id.calls[0].avatar != griffin.AvatarURL {
		t.Fatalf("identity calls: %+v", h.id.calls)
	}
	if h.synth.voices[0] != griffin.VoiceID {
		t.Fatalf("reply must use the new persona's voice")
	}
}

func TestAddressWithoutRequestPlaysTick(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.stt.text = "hey griffin"
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeReplied {
		t.Fatalf("outcome: %s", got)
	}
	h.o.Wait()
	if len(h.gen.calls) != 0 {
		t.Fatalf("bare address must not generate")
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != DefaultTicks[len(DefaultTicks)/2] {
		t.Fatalf("played: %v", got)
	}
}

func TestAddressingActivePersonaKeepsHistory(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.stt.text = "connor what's up"
	h.o.HandleUtterance(context.Background(), utterance("alice"))
	h.o.Wait()
	if h.gen.resets != 0 || len(h.id.calls) != 0 {
		t.Fatalf("re-addressing the active persona must not switch")
	}
	if h.gen.calls[0].prompt != "what's up" {
		t.Fatalf("prompt: %q", h.gen.calls[0].prompt)
	}
}

func TestTickSubstitutesGeneratedReply(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.05)
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeReplied {
		t.Fatalf("outcome: %s", got)
	}
	if len(h.gen.calls) != 0 {
		t.Fatalf("tick must replace generation")
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != DefaultTicks[0] {
		t.Fatalf("played: %v", got)
	}
}

func TestFailureSpeaksApology(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.stt.err = errors.New("whisper down")
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeFailed {
		t.Fatalf("outcome: %s", got)
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != DefaultApology {
		t.Fatalf("played: %v", got)
	}
	if h.lock.holding() != 0 {
		t.Fatalf("lock not released after failure")
	}
	if st := h.o.Status(); len(st.InProgress) != 0 {
		t.Fatalf("in-progress marker left behind")
	}
}

func TestSynthesisFailureStillReleases(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.synth.err = errors.New("quota")
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeFailed {
		t.Fatalf("outcome: %s", got)
	}
	if h.lock.holding() != 0 || h.o.Status().State != "idle" {
		t.Fatalf("cleanup incomplete: %+v", h.o.Status())
	}
}

func TestSlotTakenAtPlayIsDropNotFailure(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.sink.playErr = voice.ErrSlotBusy
	if got := h.o.HandleUtterance(context.Background(), utterance("alice")); got != OutcomeSlotBusy {
		t.Fatalf("outcome: %s", got)
	}
	if n := len(h.synth.spoken()); n != 1 {
		t.Fatalf("apology must not be attempted, synthesized %d", n)
	}
}

func TestSetPersonaAndMode(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	p, err := h.o.SetPersona(context.Background(), "Elijah")
	if err != nil || p.Key != "elijah" {
		t.Fatalf("SetPersona: %v %v", p.Key, err)
	}
	if _, err := h.o.SetPersona(context.Background(), "nobody"); err == nil {
		t.Fatalf("expected unknown persona error")
	}
	h.o.SetMode(RepeatVerbatim)
	st := h.o.Status()
	if st.Mode != "repeat" || st.Persona != "elijah" {
		t.Fatalf("status: %+v", st)
	}
	h.o.Wait()
}

func TestInject(t *testing.T) {
	h := newHarness(t, Silent, 0.5)
	if err := h.o.Inject(context.Background(), "operator says hi"); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != "operator says hi" {
		t.Fatalf("played: %v", got)
	}
	h.sink.busy = true
	if err := h.o.Inject(context.Background(), "again"); !errors.Is(err, voice.ErrSlotBusy) {
		t.Fatalf("expected ErrSlotBusy, got %v", err)
	}
	h.sink.busy = false
	h.lock.refuse = true
	if err := h.o.Inject(context.Background(), "again"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestSilenceWatchdog(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.1)
	ctx := context.Background()

	h.now = h.now.Add(30 * time.Second)
	if h.o.CheckSilence(ctx) {
		t.Fatalf("filler before threshold")
	}
	h.now = h.now.Add(31 * time.Second)
	if !h.o.CheckSilence(ctx) {
		t.Fatalf("expected filler after threshold")
	}
	if got := h.sink.plays(); len(got) != 1 || got[0] != DefaultTrivia[len(DefaultTrivia)/10] {
		t.Fatalf("played: %v", got)
	}
	h.now = h.now.Add(5 * time.Minute)
	if h.o.CheckSilence(ctx) {
		t.Fatalf("filler must not repeat within one quiet period")
	}

	// New activity starts a new quiet period.
	h.o.HandleUtterance(ctx, utterance("alice"))
	h.now = h.now.Add(61 * time.Second)
	if !h.o.CheckSilence(ctx) {
		t.Fatalf("expected filler in the next quiet period")
	}
}

func TestSilenceWatchdogRollAndBusySlot(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.9)
	h.now = h.now.Add(2 * time.Minute)
	if h.o.CheckSilence(context.Background()) {
		t.Fatalf("failed roll must not speak")
	}

	h = newHarness(t, GenerateReply, 0.1)
	h.now = h.now.Add(2 * time.Minute)
	h.sink.busy = true
	if h.o.CheckSilence(context.Background()) {
		t.Fatalf("busy slot must not speak")
	}
	h.sink.busy = false
	if !h.o.CheckSilence(context.Background()) {
		t.Fatalf("a skipped filler must be retried")
	}
}

func TestStartWatchdogStopsOnCancel(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.1)
	h.now = h.now.Add(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	h.o.StartWatchdog(ctx, &wg, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.sink.plays()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
}

func TestRunProcessesUntilChannelCloses(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	in := make(chan voice.Utterance, 2)
	in <- utterance("alice")
	in <- utterance("bob")
	close(in)
	h.o.Run(context.Background(), in)
	if got := len(h.sink.plays()); got != 2 {
		t.Fatalf("expected two replies, got %d", got)
	}
}

func TestSharedLockLetsOneBotReply(t *testing.T) {
	dir := t.TempDir()
	block := make(chan struct{})
	newBot := func(owner string) (*Orchestrator, *fakeSink) {
		store, err := lock.NewFileStore(dir, "response")
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		sink := &fakeSink{block: block}
		o := New(Config{
			OwnerID: owner,
			Mode:    GenerateReply,
			Rand:    func() float64 { return 0.5 },
		}, Deps{
			Transcriber: &fakeTranscriber{text: "who wants to play"},
			Generator:   &fakeGenerator{reply: "me"},
			Synthesizer: &fakeSynth{dir: t.TempDir()},
			Sink:        sink,
			Lock:        lock.New(store, lock.WithJitterFunc(func(time.Duration) time.Duration { return 0 })),
		})
		return o, sink
	}
	a, sinkA := newBot("bot-a")
	b, sinkB := newBot("bot-b")

	results := make(chan Outcome, 2)
	go func() { results <- a.HandleUtterance(context.Background(), utterance("alice")) }()
	go func() { results <- b.HandleUtterance(context.Background(), utterance("alice")) }()

	var first Outcome
	select {
	case first = <-results:
	case <-time.After(2 * time.Second):
		t.Fatalf("no bot finished")
	}
	if first != OutcomeLockHeld {
		t.Fatalf("loser outcome: %s", first)
	}
	close(block)
	if second := <-results; second != OutcomeReplied {
		t.Fatalf("winner outcome: %s", second)
	}
	if n := len(sinkA.plays()) + len(sinkB.plays()); n != 1 {
		t.Fatalf("exactly one bot must speak, got %d", n)
	}
}

func TestConfigChanceDefaults(t *testing.T) {
	o := New(Config{}, Deps{})
	if o.cfg.TickChance != DefaultTickChance || o.cfg.FillerChance != DefaultFillerChance {
		t.Fatalf("zero config: tick=%v filler=%v", o.cfg.TickChance, o.cfg.FillerChance)
	}
	o = New(Config{TickChance: -1, FillerChance: -1}, Deps{})
	if o.cfg.TickChance != 0 || o.cfg.FillerChance != 0 {
		t.Fatalf("negative chance should disable: tick=%v filler=%v", o.cfg.TickChance, o.cfg.FillerChance)
	}
}

func TestStatusStaysBusyWhileAnyTurnInFlight(t *testing.T) {
	h := newHarness(t, GenerateReply, 0.5)
	h.sink.block = make(chan struct{})

	results := make(chan Outcome, 2)
	go func() { results <- h.o.HandleUtterance(context.Background(), utterance("alice")) }()
	go func() { results <- h.o.HandleUtterance(context.Background(), utterance("bob")) }()

	deadline := time.Now().Add(2 * time.Second)
	for st := h.o.Status(); len(st.InProgress) != 2 || st.State != "playing"; st = h.o.Status() {
		if time.Now().After(deadline) {
			t.Fatalf("turns never reached playback: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.sink.block <- struct{}{}
	if got := <-results; got != OutcomeReplied {
		t.Fatalf("first turn: %s", got)
	}
	if st := h.o.Status(); len(st.InProgress) != 1 || st.State == "idle" {
		t.Fatalf("finished turn must not report idle while another runs: %+v", st)
	}

	h.sink.block <- struct{}{}
	if got := <-results; got != OutcomeReplied {
		t.Fatalf("second turn: %s", got)
	}
	if st := h.o.Status(); len(st.InProgress) != 0 || st.State != "idle" {
		t.Fatalf("status after both turns: %+v", st)
	}
}
