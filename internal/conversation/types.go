package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
	"github.com/discord-voice-lab/voicemimic/internal/persona"
)

// ReplyMode selects what a transcribed utterance turns into.
type ReplyMode int

const (
	Silent ReplyMode = iota
	RepeatVerbatim
	GenerateReply
)

func (m ReplyMode) String() string {
	switch m {
	case Silent:
		return "silent"
	case RepeatVerbatim:
		return "repeat"
	case GenerateReply:
		return "generate"
	}
	return fmt.Sprintf("ReplyMode(%d)", int(m))
}

func ParseReplyMode(s string) (ReplyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off", "none":
		return Silent, nil
	case "repeat", "mimic", "verbatim":
		return RepeatVerbatim, nil
	case "generate", "ai", "reply", "":
		return GenerateReply, nil
	}
	return GenerateReply, fmt.Errorf("unknown reply mode %q", s)
}

type State int

const (
	Idle State = iota
	AcquiringLock
	Transcribing
	Dispatching
	Synthesizing
	Playing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AcquiringLock:
		return "acquiring_lock"
	case Transcribing:
		return "transcribing"
	case Dispatching:
		return "dispatching"
	case Synthesizing:
		return "synthesizing"
	case Playing:
		return "playing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is how a turn ended. Values double as metric labels.
type Outcome string

const (
	OutcomeSilent     Outcome = "silent"
	OutcomeLockHeld   Outcome = "lock_held"
	OutcomeSlotBusy   Outcome = "slot_busy"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeNoise      Outcome = "noise"
	OutcomeReplied    Outcome = "replied"
	OutcomeFailed     Outcome = "failed"
)

type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

type Generator interface {
	Generate(ctx context.Context, speakerID, prompt string, p persona.Profile) (string, error)
	// Reset drops all conversational context.
	Reset()
}

type Synthesizer interface {
	// Synthesize returns the path of an audio file the caller owns.
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
}

type IdentityUpdater interface {
	UpdateIdentity(ctx context.Context, displayName, avatarURL string) error
}

// Sink is the single playback slot. Play blocks until playback ends and
// returns voice.ErrSlotBusy when the clip was dropped.
type Sink interface {
	Busy() bool
	Play(ctx context.Context, path string) error
}

type Locker interface {
	TryAcquire(ctx context.Context, speakerID, ownerID string) bool
	Release(ctx context.Context, speakerID, ownerID string) bool
}

// TurnRecorder receives per-turn annotations keyed by correlation id.
type TurnRecorder interface {
	MergeUpdates(cid string, updates map[string]interface{}) error
}
