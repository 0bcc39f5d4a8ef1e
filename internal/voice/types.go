package voice

import (
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
)

// Utterance is a finalized, quality-gated span of one speaker's audio.
// It is produced once by the Segmenter and never mutated afterwards.
type Utterance struct {
	SpeakerID        string
	CorrelationID    string
	PCM              []byte
	Format           audio.Format
	AverageAmplitude float64
	ByteLength       int
	CapturedAt       time.Time
}

// DurationMs is the playback length of the utterance.
func (u Utterance) DurationMs() int { return u.Format.DurationMs(u.ByteLength) }

// Decoder converts one encoded transport frame into PCM bytes.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// FrameStream is a per-speaker subscription to encoded frames. Frames is
// closed when the transport ends the stream (sustained silence, unsubscribe
// or failure); Err then reports a failure, or nil for a normal end.
type FrameStream interface {
	Frames() <-chan []byte
	Err() error
	Close()
}

// Transport is the receive side of the voice session.
type Transport interface {
	Subscribe(speakerID string) (FrameStream, error)
}

// SpeakingListener receives speaking transitions from a transport.
type SpeakingListener interface {
	OnSpeakingStart(speakerID string)
	OnSpeakingEnd(speakerID string)
}
