package voice

import (
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

const (
	DefaultMinDuration  = 500 * time.Millisecond
	DefaultMinAmplitude = 400.0
)

// Rejection names why a buffer was discarded. The empty value means the
// buffer was accepted.
type Rejection string

const (
	Accepted       Rejection = ""
	RejectEmpty    Rejection = "empty"
	RejectTooShort Rejection = "too_short"
	RejectTooQuiet Rejection = "too_quiet"
)

// Segmenter gates finished speaker buffers on length and loudness.
type Segmenter struct {
	Format       audio.Format
	MinDuration  time.Duration
	MinAmplitude float64
	now          func() time.Time
}

// NewSegmenter returns a segmenter for Discord PCM with default floors.
func NewSegmenter() *Segmenter {
	return &Segmenter{
		Format:       audio.Discord,
		MinDuration:  DefaultMinDuration,
		MinAmplitude: DefaultMinAmplitude,
		now:          time.Now,
	}
}

// MinBytes is the shortest accepted buffer: rate x channels x bytes per
// sample x minimum seconds.
func (s *Segmenter) MinBytes() int {
	return int(int64(s.Format.BytesPerSecond()) * int64(s.MinDuration) / int64(time.Second))
}

// Segment turns a finished buffer into an Utterance or reports why it was
// rejected. Rejections are logged, never returned as errors.
func (s *Segmenter) Segment(speakerID string, pcm []byte) (Utterance, Rejection) {
	fields := logging.UserFields(speakerID, "")
	if len(pcm) == 0 {
		logging.Debugw("no audio captured", fields...)
		metrics.RecordUtterance(string(RejectEmpty))
		return Utterance{}, RejectEmpty
	}
	if len(pcm) < s.MinBytes() {
		logging.Debugw("audio too short, ignoring", append(fields, "bytes", len(pcm), "min_bytes", s.MinBytes())...)
		metrics.RecordUtterance(string(RejectTooShort))
		return Utterance{}, RejectTooShort
	}
	amp := audio.AverageAmplitude(pcm)
	if amp < s.MinAmplitude {
		logging.Debugw("audio too quiet, ignoring", append(fields, "amplitude", amp, "min_amplitude", s.MinAmplitude)...)
		metrics.RecordUtterance(string(RejectTooQuiet))
		return Utterance{}, RejectTooQuiet
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	u := Utterance{
		SpeakerID:        speakerID,
		CorrelationID:    uuid.NewString(),
		PCM:              pcm,
		Format:           s.Format,
		AverageAmplitude: amp,
		ByteLength:       len(pcm),
		CapturedAt:       now(),
	}
	logging.Infow("captured utterance", append(fields, logging.UtteranceFields(u.CorrelationID, u.ByteLength, u.DurationMs(), amp)...)...)
	metrics.RecordUtterance("emitted")
	return u, Accepted
}
