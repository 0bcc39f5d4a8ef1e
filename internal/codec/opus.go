// Package codec wraps libopus for the voice gateway's 20ms frames.
package codec

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
)

const (
	// FrameSize is samples per channel in one 20ms frame at 48kHz.
	FrameSize = 960
	// maxFrameSize covers the largest (120ms) opus packet per channel.
	maxFrameSize = 5760
)

// OpusDecoder turns opus packets into interleaved s16le bytes.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoder creates a decoder producing audio.Discord PCM.
func NewOpusDecoder() (*OpusDecoder, error) {
	f := audio.Discord
	dec, err := opus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: f.Channels, pcm: make([]int16, maxFrameSize*f.Channels)}, nil
}

// Decode returns the PCM bytes for one packet. The returned slice is freshly
// allocated and safe to retain.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, err
	}
	return audio.Int16ToBytes(d.pcm[:n*d.channels]), nil
}

// OpusEncoder packs interleaved s16le frames into opus packets for sending.
type OpusEncoder struct {
	enc      *opus.Encoder
	channels int
	buf      []byte
}

// NewOpusEncoder creates a VoIP-tuned 48kHz encoder.
func NewOpusEncoder(channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(audio.Discord.SampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, channels: channels, buf: make([]byte, 4000)}, nil
}

// FrameBytes is the PCM byte length of one 20ms frame for this encoder.
func (e *OpusEncoder) FrameBytes() int {
	return FrameSize * e.channels * 2
}

// Encode encodes exactly one frame. Short input is zero padded.
func (e *OpusEncoder) Encode(frame []byte) ([]byte, error) {
	samples := audio.BytesToInt16(frame)
	if want := FrameSize * e.channels; len(samples) < want {
		padded := make([]int16, want)
		copy(padded, samples)
		samples = padded
	}
	n, err := e.enc.Encode(samples, e.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
