// Package audio holds the PCM helpers shared by ingest, transcription and
// playback: channel downmix, RIFF/WAVE framing and amplitude measurement.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Format describes interleaved little-endian linear PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Discord is the format decoded voice frames arrive in.
var Discord = Format{SampleRate: 48000, Channels: 2, BitDepth: 16}

// BytesPerSecond returns the byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// BlockAlign returns the size of one frame (all channels) in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// DurationMs returns how long n bytes of f play for.
func (f Format) DurationMs(n int) int {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return int(int64(n) * 1000 / int64(bps))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// WAVHeaderSize is the length of the canonical header written by WrapAsWAV.
const WAVHeaderSize = 44

var ErrInvalidWAV = errors.New("audio: invalid wav header")

// DownmixStereoToMono averages each interleaved s16le left/right pair into a
// single sample. The sum is floored before halving, so (100, 101) yields 100
// and (-1, 0) yields -1. A trailing partial frame is dropped.
func DownmixStereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)>>1)))
	}
	return out
}

// WrapAsWAV prefixes pcm with a 44-byte RIFF/WAVE header describing it.
func WrapAsWAV(pcm []byte, sampleRate, channels, bitDepth int) []byte {
	f := Format{SampleRate: sampleRate, Channels: channels, BitDepth: bitDepth}
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.BytesPerSecond()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.BlockAlign()))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// WAVHeader is the parsed form of the header written by WrapAsWAV.
type WAVHeader struct {
	Format
	AudioFormat uint16
	ByteRate    uint32
	BlockAlign  uint16
	RIFFSize    uint32
	DataLen     uint32
}

// ParseWAVHeader decodes the canonical 44-byte header at the start of b.
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	var h WAVHeader
	if len(b) < WAVHeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrInvalidWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return h, fmt.Errorf("%w: missing chunk ids", ErrInvalidWAV)
	}
	le := binary.LittleEndian
	h.RIFFSize = le.Uint32(b[4:8])
	h.AudioFormat = le.Uint16(b[20:22])
	h.Channels = int(le.Uint16(b[22:24]))
	h.SampleRate = int(le.Uint32(b[24:28]))
	h.ByteRate = le.Uint32(b[28:32])
	h.BlockAlign = le.Uint16(b[32:34])
	h.BitDepth = int(le.Uint16(b[34:36]))
	h.DataLen = le.Uint32(b[40:44])
	return h, nil
}

// AverageAmplitude is the mean absolute value of the s16le samples in pcm.
// An odd trailing byte is ignored.
func AverageAmplitude(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float64(sum) / float64(n)
}

// Int16ToBytes serialises samples as s16le.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 parses s16le bytes. An odd trailing byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
