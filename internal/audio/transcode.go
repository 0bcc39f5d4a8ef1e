package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

var ErrNoFFmpeg = errors.New("audio: ffmpeg not available")

// Transcoder shells out to ffmpeg for resampling and container decoding.
type Transcoder struct {
	Path string
}

// NewTranscoder resolves the ffmpeg binary. An empty path means "ffmpeg" on
// PATH.
func NewTranscoder(path string) *Transcoder {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	return &Transcoder{Path: path}
}

// Available reports whether the configured binary can be found.
func (t *Transcoder) Available() bool {
	if t == nil {
		return false
	}
	_, err := exec.LookPath(t.Path)
	return err == nil
}

func pcmArgs(f Format) []string {
	return []string{"-f", "s16le", "-ar", strconv.Itoa(f.SampleRate), "-ac", strconv.Itoa(f.Channels)}
}

// Resample converts raw s16le pcm from one format to another.
func (t *Transcoder) Resample(ctx context.Context, pcm []byte, from, to Format) ([]byte, error) {
	if from == to {
		return pcm, nil
	}
	if !t.Available() {
		return nil, ErrNoFFmpeg
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, pcmArgs(from)...)
	args = append(args, "-i", "pipe:0")
	args = append(args, pcmArgs(to)...)
	args = append(args, "pipe:1")

	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Stdin = bytes.NewReader(pcm)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg resample %s -> %s: %w: %s", from, to, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// DecodeFile streams path as raw s16le in format f. Closing the returned
// reader stops ffmpeg and reaps the process.
func (t *Transcoder) DecodeFile(ctx context.Context, path string, f Format) (io.ReadCloser, error) {
	if !t.Available() {
		return nil, ErrNoFFmpeg
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-i", path}
	args = append(args, pcmArgs(f)...)
	args = append(args, "pipe:1")

	cmd := exec.CommandContext(ctx, t.Path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	return &procReader{ReadCloser: stdout, cmd: cmd, stderr: &stderr, path: path}, nil
}

type procReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	path   string
}

func (p *procReader) Close() error {
	_ = p.ReadCloser.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	if err := p.cmd.Wait(); err != nil {
		logging.Debugw("ffmpeg decode exited", "path", p.path, "err", err, "stderr", strings.TrimSpace(p.stderr.String()))
	}
	return nil
}
