// Package stt transcribes finished utterances with an OpenAI-compatible
// Whisper endpoint.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/artifact"
	"github.com/discord-voice-lab/voicemimic/internal/audio"
	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

const (
	DefaultModel    = "whisper-1"
	DefaultAttempts = 3
)

type Client struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	// SampleRate is the upload rate. Zero or a missing ffmpeg keeps the
	// capture rate.
	SampleRate int
	Attempts   int
	HTTP       *http.Client
	Transcoder *audio.Transcoder
	Archive    *artifact.Archive
	// Backoff returns the wait before retry n (1-based) after status.
	Backoff func(attempt, status int) time.Duration
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Model:    DefaultModel,
		Language: "en",
		Attempts: DefaultAttempts,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		Backoff:  DefaultBackoff,
	}
}

// DefaultBackoff waits 2s per attempt, or 5s per attempt when rate limited.
func DefaultBackoff(attempt, status int) time.Duration {
	if status == http.StatusTooManyRequests {
		return time.Duration(attempt) * 5 * time.Second
	}
	return time.Duration(attempt) * 2 * time.Second
}

// Transcribe uploads pcm as a mono WAV and returns the trimmed transcript.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	wav, sent := c.prepare(ctx, pcm, f)
	cid := logging.CorrelationID(ctx)
	if cid != "" && c.Archive != nil {
		if _, err := c.Archive.Save(cid, wav, map[string]interface{}{
			"sample_rate": sent.SampleRate,
			"channels":    sent.Channels,
			"duration_ms": sent.DurationMs(len(wav) - audio.WAVHeaderSize),
		}); err != nil {
			logging.DebugwCtx(ctx, "stt: archive save failed", "err", err)
		}
	}

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		text, status, err := c.post(ctx, wav)
		metrics.ObserveStage("stt", time.Since(start).Seconds())
		if err == nil {
			logging.DebugwCtx(ctx, "stt: transcript received", "chars", len(text), "latency_ms", time.Since(start).Milliseconds())
			if cid != "" && c.Archive != nil {
				_ = c.Archive.MergeUpdates(cid, map[string]interface{}{
					"transcript":     text,
					"stt_latency_ms": time.Since(start).Milliseconds(),
				})
			}
			return text, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) || attempt == attempts {
			break
		}
		wait := backoff(attempt, status)
		logging.WarnwCtx(ctx, "stt: attempt failed, retrying", "attempt", attempt, "status", status, "wait_ms", wait.Milliseconds(), "err", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		case <-t.C:
		}
	}
	return "", lastErr
}

// prepare downmixes, optionally resamples and wraps pcm. It returns the WAV
// and the format actually sent.
func (c *Client) prepare(ctx context.Context, pcm []byte, f audio.Format) ([]byte, audio.Format) {
	if f.Channels == 2 {
		pcm = audio.DownmixStereoToMono(pcm)
		f.Channels = 1
	}
	if c.SampleRate > 0 && c.SampleRate != f.SampleRate && c.Transcoder != nil && c.Transcoder.Available() {
		to := audio.Format{SampleRate: c.SampleRate, Channels: f.Channels, BitDepth: f.BitDepth}
		out, err := c.Transcoder.Resample(ctx, pcm, f, to)
		if err != nil {
			logging.WarnwCtx(ctx, "stt: resample failed; uploading capture rate", "err", err)
		} else {
			pcm, f = out, to
		}
	}
	return audio.WrapAsWAV(pcm, f.SampleRate, f.Channels, f.BitDepth), f
}

func (c *Client) post(ctx context.Context, wav []byte) (string, int, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	h.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", 0, err
	}
	if _, err := part.Write(wav); err != nil {
		return "", 0, err
	}
	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	_ = mw.WriteField("model", model)
	if c.Language != "" {
		_ = mw.WriteField("language", c.Language)
	}
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if cid := logging.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, bytes.TrimSpace(snippet))
		}
		return "", resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", resp.StatusCode, fmt.Errorf("%w: decode error: %v", ErrPermanent, err)
	}
	return strings.TrimSpace(out.Text), resp.StatusCode, nil
}
