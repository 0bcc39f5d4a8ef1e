// Package tts synthesizes replies with the ElevenLabs text-to-speech API.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/voicemimic/internal/artifact"
	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

// ErrStatus wraps any non-2xx response from the synthesis endpoint.
var ErrStatus = errors.New("tts: unexpected status")

const DefaultModel = "eleven_turbo_v2_5"

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

var DefaultVoiceSettings = VoiceSettings{Stability: 0.5, SimilarityBoost: 0.75, UseSpeakerBoost: true}

type Client struct {
	BaseURL  string
	APIKey   string
	Model    string
	Settings VoiceSettings
	// Dir receives the synthesized mp3 files.
	Dir  string
	HTTP *http.Client
}

func NewClient(baseURL, apiKey, dir string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		Model:    DefaultModel,
		Settings: DefaultVoiceSettings,
		Dir:      dir,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type request struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// Synthesize renders text with voiceID and returns the path of the saved
// mp3. The caller owns the file.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	if voiceID == "" {
		return "", fmt.Errorf("tts: empty voice id")
	}
	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	body, err := json.Marshal(request{Text: text, ModelID: model, VoiceSettings: c.Settings})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/text-to-speech/%s", c.BaseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.APIKey)

	start := time.Now()
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	metrics.ObserveStage("tts", time.Since(start).Seconds())
	if err != nil {
		logging.DebugwCtx(ctx, "tts: POST failed", "err", err)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logging.WarnwCtx(ctx, "tts: returned non-2xx", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: %d: %s", ErrStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	audioBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("tts_%s_%s.mp3", time.Now().UTC().Format("20060102T150405.000Z"), uuid.NewString()[:8])
	path := filepath.Join(c.Dir, name)
	if err := artifact.SaveFileAtomic(path, audioBytes, 0o644); err != nil {
		logging.WarnwCtx(ctx, "tts: failed to save audio", "err", err, "path", path)
		return "", err
	}
	logging.DebugwCtx(ctx, "tts: saved audio", "path", path, "bytes", len(audioBytes), "latency_ms", time.Since(start).Milliseconds())
	return path, nil
}
