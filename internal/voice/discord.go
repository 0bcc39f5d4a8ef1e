package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
	"github.com/discord-voice-lab/voicemimic/internal/codec"
	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

const (
	// DefaultSpeakingIdle is the frame gap after which a speaker is
	// considered to have stopped.
	DefaultSpeakingIdle = 200 * time.Millisecond
	// DefaultStreamSilence is the frame gap after which a subscription ends.
	DefaultStreamSilence = 500 * time.Millisecond

	subscriptionBuffer = 256
)

// opusSilence is the frame Discord clients send when they stop talking.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// DiscordTransport demultiplexes VoiceConnection.OpusRecv by SSRC into
// per-speaker subscriptions and derives speaking start/end from frame
// activity, since Discord does not reliably announce speaking stops.
type DiscordTransport struct {
	vc            *discordgo.VoiceConnection
	selfID        string
	listener      SpeakingListener
	speakingIdle  time.Duration
	streamSilence time.Duration

	mu       sync.Mutex
	ssrcUser map[uint32]string
	subs     map[string]*discordStream
	last     map[string]time.Time
	speaking map[string]bool
	// resubscribe marks speakers whose subscription closed mid-speech; they
	// get a fresh speaking start until a new subscription exists.
	resubscribe map[string]bool
}

// NewDiscordTransport wires vc's speaking updates into the SSRC map.
// listener receives speaking transitions; selfID is ignored.
func NewDiscordTransport(vc *discordgo.VoiceConnection, selfID string, listener SpeakingListener) *DiscordTransport {
	t := &DiscordTransport{
		vc:            vc,
		selfID:        selfID,
		listener:      listener,
		speakingIdle:  DefaultSpeakingIdle,
		streamSilence: DefaultStreamSilence,
		ssrcUser:      make(map[uint32]string),
		subs:          make(map[string]*discordStream),
		last:          make(map[string]time.Time),
		speaking:      make(map[string]bool),
		resubscribe:   make(map[string]bool),
	}
	if vc != nil {
		vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
			t.HandleSpeakingUpdate(su)
		})
	}
	return t
}

// SetListener replaces the speaking listener. Call before Run.
func (t *DiscordTransport) SetListener(l SpeakingListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// HandleSpeakingUpdate records the SSRC to user mapping.
func (t *DiscordTransport) HandleSpeakingUpdate(su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" || su.UserID == t.selfID {
		return
	}
	t.mu.Lock()
	t.ssrcUser[uint32(su.SSRC)] = su.UserID
	t.mu.Unlock()
	logging.Debugw("speaking update", "ssrc", su.SSRC, "user.id", su.UserID, "speaking", su.Speaking)
}

// Subscribe returns the frame stream for speakerID, creating it if needed.
func (t *DiscordTransport) Subscribe(speakerID string) (FrameStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.subs[speakerID]; ok {
		return s, nil
	}
	s := &discordStream{t: t, speakerID: speakerID, ch: make(chan []byte, subscriptionBuffer)}
	t.subs[speakerID] = s
	delete(t.resubscribe, speakerID)
	return s, nil
}

// Run reads OpusRecv until ctx ends or the channel closes. It blocks.
func (t *DiscordTransport) Run(ctx context.Context) {
	if t.vc == nil || t.vc.OpusRecv == nil {
		logging.Warnw("voice connection has no receive channel")
		return
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	defer t.closeAll(errors.New("voice receive loop stopped"))
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-t.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			t.Deliver(pkt.SSRC, pkt.Opus, time.Now())
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Deliver routes one packet. Exposed so the receive loop can be driven
// without a live connection.
func (t *DiscordTransport) Deliver(ssrc uint32, opus []byte, now time.Time) {
	if len(opus) == 0 || bytes.Equal(opus, opusSilence) {
		return
	}
	t.mu.Lock()
	user := t.ssrcUser[ssrc]
	if user == "" || user == t.selfID {
		t.mu.Unlock()
		return
	}
	t.last[user] = now
	started := !t.speaking[user] || (t.resubscribe[user] && t.subs[user] == nil)
	t.speaking[user] = true
	listener := t.listener
	t.mu.Unlock()

	if started && listener != nil {
		listener.OnSpeakingStart(user)
	}

	t.mu.Lock()
	if s, ok := t.subs[user]; ok && !s.closed {
		select {
		case s.ch <- opus:
		default:
			logging.Debugw("subscription buffer full, dropping frame", "user.id", user)
		}
	}
	t.mu.Unlock()
}

// Sweep emits speaking-end for idle speakers and ends silent subscriptions.
func (t *DiscordTransport) Sweep(now time.Time) {
	var ended []string
	t.mu.Lock()
	for user, ts := range t.last {
		gap := now.Sub(ts)
		if t.speaking[user] && gap >= t.speakingIdle {
			t.speaking[user] = false
			ended = append(ended, user)
		}
		if gap >= t.streamSilence {
			if s, ok := t.subs[user]; ok {
				s.closeLocked(nil)
			}
			delete(t.last, user)
			delete(t.speaking, user)
			delete(t.resubscribe, user)
		}
	}
	listener := t.listener
	t.mu.Unlock()

	if listener == nil {
		return
	}
	for _, user := range ended {
		listener.OnSpeakingEnd(user)
	}
}

func (t *DiscordTransport) closeAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		s.closeLocked(err)
	}
}

type discordStream struct {
	t         *DiscordTransport
	speakerID string
	ch        chan []byte
	closed    bool
	err       error
}

func (s *discordStream) Frames() <-chan []byte { return s.ch }

func (s *discordStream) Err() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.err
}

func (s *discordStream) Close() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.closeLocked(nil)
}

// closeLocked requires t.mu.
func (s *discordStream) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	if cur, ok := s.t.subs[s.speakerID]; ok && cur == s {
		delete(s.t.subs, s.speakerID)
		if s.t.speaking[s.speakerID] {
			s.t.resubscribe[s.speakerID] = true
		}
	}
}

// DiscordOutput decodes a file with ffmpeg and sends it as opus frames.
type DiscordOutput struct {
	vc         *discordgo.VoiceConnection
	transcoder *audio.Transcoder
}

func NewDiscordOutput(vc *discordgo.VoiceConnection, tr *audio.Transcoder) *DiscordOutput {
	return &DiscordOutput{vc: vc, transcoder: tr}
}

func (o *DiscordOutput) Transmit(ctx context.Context, path string) error {
	if o.vc == nil || o.vc.OpusSend == nil {
		return errors.New("voice connection cannot send")
	}
	pcm, err := o.transcoder.DecodeFile(ctx, path, audio.Discord)
	if err != nil {
		return err
	}
	defer pcm.Close()

	enc, err := codec.NewOpusEncoder(audio.Discord.Channels)
	if err != nil {
		return err
	}
	if err := o.vc.Speaking(true); err != nil {
		logging.Debugw("speaking(true) failed", "err", err)
	}
	defer func() {
		if err := o.vc.Speaking(false); err != nil {
			logging.Debugw("speaking(false) failed", "err", err)
		}
	}()

	frame := make([]byte, enc.FrameBytes())
	for {
		n, rerr := io.ReadFull(pcm, frame)
		if n > 0 {
			pkt, err := enc.Encode(frame[:n])
			if err != nil {
				return fmt.Errorf("opus encode: %w", err)
			}
			select {
			case o.vc.OpusSend <- pkt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				return nil
			}
			return rerr
		}
	}
}

// DiscordIdentity updates the bot's guild nickname and avatar.
type DiscordIdentity struct {
	s       *discordgo.Session
	guildID string
	http    *http.Client
}

func NewDiscordIdentity(s *discordgo.Session, guildID string) *DiscordIdentity {
	return &DiscordIdentity{s: s, guildID: guildID, http: &http.Client{Timeout: 10 * time.Second}}
}

// UpdateIdentity applies both changes and returns the joined errors.
func (d *DiscordIdentity) UpdateIdentity(ctx context.Context, displayName, avatarURL string) error {
	var errs []error
	if displayName != "" && d.guildID != "" {
		if err := d.s.GuildMemberNickname(d.guildID, "@me", displayName); err != nil {
			errs = append(errs, fmt.Errorf("nickname: %w", err))
		}
	}
	if avatarURL != "" {
		if err := d.setAvatar(ctx, avatarURL); err != nil {
			errs = append(errs, fmt.Errorf("avatar: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *DiscordIdentity) setAvatar(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	ctype := resp.Header.Get("Content-Type")
	if ctype == "" {
		ctype = http.DetectContentType(img)
	}
	data := struct {
		Avatar string `json:"avatar"`
	}{Avatar: "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(img)}
	_, err = d.s.RequestWithBucketID(http.MethodPatch, discordgo.EndpointUser("@me"), data, discordgo.EndpointUser(""))
	return err
}
