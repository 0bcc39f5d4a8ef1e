package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/voicemimic/internal/voice"
)

type speakingRecorder struct {
	mu      sync.Mutex
	started []string
}

func (r *speakingRecorder) OnSpeakingStart(id string) {
	r.mu.Lock()
	r.started = append(r.started, id)
	r.mu.Unlock()
}

func (r *speakingRecorder) OnSpeakingEnd(string) {}

func (r *speakingRecorder) first() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.started) == 0 {
		return ""
	}
	return r.started[0]
}

// TestOpusRecvWiring feeds a VoiceConnection's OpusRecv channel and checks
// the transport maps the packet's SSRC to the speaking user.
func TestOpusRecvWiring(t *testing.T) {
	vc := &discordgo.VoiceConnection{}
	vc.OpusRecv = make(chan *discordgo.Packet, 2)

	rec := &speakingRecorder{}
	tr := voice.NewDiscordTransport(vc, "bot-self", rec)
	tr.HandleSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 42, Speaking: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	vc.OpusRecv <- nil
	vc.OpusRecv <- &discordgo.Packet{SSRC: 42, Opus: []byte{0x01, 0x02}}

	deadline := time.Now().Add(2 * time.Second)
	for rec.first() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("transport never reported speaking")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.first(); got != "alice" {
		t.Fatalf("unexpected speaker: want=alice got=%s", got)
	}

	cancel()
	<-done
}
