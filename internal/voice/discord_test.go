package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) OnSpeakingStart(id string) { l.add("start:" + id) }
func (l *recordingListener) OnSpeakingEnd(id string)   { l.add("end:" + id) }

func (l *recordingListener) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestDiscordTransportMapsSSRCAndDerivesSpeaking(t *testing.T) {
	l := &recordingListener{}
	tr := NewDiscordTransport(nil, "bot-self", l)
	tr.HandleSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 42, Speaking: true})

	now := time.Unix(1_700_000_000, 0)
	tr.Deliver(7, []byte{1, 2, 3}, now) // unknown ssrc
	tr.Deliver(42, []byte{1, 2, 3}, now)
	tr.Deliver(42, []byte{4, 5, 6}, now.Add(20*time.Millisecond))

	tr.Sweep(now.Add(100 * time.Millisecond))
	tr.Sweep(now.Add(300 * time.Millisecond))

	got := l.snapshot()
	if len(got) != 2 || got[0] != "start:alice" || got[1] != "end:alice" {
		t.Fatalf("events: %v", got)
	}
}

func TestDiscordTransportRoutesFramesToSubscription(t *testing.T) {
	tr := NewDiscordTransport(nil, "bot-self", nil)
	tr.HandleSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 42})

	stream, err := tr.Subscribe("alice")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	now := time.Now()
	tr.Deliver(42, []byte{9, 9}, now)
	tr.Deliver(42, opusSilence, now)

	select {
	case f := <-stream.Frames():
		if len(f) != 2 || f[0] != 9 {
			t.Fatalf("unexpected frame %v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered")
	}

	tr.Sweep(now.Add(DefaultStreamSilence))
	if _, ok := <-stream.Frames(); ok {
		t.Fatalf("expected stream closed after silence")
	}
	if stream.Err() != nil {
		t.Fatalf("silence end must not be an error: %v", stream.Err())
	}

	again, _ := tr.Subscribe("alice")
	if again == stream {
		t.Fatalf("closed subscription must not be reused")
	}
}

func TestDiscordTransportIgnoresSelf(t *testing.T) {
	l := &recordingListener{}
	tr := NewDiscordTransport(nil, "bot-self", l)
	tr.HandleSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "bot-self", SSRC: 1})
	tr.Deliver(1, []byte{1}, time.Now())
	if len(l.snapshot()) != 0 {
		t.Fatalf("self audio must be ignored")
	}
}

func TestDiscordTransportFeedsReceiver(t *testing.T) {
	tr := NewDiscordTransport(nil, "bot-self", nil)
	r := NewReceiver(t.Context(), tr, ReceiverConfig{NewDecoder: newPassthrough, EndDebounce: 10 * time.Millisecond})
	defer r.Close()
	tr.SetListener(r)
	tr.HandleSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 42})

	now := time.Now()
	for i, f := range loudFrames(600, 1000) {
		tr.Deliver(42, f, now.Add(time.Duration(i)*20*time.Millisecond))
	}
	tr.Sweep(now.Add(time.Second))

	u := expectUtterance(t, r)
	if u.SpeakerID != "alice" || u.ByteLength != 600*192 {
		t.Fatalf("unexpected utterance: %s %d", u.SpeakerID, u.ByteLength)
	}
}

func TestDiscordTransportResumesAfterMaxLengthCut(t *testing.T) {
	tr := NewDiscordTransport(nil, "bot-self", nil)
	r := NewReceiver(t.Context(), tr, ReceiverConfig{
		NewDecoder:   newPassthrough,
		EndDebounce:  10 * time.Millisecond,
		MaxUtterance: time.Second,
	})
	defer r.Close()
	tr.SetListener(r)
	tr.HandleSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 42})

	frames := loudFrames(2400, 1000)
	now := time.Now()
	at := func(i int) time.Time { return now.Add(time.Duration(i) * 20 * time.Millisecond) }

	for i := 0; i < 50; i++ {
		tr.Deliver(42, frames[i], at(i))
	}
	first := expectUtterance(t, r)
	if first.ByteLength != 50*3840 {
		t.Fatalf("first utterance: %d bytes", first.ByteLength)
	}
	waitNoSessions(t, r)

	for i := 50; i < len(frames); i++ {
		tr.Deliver(42, frames[i], at(i))
	}
	tr.Sweep(at(len(frames)).Add(time.Second))

	second := expectUtterance(t, r)
	if second.ByteLength != 70*3840 {
		t.Fatalf("speech after the cut: %d bytes, want %d", second.ByteLength, 70*3840)
	}
}
