package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/audio"
)

type fakeStream struct {
	ch   chan []byte
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newFakeStream() *fakeStream { return &fakeStream{ch: make(chan []byte, 512)} }

func (f *fakeStream) Frames() <-chan []byte { return f.ch }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() { f.end(nil) }

func (f *fakeStream) end(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

type fakeTransport struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(map[string][]*fakeStream)}
}

func (f *fakeTransport) Subscribe(speakerID string) (FrameStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeStream()
	f.streams[speakerID] = append(f.streams[speakerID], s)
	return s, nil
}

func (f *fakeTransport) latest(speakerID string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss := f.streams[speakerID]
	if len(ss) == 0 {
		return nil
	}
	return ss[len(ss)-1]
}

func (f *fakeTransport) count(speakerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[speakerID])
}

// passthroughDecoder treats packets as already-decoded PCM.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(p []byte) ([]byte, error) {
	if string(p) == "bad" {
		return nil, errors.New("corrupt frame")
	}
	return p, nil
}

func newPassthrough() (Decoder, error) { return passthroughDecoder{}, nil }

// loudFrames returns ms of Discord PCM with amplitude amp split in 20ms frames.
func loudFrames(ms int, amp int16) [][]byte {
	frameSamples := 960 * 2
	var out [][]byte
	for done := 0; done < ms; done += 20 {
		s := make([]int16, frameSamples)
		for i := range s {
			if i%2 == 0 {
				s[i] = amp
			} else {
				s[i] = -amp
			}
		}
		out = append(out, audio.Int16ToBytes(s))
	}
	return out
}

func testReceiver(t *testing.T, cfg ReceiverConfig) (*Receiver, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = newPassthrough
	}
	if cfg.EndDebounce == 0 {
		cfg.EndDebounce = 10 * time.Millisecond
	}
	if cfg.StreamEndDelay == 0 {
		cfg.StreamEndDelay = 20 * time.Millisecond
	}
	r := NewReceiver(context.Background(), tr, cfg)
	t.Cleanup(r.Close)
	return r, tr
}

func feed(s *fakeStream, frames [][]byte) {
	for _, f := range frames {
		s.ch <- f
	}
}

func expectUtterance(t *testing.T, r *Receiver) Utterance {
	t.Helper()
	select {
	case u := <-r.Utterances():
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for utterance")
	}
	return Utterance{}
}

func expectNone(t *testing.T, r *Receiver, wait time.Duration) {
	t.Helper()
	select {
	case u := <-r.Utterances():
		t.Fatalf("unexpected utterance from %s (%d bytes)", u.SpeakerID, u.ByteLength)
	case <-time.After(wait):
	}
}

func waitNoSessions(t *testing.T, r *Receiver) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.ActiveSpeakers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions not released: %d", r.ActiveSpeakers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiverEmitsAfterSpeakingEndDebounce(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{})
	r.OnSpeakingStart("alice")
	feed(tr.latest("alice"), loudFrames(600, 1000))
	r.OnSpeakingEnd("alice")

	u := expectUtterance(t, r)
	if u.SpeakerID != "alice" {
		t.Fatalf("speaker: got=%s", u.SpeakerID)
	}
	if u.ByteLength != 600*192 || len(u.PCM) != u.ByteLength {
		t.Fatalf("length: got=%d", u.ByteLength)
	}
	if u.AverageAmplitude != 1000 {
		t.Fatalf("amplitude: got=%v", u.AverageAmplitude)
	}
	if u.Format != audio.Discord || u.CorrelationID == "" {
		t.Fatalf("unexpected metadata: %+v", u.Format)
	}
	waitNoSessions(t, r)
}

func TestReceiverDiscardsShortLoudPhrase(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{})
	r.OnSpeakingStart("alice")
	feed(tr.latest("alice"), loudFrames(300, 5000))
	r.OnSpeakingEnd("alice")

	expectNone(t, r, 150*time.Millisecond)
	waitNoSessions(t, r)
}

func TestReceiverSecondStartIsNoop(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{})
	r.OnSpeakingStart("alice")
	r.OnSpeakingStart("alice")
	if got := tr.count("alice"); got != 1 {
		t.Fatalf("expected one subscription, got %d", got)
	}
	if r.ActiveSpeakers() != 1 {
		t.Fatalf("expected one session")
	}
}

func TestReceiverDecodeErrorIsolatedPerSpeaker(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{})
	r.OnSpeakingStart("alice")
	r.OnSpeakingStart("bob")

	a := tr.latest("alice")
	feed(a, loudFrames(200, 1000))
	a.ch <- []byte("bad")
	feed(tr.latest("bob"), loudFrames(600, 1000))

	r.OnSpeakingEnd("alice")
	r.OnSpeakingEnd("bob")

	u := expectUtterance(t, r)
	if u.SpeakerID != "bob" {
		t.Fatalf("expected bob's utterance, got %s", u.SpeakerID)
	}
	expectNone(t, r, 100*time.Millisecond)
	waitNoSessions(t, r)
}

func TestReceiverStreamEndSegmentsAfterDelay(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{StreamEndDelay: 30 * time.Millisecond})
	r.OnSpeakingStart("alice")
	s := tr.latest("alice")
	feed(s, loudFrames(600, 1000))
	s.end(nil)

	u := expectUtterance(t, r)
	if u.SpeakerID != "alice" {
		t.Fatalf("speaker: got=%s", u.SpeakerID)
	}
}

func TestReceiverStreamErrorDiscards(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{})
	r.OnSpeakingStart("alice")
	s := tr.latest("alice")
	feed(s, loudFrames(600, 1000))
	s.end(errors.New("connection reset"))

	expectNone(t, r, 100*time.Millisecond)
	waitNoSessions(t, r)
}

func TestReceiverQuietBufferDiscarded(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{})
	r.OnSpeakingStart("alice")
	feed(tr.latest("alice"), loudFrames(800, 100))
	r.OnSpeakingEnd("alice")
	expectNone(t, r, 100*time.Millisecond)
}

func TestReceiverMaxUtteranceFinalizesEarly(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{MaxUtterance: time.Second})
	r.OnSpeakingStart("alice")
	feed(tr.latest("alice"), loudFrames(1200, 1000))

	u := expectUtterance(t, r)
	if u.ByteLength < 192000 || u.ByteLength > 192000+3840 {
		t.Fatalf("expected ~1s utterance, got %d bytes", u.ByteLength)
	}
}

func TestReceiverFullQueueDropsNewest(t *testing.T) {
	r, tr := testReceiver(t, ReceiverConfig{QueueSize: 1})
	r.OnSpeakingStart("alice")
	feed(tr.latest("alice"), loudFrames(600, 1000))
	r.OnSpeakingEnd("alice")
	waitNoSessions(t, r)

	r.OnSpeakingStart("bob")
	feed(tr.latest("bob"), loudFrames(600, 1000))
	r.OnSpeakingEnd("bob")
	waitNoSessions(t, r)

	u := expectUtterance(t, r)
	if u.SpeakerID != "alice" {
		t.Fatalf("expected the queued utterance to be alice's, got %s", u.SpeakerID)
	}
	expectNone(t, r, 50*time.Millisecond)
}

func TestReceiverCloseClosesChannel(t *testing.T) {
	tr := newFakeTransport()
	r := NewReceiver(context.Background(), tr, ReceiverConfig{NewDecoder: newPassthrough})
	r.OnSpeakingStart("alice")
	r.Close()
	if _, ok := <-r.Utterances(); ok {
		t.Fatalf("expected closed channel")
	}
	r.OnSpeakingStart("bob")
	if tr.count("bob") != 0 {
		t.Fatalf("closed receiver must not subscribe")
	}
}
