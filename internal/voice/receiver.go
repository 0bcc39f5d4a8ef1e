package voice

import (
	"context"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

const (
	DefaultEndDebounce    = 250 * time.Millisecond
	DefaultStreamEndDelay = 500 * time.Millisecond
	DefaultMaxUtterance   = 30 * time.Second
	DefaultUtteranceQueue = 16
)

// ReceiverConfig holds the ingest timings and collaborators.
type ReceiverConfig struct {
	Segmenter  *Segmenter
	NewDecoder func() (Decoder, error)
	Resolver   NameResolver
	// EndDebounce is the wait after speaking-end before segmenting.
	EndDebounce time.Duration
	// StreamEndDelay is the wait after the transport closes a stream.
	StreamEndDelay time.Duration
	// MaxUtterance finalizes a buffer early once it reaches this length.
	MaxUtterance time.Duration
	// QueueSize bounds the utterance channel. A full channel drops the newest
	// utterance.
	QueueSize int
}

func (c *ReceiverConfig) setDefaults() {
	if c.Segmenter == nil {
		c.Segmenter = NewSegmenter()
	}
	if c.Resolver == nil {
		c.Resolver = NewNoopResolver()
	}
	if c.EndDebounce <= 0 {
		c.EndDebounce = DefaultEndDebounce
	}
	if c.StreamEndDelay <= 0 {
		c.StreamEndDelay = DefaultStreamEndDelay
	}
	if c.MaxUtterance < 0 {
		c.MaxUtterance = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultUtteranceQueue
	}
}

// Receiver is the per-session ingest pipeline. It keeps at most one capture
// session per speaker and emits accepted utterances on a bounded channel.
type Receiver struct {
	cfg       ReceiverConfig
	transport Transport
	out       chan Utterance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*speakerSession
	closed   bool
}

// NewReceiver builds a receiver bound to ctx. NewDecoder is required.
func NewReceiver(ctx context.Context, transport Transport, cfg ReceiverConfig) *Receiver {
	cfg.setDefaults()
	rctx, cancel := context.WithCancel(ctx)
	return &Receiver{
		cfg:       cfg,
		transport: transport,
		out:       make(chan Utterance, cfg.QueueSize),
		ctx:       rctx,
		cancel:    cancel,
		sessions:  make(map[string]*speakerSession),
	}
}

// Utterances is closed by Close once every capture session has exited.
func (r *Receiver) Utterances() <-chan Utterance { return r.out }

// ActiveSpeakers returns how many speakers are being captured.
func (r *Receiver) ActiveSpeakers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// OnSpeakingStart begins capture for speakerID. It is a no-op when a session
// for the speaker already exists.
func (r *Receiver) OnSpeakingStart(speakerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.sessions[speakerID]; ok {
		return
	}
	fields := logging.UserFields(speakerID, r.cfg.Resolver.UserName(speakerID))

	dec, err := r.cfg.NewDecoder()
	if err != nil {
		logging.Errorw("decoder init failed", append(fields, "err", err)...)
		return
	}
	stream, err := r.transport.Subscribe(speakerID)
	if err != nil {
		logging.Warnw("subscribe failed", append(fields, "err", err)...)
		return
	}
	s := &speakerSession{
		speakerID: speakerID,
		fields:    fields,
		stream:    stream,
		dec:       dec,
		finalize:  make(chan struct{}, 1),
	}
	r.sessions[speakerID] = s
	metrics.SpeakerSessionStarted()
	logging.Debugw("speaker started", fields...)

	r.wg.Add(1)
	go r.run(s)
}

// OnSpeakingEnd arms the debounce after which the speaker's buffer is
// segmented. A later end signal restarts the debounce.
func (r *Receiver) OnSpeakingEnd(speakerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[speakerID]
	if !ok {
		return
	}
	logging.Debugw("speaker stopped", s.fields...)
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	s.endTimer = time.AfterFunc(r.cfg.EndDebounce, s.requestFinalize)
}

// Close abandons all sessions, waits for them and closes Utterances.
func (r *Receiver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.out)
}

type speakerSession struct {
	speakerID string
	fields    []interface{}
	stream    FrameStream
	dec       Decoder
	finalize  chan struct{}
	endTimer  *time.Timer // guarded by Receiver.mu
}

func (s *speakerSession) requestFinalize() {
	select {
	case s.finalize <- struct{}{}:
	default:
	}
}

// run owns the session buffer. Every exit path releases the stream and
// removes the session from the registry.
func (r *Receiver) run(s *speakerSession) {
	defer r.wg.Done()
	defer r.release(s)

	var (
		chunks    [][]byte
		total     int
		frames    = s.stream.Frames()
		streamEnd <-chan time.Time
	)
	maxBytes := 0
	if r.cfg.MaxUtterance > 0 {
		maxBytes = int(int64(r.cfg.Segmenter.Format.BytesPerSecond()) * int64(r.cfg.MaxUtterance) / int64(time.Second))
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case pkt, ok := <-frames:
			if !ok {
				if err := s.stream.Err(); err != nil {
					logging.Warnw("audio stream error, discarding buffer", append(s.fields, "err", err)...)
					metrics.RecordUtterance("stream_error")
					return
				}
				logging.Debugw("audio stream ended", s.fields...)
				frames = nil
				streamEnd = time.After(r.cfg.StreamEndDelay)
				continue
			}
			pcm, err := s.dec.Decode(pkt)
			if err != nil {
				logging.Warnw("opus decode failed, discarding buffer", append(s.fields, "err", err)...)
				metrics.RecordUtterance("decode_error")
				return
			}
			if len(pcm) == 0 {
				continue
			}
			chunks = append(chunks, pcm)
			total += len(pcm)
			if maxBytes > 0 && total >= maxBytes {
				logging.Debugw("utterance reached max length", append(s.fields, "bytes", total)...)
				r.segment(s, chunks, total)
				return
			}
		case <-s.finalize:
			r.segment(s, chunks, total)
			return
		case <-streamEnd:
			r.segment(s, chunks, total)
			return
		}
	}
}

func (r *Receiver) segment(s *speakerSession, chunks [][]byte, total int) {
	pcm := make([]byte, 0, total)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}
	u, rej := r.cfg.Segmenter.Segment(s.speakerID, pcm)
	if rej != Accepted {
		return
	}
	r.emit(u)
}

func (r *Receiver) emit(u Utterance) {
	select {
	case r.out <- u:
	default:
		logging.Warnw("utterance queue full, dropping", "user.id", u.SpeakerID, "correlation_id", u.CorrelationID)
		metrics.RecordUtterance("dropped")
	}
}

func (r *Receiver) release(s *speakerSession) {
	s.stream.Close()
	r.mu.Lock()
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	if cur, ok := r.sessions[s.speakerID]; ok && cur == s {
		delete(r.sessions, s.speakerID)
	}
	r.mu.Unlock()
	metrics.SpeakerSessionEnded()
}
