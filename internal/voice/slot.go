package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

// ErrSlotBusy is returned by Slot.Play when a reply is dropped because
// another is still playing.
var ErrSlotBusy = errors.New("voice: playback slot busy")

// Output plays an audio file into the voice session and returns when done.
type Output interface {
	Transmit(ctx context.Context, path string) error
}

// Policy chooses what happens to a reply offered while the slot is busy.
type Policy int

const (
	// PolicyDrop rejects the new reply. This is the default.
	PolicyDrop Policy = iota
	// PolicyQueue plays replies one after another.
	PolicyQueue
)

// ParsePolicy accepts "drop" or "queue".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "queue":
		return PolicyQueue, nil
	}
	return PolicyDrop, fmt.Errorf("unknown playback policy %q", s)
}

func (p Policy) String() string {
	if p == PolicyQueue {
		return "queue"
	}
	return "drop"
}

// SlotState is the observable playback state.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotPlaying
	SlotError
)

func (s SlotState) String() string {
	switch s {
	case SlotPlaying:
		return "playing"
	case SlotError:
		return "error"
	default:
		return "idle"
	}
}

// Slot serializes playback onto one Output.
type Slot struct {
	out    Output
	policy Policy

	mu      sync.Mutex
	state   SlotState
	playing bool
	pending int
	maxQ    int
	turn    chan struct{}
	onState func(SlotState)
}

// NewSlot creates a slot. queueSize caps waiting replies under PolicyQueue.
func NewSlot(out Output, policy Policy, queueSize int) *Slot {
	if queueSize <= 0 {
		queueSize = 8
	}
	s := &Slot{out: out, policy: policy, maxQ: queueSize, turn: make(chan struct{}, 1)}
	s.turn <- struct{}{}
	return s
}

// OnStateChange registers a callback for state transitions. It runs
// synchronously and must not call back into the slot.
func (s *Slot) OnStateChange(f func(SlotState)) {
	s.mu.Lock()
	s.onState = f
	s.mu.Unlock()
}

// Policy returns the configured policy.
func (s *Slot) Policy() Policy { return s.policy }

// State returns the last observed state.
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a new reply would be refused right now.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == PolicyQueue {
		return s.pending >= s.maxQ
	}
	return s.playing
}

// Play transmits path and blocks until playback ends. Under PolicyDrop a
// busy slot returns ErrSlotBusy immediately; under PolicyQueue the call
// waits its turn unless the queue is full.
func (s *Slot) Play(ctx context.Context, path string) error {
	s.mu.Lock()
	switch {
	case s.policy == PolicyDrop && s.playing:
		s.mu.Unlock()
		metrics.RecordPlayback("dropped")
		logging.Debugw("playback slot busy, dropping reply", "path", path)
		return ErrSlotBusy
	case s.policy == PolicyQueue && s.pending >= s.maxQ:
		s.mu.Unlock()
		metrics.RecordPlayback("dropped")
		logging.Warnw("playback queue full, dropping reply", "path", path, "queued", s.pending)
		return ErrSlotBusy
	}
	s.pending++
	if s.policy == PolicyDrop {
		s.playing = true
	}
	queued := s.pending > 1
	s.mu.Unlock()

	if queued {
		metrics.RecordPlayback("queued")
	}
	select {
	case <-s.turn:
	case <-ctx.Done():
		s.mu.Lock()
		s.pending--
		if s.policy == PolicyDrop {
			s.playing = false
		}
		s.mu.Unlock()
		return ctx.Err()
	}
	defer func() { s.turn <- struct{}{} }()

	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	s.setState(SlotPlaying)

	start := time.Now()
	err := s.out.Transmit(ctx, path)
	metrics.ObserveStage("playback", time.Since(start).Seconds())

	s.mu.Lock()
	s.pending--
	s.playing = s.pending > 0 && s.policy == PolicyQueue
	s.mu.Unlock()

	if err != nil {
		metrics.RecordPlayback("error")
		s.setState(SlotError)
		return fmt.Errorf("playback %s: %w", path, err)
	}
	metrics.RecordPlayback("played")
	s.setState(SlotIdle)
	return nil
}

func (s *Slot) setState(st SlotState) {
	s.mu.Lock()
	s.state = st
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}
