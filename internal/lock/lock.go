package lock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

const (
	// DefaultTTL is how long a record stays valid without release.
	DefaultTTL = 10 * time.Second
	// DefaultMaxJitter bounds the random pause before the exclusive create.
	DefaultMaxJitter = 200 * time.Millisecond
)

// Lock implements try-acquire / release / reclaim over a Store.
type Lock struct {
	store     Store
	ttl       time.Duration
	maxJitter time.Duration
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
}

// Option configures a Lock.
type Option func(*Lock)

func WithTTL(ttl time.Duration) Option { return func(l *Lock) { l.ttl = ttl } }

func WithMaxJitter(d time.Duration) Option { return func(l *Lock) { l.maxJitter = d } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Lock) { l.now = now } }

// WithJitterFunc overrides the random delay source, for tests.
func WithJitterFunc(f func(max time.Duration) time.Duration) Option {
	return func(l *Lock) { l.jitter = f }
}

func New(store Store, opts ...Option) *Lock {
	l := &Lock{
		store:     store,
		ttl:       DefaultTTL,
		maxJitter: DefaultMaxJitter,
		now:       time.Now,
		jitter:    randomJitter,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// TTL returns the configured record lifetime.
func (l *Lock) TTL() time.Duration { return l.ttl }

// TryAcquire claims the slot for speaker on behalf of owner. It returns false
// when a live record exists, when another process wins the create race, or
// on storage errors. Contention is not an error.
func (l *Lock) TryAcquire(ctx context.Context, speakerID, ownerID string) bool {
	rec, ok, err := l.store.Load(ctx)
	if err != nil {
		logging.Errorw("response lock read failed", "speaker", speakerID, "owner", ownerID, "err", err)
		metrics.RecordLockAttempt("error")
		return false
	}
	if ok {
		if !rec.Expired(l.now(), l.ttl) {
			logging.Debugw("response lock held", "speaker", speakerID, "holder_speaker", rec.UserID, "holder", rec.BotID)
			metrics.RecordLockAttempt("held")
			return false
		}
		if removed, err := l.store.RemoveIf(ctx, rec); err != nil {
			logging.Debugw("stale response lock removal failed", "err", err)
		} else if removed {
			metrics.RecordLockReclaim()
			logging.Debugw("reclaimed stale response lock", "holder_speaker", rec.UserID, "holder", rec.BotID)
		}
	}

	if d := l.jitter(l.maxJitter); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}

	err = l.store.Create(ctx, NewRecord(speakerID, ownerID, l.now()))
	switch {
	case err == nil:
		metrics.RecordLockAttempt("acquired")
		return true
	case errors.Is(err, ErrExists):
		logging.Debugw("response lock lost race", "speaker", speakerID, "owner", ownerID)
		metrics.RecordLockAttempt("lost_race")
		return false
	default:
		logging.Errorw("response lock create failed", "speaker", speakerID, "owner", ownerID, "err", err)
		metrics.RecordLockAttempt("error")
		return false
	}
}

// Release removes the record only if owner holds it for speaker.
func (l *Lock) Release(ctx context.Context, speakerID, ownerID string) bool {
	rec, ok, err := l.store.Load(ctx)
	if err != nil {
		logging.Errorw("response lock read failed on release", "speaker", speakerID, "err", err)
		return false
	}
	if !ok || !rec.Owns(speakerID, ownerID) {
		return false
	}
	removed, err := l.store.RemoveIf(ctx, rec)
	if err != nil {
		logging.Errorw("response lock release failed", "speaker", speakerID, "err", err)
		return false
	}
	return removed
}

// ReclaimStale deletes the record if it is older than the TTL, whoever owns
// it. Reports whether a record was removed.
func (l *Lock) ReclaimStale(ctx context.Context) bool {
	rec, ok, err := l.store.Load(ctx)
	if err != nil || !ok {
		return false
	}
	if !rec.Expired(l.now(), l.ttl) {
		return false
	}
	removed, err := l.store.RemoveIf(ctx, rec)
	if err != nil {
		logging.Debugw("stale response lock sweep failed", "err", err)
		return false
	}
	if removed {
		metrics.RecordLockReclaim()
		logging.Infow("cleaned stale response lock", "holder_speaker", rec.UserID, "holder", rec.BotID)
	}
	return removed
}

// StartSweeper runs ReclaimStale every interval until ctx is done. Caller
// must wg.Add(1) first; the goroutine calls wg.Done on exit.
func (l *Lock) StartSweeper(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.ReclaimStale(ctx)
			}
		}
	}()
}
