package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/metrics"
)

// StartWatchdog runs CheckSilence every interval until ctx is done.
// The caller must wg.Add(1) before calling.
func (o *Orchestrator) StartWatchdog(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.CheckSilence(ctx)
			}
		}
	}()
}

// CheckSilence speaks one trivia remark when the session has been quiet for
// longer than the silence threshold. At most one remark is spoken per quiet
// period; new activity starts a new period. It reports whether a remark was
// played.
func (o *Orchestrator) CheckSilence(ctx context.Context) bool {
	o.mu.Lock()
	quiet := o.cfg.Now().Sub(o.lastActivity)
	eligible := o.mode != Silent && !o.fillerSent && quiet > o.cfg.SilenceThreshold && len(o.inProgress) == 0
	p := o.persona
	o.mu.Unlock()
	if !eligible {
		return false
	}
	if o.cfg.Rand() >= o.cfg.FillerChance {
		return false
	}
	if o.deps.Sink.Busy() {
		logging.Debugw("silence filler skipped: playback slot busy")
		return false
	}
	if !o.deps.Lock.TryAcquire(ctx, fillerSpeaker, o.cfg.OwnerID) {
		logging.Debugw("silence filler skipped: response lock held")
		return false
	}
	defer o.deps.Lock.Release(context.WithoutCancel(ctx), fillerSpeaker, o.cfg.OwnerID)

	o.mu.Lock()
	o.fillerSent = true
	o.mu.Unlock()

	remark := o.pick(o.cfg.Trivia)
	logging.Infow("breaking the silence", append(logging.PersonaFields(p.Key, p.Name), "quiet_s", int(quiet.Seconds()))...)
	err := o.speak(ctx, remark, p)
	o.settle(ctx)
	if err != nil {
		logging.Warnw("silence filler failed", "err", err)
		metrics.RecordTurn("filler_failed")
		return false
	}
	metrics.RecordTurn("filler")
	return true
}
