// Package metrics exposes the bot's Prometheus collectors and the helpers
// the pipeline stages record through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicemimic"

var (
	utterancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Segmented speaker buffers by result",
		},
		[]string{"result"}, // emitted, too_short, too_quiet, decode_error, dropped
	)

	speakerSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speaker_sessions_active",
			Help:      "Speakers currently being captured",
		},
	)

	lockAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_lock_attempts_total",
			Help:      "Response lock acquire attempts by result",
		},
		[]string{"result"}, // acquired, held, lost_race, error
	)

	lockReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_lock_reclaims_total",
			Help:      "Stale response lock records removed",
		},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of collaborator calls",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"}, // transcribe, generate, synthesize, playback
	)

	playbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_total",
			Help:      "Playback requests by result",
		},
		[]string{"result"}, // played, dropped, queued, error
	)
)

var allMetrics = []prometheus.Collector{
	utterancesTotal,
	speakerSessionsActive,
	lockAttemptsTotal,
	lockReclaimsTotal,
	turnsTotal,
	stageDuration,
	playbackTotal,
}

func RecordUtterance(result string) { utterancesTotal.WithLabelValues(result).Inc() }

func SpeakerSessionStarted() { speakerSessionsActive.Inc() }
func SpeakerSessionEnded()   { speakerSessionsActive.Dec() }

func RecordLockAttempt(result string) { lockAttemptsTotal.WithLabelValues(result).Inc() }
func RecordLockReclaim()              { lockReclaimsTotal.Inc() }

func RecordTurn(outcome string) { turnsTotal.WithLabelValues(outcome).Inc() }

// ObserveStage records seconds spent in a collaborator call.
func ObserveStage(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

func RecordPlayback(result string) { playbackTotal.WithLabelValues(result).Inc() }
