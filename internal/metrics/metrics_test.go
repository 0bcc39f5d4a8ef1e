package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUtterance(t *testing.T) {
	utterancesTotal.Reset()

	RecordUtterance("emitted")
	RecordUtterance("too_short")
	RecordUtterance("too_short")

	assert.Equal(t, 1.0, testutil.ToFloat64(utterancesTotal.WithLabelValues("emitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(utterancesTotal.WithLabelValues("too_short")))
}

func TestSpeakerSessionGauge(t *testing.T) {
	speakerSessionsActive.Set(0)
	SpeakerSessionStarted()
	SpeakerSessionStarted()
	SpeakerSessionEnded()
	assert.Equal(t, 1.0, testutil.ToFloat64(speakerSessionsActive))
}

func TestLockAndTurnCounters(t *testing.T) {
	lockAttemptsTotal.Reset()
	turnsTotal.Reset()

	RecordLockAttempt("acquired")
	RecordLockAttempt("held")
	RecordTurn("replied")

	assert.Equal(t, 1.0, testutil.ToFloat64(lockAttemptsTotal.WithLabelValues("acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(lockAttemptsTotal.WithLabelValues("held")))
	assert.Equal(t, 1.0, testutil.ToFloat64(turnsTotal.WithLabelValues("replied")))
}

func TestExporterServesMetricsAndHealth(t *testing.T) {
	e := NewExporter(":0")
	playbackTotal.Reset()
	RecordPlayback("dropped")

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "voicemimic_playback_total"), "metrics output missing playback counter")
}

func TestExporterHandleMountsExtraRoutes(t *testing.T) {
	e := NewExporter(":0")
	e.Handle("/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("extra"))
	}))
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/extra")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "extra", string(body))
}
