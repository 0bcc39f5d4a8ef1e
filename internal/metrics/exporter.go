package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 10 * time.Second

// Exporter serves /metrics and /health plus any extra handlers mounted on it.
type Exporter struct {
	addr     string
	registry *prometheus.Registry
	mux      *http.ServeMux
	server   *http.Server
	mu       sync.Mutex
	started  bool
}

// NewExporter registers the bot collectors and Go runtime collectors on a
// fresh registry.
func NewExporter(addr string) *Exporter {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := &Exporter{addr: addr, registry: reg, mux: http.NewServeMux()}
	e.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	e.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return e
}

// Handle mounts h on pattern, e.g. the control websocket.
func (e *Exporter) Handle(pattern string, h http.Handler) {
	e.mux.Handle(pattern, h)
}

// Handler returns the full mux. Useful with httptest.
func (e *Exporter) Handler() http.Handler { return e.mux }

// Registry exposes the registry for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Start blocks serving until Shutdown. Returns http.ErrServerClosed after a
// graceful stop.
func (e *Exporter) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.server = &http.Server{Addr: e.addr, Handler: e.mux, ReadHeaderTimeout: readHeaderTimeout}
	e.started = true
	srv := e.server
	e.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops the HTTP server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil || !e.started {
		return nil
	}
	e.started = false
	return e.server.Shutdown(ctx)
}
