package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/lightningnetwork/lnchan/lncfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the metrics of a gatherer on /metrics.
type Exporter struct {
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// ExportPrometheusMetrics launches the Prometheus exporter on the address of
// cfg, serving everything gatherer collects.
func ExportPrometheusMetrics(cfg lncfg.Prometheus,
	gatherer prometheus.Gatherer) (*Exporter, error) {

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		gatherer, promhttp.HandlerOpts{},
	))

	e := &Exporter{
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}

	log.Infof("Prometheus exporter started on %v/metrics",
		listener.Addr())

	go func() {
		defer close(e.done)

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the exporter down, waiting for in-flight scrapes until ctx is
// done.
func (e *Exporter) Stop(ctx context.Context) error {
	err := e.server.Shutdown(ctx)
	<-e.done

	return err
}
