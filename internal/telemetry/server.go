package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Serve starts a MeterProvider backed by a Prometheus exporter, registers
// it with the OTel global meter so New's meters attach to it, and serves
// the scrape endpoint on listenAddr. It returns a shutdown function the
// caller should defer. When listenAddr is empty metrics are disabled: it
// returns Noop{} and a shutdown function that does nothing.
//
// The exporter and its HTTP surface are wiring, not part of the metric
// struct itself.
func Serve(listenAddr string) (Handle, func(context.Context) error, error) {
	if listenAddr == "" {
		return Noop{}, func(context.Context) error { return nil }, nil
	}

	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	handle, err := New()
	if err != nil {
		return nil, nil, errors.Join(err, provider.Shutdown(context.Background()))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	shutdown := func(ctx context.Context) error {
		shutErr := srv.Shutdown(ctx)
		provErr := provider.Shutdown(ctx)
		return errors.Join(shutErr, provErr)
	}
	return handle, shutdown, nil
}
