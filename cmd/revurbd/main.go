// Command revurbd runs the Revurb broker: a WebSocket listener on
// server.port speaking the Pusher wire protocol, and an HTTP control API
// (plus /metrics) on server.http_port. Wiring style follows the teacher's
// cmd/main.go -> internal/server.Server.Start/Shutdown lifecycle, with
// config.Load replacing the teacher's hand-rolled os.ExpandEnv JSON loader.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomnagengast/revurb/internal/apps"
	"github.com/tomnagengast/revurb/internal/bridge"
	"github.com/tomnagengast/revurb/internal/config"
	"github.com/tomnagengast/revurb/internal/dispatch"
	"github.com/tomnagengast/revurb/internal/httpapi"
	"github.com/tomnagengast/revurb/internal/lifecycle"
	"github.com/tomnagengast/revurb/internal/logging"
	"github.com/tomnagengast/revurb/internal/metrics"
	"github.com/tomnagengast/revurb/internal/protocol"
	"github.com/tomnagengast/revurb/internal/pubsub"
	"github.com/tomnagengast/revurb/internal/registry"
	"github.com/tomnagengast/revurb/internal/wsserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "revurbd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: logging.Format(cfg.Logging.Format)})

	appRegistry, err := apps.NewRegistry(cfg.Applications())
	if err != nil {
		return fmt.Errorf("build application registry: %w", err)
	}

	bus, err := buildBus(cfg.PubSub, logger)
	if err != nil {
		return fmt.Errorf("build pub/sub bus: %w", err)
	}
	defer bus.Close()

	managers := dispatch.NewManagerRegistry(nil)

	prom := metrics.NewPrometheus()
	system := metrics.NewSystem(prom)
	managers.SetObserver(metrics.NewChannelObserver(prom, managers))
	if natsBus, ok := bus.(*pubsub.NATSBus); ok {
		natsBus.SetMetrics(prom)
	}

	dispatcher := dispatch.New(managers, bus, cfg.PubSub.Subject, cfg.PubSub.Enabled, logger)
	dispatcher.SetMetrics(prom)
	conns := registry.New()

	localGatherer := metrics.NewLocalGatherer(managers)
	fleet := metrics.NewFleet(bus, cfg.PubSub.Subject, localGatherer)

	br := bridge.New(bus, cfg.PubSub.Subject, appRegistry, dispatcher, conns, fleet, fleet, logger)
	if cfg.PubSub.Enabled {
		if err := br.Start(context.Background()); err != nil {
			return fmt.Errorf("start pub/sub bridge: %w", err)
		}
	}

	handler := protocol.NewEventHandler(managers, dispatcher, logger)
	wsSrv := wsserver.New(appRegistry, managers, conns, handler, logger)
	wsSrv.SetMetrics(prom)
	apiRouter := httpapi.New(appRegistry, managers, dispatcher, logger)

	apiMux := http.NewServeMux()
	apiMux.Handle("/", apiRouter.Handler())
	apiMux.Handle("/metrics", promhttp.Handler())

	wsHTTPServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: wsSrv.Handler(),
	}
	controlHTTPServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: apiMux,
	}

	scanner := lifecycle.NewScanner(conns, managers, logger)
	if err := scanner.Start(cfg.PingScanInterval); err != nil {
		return fmt.Errorf("start lifecycle scanner: %w", err)
	}

	systemTicker := time.NewTicker(15 * time.Second)
	defer systemTicker.Stop()
	systemDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-systemTicker.C:
				system.Sample()
			case <-systemDone:
				return
			}
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("websocket listener starting", "addr", wsHTTPServer.Addr)
		if err := serve(wsHTTPServer, cfg); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("websocket listener: %w", err)
		}
	}()
	go func() {
		logger.Info("control api listener starting", "addr", controlHTTPServer.Addr)
		if err := controlHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control api listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error(err, "event", "listener_failed")
	}

	close(systemDone)
	scanner.Stop()
	wsSrv.Shutdown(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain+5*time.Second)
	defer cancel()

	lifecycle.NewShutdown(conns, cfg.ShutdownDrain, logger).Run()

	wsHTTPServer.Shutdown(shutdownCtx)
	controlHTTPServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

func serve(srv *http.Server, cfg config.Config) error {
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		return srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
	}
	return srv.ListenAndServe()
}

func buildBus(cfg config.PubSubConfig, logger logging.Logger) (pubsub.Bus, error) {
	if !cfg.Enabled {
		return pubsub.NewLocalBus(), nil
	}
	return pubsub.NewNATSBus(pubsub.NATSConfig{URL: cfg.URL}, logger)
}
