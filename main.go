// Command engine hosts authoritative pong matches over websockets and exposes spectator frames
// and session lifecycle events over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paddlecourt/engine/internal/config"
	"paddlecourt/engine/internal/httpapi"
	"paddlecourt/engine/internal/logging"
)

const (
	websocketPath   = "/ws"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return err
	}
	broker.Start()

	//1.- HTTP carries the websocket endpoint and the operational handlers.
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           newHTTPHandler(cfg, broker, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tlsEnabled := cfg.TLSCertPath != ""
	httpErrs := make(chan error, 1)
	go func() {
		if tlsEnabled {
			httpErrs <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		httpErrs <- server.ListenAndServe()
	}()
	logger.Info("engine listening",
		logging.String("websocket", listenerURL(cfg.Address, tlsEnabled)),
		logging.String("probes", probeURL(cfg.Address, tlsEnabled)),
	)

	//2.- gRPC is optional; an empty address leaves it off.
	var grpcErrs <-chan error
	stopGRPC := func() {}
	if cfg.GRPCAddress != "" {
		grpcServer, cleanup, err := newSpectatorServer(cfg, broker, logger)
		if err != nil {
			broker.Close()
			return fmt.Errorf("grpc: %w", err)
		}
		if _, grpcErrs, err = serveSpectator(grpcServer, cfg.GRPCAddress, logger); err != nil {
			cleanup()
			broker.Close()
			return err
		}
		stopGRPC = func() {
			grpcServer.GracefulStop()
			cleanup()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-httpErrs:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-grpcErrs:
		runErr = fmt.Errorf("grpc server: %w", err)
	}

	//3.- Sessions end with a shutdown notice before connections and streams are dropped.
	broker.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	stopGRPC()
	logger.Info("engine stopped")
	return runErr
}

// newHTTPHandler mounts the websocket endpoint and the probes behind trace propagation.
func newHTTPHandler(cfg *config.Config, broker *Broker, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(websocketPath, broker.serveWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger.With(logging.String("component", "http")),
		Readiness:   broker,
		Metrics:     broker.Metrics,
		Sessions:    broker,
		Aborter:     broker,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.AdminWindow, cfg.AdminBurst, nil),
	})
	handlers.Register(mux)
	return logging.HTTPTraceMiddleware(logger)(mux)
}
