package main

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"paddlecourt/engine/internal/config"
	grpcstream "paddlecourt/engine/internal/grpc"
	"paddlecourt/engine/internal/logging"
)

// newSpectatorServer builds the gRPC server exposing ranked session frames and the lifecycle
// stream, secured according to the configured auth mode.
func newSpectatorServer(cfg *config.Config, b *Broker, logger *logging.Logger) (*grpc.Server, func(), error) {
	opts, cleanup, err := configureGRPCSecurity(cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}
	server := grpc.NewServer(opts...)
	service := grpcstream.NewService(b.scheduler, b.stream,
		grpcstream.WithCompressor(grpcstream.NewZstdCompressor()),
		grpcstream.WithLogger(logger.With(logging.String("component", "grpc"))),
	)
	grpcstream.RegisterSpectatorServer(server, service)
	return server, cleanup, nil
}

// serveSpectator listens on address and serves until the server is stopped.
func serveSpectator(server *grpc.Server, address string, logger *logging.Logger) (net.Addr, <-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("listen grpc %s: %w", address, err)
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(listener)
	}()
	logger.Info("gRPC spectator service listening", logging.String("address", listener.Addr().String()))
	return listener.Addr(), errs, nil
}
