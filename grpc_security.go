package main

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	configpkg "paddlecourt/engine/internal/config"
	"paddlecourt/engine/internal/logging"
)

const sharedSecretMetadataKey = "x-engine-shared-secret"

func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, func(), error) {
	if cfg == nil {
		return nil, func() {}, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	opts := []grpc.ServerOption{grpc.ChainStreamInterceptor(newStreamLoggingInterceptor(logger))}
	cleanup := func() {}

	switch cfg.GRPCAuthMode {
	case configpkg.GRPCAuthModeNone, "":
		logger.Warn("gRPC authentication disabled")
	case configpkg.GRPCAuthModeMTLS:
		creds, err := loadMTLSCredentials(cfg.GRPCServerCert, cfg.GRPCServerKey, cfg.GRPCClientCA)
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC mTLS enabled")
	case configpkg.GRPCAuthModeSharedSecret:
		interceptor := newSharedSecretStreamInterceptor(cfg.GRPCSharedSecret)
		opts = append(opts, grpc.ChainStreamInterceptor(interceptor))
		logger.Info("gRPC shared-secret authentication enabled")
	default:
		return nil, cleanup, fmt.Errorf("unsupported grpc auth mode %q", cfg.GRPCAuthMode)
	}

	return opts, cleanup, nil
}

// newStreamLoggingInterceptor records how long each spectator stream stayed open and how it ended.
func newStreamLoggingInterceptor(logger *logging.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		started := time.Now()
		err := handler(srv, ss)
		fields := []logging.Field{
			logging.String("method", info.FullMethod),
			logging.String("code", status.Code(err).String()),
			logging.Duration("duration", time.Since(started)),
		}
		if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
			if agent := md.Get("user-agent"); len(agent) > 0 {
				fields = append(fields, logging.String("user_agent", agent[0]))
			}
		}
		switch status.Code(err) {
		case codes.OK, codes.Canceled:
			logger.Debug("grpc stream closed", fields...)
		default:
			logger.Warn("grpc stream failed", append(fields, logging.Error(err))...)
		}
		return err
	}
}

func newSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if normalized == "" {
			return status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(srv, ss)
	}
}

func extractSharedSecret(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(sharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if strings.HasPrefix(strings.ToLower(value), "bearer ") {
			token := strings.TrimSpace(value[7:])
			if token != "" {
				return token
			}
		}
	}
	return ""
}

func loadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsConfig), nil
}
