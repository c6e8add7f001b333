// Package grpc exposes spectator frames and lifecycle events to internal collaborators over
// server-streaming RPCs built on protobuf well-known types.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/match"
)

// FrameEncodingHeader announces the compressor applied to WatchSession payloads.
const FrameEncodingHeader = "x-frame-encoding"

const frameStreamRateHz = 20

// FrameSource exposes per-session spectator frames.
type FrameSource interface {
	SubscribeFrames(ctx context.Context, sessionID int64) (<-chan match.Frame, error)
}

// LifecycleSource exposes the acknowledged lifecycle stream.
type LifecycleSource interface {
	Subscribe(ctx context.Context, subscriberID string, buffer int) (*events.Subscription, error)
}

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor overrides the default payload compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Service implements SpectatorServer on top of the scheduler and the event stream.
type Service struct {
	frames     FrameSource
	lifecycle  LifecycleSource
	compressor Compressor
	newTicker  tickerFactory
	log        *logging.Logger
}

// NewService wires the gRPC service to its sources and optional settings.
func NewService(frames FrameSource, lifecycle LifecycleSource, opts ...Option) *Service {
	service := &Service{
		frames:     frames,
		lifecycle:  lifecycle,
		compressor: NewGZIPCompressor(),
		newTicker:  defaultTickerFactory,
		log:        logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// WatchSession streams compressed JSON frames of one session at a throttled cadence. Only the
// newest frame is sent on each tick. The stream ends once the session retires.
func (s *Service) WatchSession(req *wrapperspb.Int64Value, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.frames == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	sessionID := req.GetValue()
	if sessionID <= 0 {
		return status.Error(codes.InvalidArgument, "session id must be positive")
	}
	ctx := stream.Context()
	frameCh, err := s.frames.SubscribeFrames(ctx, sessionID)
	if err != nil {
		if errors.Is(err, match.ErrSessionNotFound) {
			return status.Errorf(codes.NotFound, "session %d not found", sessionID)
		}
		return status.Errorf(codes.Internal, "subscribe frames: %v", err)
	}

	//1.- Announce the encoding before the first payload.
	if err := stream.SendHeader(metadata.Pairs(FrameEncodingHeader, s.compressor.Name())); err != nil {
		return err
	}

	tickCh, stop := s.newTicker(time.Second / frameStreamRateHz)
	defer stop()

	var (
		pending    *match.Frame
		sourceDone bool
	)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case frame, ok := <-frameCh:
			if !ok {
				//2.- Flush the final frame on the next tick, then finish.
				sourceDone = true
				frameCh = nil
				if pending == nil {
					return nil
				}
				continue
			}
			f := frame
			pending = &f
		case <-tickCh:
			if pending == nil {
				if sourceDone {
					return nil
				}
				continue
			}
			if err := s.sendFrame(stream, pending); err != nil {
				return err
			}
			pending = nil
			if sourceDone {
				return nil
			}
		}
	}
}

func (s *Service) sendFrame(stream grpc.ServerStreamingServer[wrapperspb.BytesValue], frame *match.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return status.Errorf(codes.Internal, "encode frame: %v", err)
	}
	compressed, err := s.compressor.Compress(raw)
	if err != nil {
		return status.Errorf(codes.Internal, "compress frame: %v", err)
	}
	return stream.Send(wrapperspb.Bytes(compressed))
}

// StreamLifecycle relays session_started and session_ended events to the named subscriber,
// acknowledging each one after it has been handed to the transport. Unacknowledged events are
// redelivered when the same subscriber reconnects.
func (s *Service) StreamLifecycle(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.lifecycle == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	subscriber := strings.TrimSpace(req.GetValue())
	if subscriber == "" {
		return status.Error(codes.InvalidArgument, "subscriber id required")
	}
	ctx := stream.Context()
	sub, err := s.lifecycle.Subscribe(ctx, "grpc:"+subscriber, 64)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe lifecycle: %v", err)
	}
	defer sub.Close()

	log := s.log.With(logging.String("subscriber", subscriber))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case env := <-sub.Events():
			if env == nil {
				continue
			}
			payload, err := EnvelopeStruct(env)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.Send(payload); err != nil {
				return err
			}
			if err := sub.Ack(env.Sequence); err != nil {
				log.Warn("lifecycle ack rejected", logging.Error(err), logging.Int64("sequence", int64(env.Sequence)))
			}
		}
	}
}

// EnvelopeStruct converts an event into a protobuf Struct with the same field names as its JSON.
func EnvelopeStruct(env *events.Envelope) (*structpb.Struct, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("struct: %w", err)
	}
	return payload, nil
}

var _ SpectatorServer = (*Service)(nil)
