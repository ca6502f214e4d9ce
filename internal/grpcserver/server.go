// Package grpcserver serves guiding offsets over gRPC for remote guiding
// clients.
package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"scopie/internal/guide"
	"scopie/internal/stream"
)

const shutdownGrace = 5 * time.Second

// GuideService implements GuideServer on top of a sample source.
type GuideService struct {
	samples stream.Source[guide.Sample]
	log     *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewGuideService serves samples from src.
func NewGuideService(src stream.Source[guide.Sample], log *slog.Logger) *GuideService {
	if log == nil {
		log = slog.Default()
	}
	return &GuideService{samples: src, log: log, stopped: make(chan struct{})}
}

// CurrentOffset returns the latest sample, or Unavailable before the first
// measurement.
func (s *GuideService) CurrentOffset(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sample, ok := s.samples.Current()
	if !ok {
		return nil, status.Error(codes.Unavailable, "no offset measured yet")
	}
	return sampleStruct(sample)
}

// WatchOffsets sends the current sample and every later one. Samples are
// dropped for a client that cannot keep up.
func (s *GuideService) WatchOffsets(_ *emptypb.Empty, out OffsetSender) error {
	samples, stop := stream.Watch(s.samples, 16)
	defer stop()
	for {
		select {
		case <-out.Context().Done():
			return nil
		case <-s.stopped:
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			msg, err := sampleStruct(sample)
			if err != nil {
				return err
			}
			if err := out.Send(msg); err != nil {
				return err
			}
		}
	}
}

// stop ends all open watch streams.
func (s *GuideService) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Serve listens on addr until ctx is cancelled.
func (s *GuideService) Serve(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listen)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (s *GuideService) ServeListener(ctx context.Context, listen net.Listener) error {
	grpcServer := grpc.NewServer()
	RegisterGuideServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC server...")
		s.stop()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			grpcServer.Stop()
		}
	}()

	s.log.Info("gRPC server starting", "addr", listen.Addr().String())
	if err := grpcServer.Serve(listen); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func sampleStruct(sample guide.Sample) (*structpb.Struct, error) {
	fields := map[string]any{
		"seq":          float64(sample.Seq),
		"dx":           sample.Offset.X,
		"dy":           sample.Offset.Y,
		"working_size": float64(sample.Size),
		"at":           sample.At.UTC().Format(time.RFC3339Nano),
	}
	if sample.Sky != nil {
		fields["sky_ra"] = sample.Sky.RA
		fields["sky_dec"] = sample.Sky.Dec
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sample %d: %v", sample.Seq, err)
	}
	return msg, nil
}
