package cli

import (
	"context"
	"fmt"
	"log/slog"

	"scopie/internal/config"
	"scopie/internal/device"
	"scopie/internal/feed"
	"scopie/internal/frame"
	"scopie/internal/grpcserver"
	"scopie/internal/guide"
	"scopie/internal/hwqueue"
	"scopie/internal/logging"
	"scopie/internal/process"
	"scopie/internal/server"
	"scopie/internal/storage"
	"scopie/internal/stream"
)

// service is the running guiding application: devices feed one frame
// stream, which drives the guider and the display stretcher.
type service struct {
	cfg  *config.Config
	log  *slog.Logger
	errs *logging.ErrorLog

	store   *storage.Store
	cameras *device.Registry[device.Camera]
	mounts  *device.Registry[device.Mount]
	camera  *device.SimCamera
	feed    *feed.Directory

	frames  *stream.Stream[frame.Frame]
	stretch *process.Stretcher
	guider  *guide.Guider
	http    *server.Server
	grpc    *grpcserver.GuideService

	cleanup []func()
}

func runService(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	svc, err := newService(cfg, log)
	if err != nil {
		return err
	}
	defer svc.close()
	return svc.run(ctx)
}

func newService(cfg *config.Config, log *slog.Logger) (svc *service, err error) {
	s := &service{
		cfg:     cfg,
		log:     log,
		errs:    logging.NewErrorLog(log, cfg.Logging.ErrorRing),
		cameras: device.NewRegistry[device.Camera](),
		mounts:  device.NewRegistry[device.Mount](),
		frames:  stream.New[frame.Frame](),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.store, err = storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s.onClose(func() { s.store.Close() })
	s.errs.AddSink(func(r logging.Report) {
		if err := s.store.RecordError(r.Source, r.Error, r.At); err != nil {
			s.log.Warn("failed to store error report", "error", err)
		}
	})
	log.Info("session started", "session", s.store.Session, "db", cfg.Paths.DatabasePath)

	if err := s.openDevices(); err != nil {
		return nil, err
	}

	if cfg.Feed.Directory != "" {
		s.feed, err = feed.NewDirectory(cfg.Feed.Directory, feed.DefaultSettle, s.errs, log)
		if err != nil {
			return nil, err
		}
		s.onClose(s.feed.Frames().Subscribe(s.frames.Publish))
	}

	s.stretch = process.NewStretcher(cfg.Pipeline.StretchWorkerCount(), cfg.Pipeline.Stretch, s.errs, log)
	s.onClose(s.stretch.Close)
	s.onClose(s.stretch.Attach(s.frames))

	s.guider = guide.New(guide.Options{
		WorkingSize:    cfg.Registration.WorkingSize,
		MaxWorkingSize: cfg.Registration.MaxWorkingSize,
		Workers:        cfg.Pipeline.GuideWorkers,
	}, s.errs, log)
	s.onClose(s.guider.Close)
	s.onClose(s.guider.Attach(s.frames))

	s.http = server.NewServer(cfg.Server.Addr, server.Options{
		Guide:     s.guider,
		Frames:    s.frames,
		Preview:   s.stretch,
		Pipelines: []server.StatsSource{s.stretch},
		Store:     s.store,
		Errors:    s.errs,
		Cameras:   s.cameras,
		Mounts:    s.mounts,
	}, log)
	if cfg.Server.GRPCAddr != "" {
		s.grpc = grpcserver.NewGuideService(s.guider, log)
	}
	return s, nil
}

// openDevices registers the configured simulated hardware. Camera frames are
// shifted by mount motion so calibration sees the slews.
func (s *service) openDevices() error {
	var mount *device.SimMount
	if s.cfg.Mount.Simulated {
		mount = device.NewSimMount("sim-mount", s.cfg.Mount.PollInterval.Duration, hwqueue.SystemClock, s.errs, s.log)
		s.onClose(func() { mount.Close() })
		if err := s.mounts.Add(mount.Name(), mount); err != nil {
			return err
		}
	}

	if !s.cfg.Camera.Simulated {
		return nil
	}
	cc := s.cfg.Camera
	camCfg := device.SimCameraConfig{
		Name:     "sim-camera",
		Width:    cc.Width,
		Height:   cc.Height,
		Stars:    cc.Stars,
		BitDepth: cc.BitDepth,
		DriftX:   cc.DriftX,
		DriftY:   cc.DriftY,
		Exposure: cc.Exposure.Duration,
		Seed:     1,
	}
	if mount != nil && cc.PixelScale > 0 {
		camCfg.Pointing = func() (float64, float64) {
			st, ok := mount.Status().Current()
			if !ok {
				return 0, 0
			}
			return st.RA / cc.PixelScale, st.Dec / cc.PixelScale
		}
	}
	s.camera = device.NewSimCamera(camCfg, hwqueue.SystemClock, s.errs, s.log)
	s.onClose(func() { s.camera.Close() })
	s.onClose(s.camera.Frames().Subscribe(s.frames.Publish))
	return s.cameras.Add(s.camera.Name(), s.camera)
}

func (s *service) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.camera != nil {
		if err := s.camera.Start(ctx); err != nil {
			return fmt.Errorf("start camera: %w", err)
		}
	}

	errc := make(chan error, 5)
	running := 0
	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			err := fn(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errc <- err
		}()
	}

	start("http", s.http.Start)
	if s.grpc != nil {
		start("grpc", func(ctx context.Context) error { return s.grpc.Serve(ctx, s.cfg.Server.GRPCAddr) })
	}
	if s.feed != nil {
		start("feed", s.feed.Run)
	}
	start("recorder", s.record)
	if s.cfg.Registration.AutoReference {
		start("reference", s.referenceFirstFrame)
	}

	var first error
	for ; running > 0; running-- {
		if err := <-errc; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// record stores every published sample in the session log.
func (s *service) record(ctx context.Context) error {
	samples, stop := stream.Watch[guide.Sample](s.guider, 64)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample := <-samples:
			logging.LogOffset(s.log, sample.Seq, sample.Offset.X, sample.Offset.Y, 0)
			rec := storage.OffsetRecord{
				Seq:         sample.Seq,
				DX:          sample.Offset.X,
				DY:          sample.Offset.Y,
				WorkingSize: sample.Size,
				At:          sample.At,
			}
			if sample.Sky != nil {
				rec.SkyRA, rec.SkyDec = &sample.Sky.RA, &sample.Sky.Dec
			}
			if err := s.store.RecordOffset(rec); err != nil {
				s.errs.Report("recorder", fmt.Errorf("store offset %d: %w", sample.Seq, err))
			}
		}
	}
}

// referenceFirstFrame uses the first frame that arrives as the reference.
func (s *service) referenceFirstFrame(ctx context.Context) error {
	frames, stop := stream.Watch[frame.Frame](s.frames, 1)
	defer stop()
	select {
	case <-ctx.Done():
		return nil
	case f := <-frames:
		size, err := s.guider.SetReference(f)
		if err != nil {
			s.errs.Report("reference", err)
			return nil
		}
		s.log.Info("reference set from first frame", "width", f.Width(), "height", f.Height(), "working_size", size)
		return nil
	}
}

// onClose registers fn to run on close, in reverse order.
func (s *service) onClose(fn func()) {
	s.cleanup = append(s.cleanup, fn)
}

func (s *service) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}
