// Package server exposes the guider over HTTP: current and recent offsets,
// pipeline statistics, reference and calibration control, and live offsets
// as server-sent events or over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scopie/internal/device"
	"scopie/internal/frame"
	"scopie/internal/guide"
	"scopie/internal/logging"
	"scopie/internal/pipeline"
	"scopie/internal/registration"
	"scopie/internal/storage"
	"scopie/internal/stream"

	"github.com/gorilla/mux"
)

const (
	defaultOffsetLimit = 100
	maxOffsetLimit     = 1000
)

// Guide is the part of the guider the server drives.
type Guide interface {
	stream.Source[guide.Sample]
	Stats() pipeline.Stats
	SetReference(ref frame.Frame) (int, error)
	ClearReference()
	WorkingSize() int
	Calibration() (guide.Calibration, bool)
	SetCalibration(c guide.Calibration) error
	CalibrateAxis(ctx context.Context, m guide.Slewer, ra bool, rate float64, d, settle time.Duration) (registration.Offset, error)
}

// StatsSource is a pipeline whose counters are reported on /stats.
type StatsSource interface {
	Name() string
	Stats() pipeline.Stats
}

// Options carries the components the server reads from. Frames supplies the
// frame used by POST /reference and Preview the stretched frame for display.
// Everything except Guide may be nil.
type Options struct {
	Guide     Guide
	Frames    stream.Source[frame.Frame]
	Preview   stream.Source[frame.Frame]
	Pipelines []StatsSource
	Store     *storage.Store
	Errors    *logging.ErrorLog
	Cameras   *device.Registry[device.Camera]
	Mounts    *device.Registry[device.Mount]
}

// Server is the HTTP front end.
type Server struct {
	addr   string
	opts   Options
	log    *slog.Logger
	hub    *hub
	router *mux.Router
	server *http.Server
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr: addr,
		opts: opts,
		log:  log,
		hub:  newHub(log),
	}
	s.router = mux.NewRouter()
	s.setupRoutes(s.router)
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	stop := s.attach(ctx)
	defer stop()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// attach starts the websocket hub and feeds it every published sample.
func (s *Server) attach(ctx context.Context) (stop func()) {
	go s.hub.run(ctx)
	return s.opts.Guide.Subscribe(func(sample guide.Sample) {
		payload, err := json.Marshal(sample)
		if err != nil {
			s.log.Error("encode sample", "error", err)
			return
		}
		s.hub.send(payload)
	})
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/offset", s.handleOffset).Methods("GET")
	r.HandleFunc("/offsets", s.handleOffsets).Methods("GET")
	r.HandleFunc("/errors", s.handleErrors).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/preview.png", s.handlePreview).Methods("GET")
	r.HandleFunc("/reference", s.handleSetReference).Methods("POST")
	r.HandleFunc("/reference", s.handleClearReference).Methods("DELETE")
	r.HandleFunc("/calibrate/{mount}", s.handleCalibrate).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws/offsets", s.hub.serve).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.opts.Guide.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleOffsets(w http.ResponseWriter, r *http.Request) {
	limit := defaultOffsetLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxOffsetLimit)
	}
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no session store"))
		return
	}
	recs, err := s.opts.Store.RecentOffsets(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.OffsetRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type errorsResponse struct {
	Total  uint64           `json:"total"`
	Recent []logging.Report `json:"recent"`
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	resp := errorsResponse{Recent: []logging.Report{}}
	if s.opts.Errors != nil {
		resp.Total = s.opts.Errors.Total()
		resp.Recent = append(resp.Recent, s.opts.Errors.Recent()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	Pipelines   map[string]pipeline.Stats `json:"pipelines"`
	WorkingSize int                       `json:"working_size"`
	Calibrated  bool                      `json:"calibrated"`
	Errors      uint64                    `json:"errors"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Pipelines:   map[string]pipeline.Stats{"guide": s.opts.Guide.Stats()},
		WorkingSize: s.opts.Guide.WorkingSize(),
	}
	for _, p := range s.opts.Pipelines {
		resp.Pipelines[p.Name()] = p.Stats()
	}
	_, resp.Calibrated = s.opts.Guide.Calibration()
	if s.opts.Errors != nil {
		resp.Errors = s.opts.Errors.Total()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	resp := map[string][]string{"cameras": {}, "mounts": {}}
	if s.opts.Cameras != nil {
		resp["cameras"] = append(resp["cameras"], s.opts.Cameras.Names()...)
	}
	if s.opts.Mounts != nil {
		resp["mounts"] = append(resp["mounts"], s.opts.Mounts.Names()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.opts.Preview == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no preview source"))
		return
	}
	f, ok := s.opts.Preview.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, f.Image()); err != nil {
		s.log.Warn("encode preview", "error", err)
	}
}

func (s *Server) handleSetReference(w http.ResponseWriter, r *http.Request) {
	if s.opts.Frames == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame source"))
		return
	}
	f, ok := s.opts.Frames.Current()
	if !ok {
		writeError(w, http.StatusConflict, errors.New("no frame captured yet"))
		return
	}
	size, err := s.opts.Guide.SetReference(f)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registration.ErrTooSmall) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	s.log.Info("Reference set", "width", f.Width(), "height", f.Height(), "working_size", size)
	writeJSON(w, http.StatusOK, map[string]int{"working_size": size})
}

func (s *Server) handleClearReference(w http.ResponseWriter, r *http.Request) {
	s.opts.Guide.ClearReference()
	w.WriteHeader(http.StatusNoContent)
}

// handleCalibrate measures both axes of the named mount. Query parameters:
// rate (arcsec/s, default 15), seconds per slew (default 5) and settle
// seconds (default 1).
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Mounts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no mounts"))
		return
	}
	name := mux.Vars(r)["mount"]
	m, ok := s.opts.Mounts.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown mount %q", name))
		return
	}
	q := r.URL.Query()
	rate, err1 := queryFloat(q.Get("rate"), 15)
	secs, err2 := queryFloat(q.Get("seconds"), 5)
	settle, err3 := queryFloat(q.Get("settle"), 1)
	if err := errors.Join(err1, err2, err3); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d := time.Duration(secs * float64(time.Second))
	settleD := time.Duration(settle * float64(time.Second))

	var cal guide.Calibration
	cal.RA, err1 = s.opts.Guide.CalibrateAxis(r.Context(), m, true, rate, d, settleD)
	if err1 == nil {
		cal.Dec, err1 = s.opts.Guide.CalibrateAxis(r.Context(), m, false, rate, d, settleD)
	}
	if err1 == nil {
		err1 = s.opts.Guide.SetCalibration(cal)
	}
	if err1 != nil {
		status := http.StatusInternalServerError
		if errors.Is(err1, guide.ErrNoReference) {
			status = http.StatusConflict
		}
		writeError(w, status, err1)
		return
	}
	s.log.Info("Mount calibrated", "mount", name, "ra", cal.RA.String(), "dec", cal.Dec.String())
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	samples, stop := stream.Watch[guide.Sample](s.opts.Guide, 16)
	defer stop()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			payload, _ := json.Marshal(sample)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func queryFloat(v string, def float64) (float64, error) {
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid value %q", v)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
