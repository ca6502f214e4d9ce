package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scopie/internal/device"
	"scopie/internal/frame"
	"scopie/internal/guide"
	"scopie/internal/logging"
	"scopie/internal/pipeline"
	"scopie/internal/registration"
	"scopie/internal/storage"
	"scopie/internal/stream"

	"github.com/gorilla/websocket"
)

type fakeGuide struct {
	*stream.Stream[guide.Sample]
	ref     frame.Frame
	cleared bool
	cal     *guide.Calibration
}

func newFakeGuide() *fakeGuide { return &fakeGuide{Stream: stream.New[guide.Sample]()} }

func (g *fakeGuide) Stats() pipeline.Stats { return pipeline.Stats{Accepted: 7, Published: 5} }

func (g *fakeGuide) SetReference(ref frame.Frame) (int, error) {
	if ref.Width() < 16 {
		return 0, registration.ErrTooSmall
	}
	g.ref = ref
	return 64, nil
}

func (g *fakeGuide) ClearReference() { g.cleared = true }

func (g *fakeGuide) WorkingSize() int {
	if g.ref.IsZero() {
		return 0
	}
	return 64
}

func (g *fakeGuide) Calibration() (guide.Calibration, bool) {
	if g.cal == nil {
		return guide.Calibration{}, false
	}
	return *g.cal, true
}

func (g *fakeGuide) SetCalibration(c guide.Calibration) error {
	g.cal = &c
	return nil
}

func (g *fakeGuide) CalibrateAxis(ctx context.Context, m guide.Slewer, ra bool, rate float64, d, settle time.Duration) (registration.Offset, error) {
	if g.ref.IsZero() {
		return registration.Offset{}, guide.ErrNoReference
	}
	if ra {
		return registration.Offset{X: 0.5}, nil
	}
	return registration.Offset{Y: 0.5}, nil
}

type namedStats struct{}

func (namedStats) Name() string          { return "stretch" }
func (namedStats) Stats() pipeline.Stats { return pipeline.Stats{Skipped: 3} }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFrame(t *testing.T, w, h int) frame.Frame {
	t.Helper()
	f, err := frame.NewGray8(w, h, make([]uint8, w*h))
	if err != nil {
		t.Fatalf("NewGray8: %v", err)
	}
	return f
}

type fixture struct {
	srv     *Server
	guide   *fakeGuide
	frames  *stream.Stream[frame.Frame]
	preview *stream.Stream[frame.Frame]
	errs    *logging.ErrorLog
	store   *storage.Store
	mounts  *device.Registry[device.Mount]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "scopie.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		guide:   newFakeGuide(),
		frames:  stream.New[frame.Frame](),
		preview: stream.New[frame.Frame](),
		errs:    logging.NewErrorLog(quietLogger(), 10),
		store:   store,
		mounts:  device.NewRegistry[device.Mount](),
	}
	f.srv = NewServer(":0", Options{
		Guide:     f.guide,
		Frames:    f.frames,
		Preview:   f.preview,
		Pipelines: []StatsSource{namedStats{}},
		Store:     store,
		Errors:    f.errs,
		Mounts:    f.mounts,
	}, quietLogger())
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestCurrentOffset(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "GET", "/offset"); rec.Code != http.StatusNoContent {
		t.Fatalf("before any sample: status %d", rec.Code)
	}

	f.guide.Publish(guide.Sample{Seq: 4, Offset: registration.Offset{X: 1.5, Y: -2}, Size: 64})
	rec := f.do(t, "GET", "/offset")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var got guide.Sample
	decode(t, rec, &got)
	if got.Seq != 4 || got.Offset.X != 1.5 || got.Offset.Y != -2 {
		t.Fatalf("sample = %+v", got)
	}
}

func TestRecentOffsets(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		rec := storage.OffsetRecord{Seq: uint64(i), DX: float64(i), WorkingSize: 64, At: time.Now()}
		if err := f.store.RecordOffset(rec); err != nil {
			t.Fatalf("RecordOffset: %v", err)
		}
	}

	rec := f.do(t, "GET", "/offsets?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var got []storage.OffsetRecord
	decode(t, rec, &got)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 2 {
		t.Fatalf("offsets = %+v", got)
	}

	if rec := f.do(t, "GET", "/offsets?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", rec.Code)
	}
}

func TestErrorsAndStats(t *testing.T) {
	f := newFixture(t)
	f.errs.Report("camera", errors.New("sensor too warm"))

	rec := f.do(t, "GET", "/errors")
	var errs errorsResponse
	decode(t, rec, &errs)
	if errs.Total != 1 || len(errs.Recent) != 1 || errs.Recent[0].Source != "camera" {
		t.Fatalf("errors = %+v", errs)
	}

	rec = f.do(t, "GET", "/stats")
	var stats statsResponse
	decode(t, rec, &stats)
	if stats.Pipelines["guide"].Accepted != 7 || stats.Pipelines["stretch"].Skipped != 3 {
		t.Fatalf("pipelines = %+v", stats.Pipelines)
	}
	if stats.Errors != 1 || stats.Calibrated || stats.WorkingSize != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestReference(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "POST", "/reference"); rec.Code != http.StatusConflict {
		t.Fatalf("without frame: status %d", rec.Code)
	}

	f.frames.Publish(testFrame(t, 8, 8))
	if rec := f.do(t, "POST", "/reference"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tiny frame: status %d", rec.Code)
	}

	f.frames.Publish(testFrame(t, 80, 60))
	rec := f.do(t, "POST", "/reference")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]int
	decode(t, rec, &got)
	if got["working_size"] != 64 {
		t.Fatalf("response = %v", got)
	}

	if rec := f.do(t, "DELETE", "/reference"); rec.Code != http.StatusNoContent || !f.guide.cleared {
		t.Fatalf("delete: status %d cleared %v", rec.Code, f.guide.cleared)
	}
}

type stubMount struct{ *stream.Stream[device.MountStatus] }

func (stubMount) Name() string                                       { return "stub" }
func (stubMount) Slew(ctx context.Context, ra bool, r float64) error { return nil }
func (m stubMount) Status() stream.Source[device.MountStatus]        { return m.Stream }
func (stubMount) Close() error                                       { return nil }

func TestCalibrate(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "POST", "/calibrate/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown mount: status %d", rec.Code)
	}
	if err := f.mounts.Add("stub", stubMount{stream.New[device.MountStatus]()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec := f.do(t, "POST", "/calibrate/stub"); rec.Code != http.StatusConflict {
		t.Fatalf("no reference: status %d", rec.Code)
	}
	if rec := f.do(t, "POST", "/calibrate/stub?rate=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad rate: status %d", rec.Code)
	}

	f.guide.ref = testFrame(t, 80, 60)
	rec := f.do(t, "POST", "/calibrate/stub?rate=10&seconds=0.1&settle=0.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := f.guide.Calibration(); !ok {
		t.Fatal("calibration not stored")
	}
}

func TestDevices(t *testing.T) {
	f := newFixture(t)
	f.mounts.Add("eq6", stubMount{stream.New[device.MountStatus]()})
	var got map[string][]string
	decode(t, f.do(t, "GET", "/devices"), &got)
	if len(got["cameras"]) != 0 || len(got["mounts"]) != 1 || got["mounts"][0] != "eq6" {
		t.Fatalf("devices = %v", got)
	}
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "GET", "/preview.png"); rec.Code != http.StatusNoContent {
		t.Fatalf("before any frame: status %d", rec.Code)
	}
	f.preview.Publish(testFrame(t, 20, 10))
	rec := f.do(t, "GET", "/preview.png")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Fatalf("bounds %v", b)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	f.guide.Publish(guide.Sample{Seq: 9, Offset: registration.Offset{X: 0.25}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got guide.Sample
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		if got.Seq != 9 {
			t.Fatalf("first event seq %d", got.Seq)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestWebSocketOffsets(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := f.srv.attach(ctx)
	defer stop()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/offsets", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The client is registered asynchronously, so keep publishing until one
	// arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for seq := uint64(1); ; seq++ {
			select {
			case <-done:
				return
			case <-tick.C:
				f.guide.Publish(guide.Sample{Seq: seq})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got guide.Sample
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("message %q: %v", msg, err)
	}
	if got.Seq == 0 {
		t.Fatalf("sample = %+v", got)
	}
}
