package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scopie/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("pipeline", "guide")

	log.Debug("hidden")
	log.Warn("item dropped", "version", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] item dropped [pipeline=guide version=3]") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	log, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info("hello from test")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "scopie-current.log"))
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("log file missing line: %q", data)
	}
}

func TestErrorLogRingKeepsNewest(t *testing.T) {
	e := NewErrorLog(New("error", "text"), 3)
	var sunk []string
	e.AddSink(func(r Report) { sunk = append(sunk, r.Source) })

	for i := 0; i < 5; i++ {
		e.Report(fmt.Sprintf("src%d", i), errors.New("boom"))
	}
	e.Report("ignored", nil)

	recent := e.Recent()
	if len(recent) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(recent))
	}
	for i, want := range []string{"src2", "src3", "src4"} {
		if recent[i].Source != want {
			t.Fatalf("recent[%d] = %s, want %s", i, recent[i].Source, want)
		}
	}
	if e.Total() != 5 {
		t.Fatalf("total = %d", e.Total())
	}
	if len(sunk) != 5 {
		t.Fatalf("sink saw %d reports", len(sunk))
	}
}

func TestErrorLogPartialRing(t *testing.T) {
	e := NewErrorLog(nil, 4)
	e.Report("a", errors.New("x"))
	if got := e.Recent(); len(got) != 1 || got[0].Error != "x" {
		t.Fatalf("recent = %+v", got)
	}
}
