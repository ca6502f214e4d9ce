package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/scopie/config.json"
	defaultMaxSize    = 512
)

// Config holds user-editable settings for the guiding service.
type Config struct {
	Logging      Logging      `json:"logging" yaml:"logging"`
	Registration Registration `json:"registration" yaml:"registration"`
	Pipeline     Pipeline     `json:"pipeline" yaml:"pipeline"`
	Camera       Camera       `json:"camera" yaml:"camera"`
	Mount        Mount        `json:"mount" yaml:"mount"`
	Feed         Feed         `json:"feed" yaml:"feed"`
	Paths        Paths        `json:"paths" yaml:"paths"`
	Server       Server       `json:"server" yaml:"server"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
	ErrorRing  int    `json:"error_ring" yaml:"error_ring"`   // Reported errors kept in memory
}

// Registration sizes the phase-correlation working area.
type Registration struct {
	WorkingSize    int  `json:"working_size" yaml:"working_size"`         // 0 = largest that fits
	MaxWorkingSize int  `json:"max_working_size" yaml:"max_working_size"` // 0 = 512
	AutoReference  bool `json:"auto_reference" yaml:"auto_reference"`     // first frame becomes the reference
}

// Pipeline sets worker counts for the stale-skipping pipelines.
type Pipeline struct {
	GuideWorkers   int  `json:"guide_workers" yaml:"guide_workers"`
	StretchWorkers int  `json:"stretch_workers" yaml:"stretch_workers"` // 0 = NumCPU-1
	Stretch        bool `json:"stretch" yaml:"stretch"`
}

// Camera configures the simulated camera.
type Camera struct {
	Simulated  bool     `json:"simulated" yaml:"simulated"`
	Width      int      `json:"width" yaml:"width"`
	Height     int      `json:"height" yaml:"height"`
	DriftX     float64  `json:"drift_x" yaml:"drift_x"` // pixels per frame
	DriftY     float64  `json:"drift_y" yaml:"drift_y"`
	Stars      int      `json:"stars" yaml:"stars"`
	BitDepth   int      `json:"bit_depth" yaml:"bit_depth"` // 8 or 16
	Exposure   Duration `json:"exposure" yaml:"exposure"`
	PixelScale float64  `json:"pixel_scale" yaml:"pixel_scale"` // arcsec per pixel
}

// Mount configures the simulated mount.
type Mount struct {
	Simulated    bool     `json:"simulated" yaml:"simulated"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Feed configures the directory frame feed.
type Feed struct {
	Directory string `json:"directory" yaml:"directory"`
}

// Paths configures on-disk locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Server configures the HTTP and gRPC listeners. Empty disables a listener.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Duration is a time.Duration written as "1s", "250ms" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// StretchWorkerCount resolves the configured stretch worker count, reserving
// one CPU for interactive work when unset.
func (p Pipeline) StretchWorkerCount() int {
	if p.StretchWorkers > 0 {
		return p.StretchWorkers
	}
	return max(1, runtime.NumCPU()-1)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("SCOPIE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the given JSON or YAML file over the defaults. A missing file
// yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			ErrorRing:  100,
		},
		Registration: Registration{
			MaxWorkingSize: defaultMaxSize,
		},
		Pipeline: Pipeline{
			GuideWorkers: 1,
			Stretch:      true,
		},
		Camera: Camera{
			Simulated:  true,
			Width:      640,
			Height:     480,
			DriftX:     0.2,
			DriftY:     -0.1,
			Stars:      40,
			BitDepth:   16,
			Exposure:   Duration{500 * time.Millisecond},
			PixelScale: 2,
		},
		Mount: Mount{
			Simulated:    true,
			PollInterval: Duration{time.Second},
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "scopie.db"),
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
