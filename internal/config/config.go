// Package config holds the static service configuration. It is loaded once at
// startup from an optional YAML file, then environment overrides are applied.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/camoverride/emotion-detector/internal/face"
	"github.com/camoverride/emotion-detector/internal/frame"
	"github.com/camoverride/emotion-detector/internal/pipeline"
	"github.com/camoverride/emotion-detector/internal/predict"
)

type Config struct {
	HTTPAddr        string             `yaml:"http_addr"`
	GRPCAddr        string             `yaml:"grpc_addr"`
	RedisAddr       string             `yaml:"redis_addr"`
	DatabaseDSN     string             `yaml:"database_dsn"`
	ShutdownTimeout time.Duration      `yaml:"shutdown_timeout"`
	RunTimeout      time.Duration      `yaml:"run_timeout"`
	MaxFrameBytes   int                `yaml:"max_frame_bytes"`
	MaxFramePixels  int                `yaml:"max_frame_pixels"`
	MaxInflight     int                `yaml:"max_inflight"`
	Detector        Detector           `yaml:"detector"`
	Predict         Predict            `yaml:"predict"`
	Throttle        Throttle           `yaml:"throttle"`
	Models          map[string]Model   `yaml:"models"`
	Requests        map[string]Request `yaml:"requests"`
}

type Detector struct {
	Backend      string  `yaml:"backend"`
	Cascade      string  `yaml:"cascade"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	ShiftFactor  float64 `yaml:"shift_factor"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	MinQuality   float32 `yaml:"min_quality"`
}

type Predict struct {
	Timeout        time.Duration `yaml:"timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// Throttle limits frames per client and second. Zero disables it.
type Throttle struct {
	FramesPerSecond int `yaml:"frames_per_second"`
}

// Model describes one served model. The input shape is derived from the profile.
type Model struct {
	Host    string          `yaml:"host"`
	Port    int             `yaml:"port"`
	Version int             `yaml:"version"`
	Profile face.Profile    `yaml:"profile"`
	Decoder predict.Decoder `yaml:"decoder"`
}

type Request struct {
	Models      []string `yaml:"models"`
	BoundingBox bool     `yaml:"bounding_box"`
}

const (
	defaultModelHost = "localhost"
	defaultModelPort = 8501
)

// Default returns the built-in configuration: the four served models and the
// request types the browser client uses.
func Default() *Config {
	registry := predict.DefaultRegistry()
	model := func(name string, p face.Profile) Model {
		return Model{Host: defaultModelHost, Port: defaultModelPort, Version: 1, Profile: p, Decoder: registry[name]}
	}
	params := face.DefaultDetectorParams()

	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		ShutdownTimeout: 15 * time.Second,
		RunTimeout:      10 * time.Second,
		MaxFrameBytes:   frame.DefaultMaxBytes,
		MaxFramePixels:  frame.DefaultMaxPixels,
		MaxInflight:     4,
		Detector: Detector{
			Backend:      face.BackendHaar,
			Cascade:      "models/haarcascade_frontalface_default.xml",
			MinSize:      params.MinSize,
			ScaleFactor:  params.ScaleFactor,
			MinNeighbors: params.MinNeighbors,
			ShiftFactor:  params.ShiftFactor,
			IoUThreshold: params.IoUThreshold,
			MinQuality:   params.MinQuality,
		},
		Predict: Predict{
			Timeout:        predict.DefaultTimeout,
			RetryAttempts:  2,
			InitialBackoff: 25 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			ProbeInterval:  10 * time.Second,
		},
		Models: map[string]Model{
			"emotion_model":    model("emotion_model", face.Profile{Width: 48, Height: 48, Channels: face.Grayscale, ScalingFactor: 1}),
			"age_gender_model": model("age_gender_model", face.Profile{Width: 64, Height: 64, Channels: face.Color, ScalingFactor: 1}),
			"gender_model":     model("gender_model", face.Profile{Width: 224, Height: 224, Channels: face.Color, ScalingFactor: 100}),
			"age_model":        model("age_model", face.Profile{Width: 224, Height: 224, Channels: face.Color, ScalingFactor: 100}),
		},
		Requests: map[string]Request{
			"emotion":      {Models: []string{"emotion_model"}},
			"age_gender":   {Models: []string{"age_gender_model"}},
			"gender":       {Models: []string{"gender_model"}},
			"age":          {Models: []string{"age_model"}},
			"bounding_box": {BoundingBox: true},
			"analyze":      {Models: []string{"emotion_model", "age_gender_model"}, BoundingBox: true},
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their
// default values; a models or requests table in the file replaces the default one.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if file.Models != nil {
		cfg.Models = nil
	}
	if file.Requests != nil {
		cfg.Requests = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.fillModelDefaults()
	return cfg, nil
}

// fillModelDefaults completes models declared in a file with the default server
// location and, for known model names, the built-in decoder.
func (c *Config) fillModelDefaults() {
	registry := predict.DefaultRegistry()
	for name, m := range c.Models {
		if m.Host == "" {
			m.Host = defaultModelHost
		}
		if m.Port == 0 {
			m.Port = defaultModelPort
		}
		if m.Version == 0 {
			m.Version = 1
		}
		if len(m.Decoder.Heads) == 0 {
			m.Decoder = registry[name]
		}
		c.Models[name] = m
	}
}

// ApplyEnv overrides addresses, the DSN and model server location from the
// environment.
func (c *Config) ApplyEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.DatabaseDSN = getEnv("DATABASE_DSN", c.DatabaseDSN)

	host := os.Getenv("MODEL_SERVER_HOST")
	port := 0
	if raw := os.Getenv("MODEL_SERVER_PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid MODEL_SERVER_PORT %q: %w", raw, err)
		}
		port = p
	}
	for name, m := range c.Models {
		if host != "" {
			m.Host = host
		}
		if port != 0 {
			m.Port = port
		}
		c.Models[name] = m
	}
	return nil
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr must be set"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max_frame_bytes must be positive"))
	}
	if c.MaxFramePixels <= 0 {
		errs = append(errs, errors.New("max_frame_pixels must be positive"))
	}
	if c.MaxInflight <= 0 {
		errs = append(errs, errors.New("max_inflight must be positive"))
	}
	if c.Throttle.FramesPerSecond < 0 {
		errs = append(errs, errors.New("throttle.frames_per_second must not be negative"))
	}
	if c.Predict.RetryAttempts < 1 {
		errs = append(errs, errors.New("predict.retry_attempts must be at least 1"))
	}
	if err := c.DetectorParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detector: %w", err))
	}
	if c.Detector.Backend != face.BackendHaar && c.Detector.Backend != face.BackendPigo {
		errs = append(errs, fmt.Errorf("detector: unknown backend %q", c.Detector.Backend))
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("at least one model must be configured"))
	}
	for _, name := range sortedKeys(c.Models) {
		m := c.Models[name]
		if err := m.Profile.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", name, err))
		}
		if err := m.Decoder.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", name, err))
		}
		if err := m.endpoint(name).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", name, err))
		}
	}
	for _, name := range sortedKeys(c.Requests) {
		rt := c.Requests[name]
		if len(rt.Models) == 0 && !rt.BoundingBox {
			errs = append(errs, fmt.Errorf("request %s produces no output", name))
		}
		for _, model := range rt.Models {
			if _, ok := c.Models[model]; !ok {
				errs = append(errs, fmt.Errorf("request %s references unknown model %s", name, model))
			}
		}
	}
	return errors.Join(errs...)
}

// DetectorParams converts the detector section for the locators.
func (c *Config) DetectorParams() face.DetectorParams {
	d := c.Detector
	return face.DetectorParams{
		MinSize:      d.MinSize,
		MaxSize:      d.MaxSize,
		ScaleFactor:  d.ScaleFactor,
		MinNeighbors: d.MinNeighbors,
		ShiftFactor:  d.ShiftFactor,
		IoUThreshold: d.IoUThreshold,
		MinQuality:   d.MinQuality,
	}
}

func (m Model) endpoint(name string) predict.Endpoint {
	return predict.Endpoint{
		Host:       m.Host,
		Port:       m.Port,
		Version:    m.Version,
		ModelName:  name,
		InputShape: [3]int{m.Profile.Height, m.Profile.Width, m.Profile.Channels.Depth()},
	}
}

// PipelineModels returns the model table in name order.
func (c *Config) PipelineModels() []pipeline.Model {
	out := make([]pipeline.Model, 0, len(c.Models))
	for _, name := range sortedKeys(c.Models) {
		m := c.Models[name]
		out = append(out, pipeline.Model{Name: name, Endpoint: m.endpoint(name), Profile: m.Profile})
	}
	return out
}

// RequestTypes returns the request table in name order.
func (c *Config) RequestTypes() []pipeline.RequestType {
	out := make([]pipeline.RequestType, 0, len(c.Requests))
	for _, name := range sortedKeys(c.Requests) {
		rt := c.Requests[name]
		out = append(out, pipeline.RequestType{Name: name, Models: rt.Models, BoundingBox: rt.BoundingBox})
	}
	return out
}

// Registry returns the decoders keyed by model name.
func (c *Config) Registry() predict.Registry {
	reg := make(predict.Registry, len(c.Models))
	for name, m := range c.Models {
		reg[name] = m.Decoder
	}
	return reg
}

func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		MaxFrameBytes:  c.MaxFrameBytes,
		MaxFramePixels: c.MaxFramePixels,
		RetryAttempts:  c.Predict.RetryAttempts,
		InitialBackoff: c.Predict.InitialBackoff,
		MaxBackoff:     c.Predict.MaxBackoff,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
