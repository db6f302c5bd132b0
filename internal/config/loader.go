package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/internal/voice"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// Environment variables that override file settings.
const (
	EnvAPIKey = "OPENAI_API_KEY"
	EnvURL    = "WS_URL"
	EnvModel  = "MODEL"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultURL           = "wss://api.openai.com/v1/realtime"
	DefaultModel         = "gpt-4o-realtime-preview"
	DefaultVoice         = "ash"
	DefaultBackend       = "miniaudio"
	DefaultChunkDuration = 100 * time.Millisecond
)

// minServerCommit is the least audio the server accepts in a commit.
const minServerCommit = 100 * time.Millisecond

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. A relative
// instructions_file is resolved against the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(bytes.NewReader(data), filepath.Dir(path), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, "", nil)
}

func parse(r io.Reader, dir string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	if err := loadInstructions(cfg, dir); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the endpoint and credentials from the environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Realtime.APIKey = v
	}
	if v, ok := lookup(EnvURL); ok && v != "" {
		cfg.Realtime.URL = v
	}
	if v, ok := lookup(EnvModel); ok && v != "" {
		cfg.Realtime.Model = v
	}
}

func loadInstructions(cfg *Config, dir string) error {
	rt := &cfg.Realtime
	if rt.Instructions != "" || rt.InstructionsFile == "" {
		return nil
	}
	path := rt.InstructionsFile
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: realtime.instructions_file: %w", err)
	}
	rt.Instructions = string(data)
	return nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	rt := &cfg.Realtime
	if rt.URL == "" {
		rt.URL = DefaultURL
	}
	if rt.Model == "" {
		rt.Model = DefaultModel
	}
	if rt.Transport == "" {
		rt.Transport = TransportCoder
	}
	if rt.Voice == "" {
		rt.Voice = DefaultVoice
	}
	if rt.TurnDetection.Type == "" {
		d := realtime.DefaultTurnDetection()
		rt.TurnDetection = TurnDetectionConfig{
			Type:              d.Type,
			Threshold:         d.Threshold,
			PrefixPaddingMs:   d.PrefixPaddingMs,
			SilenceDurationMs: d.SilenceDurationMs,
		}
	}
	if rt.HandshakeTimeout == 0 {
		rt.HandshakeTimeout = session.DefaultHandshakeTimeout
	}
	if rt.Backlog == 0 {
		rt.Backlog = session.DefaultBacklogLimit
	}
	if rt.Reconnect.MaxRetries == 0 {
		rt.Reconnect.MaxRetries = session.DefaultMaxRetries
	}
	if rt.Reconnect.Backoff == 0 {
		rt.Reconnect.Backoff = session.DefaultBackoff
	}
	if rt.Reconnect.MaxBackoff == 0 {
		rt.Reconnect.MaxBackoff = session.DefaultMaxBackoff
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.ChunkDuration == 0 {
		a.ChunkDuration = DefaultChunkDuration
	}
	if a.CommitInterval == 0 {
		a.CommitInterval = voice.DefaultCommitInterval
	}
	if a.MinCommit == 0 {
		a.MinCommit = voice.DefaultMinCommit
	}
	if a.StatsInterval == 0 {
		a.StatsInterval = voice.DefaultStatsInterval
	}
}

// Endpoint returns URL with the model query parameter set.
func (r RealtimeConfig) Endpoint() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("config: realtime.url: %w", err)
	}
	q := u.Query()
	q.Set("model", r.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Realtime
	rt := cfg.Realtime
	if u, err := url.Parse(rt.URL); err != nil {
		errs = append(errs, fmt.Errorf("realtime.url %q is invalid: %w", rt.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("realtime.url %q must use ws or wss", rt.URL))
	}
	if rt.Model == "" {
		errs = append(errs, errors.New("realtime.model is required"))
	}
	if rt.Transport != "" && !rt.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.transport %q is invalid; valid values: coder, gorilla", rt.Transport))
	}
	if rt.Voice == "" {
		errs = append(errs, errors.New("realtime.voice is required"))
	}
	td := rt.TurnDetection
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("realtime.turn_detection durations must not be negative"))
	}
	if rt.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.handshake_timeout %v must not be negative", rt.HandshakeTimeout))
	}
	if rt.Backlog < 0 {
		errs = append(errs, fmt.Errorf("realtime.backlog %d must not be negative", rt.Backlog))
	}
	if rc := rt.Reconnect; rc.MaxRetries < 0 || rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("realtime.reconnect values must not be negative"))
	} else if rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("realtime.reconnect.backoff %v exceeds max_backoff %v", rc.Backoff, rc.MaxBackoff))
	}

	// Audio
	a := cfg.Audio
	if a.Channels < 0 || a.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", a.Channels))
	}
	if a.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", a.FramesPerBuffer))
	}
	if a.ChunkDuration < 0 || (a.ChunkDuration > 0 && a.ChunkDuration < 10*time.Millisecond) {
		errs = append(errs, fmt.Errorf("audio.chunk_duration %v must be at least 10ms", a.ChunkDuration))
	}
	if a.CommitInterval < 0 || a.MinCommit < 0 || a.StatsInterval < 0 {
		errs = append(errs, errors.New("audio intervals must not be negative"))
	}
	if a.MinCommit > 0 && a.MinCommit < minServerCommit {
		slog.Warn("audio.min_commit is below what the server accepts; expect empty-buffer commit errors",
			"min_commit", a.MinCommit, "server_minimum", minServerCommit)
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
