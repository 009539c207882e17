package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the audio backends shipped with pcmlink.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = []string{"portaudio", "malgo", "wavfile"}

// Override adjusts a parsed config before it is validated, e.g. with values
// given on the command line.
type Override func(*Config)

// Load reads the YAML configuration file at path, applies defaults and then
// overrides in order, and returns the validated [Config].
func Load(path string, overrides ...Override) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, overrides...)
	if err != nil {
		return nil, fmt.Errorf("config: load %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader is like [Load] for a YAML document read from r. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader, overrides ...Override) (*Config, error) {
	cfg, err := Parse(r)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if o != nil {
			o(cfg)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML config from r and applies defaults without validating.
// Unknown keys are rejected. An empty document yields the default config.
//
// A stream.port of 0 written in the document is kept (an OS-assigned port
// for a receiver); an absent port gets [DefaultPort].
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	var explicit struct {
		Stream struct {
			Port *int `yaml:"port"`
		} `yaml:"stream"`
	}
	if err := yaml.Unmarshal(data, &explicit); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg.ApplyDefaults()
	if explicit.Stream.Port != nil {
		cfg.Stream.Port = *explicit.Stream.Port
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Stream
	s := cfg.Stream
	switch {
	case s.Role == "":
		errs = append(errs, errors.New("stream.role is required; valid values: sender, receiver"))
	case !s.Role.IsValid():
		errs = append(errs, fmt.Errorf("stream.role %q is invalid; valid values: sender, receiver", s.Role))
	}
	if s.Address == "" {
		errs = append(errs, errors.New("stream.address is required"))
	}
	switch {
	case s.Port < 0 || s.Port > 65535:
		errs = append(errs, fmt.Errorf("stream.port %d is out of range [0, 65535]", s.Port))
	case s.Port == 0 && s.Role != RoleReceiver:
		errs = append(errs, errors.New("stream.port 0 (OS-assigned) is only valid for a receiver"))
	}
	if s.ChunkFrames < 1 {
		errs = append(errs, fmt.Errorf("stream.chunk_frames %d must be positive", s.ChunkFrames))
	}
	if s.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("stream.queue_capacity %d must be positive", s.QueueCapacity))
	}
	if s.HighWaterChunks < 1 {
		errs = append(errs, fmt.Errorf("stream.high_water_chunks %d must be positive", s.HighWaterChunks))
	}
	if s.DeviceWaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stream.device_wait_timeout %s must be positive", s.DeviceWaitTimeout))
	}
	if s.ReadBufferBytes < 1 {
		errs = append(errs, fmt.Errorf("stream.read_buffer_bytes %d must be positive", s.ReadBufferBytes))
	}
	if s.ConnectRetries < 0 {
		errs = append(errs, fmt.Errorf("stream.connect_retries %d must not be negative", s.ConnectRetries))
	}
	if s.Role == RoleReceiver && s.RecordFile != "" {
		slog.Warn("stream.record_file is only used by the sender; ignoring", "record_file", s.RecordFile)
	}

	// Audio
	if err := cfg.Audio.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	switch s.Role {
	case RoleSender:
		errs = append(errs, validateDevice("audio.capture", cfg.Audio.Capture)...)
	case RoleReceiver:
		errs = append(errs, validateDevice("audio.playback", cfg.Audio.Playback)...)
		if cfg.Audio.Playback.Loopback {
			errs = append(errs, errors.New("audio.playback.loopback is only valid for capture devices"))
		}
	}

	return errors.Join(errs...)
}

func validateDevice(prefix string, d DeviceConfig) []error {
	var errs []error
	if d.Backend == "" {
		errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
	} else {
		validateBackendName(prefix, d.Backend)
	}
	if d.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("%s.frames_per_buffer %d must not be negative", prefix, d.FramesPerBuffer))
	}
	return errs
}

// validateBackendName logs a warning if name is not found in [ValidBackendNames].
func validateBackendName(prefix, name string) {
	if slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown audio backend; may be a typo or a custom backend",
		"field", prefix+".backend",
		"name", name,
		"known", ValidBackendNames,
	)
}
