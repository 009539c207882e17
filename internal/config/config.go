// Package config provides the configuration schema, loader, and audio backend
// registry for pcmlink.
package config

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/MrWong99/pcmlink/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Role selects which end of the link this process runs.
type Role string

const (
	// RoleSender captures audio and streams it to a receiver.
	RoleSender Role = "sender"

	// RoleReceiver accepts one connection at a time and plays what it receives.
	RoleReceiver Role = "receiver"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleSender || r == RoleReceiver
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultAddress           = "127.0.0.1"
	DefaultPort              = 5000
	DefaultChunkFrames       = 4096
	DefaultQueueCapacity     = 2
	DefaultHighWaterChunks   = 8
	DefaultDeviceWaitTimeout = 3 * time.Second
	DefaultReadBufferBytes   = 32768
	DefaultSampleRate        = 44100
	DefaultChannels          = 2
	DefaultSampleFormat      = audio.SampleF32
	DefaultBackend           = "portaudio"
)

// Config is the root configuration structure for pcmlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Audio  AudioConfig  `yaml:"audio"`
}

// ServerConfig holds logging and admin endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is the listen address of the admin HTTP server serving
	// /metrics, /healthz and /readyz (e.g., ":9090"). Empty disables it.
	AdminAddr string `yaml:"admin_addr"`
}

// StreamConfig describes the link itself.
type StreamConfig struct {
	// Role is either "sender" or "receiver".
	Role Role `yaml:"role"`

	// Address is the host the sender connects to or the receiver binds to.
	Address string `yaml:"address"`

	// Port is the TCP port of the link. A receiver may use 0 to bind an
	// OS-assigned port, which it logs once listening.
	Port int `yaml:"port"`

	// ChunkFrames is the number of frames per block put on the wire.
	ChunkFrames int `yaml:"chunk_frames"`

	// QueueCapacity bounds the blocks waiting between capture and network.
	QueueCapacity int `yaml:"queue_capacity"`

	// HighWaterChunks is the number of unsent chunks buffered in the
	// accumulator before a backpressure warning is logged.
	HighWaterChunks int `yaml:"high_water_chunks"`

	// DeviceWaitTimeout bounds how long the sender waits for the capture
	// device to produce data.
	DeviceWaitTimeout time.Duration `yaml:"device_wait_timeout"`

	// RecordFile, when set, receives an append-only copy of every byte the
	// sender puts on the wire.
	RecordFile string `yaml:"record_file"`

	// ReadBufferBytes is the receiver's maximum read size per socket read.
	ReadBufferBytes int `yaml:"read_buffer_bytes"`

	// ConnectRetries is the number of extra connection attempts the sender
	// makes before giving up.
	ConnectRetries int `yaml:"connect_retries"`
}

// Addr joins Address and Port into a dialable host:port string.
func (s StreamConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// AudioConfig fixes the PCM format and selects the devices of both roles.
type AudioConfig struct {
	SampleRate   int                `yaml:"sample_rate"`
	Channels     int                `yaml:"channels"`
	SampleFormat audio.SampleFormat `yaml:"sample_format"`

	// Capture is the sender's input device.
	Capture DeviceConfig `yaml:"capture"`

	// Playback is the receiver's output device.
	Playback DeviceConfig `yaml:"playback"`
}

// Format returns the configured PCM format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:   a.SampleRate,
		Channels:     a.Channels,
		SampleFormat: a.SampleFormat,
	}
}

// DeviceConfig selects one device of a registered backend. The Backend field
// is used to look up the constructor in the [Registry].
type DeviceConfig struct {
	// Backend selects the registered implementation ("portaudio", "malgo", "wavfile").
	Backend string `yaml:"backend"`

	// Device selects a device by (substring of) its name. Empty picks the
	// system default.
	Device string `yaml:"device"`

	// Loopback captures what a playback device renders. Capture only.
	Loopback bool `yaml:"loopback"`

	// FramesPerBuffer is the device period. Zero lets the backend choose.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// Options holds backend-specific values not covered by the standard
	// fields above (e.g., a WAV path).
	Options map[string]any `yaml:"options"`
}

// Spec converts d into the [audio.DeviceSpec] handed to a backend.
func (d DeviceConfig) Spec(f audio.Format) audio.DeviceSpec {
	return audio.DeviceSpec{
		Name:            d.Device,
		Loopback:        d.Loopback,
		Format:          f,
		FramesPerBuffer: d.FramesPerBuffer,
		Options:         d.Options,
	}
}

// ApplyDefaults fills every unset field with its default. Role and AdminAddr
// have no default. A zero Port counts as unset; [Parse] restores a port of 0
// written explicitly in the file.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	s := &c.Stream
	if s.Address == "" {
		s.Address = DefaultAddress
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ChunkFrames == 0 {
		s.ChunkFrames = DefaultChunkFrames
	}
	if s.QueueCapacity == 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}
	if s.HighWaterChunks == 0 {
		s.HighWaterChunks = DefaultHighWaterChunks
	}
	if s.DeviceWaitTimeout == 0 {
		s.DeviceWaitTimeout = DefaultDeviceWaitTimeout
	}
	if s.ReadBufferBytes == 0 {
		s.ReadBufferBytes = DefaultReadBufferBytes
	}

	a := &c.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.SampleFormat == "" {
		a.SampleFormat = DefaultSampleFormat
	}
	if a.Capture.Backend == "" {
		a.Capture.Backend = DefaultBackend
	}
	if a.Playback.Backend == "" {
		a.Playback.Backend = DefaultBackend
	}
}

// Default returns a config with every default applied and no role.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}
