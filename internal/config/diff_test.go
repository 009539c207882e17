package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/pcmlink/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-required sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"admin addr", func(c *config.Config) { c.Server.AdminAddr = ":9191" }, "server.admin_addr"},
		{"port", func(c *config.Config) { c.Stream.Port = 6001 }, "stream"},
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 48000 }, "audio.format"},
		{"capture device", func(c *config.Config) { c.Audio.Capture.Device = "USB" }, "audio.capture"},
		{"playback options", func(c *config.Config) {
			c.Audio.Playback.Options = map[string]any{"buffer_periods": 4}
		}, "audio.playback"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, []string{tc.want}) {
				t.Errorf("RestartRequired = %v, want [%s]", d.RestartRequired, tc.want)
			}
			if d.LogLevelChanged {
				t.Error("unexpected log level change")
			}
		})
	}
}
