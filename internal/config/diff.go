package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without restarting the link.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart (e.g., "stream", "audio.capture").
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.AdminAddr != new.Server.AdminAddr {
		d.RestartRequired = append(d.RestartRequired, "server.admin_addr")
	}
	if old.Stream != new.Stream {
		d.RestartRequired = append(d.RestartRequired, "stream")
	}
	if old.Audio.Format() != new.Audio.Format() {
		d.RestartRequired = append(d.RestartRequired, "audio.format")
	}
	if !reflect.DeepEqual(old.Audio.Capture, new.Audio.Capture) {
		d.RestartRequired = append(d.RestartRequired, "audio.capture")
	}
	if !reflect.DeepEqual(old.Audio.Playback, new.Audio.Playback) {
		d.RestartRequired = append(d.RestartRequired, "audio.playback")
	}

	return d
}
