package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pcmlink/internal/app"
	"github.com/MrWong99/pcmlink/internal/config"
	"github.com/MrWong99/pcmlink/pkg/audio"
	"github.com/MrWong99/pcmlink/pkg/audio/malgo"
	"github.com/MrWong99/pcmlink/pkg/audio/portaudio"
	"github.com/MrWong99/pcmlink/pkg/audio/wavfile"
)

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires all built-in audio backends into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterSource(portaudio.Name, func(spec audio.DeviceSpec) (audio.FrameSource, error) {
		return portaudio.OpenSource(spec)
	})
	reg.RegisterSink(portaudio.Name, func(spec audio.DeviceSpec) (audio.FrameSink, error) {
		return portaudio.OpenSink(spec)
	})

	reg.RegisterSource(malgo.Name, func(spec audio.DeviceSpec) (audio.FrameSource, error) {
		return malgo.OpenSource(spec)
	})
	reg.RegisterSink(malgo.Name, func(spec audio.DeviceSpec) (audio.FrameSink, error) {
		return malgo.OpenSink(spec)
	})

	reg.RegisterSource(wavfile.Name, func(spec audio.DeviceSpec) (audio.FrameSource, error) {
		return wavfile.OpenSource(spec)
	})
	reg.RegisterSink(wavfile.Name, func(spec audio.DeviceSpec) (audio.FrameSink, error) {
		return wavfile.OpenSink(spec)
	})
}

// openDevices opens the device the configured role needs.
func openDevices(cfg *config.Config, reg *config.Registry) (*app.Devices, error) {
	f := cfg.Audio.Format()
	devices := &app.Devices{}
	switch cfg.Stream.Role {
	case config.RoleSender:
		src, err := reg.CreateSource(cfg.Audio.Capture, f)
		if err != nil {
			return nil, fmt.Errorf("open capture device: %w", err)
		}
		devices.Capture = src
		slog.Info("capture device opened", "backend", cfg.Audio.Capture.Backend, "device", deviceLabel(cfg.Audio.Capture))
	case config.RoleReceiver:
		sink, err := reg.CreateSink(cfg.Audio.Playback, f)
		if err != nil {
			return nil, fmt.Errorf("open playback device: %w", err)
		}
		devices.Playback = sink
		slog.Info("playback device opened", "backend", cfg.Audio.Playback.Backend, "device", deviceLabel(cfg.Audio.Playback))
	}
	return devices, nil
}

// closeDevices releases devices that were opened but never handed to a
// running app.
func closeDevices(d *app.Devices) {
	if d.Capture != nil {
		if err := d.Capture.Close(); err != nil {
			slog.Warn("capture close error", "err", err)
		}
	}
	if d.Playback != nil {
		if err := d.Playback.Close(); err != nil {
			slog.Warn("playback close error", "err", err)
		}
	}
}

func deviceLabel(d config.DeviceConfig) string {
	if d.Device == "" {
		return "(default)"
	}
	return d.Device
}

// ── Device listing ────────────────────────────────────────────────────────────

func newDevicesCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the audio devices a backend can open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd.OutOrStdout(), backend)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", portaudio.Name, "backend to query (portaudio or malgo)")
	return cmd
}

func listDevices(out io.Writer, backend string) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch backend {
	case portaudio.Name:
		devs, err := portaudio.Devices()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "NAME\tHOST API\tIN\tOUT\tRATE")
		for _, d := range devs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\n", d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
		}
	case malgo.Name:
		devs, err := malgo.Devices()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "NAME\tKIND\tDEFAULT")
		for _, d := range devs {
			kind := "capture"
			if d.Playback {
				kind = "playback"
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\n", d.Name, kind, d.IsDefault)
		}
	default:
		return fmt.Errorf("backend %q cannot list devices", backend)
	}
	return nil
}
