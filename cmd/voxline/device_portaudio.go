//go:build portaudio

package main

import (
	"log/slog"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/portaudio"
)

func init() {
	deviceRegistrars = append(deviceRegistrars, func(reg *config.Registry, _ *slog.Logger) {
		reg.RegisterDevice("portaudio", func(config.AudioConfig) (audio.Device, error) {
			return portaudio.New()
		})
	})
}
