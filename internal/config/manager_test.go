package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, config.Validate(config.DefaultConfig()))
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
hdrplus:
  payload_frames: 4
thermal:
  poll_interval: 500ms
hwl:
  library_path: /vendor/lib64/camera.hwl.so
`)

	m := config.NewManager()
	require.NoError(t, m.LoadConfig(path))

	cfg := m.GetConfig()
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 4, cfg.Hdrplus.PayloadFrames)
	require.Equal(t, 500*time.Millisecond, cfg.Thermal.PollInterval)
	require.Equal(t, "/vendor/lib64/camera.hwl.so", cfg.Hwl.LibraryPath)

	// Sections the file doesn't mention keep their defaults.
	require.Equal(t, uint32(5), cfg.Rgbird.AutoCalInterval)
	require.True(t, cfg.Session.HalBufferManagementSupported)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
hdrplus:
  payload_frames: 0
`)

	m := config.NewManager()
	require.Error(t, m.LoadConfig(path))

	// The live config is untouched by a failed load.
	require.Equal(t, config.DefaultConfig().Hdrplus.PayloadFrames, m.GetConfig().Hdrplus.PayloadFrames)
}

func TestLoadConfigMissingFile(t *testing.T) {
	m := config.NewManager()
	require.Error(t, m.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestUpdateCallbackFiresOnLoad(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: warn
`)

	m := config.NewManager()
	var seen []string
	m.RegisterUpdateCallback(func(cfg *config.Config) {
		seen = append(seen, cfg.Logging.Level)
	})

	require.NoError(t, m.LoadConfig(path))
	require.Equal(t, []string{"warn"}, seen)
}

func TestValidateCatchesEachField(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"payload frames", func(c *config.Config) { c.Hdrplus.PayloadFrames = -1 }},
		{"zsl floor", func(c *config.Config) { c.Buffers.MinZslFilledBuffers = 0 }},
		{"thermal ordering", func(c *config.Config) { c.Thermal.SevereCelsius = c.Thermal.ModerateCelsius }},
		{"admission rate", func(c *config.Config) { c.Session.RequestAdmissionRatePerSec = 0 }},
		{"autocal interval", func(c *config.Config) { c.Rgbird.AutoCalInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, config.Validate(cfg))
		})
	}
}
