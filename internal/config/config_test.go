package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 480, cfg.Camera.Height)
	assert.Equal(t, 24, cfg.Camera.Framerate)
	assert.True(t, cfg.Camera.VFlip)
	assert.Equal(t, 1.1, cfg.Vision.ScaleFactor)
	assert.Equal(t, 5, cfg.Vision.MinNeighbors)
	assert.Equal(t, 250.0, cfg.Vision.BlurThreshold)
	assert.Equal(t, 3*time.Second, cfg.Vision.SaveCooldown)
	assert.Equal(t, 999, cfg.Vision.MaxFaceIndex)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FACECAM_ADDR", ":9000")
	t.Setenv("FACECAM_VISION_BLUR_THRESHOLD", "180")
	t.Setenv("FACECAM_VISION_SAVE_COOLDOWN", "5s")
	t.Setenv("FACECAM_CAMERA_FRAMERATE", "15")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 180.0, cfg.Vision.BlurThreshold)
	assert.Equal(t, 5*time.Second, cfg.Vision.SaveCooldown)
	assert.Equal(t, 15, cfg.Camera.Framerate)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FACECAM_VISION_MAX_FACE_INDEX=99\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FACECAM_VISION_MAX_FACE_INDEX") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Vision.MaxFaceIndex)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"Defaults", func(c *Config) {}, true},
		{"Unknown source", func(c *Config) { c.Camera.Source = "usb" }, false},
		{"File source without path", func(c *Config) { c.Camera.Source = "file" }, false},
		{"Zero framerate", func(c *Config) { c.Camera.Framerate = 0 }, false},
		{"Scale factor too small", func(c *Config) { c.Vision.ScaleFactor = 1.0 }, false},
		{"Negative cooldown", func(c *Config) { c.Vision.SaveCooldown = -time.Second }, false},
		{"Recognition without model", func(c *Config) { c.Vision.Recognize = true }, false},
		{"Recognition with gallery", func(c *Config) {
			c.Vision.Recognize = true
			c.Vision.GalleryDir = "/known"
		}, true},
		{"Bad backend", func(c *Config) { c.Vision.InferenceBackend = "tpu" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			require.NoError(t, err)
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	assert.Empty(t, DatabaseURL())

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "cam")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facecam")
	t.Setenv("POSTGRES_PORT", "")
	assert.Equal(t, "postgres://cam:secret@db:5432/facecam", DatabaseURL())
}
