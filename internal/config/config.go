// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Camera holds the feed adapter settings.
type Camera struct {
	Source    string `env:"SOURCE" envDefault:"libcamera"` // libcamera or file
	Path      string `env:"PATH"`                          // input file for the file source
	Width     int    `env:"WIDTH" envDefault:"640"`
	Height    int    `env:"HEIGHT" envDefault:"480"`
	Framerate int    `env:"FRAMERATE" envDefault:"24"`
	VFlip     bool   `env:"VFLIP" envDefault:"true"`
	HFlip     bool   `env:"HFLIP" envDefault:"false"`
	AWB       string `env:"AWB" envDefault:"auto"`
}

// Vision holds the per-frame pipeline settings. Every stage can be switched off.
type Vision struct {
	DetectFaces  bool    `env:"DETECT_FACES" envDefault:"true"`
	CascadePath  string  `env:"CASCADE" envDefault:"haarcascade_frontalface_default.xml"`
	ScaleFactor  float64 `env:"SCALE_FACTOR" envDefault:"1.1"`
	MinNeighbors int     `env:"MIN_NEIGHBORS" envDefault:"5"`
	MinFaceSize  int     `env:"MIN_FACE_SIZE" envDefault:"150"`
	BorderSize   int     `env:"BORDER_SIZE" envDefault:"10"`

	Recognize         bool    `env:"RECOGNIZE" envDefault:"false"`
	RecognitionModel  string  `env:"RECOGNITION_MODEL"` // binary classifier model
	RecognitionSize   int     `env:"RECOGNITION_SIZE" envDefault:"128"`
	RecognitionCutoff float64 `env:"RECOGNITION_CUTOFF" envDefault:"0.5"`
	GalleryModels     string  `env:"GALLERY_MODELS"` // go-face model directory
	GalleryDir        string  `env:"GALLERY_DIR"`    // known faces, one JPEG per person
	GalleryTolerance  float64 `env:"GALLERY_TOLERANCE" envDefault:"0.4"`

	Pose              bool    `env:"POSE" envDefault:"false"`
	PoseModel         string  `env:"POSE_MODEL" envDefault:"movenet_singlepose_lightning.onnx"` // use the .tflite export with the sidecar backend
	KeypointThreshold float64 `env:"KEYPOINT_THRESHOLD" envDefault:"0.11"`

	// InferenceBackend selects the runtime for pose and the binary recognizer: dnn or sidecar.
	InferenceBackend string `env:"INFERENCE_BACKEND" envDefault:"dnn"`
	SidecarScript    string `env:"SIDECAR_SCRIPT" envDefault:"python/infer.py"`
	SerializeInfer   bool   `env:"SERIALIZE_INFERENCE" envDefault:"true"`

	SaveFaces     bool          `env:"SAVE_FACES" envDefault:"true"`
	FacesDir      string        `env:"FACES_DIR" envDefault:"../faces"`
	FaceSize      int           `env:"FACE_SIZE" envDefault:"128"`
	BlurThreshold float64       `env:"BLUR_THRESHOLD" envDefault:"250"`
	SaveCooldown  time.Duration `env:"SAVE_COOLDOWN" envDefault:"3s"`
	MaxFaceIndex  int           `env:"MAX_FACE_INDEX" envDefault:"999"`

	JPEGQuality int `env:"JPEG_QUALITY" envDefault:"90"`
}

// Config is the full runtime configuration.
type Config struct {
	Addr           string `env:"ADDR" envDefault:":8000"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	SharedPipeline bool   `env:"SHARED_PIPELINE" envDefault:"false"`

	Camera Camera `envPrefix:"CAMERA_"`
	Vision Vision `envPrefix:"VISION_"`
}

// Load reads an optional .env file (if present) and parses FACECAM_* variables.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "FACECAM_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Camera.Source != "libcamera" && c.Camera.Source != "file" {
		errs = append(errs, fmt.Errorf("unknown camera source %q (use libcamera or file)", c.Camera.Source))
	}
	if c.Camera.Source == "file" && c.Camera.Path == "" {
		errs = append(errs, errors.New("file source requires a camera path"))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid resolution %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.Framerate < 1 {
		errs = append(errs, fmt.Errorf("framerate must be >= 1, got %d", c.Camera.Framerate))
	}
	errs = append(errs, c.Vision.Validate())
	return errors.Join(errs...)
}

// Validate checks the pipeline settings on their own, for commands without a camera.
func (v *Vision) Validate() error {
	var errs []error
	if v.ScaleFactor <= 1.0 {
		errs = append(errs, fmt.Errorf("scale factor must be > 1.0, got %f", v.ScaleFactor))
	}
	if v.MinNeighbors < 0 {
		errs = append(errs, fmt.Errorf("min neighbors must be >= 0, got %d", v.MinNeighbors))
	}
	if v.BorderSize < 0 {
		errs = append(errs, fmt.Errorf("border size must be >= 0, got %d", v.BorderSize))
	}
	if v.SaveCooldown < 0 {
		errs = append(errs, fmt.Errorf("save cooldown must be >= 0, got %s", v.SaveCooldown))
	}
	if v.MaxFaceIndex < 0 {
		errs = append(errs, fmt.Errorf("max face index must be >= 0, got %d", v.MaxFaceIndex))
	}
	if v.FaceSize <= 0 {
		errs = append(errs, fmt.Errorf("face size must be > 0, got %d", v.FaceSize))
	}
	if v.Recognize && v.RecognitionModel == "" && v.GalleryDir == "" {
		errs = append(errs, errors.New("recognition needs a recognition model or a gallery directory"))
	}
	if v.InferenceBackend != "dnn" && v.InferenceBackend != "sidecar" {
		errs = append(errs, fmt.Errorf("unknown inference backend %q (use dnn or sidecar)", v.InferenceBackend))
	}
	if v.JPEGQuality < 1 || v.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be 1-100, got %d", v.JPEGQuality))
	}
	return errors.Join(errs...)
}

// DatabaseURL builds a connection string from POSTGRES_* variables, or returns "" when none are set.
func DatabaseURL() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
