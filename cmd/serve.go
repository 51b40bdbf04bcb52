package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/facecam/internal/camera"
	"github.com/andresmejia3/facecam/internal/config"
	"github.com/andresmejia3/facecam/internal/frameslot"
	"github.com/andresmejia3/facecam/internal/stream"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stream the annotated camera feed over HTTP",
	Long: `Starts the camera and serves an MJPEG stream at /stream.mjpg.
Every connected client runs the vision pipeline on the newest frame it has not seen yet,
unless --shared-pipeline is set, in which case frames are processed once and fanned out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyServeFlags(cmd.Flags(), Cfg)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context(), Cfg)
	},
}

func init() {
	addServeFlags(serveCmd.Flags())
	addVisionFlags(serveCmd.Flags(), true)
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(f *pflag.FlagSet) {
	f.String("addr", ":8000", "Listen address")
	f.String("source", "libcamera", "Camera source: libcamera or file")
	f.StringP("input", "i", "", "Recording to replay with the file source")
	f.Int("width", 640, "Capture width")
	f.Int("height", 480, "Capture height")
	f.Int("framerate", 24, "Capture frame rate")
	f.Bool("shared-pipeline", false, "Process each frame once and fan the result out to all clients")
}

// addVisionFlags registers the stage switches shared by every command that builds a pipeline.
func addVisionFlags(f *pflag.FlagSet, saveFaces bool) {
	f.Bool("detect", true, "Detect and outline faces")
	f.Bool("recognize", false, "Classify detected faces")
	f.Bool("pose", false, "Estimate and draw the body pose")
	f.Bool("save-faces", saveFaces, "Save sharp face crops to the faces directory")
	f.String("faces-dir", "../faces", "Directory for saved face crops")
}

// applyServeFlags lets explicitly set flags override the environment.
func applyServeFlags(f *pflag.FlagSet, cfg *config.Config) {
	if f.Changed("addr") {
		cfg.Addr, _ = f.GetString("addr")
	}
	if f.Changed("source") {
		cfg.Camera.Source, _ = f.GetString("source")
	}
	if f.Changed("input") {
		cfg.Camera.Path, _ = f.GetString("input")
		// A recording implies the file source unless told otherwise.
		if !f.Changed("source") {
			cfg.Camera.Source = "file"
		}
	}
	if f.Changed("width") {
		cfg.Camera.Width, _ = f.GetInt("width")
	}
	if f.Changed("height") {
		cfg.Camera.Height, _ = f.GetInt("height")
	}
	if f.Changed("framerate") {
		cfg.Camera.Framerate, _ = f.GetInt("framerate")
	}
	if f.Changed("shared-pipeline") {
		cfg.SharedPipeline, _ = f.GetBool("shared-pipeline")
	}
	applyVisionFlags(f, &cfg.Vision)
}

func applyVisionFlags(f *pflag.FlagSet, v *config.Vision) {
	if f.Changed("detect") {
		v.DetectFaces, _ = f.GetBool("detect")
	}
	if f.Changed("recognize") {
		v.Recognize, _ = f.GetBool("recognize")
	}
	if f.Changed("pose") {
		v.Pose, _ = f.GetBool("pose")
	}
	if f.Changed("save-faces") {
		v.SaveFaces, _ = f.GetBool("save-faces")
	}
	if f.Changed("faces-dir") {
		v.FacesDir, _ = f.GetString("faces-dir")
	}
}

// applyOfflineVisionFlags is applyVisionFlags for detect and annotate. Face
// saving follows the flag value, so crops are only written with --save-faces.
func applyOfflineVisionFlags(f *pflag.FlagSet, v *config.Vision) {
	applyVisionFlags(f, v)
	v.SaveFaces, _ = f.GetBool("save-faces")
}

func newSource(c config.Camera) camera.Source {
	if c.Source == "file" {
		return camera.NewFileSource(c.Path)
	}
	return camera.NewLibcameraSource()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	vs, err := buildVision(ctx, cfg.Vision, true)
	if err != nil {
		utils.ShowError("Failed to build vision pipeline", err, nil)
		return err
	}
	defer vs.Close()

	hub := stream.NewEventHub()
	if vs.Ledger != nil {
		vs.Ledger.Subscribe(hub.Publish)
		if DB != nil {
			journal := DB.NewJournal(ctx, func(err error) {
				logrus.WithError(err).Warn("capture journal write failed")
			})
			defer journal.Close()
			vs.Ledger.Subscribe(journal.Observe)
		}
		logrus.WithFields(logrus.Fields{
			"dir":  vs.Ledger.Dir(),
			"next": vs.Ledger.Next(),
		}).Info("saving face crops")
	}

	raw := frameslot.New()
	defer raw.Close()
	asm := camera.NewAssembler(raw)

	src := newSource(cfg.Camera)
	err = src.Start(camera.Options{
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		Framerate: cfg.Camera.Framerate,
		VFlip:     cfg.Camera.VFlip,
		HFlip:     cfg.Camera.HFlip,
		AWB:       cfg.Camera.AWB,
	}, asm.Feed)
	if err != nil {
		utils.ShowError("Failed to start camera", err, nil)
		return err
	}
	defer src.Stop()
	logrus.WithFields(logrus.Fields{
		"source": cfg.Camera.Source,
		"size":   fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height),
		"fps":    cfg.Camera.Framerate,
	}).Info("camera started")

	// Without frames there is nothing to serve.
	go func() {
		err := src.Wait()
		if ctx.Err() != nil {
			return
		}
		var proc *utils.SafeCommand
		if c, ok := src.(interface{ Command() *utils.SafeCommand }); ok {
			proc = c.Command()
		}
		utils.Die("Camera stopped producing frames", err, proc)
	}()

	process := processFunc(vs.Pipeline)
	slot := raw
	if cfg.SharedPipeline {
		annotated := frameslot.New()
		go func() {
			if err := stream.RunSharedPipeline(ctx, raw, annotated, process); err != nil {
				logrus.WithError(err).Error("shared pipeline stopped")
			}
		}()
		slot = annotated
		process = stream.Passthrough
	}

	srv := stream.NewServer(cfg.Addr, slot, process, hub)
	if err := srv.ListenAndServe(ctx); err != nil {
		utils.ShowError("Streaming server failed", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "👋 Stopped after %d frames.\n", asm.Frames())
	return nil
}
