package cmd

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facecam/internal/config"
	"github.com/andresmejia3/facecam/internal/ledger"
	"github.com/andresmejia3/facecam/internal/vision"
	"github.com/andresmejia3/facecam/internal/worker"
	"github.com/sirupsen/logrus"
)

// poseInputSize is the single-pose model input resolution.
var poseInputSize = image.Pt(192, 192)

// visionStack is a built pipeline plus everything that must be released with it.
type visionStack struct {
	Pipeline *vision.Pipeline
	Ledger   *ledger.Ledger // nil when face saving is off
	closers  []func() error
}

func (v *visionStack) Close() {
	for i := len(v.closers) - 1; i >= 0; i-- {
		if err := v.closers[i](); err != nil {
			logrus.WithError(err).Debug("vision cleanup")
		}
	}
}

// buildVision assembles the enabled stages. saveFaces additionally requires
// face detection and recovers the ledger from the faces directory.
func buildVision(ctx context.Context, v config.Vision, saveFaces bool) (*visionStack, error) {
	stack := &visionStack{}
	var stages vision.Stages

	// One lock for every model when the accelerator has a single context.
	var shared *sync.Mutex
	if v.SerializeInfer {
		shared = &sync.Mutex{}
	}
	workerID := 0
	newEngine := func(model string, size image.Point, scale float64) (*vision.Engine, error) {
		var in vision.Interpreter
		switch v.InferenceBackend {
		case "sidecar":
			w, err := worker.NewPythonWorker(ctx, workerID, v.SidecarScript, size)
			if err != nil {
				return nil, err
			}
			workerID++
			in = w
		default:
			in = vision.NewNetInterpreter(size, scale)
		}
		if err := in.Load(model); err != nil {
			in.Close()
			return nil, err
		}
		e := vision.NewEngine(in, shared)
		stack.closers = append(stack.closers, e.Close)
		return e, nil
	}

	if v.Pose {
		e, err := newEngine(v.PoseModel, poseInputSize, 1.0)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("failed to load pose model: %w", err)
		}
		stages.Pose = vision.NewPoseEstimator(e)
	}

	if v.DetectFaces {
		det, err := vision.NewCascadeDetector(v.CascadePath, vision.DetectOptions{
			ScaleFactor:  v.ScaleFactor,
			MinNeighbors: v.MinNeighbors,
			MinSize:      v.MinFaceSize,
		})
		if err != nil {
			stack.Close()
			return nil, err
		}
		stack.closers = append(stack.closers, det.Close)
		stages.Detector = det
	}

	if v.Recognize && v.DetectFaces {
		rec, err := buildRecognizer(ctx, v, newEngine)
		if err != nil {
			stack.Close()
			return nil, err
		}
		if g, ok := rec.(*vision.GalleryRecognizer); ok {
			stack.closers = append(stack.closers, g.Close)
		}
		stages.Recognizer = rec
	}

	if saveFaces && v.SaveFaces && v.DetectFaces {
		l, err := ledger.Recover(ledger.Options{Dir: v.FacesDir, MaxIndex: v.MaxFaceIndex, Cooldown: v.SaveCooldown})
		if err != nil {
			stack.Close()
			return nil, err
		}
		stack.Ledger = l
		stages.Ledger = l
	}

	stack.Pipeline = vision.NewPipeline(vision.Options{
		BorderSize:        v.BorderSize,
		FaceSize:          v.FaceSize,
		RecognitionSize:   v.RecognitionSize,
		BlurThreshold:     v.BlurThreshold,
		KeypointThreshold: float32(v.KeypointThreshold),
		JPEGQuality:       v.JPEGQuality,
	}, stages)
	return stack, nil
}

func buildRecognizer(ctx context.Context, v config.Vision, newEngine func(string, image.Point, float64) (*vision.Engine, error)) (vision.Recognizer, error) {
	if v.GalleryDir != "" {
		g, err := vision.NewGalleryRecognizer(v.GalleryModels, v.GalleryDir, v.GalleryTolerance)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := g.Watch(ctx); err != nil {
				logrus.WithError(err).Warn("gallery hot reload disabled")
			}
		}()
		return g, nil
	}

	size := image.Pt(v.RecognitionSize, v.RecognitionSize)
	e, err := newEngine(v.RecognitionModel, size, 1.0/255.0)
	if err != nil {
		return nil, fmt.Errorf("failed to load recognition model: %w", err)
	}
	return vision.NewModelRecognizer(e, v.RecognitionCutoff), nil
}

// processFunc adapts the pipeline to the streaming and annotation loops.
func processFunc(p *vision.Pipeline) func([]byte) ([]byte, error) {
	return func(frame []byte) ([]byte, error) {
		out, _, err := p.Process(frame)
		return out, err
	}
}
