// Package vision turns one camera JPEG into an annotated JPEG: pose
// estimation, face detection, recognition, face capture and drawing.
package vision

import (
	"fmt"

	"github.com/andresmejia3/facecam/internal/ledger"
	"github.com/andresmejia3/facecam/internal/types"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Options holds the per-frame tunables.
type Options struct {
	BorderSize        int
	FaceSize          int // saved crop size
	RecognitionSize   int // recognizer input size
	BlurThreshold     float64
	KeypointThreshold float32
	JPEGQuality       int
}

// Stages are the optional collaborators. A nil stage is disabled.
// Recognition and face saving only run when a Detector is set.
type Stages struct {
	Pose       *PoseEstimator
	Detector   Detector
	Recognizer Recognizer
	Ledger     *ledger.Ledger
}

// Result describes what the pipeline found in one frame.
type Result struct {
	Pose  *types.Pose
	Faces []types.Face
	Saved []ledger.Record
}

// Pipeline is safe for concurrent use as long as its stages are.
type Pipeline struct {
	opts   Options
	stages Stages
}

func NewPipeline(opts Options, stages Stages) *Pipeline {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.FaceSize <= 0 {
		opts.FaceSize = 128
	}
	if opts.RecognitionSize <= 0 {
		opts.RecognitionSize = opts.FaceSize
	}
	return &Pipeline{opts: opts, stages: stages}
}

// Process runs every enabled stage on one encoded frame and returns the
// annotated JPEG. Errors only concern this frame.
func (p *Pipeline) Process(data []byte) ([]byte, *Result, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil || img.Empty() {
		img.Close()
		return nil, nil, fmt.Errorf("%w (%d bytes)", ErrDecode, len(data))
	}
	defer img.Close()

	res, err := p.Analyze(img)
	if err != nil {
		return nil, nil, err
	}
	p.Annotate(&img, res)

	out, err := p.encode(img)
	if err != nil {
		return nil, res, err
	}
	return out, res, nil
}

// Analyze runs the inference and capture stages without drawing.
func (p *Pipeline) Analyze(img gocv.Mat) (*Result, error) {
	res := &Result{}

	if p.stages.Pose != nil {
		pose, err := p.stages.Pose.Estimate(img)
		if err != nil {
			return nil, err
		}
		res.Pose = pose
	}

	if p.stages.Detector == nil {
		return res, nil
	}
	rects := p.stages.Detector.Detect(img)
	res.Faces = make([]types.Face, len(rects))
	for i, r := range rects {
		res.Faces[i] = types.Face{Rect: r}
	}

	if p.stages.Recognizer != nil {
		for i := range res.Faces {
			if err := p.recognize(img, &res.Faces[i]); err != nil {
				return nil, err
			}
		}
	}

	if p.stages.Ledger != nil && len(res.Faces) > 0 {
		res.Saved = p.persist(img, res.Faces)
	}
	return res, nil
}

func (p *Pipeline) recognize(img gocv.Mat, f *types.Face) error {
	crop, ok := CropFace(img, f.Rect, p.opts.BorderSize, p.opts.RecognitionSize)
	if !ok {
		return nil
	}
	defer crop.Close()

	outcome, label, err := p.stages.Recognizer.Recognize(crop)
	if err != nil {
		return err
	}
	f.Recognition = outcome
	f.Label = label
	return nil
}

// persist offers every face to the ledger as one save round.
func (p *Pipeline) persist(img gocv.Mat, faces []types.Face) []ledger.Record {
	l := p.stages.Ledger
	if !l.Open() {
		return nil
	}

	var crops []gocv.Mat
	defer func() {
		for _, c := range crops {
			c.Close()
		}
	}()

	candidates := make([]ledger.Candidate, 0, len(faces))
	for _, f := range faces {
		crop, ok := CropFace(img, f.Rect, p.opts.BorderSize, p.opts.FaceSize)
		if !ok {
			continue
		}
		crops = append(crops, crop)

		var recognized *bool
		if f.Recognition != types.RecognitionSkipped {
			known := f.Recognition == types.Recognized
			recognized = &known
		}
		candidates = append(candidates, ledger.Candidate{
			BlurScore:  BlurScore(crop),
			Recognized: recognized,
			Write: func(path string) error {
				if !gocv.IMWrite(path, crop) {
					return fmt.Errorf("imwrite %s failed", path)
				}
				return nil
			},
		})
	}

	saved, err := l.Commit(p.opts.BlurThreshold, candidates)
	if err != nil {
		logrus.WithError(err).Warn("face save failed")
	}
	return saved
}

// Annotate draws the findings of res onto img. Only enabled stages leave marks.
func (p *Pipeline) Annotate(img *gocv.Mat, res *Result) {
	if p.stages.Detector != nil {
		DrawFaces(img, res.Faces, p.opts.BorderSize)
	}
	if p.stages.Ledger != nil {
		DrawCounter(img, p.stages.Ledger.Next()-1)
	}
	if res.Pose != nil {
		DrawPose(img, res.Pose, p.opts.KeypointThreshold)
	}
}

func (p *Pipeline) encode(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, p.opts.JPEGQuality})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
