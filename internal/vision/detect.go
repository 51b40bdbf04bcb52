package vision

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// cascadeScaleImage is OpenCV's CASCADE_SCALE_IMAGE flag.
const cascadeScaleImage = 2

// Detector finds face rectangles in a BGR image.
type Detector interface {
	Detect(img gocv.Mat) []image.Rectangle
}

// DetectOptions tunes the sliding-window search.
type DetectOptions struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
}

// CascadeDetector wraps a Haar cascade. The classifier is not safe for
// concurrent use, so detections are serialized.
type CascadeDetector struct {
	mu   sync.Mutex
	cc   gocv.CascadeClassifier
	opts DetectOptions
}

// NewCascadeDetector loads the cascade XML at path.
func NewCascadeDetector(path string, opts DetectOptions) (*CascadeDetector, error) {
	cc := gocv.NewCascadeClassifier()
	if !cc.Load(path) {
		cc.Close()
		return nil, fmt.Errorf("failed to load cascade %s", path)
	}
	return &CascadeDetector{cc: cc, opts: opts}, nil
}

// Detect runs the cascade on a greyscale copy of img.
func (d *CascadeDetector) Detect(img gocv.Mat) []image.Rectangle {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	minSize := image.Pt(d.opts.MinSize, d.opts.MinSize)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cc.DetectMultiScaleWithParams(gray, d.opts.ScaleFactor, d.opts.MinNeighbors, cascadeScaleImage, minSize, image.Pt(0, 0))
}

func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cc.Close()
}
