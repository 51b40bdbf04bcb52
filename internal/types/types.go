package types

import (
	"image"
	"time"
)

// Frame is one complete JPEG produced by the camera.
// Data must be treated as read-only once the frame has been published.
type Frame struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Keypoint is a normalized pose landmark: Y and X in [0,1] relative to the image.
type Keypoint struct {
	Y          float32 `json:"y"`
	X          float32 `json:"x"`
	Confidence float32 `json:"confidence"`
}

// NumKeypoints is the number of landmarks in one body pose.
const NumKeypoints = 17

// Pose is one detected body pose, indexed by the keypoint name table.
type Pose [NumKeypoints]Keypoint

// Recognition is the outcome of the recognition stage for a single face.
type Recognition int

const (
	RecognitionSkipped Recognition = iota
	Recognized
	NotRecognized
)

func (r Recognition) String() string {
	switch r {
	case Recognized:
		return "recognized"
	case NotRecognized:
		return "unrecognized"
	default:
		return "skipped"
	}
}

// Face is a detected face rectangle with its optional recognition outcome.
type Face struct {
	Rect        image.Rectangle `json:"rect"`
	Recognition Recognition     `json:"recognition"`
	Label       string          `json:"label,omitempty"`
}

// Tensor is a flat float32 inference output with its shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// FrameTask represents a single frame sent to a worker for offline annotation
type FrameTask struct {
	Index int
	Data  []byte
}
