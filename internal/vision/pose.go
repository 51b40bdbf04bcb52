package vision

import (
	"fmt"
	"image/color"

	"github.com/andresmejia3/facecam/internal/types"
	"gocv.io/x/gocv"
)

// KeypointNames maps a keypoint index to its body part.
var KeypointNames = [types.NumKeypoints]string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

// KeypointIndex returns the index of a named keypoint, or -1.
func KeypointIndex(name string) int {
	for i, n := range KeypointNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Bone connects two keypoints and is drawn in a fixed color.
type Bone struct {
	From, To int
	Color    color.RGBA
}

var (
	magenta = color.RGBA{255, 0, 255, 0}
	cyan    = color.RGBA{0, 255, 255, 0}
	yellow  = color.RGBA{255, 255, 0, 0}
)

// Bones is the skeleton: left side magenta, right side cyan, cross links yellow.
var Bones = []Bone{
	{0, 1, magenta},
	{0, 2, cyan},
	{1, 3, magenta},
	{2, 4, cyan},
	{0, 5, magenta},
	{0, 6, cyan},
	{5, 7, magenta},
	{7, 9, magenta},
	{6, 8, cyan},
	{8, 10, cyan},
	{5, 6, yellow},
	{5, 11, magenta},
	{6, 12, cyan},
	{11, 12, yellow},
	{11, 13, magenta},
	{13, 15, magenta},
	{12, 14, cyan},
	{14, 16, cyan},
}

// PoseEstimator reshapes a single-pose model output into keypoints.
type PoseEstimator struct {
	engine *Engine
}

func NewPoseEstimator(engine *Engine) *PoseEstimator {
	return &PoseEstimator{engine: engine}
}

// Estimate runs the model on img. The output must hold at least 17 (y, x, confidence) triples.
func (p *PoseEstimator) Estimate(img gocv.Mat) (*types.Pose, error) {
	out, err := p.engine.Infer(img)
	if err != nil {
		return nil, stageErr("pose", err)
	}
	return PoseFromTensor(out)
}

// PoseFromTensor reads the first 17 keypoint triples of t.
func PoseFromTensor(t types.Tensor) (*types.Pose, error) {
	if len(t.Data) < types.NumKeypoints*3 {
		return nil, stageErr("pose", fmt.Errorf("output has %d values, need %d", len(t.Data), types.NumKeypoints*3))
	}
	var pose types.Pose
	for i := range pose {
		pose[i] = types.Keypoint{
			Y:          t.Data[i*3],
			X:          t.Data[i*3+1],
			Confidence: t.Data[i*3+2],
		}
	}
	return &pose, nil
}
