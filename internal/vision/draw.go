package vision

import (
	"image"
	"image/color"
	"strconv"

	"github.com/andresmejia3/facecam/internal/types"
	"gocv.io/x/gocv"
)

// Colors are RGB; gocv writes them into BGR images correctly.
var (
	DefaultColor      = color.RGBA{0, 255, 0, 0}
	RecognizedColor   = color.RGBA{0, 0, 255, 0}
	UnrecognizedColor = color.RGBA{255, 0, 0, 0}
	CounterColor      = color.RGBA{0, 0, 255, 0}
)

const (
	keypointRadius = 4
	boneThickness  = 2
)

var counterOrigin = image.Pt(100, 100)

// FaceColor picks the rectangle color for a recognition outcome.
func FaceColor(r types.Recognition) color.RGBA {
	switch r {
	case types.Recognized:
		return RecognizedColor
	case types.NotRecognized:
		return UnrecognizedColor
	default:
		return DefaultColor
	}
}

// DrawFaces outlines every face with its recognition color.
func DrawFaces(img *gocv.Mat, faces []types.Face, thickness int) {
	for _, f := range faces {
		gocv.Rectangle(img, f.Rect, FaceColor(f.Recognition), thickness)
		if f.Label != "" {
			gocv.PutText(img, f.Label, image.Pt(f.Rect.Min.X, f.Rect.Min.Y-thickness), gocv.FontHersheySimplex, 0.8, FaceColor(f.Recognition), 2)
		}
	}
}

// DrawCounter writes the index of the last saved face.
func DrawCounter(img *gocv.Mat, lastSaved int) {
	gocv.PutText(img, strconv.Itoa(lastSaved), counterOrigin, gocv.FontHersheySimplex, 2, CounterColor, 2)
}

// DrawPose draws bones between, and markers on, keypoints whose confidence exceeds
// threshold. A threshold of 0 draws everything.
func DrawPose(img *gocv.Mat, pose *types.Pose, threshold float32) {
	w, h := float32(img.Cols()), float32(img.Rows())
	at := func(k types.Keypoint) image.Point {
		return image.Pt(int(k.X*w), int(k.Y*h))
	}

	visible := func(k types.Keypoint) bool {
		return threshold <= 0 || k.Confidence > threshold
	}

	for _, b := range Bones {
		from, to := pose[b.From], pose[b.To]
		if visible(from) && visible(to) {
			gocv.Line(img, at(from), at(to), b.Color, boneThickness)
		}
	}
	for _, k := range pose {
		if visible(k) {
			gocv.Circle(img, at(k), keypointRadius, DefaultColor, -1)
		}
	}
}
