package vision

import (
	"image"

	"gocv.io/x/gocv"
)

// BlurScore is the variance of the Laplacian taken over every pixel and channel.
// Sharp images score high; the face saver rejects crops below its threshold.
func BlurScore(img gocv.Mat) float64 {
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(img, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	// Pool per-channel moments: Var = E[x²] - E[x]².
	channels := mean.Rows()
	if channels == 0 {
		return 0
	}
	var sum, sumSq float64
	for c := 0; c < channels; c++ {
		m := mean.GetDoubleAt(c, 0)
		s := stddev.GetDoubleAt(c, 0)
		sum += m
		sumSq += s*s + m*m
	}
	mu := sum / float64(channels)
	return sumSq/float64(channels) - mu*mu
}

// CropFace cuts r out of img, shrunk by border on every side and clamped to the
// image, and resizes it to size×size. ok is false when nothing is left.
func CropFace(img gocv.Mat, r image.Rectangle, border, size int) (face gocv.Mat, ok bool) {
	// A literal, not image.Rect, so a border wider than the face yields an empty rectangle.
	inner := image.Rectangle{
		Min: image.Pt(r.Min.X+border, r.Min.Y+border),
		Max: image.Pt(r.Max.X-border, r.Max.Y-border),
	}
	inner = inner.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if inner.Empty() {
		return gocv.Mat{}, false
	}
	region := img.Region(inner)
	defer region.Close()

	face = gocv.NewMat()
	gocv.Resize(region, &face, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)
	return face, true
}
