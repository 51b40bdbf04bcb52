package vision

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// Where OpenCV packages usually install the stock cascades.
var cascadeDirs = []string{
	"testdata",
	"/usr/share/opencv4/haarcascades",
	"/usr/local/share/opencv4/haarcascades",
	"/usr/share/opencv/haarcascades",
}

func cascadePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("FACECAM_TEST_CASCADE"); p != "" {
		return p
	}
	for _, dir := range cascadeDirs {
		p := filepath.Join(dir, "haarcascade_frontalface_default.xml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("haarcascade_frontalface_default.xml not available")
	return ""
}

// facePhoto is a single frontal face photo used to build detection frames.
func facePhoto(t *testing.T) gocv.Mat {
	t.Helper()
	p := os.Getenv("FACECAM_TEST_FACE")
	if p == "" {
		p = filepath.Join("testdata", "face.jpg")
	}
	if _, err := os.Stat(p); err != nil {
		t.Skip("face photo not available")
	}
	img := gocv.IMRead(p, gocv.IMReadColor)
	require.False(t, img.Empty(), "failed to read %s", p)
	return img
}

var (
	photoA = image.Rect(40, 60, 220, 240)
	photoB = image.Rect(420, 60, 600, 240)
)

// twoFaceFrame pastes the photo into photoA and photoB on a grey 640x300 canvas.
func twoFaceFrame(t *testing.T, face gocv.Mat) []byte {
	t.Helper()
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), 300, 640, gocv.MatTypeCV8UC3)
	defer canvas.Close()
	for _, r := range []image.Rectangle{photoA, photoB} {
		resized := gocv.NewMat()
		gocv.Resize(face, &resized, r.Size(), 0, 0, gocv.InterpolationLinear)
		roi := canvas.Region(r)
		resized.CopyTo(&roi)
		roi.Close()
		resized.Close()
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, canvas)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func centerOf(r image.Rectangle) image.Point {
	return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
}

func TestNewCascadeDetectorMissingFile(t *testing.T) {
	_, err := NewCascadeDetector(filepath.Join(t.TempDir(), "missing.xml"), DetectOptions{ScaleFactor: 1.1, MinNeighbors: 3})
	assert.Error(t, err)
}

func TestCascadeDetectorBlankFrame(t *testing.T) {
	det, err := NewCascadeDetector(cascadePath(t), DetectOptions{ScaleFactor: 1.1, MinNeighbors: 5, MinSize: 30})
	require.NoError(t, err)
	defer det.Close()

	img := decode(t, testFrame(t))
	defer img.Close()
	assert.Empty(t, det.Detect(img))
}

func TestProcessWithCascadeFindsBothFaces(t *testing.T) {
	det, err := NewCascadeDetector(cascadePath(t), DetectOptions{ScaleFactor: 1.1, MinNeighbors: 3, MinSize: 40})
	require.NoError(t, err)
	defer det.Close()

	face := facePhoto(t)
	defer face.Close()

	p := NewPipeline(Options{BorderSize: 10}, Stages{Detector: det})
	out, res, err := p.Process(twoFaceFrame(t, face))
	require.NoError(t, err)

	var hitA, hitB bool
	for _, f := range res.Faces {
		c := centerOf(f.Rect)
		hitA = hitA || c.In(photoA)
		hitB = hitB || c.In(photoB)
	}
	assert.True(t, hitA, "no detection inside %v: %+v", photoA, res.Faces)
	assert.True(t, hitB, "no detection inside %v: %+v", photoB, res.Faces)

	img := decode(t, out)
	defer img.Close()
	assert.Equal(t, 640, img.Cols())
	assert.Equal(t, 300, img.Rows())
	for _, f := range res.Faces {
		assertColorAt(t, img, leftEdge(f.Rect), DefaultColor)
	}
}
