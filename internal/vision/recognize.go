package vision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/andresmejia3/facecam/internal/types"
	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Recognizer labels a cropped, canonically sized face.
type Recognizer interface {
	Recognize(face gocv.Mat) (types.Recognition, string, error)
}

// ModelRecognizer is a binary "known person" classifier.
type ModelRecognizer struct {
	engine *Engine
	cutoff float64
}

func NewModelRecognizer(engine *Engine, cutoff float64) *ModelRecognizer {
	return &ModelRecognizer{engine: engine, cutoff: cutoff}
}

// Recognize scores the face. A single output is the positive probability; with
// two or more outputs the second one is.
func (m *ModelRecognizer) Recognize(face gocv.Mat) (types.Recognition, string, error) {
	out, err := m.engine.Infer(face)
	if err != nil {
		return types.RecognitionSkipped, "", stageErr("recognize", err)
	}
	if len(out.Data) == 0 {
		return types.RecognitionSkipped, "", stageErr("recognize", fmt.Errorf("empty output"))
	}
	score := out.Data[0]
	if len(out.Data) > 1 {
		score = out.Data[1]
	}
	if float64(score) >= m.cutoff {
		return types.Recognized, "", nil
	}
	return types.NotRecognized, "", nil
}

// galleryFaceSize is the crop size dlib's face models expect.
const galleryFaceSize = 150

// GalleryRecognizer matches faces against a directory of known people, one
// JPEG per person named after them.
type GalleryRecognizer struct {
	mu        sync.Mutex
	rec       *face.Recognizer
	dir       string
	tolerance float32
	labels    []string
}

// NewGalleryRecognizer loads dlib models from modelsDir and indexes galleryDir.
func NewGalleryRecognizer(modelsDir, galleryDir string, tolerance float64) (*GalleryRecognizer, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize face recognizer: %w", err)
	}
	g := &GalleryRecognizer{rec: rec, dir: galleryDir, tolerance: float32(tolerance)}
	if err := g.Reload(); err != nil {
		rec.Close()
		return nil, err
	}
	return g, nil
}

// Reload re-reads the gallery directory. Images without exactly one face are skipped.
func (g *GalleryRecognizer) Reload() error {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return fmt.Errorf("failed to read gallery: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec == nil {
		return fmt.Errorf("gallery recognizer closed")
	}

	var samples []face.Descriptor
	var cats []int32
	var labels []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		path := filepath.Join(g.dir, e.Name())
		known, err := g.rec.RecognizeSingleFile(path)
		if err != nil {
			logrus.WithError(err).WithField("file", path).Warn("skipping gallery image")
			continue
		}
		if known == nil {
			logrus.WithField("file", path).Warn("no single face in gallery image")
			continue
		}
		samples = append(samples, known.Descriptor)
		cats = append(cats, int32(len(labels)))
		labels = append(labels, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	g.rec.SetSamples(samples, cats)
	g.labels = labels
	logrus.WithFields(logrus.Fields{"dir": g.dir, "people": len(labels)}).Info("gallery loaded")
	return nil
}

// Recognize compares the face against the gallery.
func (g *GalleryRecognizer) Recognize(crop gocv.Mat) (types.Recognition, string, error) {
	img, err := crop.ToImage()
	if err != nil {
		return types.RecognitionSkipped, "", stageErr("recognize", err)
	}
	var buf bytes.Buffer
	resized := imaging.Resize(img, galleryFaceSize, galleryFaceSize, imaging.Lanczos)
	if err := imaging.Encode(&buf, resized, imaging.JPEG); err != nil {
		return types.RecognitionSkipped, "", stageErr("recognize", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec == nil || len(g.labels) == 0 {
		return types.NotRecognized, "", nil
	}
	found, err := g.rec.RecognizeSingle(buf.Bytes())
	if err != nil {
		return types.RecognitionSkipped, "", stageErr("recognize", err)
	}
	if found == nil {
		return types.NotRecognized, "", nil
	}
	id := g.rec.ClassifyThreshold(found.Descriptor, g.tolerance)
	if id < 0 || id >= len(g.labels) {
		return types.NotRecognized, "", nil
	}
	return types.Recognized, g.labels[id], nil
}

// Watch reloads the gallery whenever its directory changes, until ctx is done.
func (g *GalleryRecognizer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(g.dir); err != nil {
		return fmt.Errorf("failed to watch gallery: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := g.Reload(); err != nil {
				logrus.WithError(err).Warn("gallery reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("gallery watcher error")
		}
	}
}

func (g *GalleryRecognizer) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec != nil {
		g.rec.Close()
		g.rec = nil
	}
	return nil
}
