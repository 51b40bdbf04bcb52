package vision

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facecam/internal/types"
	"gocv.io/x/gocv"
)

// Interpreter is a loaded neural model. Calls are stateful (SetInput, Invoke,
// OutputTensor) and must not interleave; Engine provides that guarantee.
type Interpreter interface {
	Load(model string) error
	SetInput(img gocv.Mat) error
	Invoke() error
	OutputTensor(i int) (types.Tensor, error)
	Close() error
}

// Engine runs one interpreter under a lock. Engines built with the same lock
// never run concurrently, which is what a single-context accelerator needs.
type Engine struct {
	mu *sync.Mutex
	in Interpreter
}

// NewEngine wraps in. A nil lock gives the engine its own.
func NewEngine(in Interpreter, lock *sync.Mutex) *Engine {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Engine{mu: lock, in: in}
}

// Infer runs img through the model and returns its first output.
func (e *Engine) Infer(img gocv.Mat) (types.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.in.SetInput(img); err != nil {
		return types.Tensor{}, fmt.Errorf("set input: %w", err)
	}
	if err := e.in.Invoke(); err != nil {
		return types.Tensor{}, fmt.Errorf("invoke: %w", err)
	}
	return e.in.OutputTensor(0)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.in.Close()
}

// NetInterpreter runs a model through the OpenCV dnn module.
type NetInterpreter struct {
	size   image.Point
	scale  float64
	swapRB bool

	net    gocv.Net
	loaded bool
	blob   gocv.Mat
	out    gocv.Mat
}

// NewNetInterpreter returns an interpreter that feeds size×size RGB blobs scaled by scale.
func NewNetInterpreter(size image.Point, scale float64) *NetInterpreter {
	return &NetInterpreter{size: size, scale: scale, swapRB: true, blob: gocv.NewMat(), out: gocv.NewMat()}
}

func (n *NetInterpreter) Load(model string) error {
	net := gocv.ReadNet(model, "")
	if net.Empty() {
		return fmt.Errorf("failed to read model %s", model)
	}
	if n.loaded {
		n.net.Close()
	}
	n.net = net
	n.loaded = true
	return nil
}

func (n *NetInterpreter) SetInput(img gocv.Mat) error {
	if !n.loaded {
		return errors.New("model not loaded")
	}
	if img.Empty() {
		return errors.New("empty input image")
	}
	n.blob.Close()
	n.blob = gocv.BlobFromImage(img, n.scale, n.size, gocv.NewScalar(0, 0, 0, 0), n.swapRB, false)
	n.net.SetInput(n.blob, "")
	return nil
}

func (n *NetInterpreter) Invoke() error {
	if !n.loaded {
		return errors.New("model not loaded")
	}
	n.out.Close()
	n.out = n.net.Forward("")
	if n.out.Empty() {
		return errors.New("model produced no output")
	}
	return nil
}

// OutputTensor only exposes the default output layer.
func (n *NetInterpreter) OutputTensor(i int) (types.Tensor, error) {
	if i != 0 {
		return types.Tensor{}, fmt.Errorf("output %d not available", i)
	}
	if n.out.Empty() {
		return types.Tensor{}, errors.New("no output, call Invoke first")
	}
	data, err := n.out.DataPtrFloat32()
	if err != nil {
		return types.Tensor{}, err
	}
	return types.Tensor{Shape: n.out.Size(), Data: append([]float32(nil), data...)}, nil
}

func (n *NetInterpreter) Close() error {
	n.blob.Close()
	n.out.Close()
	if n.loaded {
		n.loaded = false
		return n.net.Close()
	}
	return nil
}
