// Package worker runs model inference in a sidecar process, for accelerators
// (e.g. an Edge TPU delegate) that only have Python bindings.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils" // Using the SafeCommand wrapper
	"gocv.io/x/gocv"
)

// Request opcodes, first byte of every payload.
const (
	opLoad   byte = 'L'
	opInvoke byte = 'I'
)

const statusOK = 0

// maxDims guards against a corrupt response allocating huge shapes.
const maxDims = 8

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	size    image.Point // model input size, 0 keeps the frame size
	input   []byte
	outputs []types.Tensor
}

// NewPythonWorker starts script under python3. Input images are resized to size before sending.
func NewPythonWorker(ctx context.Context, id int, script string, size image.Point) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		size:     size,
	}, nil
}

// Load asks the sidecar to load a model file.
func (w *PythonWorker) Load(model string) error {
	payload := append([]byte{opLoad}, model...)
	resp, err := w.Communicate(payload)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.ID, err)
	}
	_, err = parseResponse(resp)
	return err
}

// SetInput converts a BGR frame into the RGB tensor the sidecar expects.
func (w *PythonWorker) SetInput(img gocv.Mat) error {
	if img.Empty() {
		return errors.New("empty input image")
	}
	src := img
	if w.size.X > 0 && w.size.Y > 0 {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(img, &resized, w.size, 0, 0, gocv.InterpolationLinear)
		src = resized
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(src, &rgb, gocv.ColorBGRToRGB)

	w.input = EncodeImage(rgb.Rows(), rgb.Cols(), rgb.Channels(), rgb.ToBytes())
	return nil
}

// Invoke runs the model on the last input.
func (w *PythonWorker) Invoke() error {
	if w.input == nil {
		return errors.New("no input set")
	}
	resp, err := w.Communicate(w.input)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.ID, err)
	}
	outputs, err := parseResponse(resp)
	if err != nil {
		return err
	}
	w.outputs = outputs
	return nil
}

// OutputTensor returns output i of the last Invoke.
func (w *PythonWorker) OutputTensor(i int) (types.Tensor, error) {
	if i < 0 || i >= len(w.outputs) {
		return types.Tensor{}, fmt.Errorf("output %d out of range (have %d)", i, len(w.outputs))
	}
	return w.outputs[i], nil
}

// EncodeImage builds an invoke payload: [op][rows][cols][channels][pixels].
func EncodeImage(rows, cols, channels int, pixels []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 13+len(pixels)))
	buf.WriteByte(opInvoke)
	binary.Write(buf, binary.BigEndian, [3]uint32{uint32(rows), uint32(cols), uint32(channels)})
	buf.Write(pixels)
	return buf.Bytes()
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result
	// Now we read from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// parseResponse decodes [Status] then either [NumTensors] {[NDims] [Dims...] [Float32...]}
// or [MsgLen] [Msg].
func parseResponse(resp []byte) ([]types.Tensor, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}
	if status != statusOK {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("failed to read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("failed to read error message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", string(msg))
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read tensor count: %w", err)
	}
	tensors := make([]types.Tensor, 0, count)
	for i := uint32(0); i < count; i++ {
		var ndims uint32
		if err := binary.Read(r, binary.BigEndian, &ndims); err != nil {
			return nil, fmt.Errorf("tensor %d: failed to read rank: %w", i, err)
		}
		if ndims > maxDims {
			return nil, fmt.Errorf("tensor %d: rank %d too large", i, ndims)
		}
		dims := make([]uint32, ndims)
		if err := binary.Read(r, binary.BigEndian, dims); err != nil {
			return nil, fmt.Errorf("tensor %d: failed to read shape: %w", i, err)
		}
		// n never exceeds the float32s left in the response, so it cannot overflow.
		limit := r.Len() / 4
		shape := make([]int, ndims)
		n := 1
		for j, d := range dims {
			if int64(d) > int64(limit) || (n > 0 && int(d) > limit/n) {
				return nil, fmt.Errorf("tensor %d: shape %v exceeds response", i, dims)
			}
			shape[j] = int(d)
			n *= int(d)
		}
		data := make([]float32, n)
		if err := binary.Read(r, binary.BigEndian, data); err != nil {
			return nil, fmt.Errorf("tensor %d: failed to read data: %w", i, err)
		}
		tensors = append(tensors, types.Tensor{Shape: shape, Data: data})
	}
	return tensors, nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
