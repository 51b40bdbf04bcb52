package camera

import (
	"bytes"

	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/sirupsen/logrus"
)

// maxPending bounds the bytes held while waiting for an end-of-image marker.
const maxPending = 10 * 1024 * 1024

// Publisher receives each completed frame. The slice is only valid for the
// duration of the call.
type Publisher interface {
	Publish(frame []byte)
}

// Assembler rebuilds whole JPEG frames from encoder chunks. It is driven by a
// single producer goroutine and is not safe for concurrent use.
type Assembler struct {
	out     Publisher
	pending []byte
	frames  uint64
}

// NewAssembler returns an Assembler that publishes into out.
func NewAssembler(out Publisher) *Assembler {
	return &Assembler{out: out}
}

// Write implements io.Writer so the assembler can also sit behind io.Copy.
func (a *Assembler) Write(p []byte) (int, error) {
	a.Feed(p)
	return len(p), nil
}

// Feed appends a chunk and publishes every frame it completes.
func (a *Assembler) Feed(chunk []byte) {
	a.pending = append(a.pending, chunk...)

	for {
		advance, token, _ := utils.SplitJpeg(a.pending, false)
		if token == nil {
			break
		}
		a.out.Publish(token)
		a.frames++
		a.pending = a.pending[advance:]
	}

	if len(a.pending) == 0 {
		a.pending = nil
		return
	}
	// Drop bytes that cannot belong to a frame, keeping a trailing 0xFF that may start the next SOI.
	if start := bytes.Index(a.pending, utils.JpegSOI); start > 0 {
		a.pending = a.pending[start:]
	} else if start == -1 {
		a.pending = a.pending[len(a.pending)-1:]
		if a.pending[0] != utils.JpegSOI[0] {
			a.pending = nil
			return
		}
	}
	if len(a.pending) > maxPending {
		logrus.WithField("bytes", len(a.pending)).Warn("frame buffer overflow, resetting")
		a.pending = nil
		return
	}
	// Compact so the backing array does not grow without bound.
	if cap(a.pending) > 2*maxPending {
		a.pending = append([]byte(nil), a.pending...)
	}
}

// Frames returns how many complete frames have been published.
func (a *Assembler) Frames() uint64 {
	return a.frames
}
