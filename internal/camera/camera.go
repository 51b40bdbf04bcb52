// Package camera adapts an external MJPEG encoder (the Pi camera tools or an
// ffmpeg replay of a recording) into complete frames for the frame slot.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/sirupsen/logrus"
)

const readChunkSize = 4096

// Options describes the requested capture format.
type Options struct {
	Width     int
	Height    int
	Framerate int
	VFlip     bool
	HFlip     bool
	AWB       string
}

// Source is a continuous encoder. onChunk receives raw encoder output in
// arbitrary pieces; frame boundaries are recovered by an Assembler.
type Source interface {
	Start(opts Options, onChunk func([]byte)) error
	// Wait blocks until the encoder stops and returns why.
	Wait() error
	Stop() error
}

// pipeSource runs a child process that writes MJPEG to stdout.
type pipeSource struct {
	newCmd func(ctx context.Context, opts Options) *utils.SafeCommand

	mu     sync.Mutex
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	done   chan error
}

func (p *pipeSource) Start(opts Options, onChunk func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("camera already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := p.newCmd(ctx, opts)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create camera stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	logrus.WithFields(logrus.Fields{"cmd": cmd.Path, "width": opts.Width, "height": opts.Height, "fps": opts.Framerate}).Info("camera started")

	p.cmd = cmd
	p.cancel = cancel
	p.done = make(chan error, 1)
	go p.pump(out, onChunk)
	return nil
}

func (p *pipeSource) pump(out io.Reader, onChunk func([]byte)) {
	buf := make([]byte, readChunkSize)
	var readErr error
	for {
		n, err := out.Read(buf)
		if n > 0 {
			onChunk(buf[:n])
		}
		if err != nil {
			readErr = err
			break
		}
	}
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		p.done <- fmt.Errorf("camera process exited: %w (stderr: %s)", waitErr, p.cmd.Stderr.String())
		return
	}
	if readErr != nil && readErr != io.EOF {
		p.done <- fmt.Errorf("camera stream read failed: %w", readErr)
		return
	}
	p.done <- io.EOF
}

func (p *pipeSource) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return errors.New("camera not started")
	}
	err := <-done
	done <- err // let later callers observe the same result
	return err
}

func (p *pipeSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Command exposes the running process so fatal errors can dump its stderr.
func (p *pipeSource) Command() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

// NewLibcameraSource streams MJPEG from the Raspberry Pi camera stack.
// rpicam-vid is preferred; libcamera-vid is used on older images.
func NewLibcameraSource() Source {
	return &pipeSource{newCmd: func(ctx context.Context, opts Options) *utils.SafeCommand {
		return utils.NewSafeCommand(ctx, libcameraBinary(), libcameraArgs(opts)...)
	}}
}

func libcameraBinary() string {
	if _, err := exec.LookPath("rpicam-vid"); err == nil {
		return "rpicam-vid"
	}
	return "libcamera-vid"
}

func libcameraArgs(opts Options) []string {
	args := []string{
		"--width", strconv.Itoa(opts.Width),
		"--height", strconv.Itoa(opts.Height),
		"--framerate", strconv.Itoa(opts.Framerate),
		"--timeout", "0", // Run indefinitely
		"--nopreview",
		"--codec", "mjpeg",
		"--output", "-",
	}
	if opts.AWB != "" {
		args = append(args, "--awb", opts.AWB)
	}
	if opts.VFlip {
		args = append(args, "--vflip")
	}
	if opts.HFlip {
		args = append(args, "--hflip")
	}
	return args
}

// NewFileSource replays a recording through ffmpeg at its native pace, looping forever.
func NewFileSource(path string) Source {
	return &pipeSource{newCmd: func(ctx context.Context, opts Options) *utils.SafeCommand {
		return utils.NewFFmpegCmd(ctx, path, utils.FFmpegOptions{
			Realtime: true,
			Loop:     true,
			Width:    opts.Width,
			Height:   opts.Height,
			VFlip:    opts.VFlip,
			HFlip:    opts.HFlip,
			Fps:      opts.Framerate,
		})
	}}
}
