package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/andresmejia3/facecam/internal/frameslot"
	"github.com/sirupsen/logrus"
)

// Boundary separates the parts of the MJPEG response.
const Boundary = "FRAME"

// ErrClientGone means the HTTP client stopped accepting data. It ends the
// session; per-frame processing errors do not.
var ErrClientGone = errors.New("streaming client disconnected")

// ProcessFunc turns a camera frame into the JPEG sent to the client.
type ProcessFunc func(frame []byte) ([]byte, error)

// Passthrough sends frames unchanged.
func Passthrough(frame []byte) ([]byte, error) {
	return frame, nil
}

// State is where a session is in its loop.
type State int

const (
	StateAwaitFrame State = iota
	StateProcess
	StateSend
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitFrame:
		return "await_frame"
	case StateProcess:
		return "process"
	case StateSend:
		return "send"
	default:
		return "closed"
	}
}

// Session streams one client. Sessions share the slot but nothing else.
type Session struct {
	slot    *frameslot.Slot
	process ProcessFunc
	w       io.Writer
	flusher http.Flusher
	log     *logrus.Entry

	state   State
	sent    uint64
	skipped uint64
}

func NewSession(slot *frameslot.Slot, process ProcessFunc, w io.Writer, log *logrus.Entry) *Session {
	s := &Session{slot: slot, process: process, w: w, log: log, state: StateAwaitFrame}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// WriteHeaders sets the response headers that start a multipart stream.
func WriteHeaders(h http.Header) {
	h.Set("Age", "0")
	h.Set("Cache-Control", "no-cache, private")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
}

// WritePart writes one JPEG as a multipart part.
func WritePart(w io.Writer, jpeg []byte) error {
	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// Run loops until the client goes away, ctx is cancelled or the slot closes.
// It always returns a non-nil error explaining why it stopped.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic in %s: %v", s.state, r)
		}
		s.state = StateClosed
		s.log.WithError(err).WithFields(logrus.Fields{"sent": s.sent, "skipped": s.skipped}).Warn("Removed streaming client")
	}()

	for {
		s.state = StateAwaitFrame
		frame, err := s.slot.Await(ctx)
		if err != nil {
			return err
		}

		s.state = StateProcess
		out, err := s.process(frame.Data)
		if err != nil {
			s.skipped++
			s.log.WithError(err).WithField("seq", frame.Seq).Warn("frame skipped")
			continue
		}

		s.state = StateSend
		if err := WritePart(s.w, out); err != nil {
			return fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		if s.flusher != nil {
			s.flusher.Flush()
		}
		s.sent++
	}
}

// State returns the current state. Only meaningful from the session goroutine or after Run returns.
func (s *Session) State() State {
	return s.state
}

// Sent returns how many parts were written.
func (s *Session) Sent() uint64 {
	return s.sent
}
