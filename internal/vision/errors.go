package vision

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode means the frame bytes were not a decodable image.
	ErrDecode = errors.New("frame could not be decoded")
	// ErrEncode means the annotated image could not be re-encoded.
	ErrEncode = errors.New("frame could not be encoded")
)

// StageError is a per-frame failure inside one pipeline stage. The frame is
// dropped; the caller keeps going with the next one.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}
