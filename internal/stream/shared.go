package stream

import (
	"context"
	"errors"

	"github.com/andresmejia3/facecam/internal/frameslot"
	"github.com/sirupsen/logrus"
)

// RunSharedPipeline processes each camera frame once and republishes the
// result into out, so every client sees the same annotated frame. Frames that
// arrive while one is being processed collapse into the newest.
func RunSharedPipeline(ctx context.Context, in, out *frameslot.Slot, process ProcessFunc) error {
	defer out.Close()

	seq := in.Seq()
	for {
		frame, err := in.AwaitAfter(ctx, seq)
		if err != nil {
			if errors.Is(err, frameslot.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		seq = frame.Seq

		annotated, err := process(frame.Data)
		if err != nil {
			logrus.WithError(err).WithField("seq", frame.Seq).Warn("shared pipeline skipped frame")
			continue
		}
		out.Publish(annotated)
	}
}
