package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/andresmejia3/facecam/internal/vision"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

var (
	annotateInput   string
	annotateOutput  string
	annotateEngines int
)

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Run the vision pipeline over a recording and write an annotated MJPEG file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyOfflineVisionFlags(cmd.Flags(), &Cfg.Vision)
		if err := Cfg.Vision.Validate(); err != nil {
			return err
		}
		return runAnnotate(cmd.Context(), annotateInput, annotateOutput, annotateEngines)
	},
}

func init() {
	f := annotateCmd.Flags()
	f.StringVarP(&annotateInput, "input", "i", "", "Path to input video")
	f.StringVarP(&annotateOutput, "output", "o", "annotated.mjpg", "Path to output MJPEG file")
	f.IntVarP(&annotateEngines, "engines", "e", 2, "Number of parallel pipeline workers")
	addVisionFlags(f, false)

	annotateCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(annotateCmd)
}

// Buffer pool to reduce GC pressure while decoding
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// annotatedFrame is one pipeline output waiting for its turn to be written.
type annotatedFrame struct {
	Index int
	Data  []byte
}

func runAnnotate(ctx context.Context, input, output string, engines int) error {
	// Kill ffmpeg if we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if engines < 1 {
		engines = 1
	}
	if info, err := os.Stat(input); err != nil {
		utils.ShowError("Unable to access input file", err, nil)
		return err
	} else if info.IsDir() {
		err := fmt.Errorf("%s is a directory, expected a video file", input)
		utils.ShowError("Invalid input", err, nil)
		return err
	}
	// Prevent overwriting the input, which corrupts it mid-read
	inAbs, _ := filepath.Abs(input)
	outAbs, _ := filepath.Abs(output)
	if inAbs == outAbs {
		return fmt.Errorf("input and output paths must be different to prevent file corruption")
	}

	vs, err := buildVision(ctx, Cfg.Vision, Cfg.Vision.SaveFaces)
	if err != nil {
		utils.ShowError("Failed to build vision pipeline", err, nil)
		return err
	}
	defer vs.Close()

	outFile, err := os.Create(output)
	if err != nil {
		utils.ShowError("Failed to create output file", err, nil)
		return err
	}
	defer outFile.Close()
	outBuf := bufio.NewWriterSize(outFile, megabyte)

	totalFrames := utils.GetTotalFrames(ctx, input)
	var barTotal int64 = int64(totalFrames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("🎨 Annotating"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d pipeline workers...\n", engines)
	taskChan := make(chan types.FrameTask, engines)
	resultsChan := make(chan annotatedFrame, engines*2)
	var wg sync.WaitGroup
	for i := 0; i < engines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			annotateWorker(ctx, id, vs.Pipeline, taskChan, resultsChan)
		}(i)
	}
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	ffmpeg := utils.NewFFmpegCmd(ctx, input, utils.FFmpegOptions{})
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		defer close(taskChan)
		readErr <- readFrames(ctx, ffmpegOut, taskChan)
	}()

	written, err := writeOrdered(outBuf, resultsChan, func() { bar.Add(1) })
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		utils.ShowError("Failed to write annotated frame", err, nil)
		return err
	}
	if err := <-readErr; err != nil {
		utils.ShowError("Frame scanner failed", err, ffmpeg)
		return err
	}
	if err := ffmpeg.Wait(); err != nil {
		utils.ShowError("FFmpeg execution failed", err, ffmpeg)
		return err
	}
	if err := outBuf.Flush(); err != nil {
		return err
	}

	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Annotation Complete. Wrote %d frames to %s.\n", written, output)
	return nil
}

// readFrames splits the decoder output into pooled frame buffers.
func readFrames(ctx context.Context, r io.Reader, tasks chan<- types.FrameTask) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	idx := 0
	for scanner.Scan() {
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		select {
		case tasks <- types.FrameTask{Index: idx, Data: buf}:
			idx++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// annotateWorker runs frames through the shared pipeline. A frame the
// pipeline rejects is written through unannotated so the output keeps its timing.
func annotateWorker(ctx context.Context, id int, p *vision.Pipeline, tasks <-chan types.FrameTask, results chan<- annotatedFrame) {
	log := logrus.WithField("worker", id)
	for task := range tasks {
		out, _, err := p.Process(task.Data)
		if err != nil {
			log.WithError(err).WithField("frame", task.Index).Warn("frame passed through unannotated")
			out = append([]byte(nil), task.Data...)
		}
		// Return buffer to pool once the pipeline is done with it
		frameBufferPool.Put(task.Data[:0])

		select {
		case results <- annotatedFrame{Index: task.Index, Data: out}:
		case <-ctx.Done():
			return
		}
	}
}

// writeOrdered writes frames in index order starting at 0, buffering any
// that finish early. It returns how many frames were written.
func writeOrdered(w io.Writer, results <-chan annotatedFrame, onWrite func()) (int, error) {
	// Worker 2 might finish before Worker 1
	buffer := make(map[int][]byte)
	nextFrame := 0
	for res := range results {
		buffer[res.Index] = res.Data
		for {
			data, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)
			if _, err := w.Write(data); err != nil {
				return nextFrame, err
			}
			if onWrite != nil {
				onWrite()
			}
			nextFrame++
		}
	}
	if len(buffer) > 0 {
		return nextFrame, fmt.Errorf("%d frames missing after frame %d", len(buffer), nextFrame)
	}
	return nextFrame, nil
}
