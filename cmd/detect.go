package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/andresmejia3/facecam/internal/vision"
	"github.com/spf13/cobra"
)

var detectOutput string

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "Run the vision pipeline on a single JPEG",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyOfflineVisionFlags(cmd.Flags(), &Cfg.Vision)
		if err := Cfg.Vision.Validate(); err != nil {
			return err
		}
		return runDetect(cmd.Context(), args[0], detectOutput)
	},
}

func init() {
	f := detectCmd.Flags()
	f.StringVarP(&detectOutput, "output", "o", "", "Write the annotated JPEG here")
	addVisionFlags(f, false)
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath, outputPath string) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Loading models...")
	vs, err := buildVision(ctx, Cfg.Vision, Cfg.Vision.SaveFaces)
	if err != nil {
		utils.ShowError("Failed to build vision pipeline", err, nil)
		return err
	}
	defer vs.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing frame...")
	out, res, err := vs.Pipeline.Process(imgData)
	if err != nil {
		utils.ShowError("Vision pipeline failed", err, nil)
		return err
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, out, 0644); err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Annotated frame written to %s\n", outputPath)
	}

	printResult(os.Stdout, res, float32(Cfg.Vision.KeypointThreshold))
	return nil
}

// printResult renders the faces, the saved crops and the pose summary.
func printResult(out io.Writer, res *vision.Result, threshold float32) {
	if len(res.Faces) == 0 {
		fmt.Fprintln(out, "❌ No faces detected.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tBOX\tRECOGNITION\tLABEL")
		fmt.Fprintln(w, "-\t---\t-----------\t-----")
		for i, f := range res.Faces {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, f.Rect, f.Recognition, f.Label)
		}
		w.Flush()
	}

	for _, r := range res.Saved {
		fmt.Fprintf(out, "💾 Saved %s (blur %.1f)\n", r.Path, r.BlurScore)
	}

	if res.Pose != nil {
		visible := 0
		for _, kp := range res.Pose {
			if kp.Confidence > threshold {
				visible++
			}
		}
		fmt.Fprintf(out, "🧍 Pose: %d/%d keypoints above threshold\n", visible, types.NumKeypoints)
	}
}
