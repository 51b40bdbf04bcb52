package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facecam/internal/ledger"
	"github.com/andresmejia3/facecam/internal/store"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var capturesLimit int

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "List saved face crops",
	Long:  "Lists the capture journal when a database is configured, otherwise the crops found in the faces directory.",
	Run: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			captures, err := DB.ListCaptures(cmd.Context(), capturesLimit)
			if err != nil {
				utils.Die("Failed to list captures", err, nil)
			}
			printCaptures(os.Stdout, captures)
			return
		}

		files, err := listFaceFiles(Cfg.Vision.FacesDir)
		if err != nil {
			utils.Die("Failed to read faces directory", err, nil)
		}
		next := 0
		if len(files) > 0 {
			next = files[len(files)-1].Index + 1
		}
		if capturesLimit > 0 && len(files) > capturesLimit {
			files = files[len(files)-capturesLimit:]
		}
		printFaceFiles(os.Stdout, files)
		fmt.Printf("\nNext save: %s\n", ledger.FileName(next))
	},
}

func init() {
	capturesCmd.Flags().IntVarP(&capturesLimit, "limit", "n", 20, "Show at most this many captures (0 for all)")
	rootCmd.AddCommand(capturesCmd)
}

func printCaptures(out io.Writer, captures []store.Capture) {
	if len(captures) == 0 {
		fmt.Fprintln(out, "No captures found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tFILE\tBLUR\tRECOGNIZED\tSAVED")
	fmt.Fprintln(w, "-----\t----\t----\t----------\t-----")
	for _, c := range captures {
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%s\t%s\n", c.Index, filepath.Base(c.Path), c.BlurScore, fmtRecognized(c.Recognized), c.SavedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func fmtRecognized(r *bool) string {
	switch {
	case r == nil:
		return "-"
	case *r:
		return "yes"
	default:
		return "no"
	}
}

type faceFile struct {
	Index   int
	Name    string
	Size    int64
	ModTime time.Time
}

// listFaceFiles returns saved crops in index order. A missing directory is empty.
func listFaceFiles(dir string) ([]faceFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []faceFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := ledger.ParseFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, faceFile{Index: idx, Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Index < files[j].Index })
	return files, nil
}

func printFaceFiles(out io.Writer, files []faceFile) {
	if len(files) == 0 {
		fmt.Fprintln(out, "No saved faces found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tFILE\tSIZE\tSAVED")
	fmt.Fprintln(w, "-----\t----\t----\t-----")
	for _, f := range files {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", f.Index, f.Name, f.Size, f.ModTime.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
