package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Capture Journal, Saved Faces)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping journal.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP the capture journal?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all saved faces in %s?", Cfg.Vision.FacesDir)) {
				fmt.Println("🗑️  Clearing Saved Faces...")
				n, err := removeFaces(Cfg.Vision.FacesDir)
				if err != nil {
					fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
				}
				fmt.Printf("   Removed %d files.\n", n)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the PostgreSQL capture journal")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear saved face crops")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeFaces deletes saved crops only, leaving anything else in dir alone,
// so the next run starts again at index 0.
func removeFaces(dir string) (int, error) {
	files, err := listFaceFiles(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(filepath.Join(dir, f.Name)); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", f.Name, err)
		}
		removed++
	}
	return removed, nil
}
