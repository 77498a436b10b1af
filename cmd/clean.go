package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/gleaner/internal/output"
	"github.com/tanq16/gleaner/internal/storage"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_DIR]",
		Short: "Remove partial downloads left by cancelled or failed transfers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := settings.OutputDir
			if len(args) == 1 {
				root = args[0]
			}
			layout := &storage.Layout{Root: root}
			removed, err := layout.Clean()
			if err != nil {
				output.PrintError("Error cleaning up temporary files")
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Temporary files cleaned up (%d partial files removed)", removed))
			return nil
		},
	}
}
