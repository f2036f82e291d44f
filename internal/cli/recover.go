package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/segment"
)

func newRecoverCmd(d *deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "recover <fragment-dir>",
		Short: "Repair an interrupted fragment directory and join what survived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			rec, err := segment.Recover(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rec.AlreadyFinalized {
				fmt.Fprintln(out, "manifest already finalized")
			}
			for _, p := range rec.Discarded {
				fmt.Fprintf(out, "discarded %s\n", p)
			}
			fmt.Fprintf(out, "%d completed fragments\n", len(rec.Completed))
			if output == "" || len(rec.Completed) == 0 {
				return nil
			}

			paths := make([]string, 0, len(rec.Completed))
			for _, f := range rec.Completed {
				paths = append(paths, filepath.Join(dir, f.Path))
			}
			if err := encoder.Concat(cmd.Context(), d.cfg.FFmpegPath, paths, output, d.log); err != nil {
				return err
			}
			d.log.Info("fragments joined", zap.String("output", output), zap.Int("fragments", len(paths)))
			fmt.Fprintf(out, "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "join completed fragments into this file")
	return cmd
}
