package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
)

func newDevicesCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List displays and audio capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "displays:")
			for _, disp := range capture.Displays() {
				b := disp.Bounds
				fmt.Fprintf(out, "  %d  %dx%d at %d,%d\n", disp.Index, b.Dx(), b.Dy(), b.Min.X, b.Min.Y)
			}

			devs, err := audio.ListDevices()
			if err != nil {
				d.log.Warn("audio devices unavailable", zap.Error(err))
				return nil
			}
			fmt.Fprintln(out, "audio:")
			for _, dev := range devs {
				kind := "input"
				if dev.Loopback {
					kind = "loopback"
				}
				fmt.Fprintf(out, "  %-8s %s\n", kind, dev.Name)
			}
			return nil
		},
	}
}
