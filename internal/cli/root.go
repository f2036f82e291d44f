// Package cli holds the screenrec command tree.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go2tv.app/screenrec/config"
	"go2tv.app/screenrec/internal/logging"
)

// deps is filled by the root command before any subcommand runs.
type deps struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

// NewRootCmd builds the screenrec command tree.
func NewRootCmd() *cobra.Command {
	d := &deps{}
	root := &cobra.Command{
		Use:           "screenrec",
		Short:         "Record the screen with system audio, microphone, cursor and webcam",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(d.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, JSON: cfg.Log.JSON})
			if err != nil {
				return err
			}
			d.cfg, d.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if d.log != nil {
				_ = d.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&d.configPath, "config", "c", "", "config file (.yaml or .toml)")

	root.AddCommand(newRecordCmd(d))
	root.AddCommand(newRecoverCmd(d))
	root.AddCommand(newDevicesCmd(d))
	return root
}
