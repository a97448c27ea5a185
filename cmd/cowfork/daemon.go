package main

import (
	"fmt"
	"os"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/daemon"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/spf13/cobra"
)

var daemonConfig string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cowfork daemon",
	Long:  "Boot the simulated kernel and the init environment, and serve the control API until signaled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.Resolve(daemonConfig)
		if err != nil {
			return err
		}
		cfg, warnings, err := config.LoadWithIncludes(path)
		if err != nil {
			return err
		}

		level := logging.NewLevelVar(cfg.Kernel.LogLevel)
		tail := logging.NewTail(256 << 10)
		logger, cleanup, err := logging.NewDaemonLogger(logging.DaemonConfig{
			Level:   level,
			Format:  cfg.Kernel.LogFormat,
			Logfile: cfg.Kernel.Logfile,
			Tail:    tail,
		})
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
		for _, w := range warnings {
			logger.Warn("config warning", "warning", w)
		}
		daemon.RootWarning(logger)
		logger.Info("config loaded", "path", path)

		d, err := daemon.New(daemon.Options{
			Config:     cfg,
			ConfigPath: path,
			Logger:     logger,
			Level:      level,
			Tail:       tail,
		})
		if err != nil {
			return fmt.Errorf("cannot start daemon: %w", err)
		}
		if err := d.Run(); err != nil {
			logger.Error("daemon failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&daemonConfig, "config", "c", os.Getenv("COWFORK_CONFIG"), "config file path")
	rootCmd.AddCommand(daemonCmd)
}
