package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/watchdog"
)

var watchdogOnce bool

func init() {
	watchdogCmd.Flags().BoolVar(&watchdogOnce, "once", false, "check every component once and exit")
}

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Restart crashed components",
	Long: `Check each configured component's pid record every poll interval and restart
components whose process is gone. A component restarted too often within the window
is left down and reported with a restart loop alert.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := startComponent(model.ComponentWatchdog)
		if err != nil {
			return err
		}
		defer c.Close()
		wc := c.cfg.Watchdog
		runtimeDir := config.RuntimeDir(c.cfg)

		extra := []string{"--vault", c.cfg.Vault.Root}
		if c.dryRun {
			extra = append(extra, "--dry-run")
		}
		launcher, err := watchdog.NewExecLauncher(runtimeDir, extra, c.logger)
		if err != nil {
			return err
		}

		w := watchdog.New(wc.Components, runtimeDir, launcher, c.qm,
			watchdog.WithRecorder(c.events),
			watchdog.WithLogger(c.logger),
			watchdog.WithPollInterval(time.Duration(wc.PollIntervalSec)*time.Second),
			watchdog.WithRestartLimit(wc.MaxRestarts, time.Duration(wc.WindowSec)*time.Second),
			watchdog.WithDryRun(c.dryRun))

		ctx, stop := signalContext(c.logger)
		defer stop()
		if watchdogOnce {
			for _, name := range w.CheckOnce(ctx) {
				cmd.Printf("restarted %s\n", name)
			}
			return nil
		}
		return w.Run(ctx)
	},
}
