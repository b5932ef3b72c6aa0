package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/retry"
	"github.com/msageha/taskvault/internal/watcher"
)

var watchOnce bool

func init() {
	watchInboxCmd.Flags().BoolVar(&watchOnce, "once", false, "scan once and exit")
	watchMailCmd.Flags().BoolVar(&watchOnce, "once", false, "poll once and exit")
}

var watchInboxCmd = &cobra.Command{
	Use:   "watch-inbox",
	Short: "Turn files dropped into the inbox into tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := startComponent(model.ComponentInboxWatcher)
		if err != nil {
			return err
		}
		defer c.Close()
		wc := c.cfg.Watcher

		w, err := watcher.NewInbox(config.InboxDir(c.cfg), wc.Patterns, c.vault,
			watcher.WithInboxRecorder(c.events),
			watcher.WithInboxLogger(c.logger),
			watcher.WithScanInterval(time.Duration(wc.PollIntervalSec)*time.Second),
			watcher.WithDebounce(time.Duration(wc.DebounceMs)*time.Millisecond))
		if err != nil {
			return err
		}

		ctx, stop := signalContext(c.logger)
		defer stop()
		if watchOnce {
			created, err := w.ScanOnce(ctx)
			for _, name := range created {
				cmd.Println(name)
			}
			return err
		}
		return w.Run(ctx)
	},
}

var watchMailCmd = &cobra.Command{
	Use:   "watch-mail",
	Short: "Turn unread messages from the mail adapter into tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := startComponent(model.ComponentMailWatcher)
		if err != nil {
			return err
		}
		defer c.Close()
		mc := c.cfg.Mail

		registry, err := adapter.FromConfig(c.cfg.Adapters, c.dryRun, time.Duration(c.cfg.Orchestrator.AdapterTimeoutSec)*time.Second)
		if err != nil {
			return err
		}
		a, err := registry.Get(mc.Adapter)
		if err != nil {
			return fmt.Errorf("mail adapter: %w", err)
		}
		exec := retry.New(retry.PolicyFromConfig(c.cfg.Retry), retry.WithRecorder(c.events, model.ComponentMailWatcher))

		m := watcher.NewMail(a, c.vault,
			watcher.WithMailRecorder(c.events),
			watcher.WithMailLogger(c.logger),
			watcher.WithMailExecutor(exec),
			watcher.WithPollInterval(time.Duration(mc.PollIntervalSec)*time.Second),
			watcher.WithMaxMessages(mc.MaxMessages),
			watcher.WithMailDryRun(c.dryRun))

		ctx, stop := signalContext(c.logger)
		defer stop()
		if watchOnce {
			created, err := m.PollOnce(ctx)
			for _, name := range created {
				cmd.Println(name)
			}
			return err
		}
		return m.Run(ctx)
	},
}
