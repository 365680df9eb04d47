package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sismobot/internal/app"
)

func main() {
	configPath := flag.String("config", "./config.json", "path to the config file (JSON or YAML)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx, a)

	err = a.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// watchdog keeps systemd's WatchdogSec satisfied while the transport
// answers probes. A failed probe skips the notification so systemd can
// restart the unit, and also nudges the internal recovery controller.
func watchdog(ctx context.Context, a *app.App) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval/3)
			healthy := a.Healthy(probeCtx)
			cancel()
			if healthy {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				continue
			}
			a.TriggerRecovery(ctx, "watchdog probe failed")
		}
	}
}
