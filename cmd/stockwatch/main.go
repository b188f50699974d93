package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockwatch/internal/app"
	"stockwatch/internal/config"
	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
)

func main() {
	var (
		cfgPath string
		envPath string
		once    bool
		dryRun  bool
	)
	flag.StringVar(&cfgPath, "config", "./stockwatch.yaml", "path to config (json, yaml or toml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with secrets")
	flag.BoolVar(&once, "once", false, "run a single pass and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "keep state in memory and log alerts instead of sending them")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: env file:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cfgPath, DryRun: dryRun})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if config.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	log := a.Logger()

	if once {
		os.Exit(runOnce(ctx, a, log))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	runErr := a.RunForever(ctx)
	reason := app.StopSignal
	if runErr != nil {
		reason = app.StopFatalError
		log.Error("run failed", logx.Err(runErr))
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Close(stopCtx, reason)
	if runErr != nil {
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App, log logx.Logger) int {
	out, err := a.RunOnce(ctx)
	code := 0
	if err != nil {
		log.Error("pass failed", logx.Err(err))
		code = 1
	}
	for _, o := range out {
		fields := []logx.Field{
			logx.String("item", o.Item.Identity().String()),
			logx.String("label", o.Item.DisplayName()),
			logx.String("status", string(o.Record.Status)),
			logx.String("outcome", string(o.State)),
			logx.Bool("alerted", o.Alerted),
		}
		if o.Err != nil {
			fields = append(fields, logx.Err(o.Err))
		}
		if o.State == model.OutcomeChecked {
			log.Info("item", fields...)
		} else {
			log.Warn("item", fields...)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(stopCtx, app.StopRunOnce); err != nil && code == 0 {
		code = 1
	}
	return code
}

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
