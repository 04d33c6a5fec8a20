package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"panther/internal/config"
	"panther/internal/privacy"
	"panther/internal/server"
)

const serveUsage = `Usage:
  panther serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to a YAML or TOML settings file
  --port   int      Override server port from settings and PANTHER_HTTP_PORT`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to settings file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	a, err := newApp(ctx, cfgPath, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.settings.Server
	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Port = overridePort
	}

	err = a.gateway.Watch(ctx, a.logger, func(s config.AppSettings) {
		if err := a.seedAccounts(ctx, s); err != nil {
			a.logger.Warn("provider accounts not reloaded", "event_type", "settings_reload", "error_type", privacy.SanitizeError(err))
			return
		}
		a.logger.Info("settings reloaded", "event_type", "settings_reload")
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, a.runner,
		server.WithUsage(a.recorder),
		server.WithRegistry(a.registry),
		server.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
