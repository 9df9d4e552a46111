package main

import (
	"context"
	"log/slog"

	"github.com/mklimuk/station/cmd/station/console"
	"github.com/mklimuk/station/config"
	"github.com/mklimuk/station/stctx"
	"github.com/urfave/cli/v2"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, console.Exit(1, "could not load configuration from %s: %s", path, console.Red(err))
	}
	console.Debugf("configuration loaded from %s", path)
	return cfg, nil
}

func commandContext(c *cli.Context) context.Context {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = stctx.SetVerbose(ctx, c.Bool("verbose"))
	return stctx.WithLogger(ctx, slog.Default())
}
