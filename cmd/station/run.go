package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
	"github.com/mklimuk/station/display"
	"github.com/mklimuk/station/environment"
	"github.com/mklimuk/station/stctx"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	mailboxPoll     = 50 * time.Millisecond
	shutdownTimeout = 15 * time.Second
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "read the sensor and refresh the panel on schedule until interrupted",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(commandContext(c), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hw, err := openHardware(cfg)
		if err != nil {
			return fmt.Errorf("could not open hardware: %w", err)
		}
		defer func() {
			if err := hw.Close(); err != nil {
				slog.Warn("hardware close error", "error", err)
			}
		}()

		var sensor sensorReader
		if cfg.Sensor.Enabled {
			s, err := hw.newSensor(ctx)
			if err != nil {
				return err
			}
			sensor = s
		}
		a, fb, err := hw.newDisplay(ctx)
		if err != nil {
			return fmt.Errorf("could not set up display: %w", err)
		}
		n := &node{
			sensor:  sensor,
			display: a,
			bus:     hw.manager,
			screen:  newScreen(fb, cfg.Sensor.SeaLevel),
			fb:      fb,
			clock:   clock.New(),
			poll:    mailboxPoll,
		}
		return n.run(ctx, cfg.Schedule.SensorRead, cfg.Schedule.Refresh)
	},
}

type sensorReader interface {
	TriggerRead() error
	HasData() bool
	Last() environment.Measurement
}

type frameSink interface {
	Poll() bool
	Close(ctx context.Context) error
}

type canceller interface {
	CancelPending()
}

// node drives the station: cron jobs trigger sensor reads and screen
// refreshes while the main loop delivers flush completions.
type node struct {
	sensor  sensorReader
	display frameSink
	bus     canceller
	screen  *screen
	fb      *display.Framebuffer
	clock   clock.Clock
	poll    time.Duration
}

func (n *node) readSensor(ctx context.Context) {
	if n.sensor == nil {
		return
	}
	if err := n.sensor.TriggerRead(); err != nil {
		stctx.Logger(ctx).Warn("sensor read not queued", "error", err)
	}
}

func (n *node) refresh(ctx context.Context) {
	var m environment.Measurement
	if n.sensor != nil && n.sensor.HasData() {
		m = n.sensor.Last()
	}
	n.screen.Render(m, n.clock.Now())
	err := n.fb.Display()
	switch {
	case errors.Is(err, station.ErrBusBusy):
		stctx.Logger(ctx).Debug("previous frame still on its way, skipping refresh")
	case err != nil:
		stctx.Logger(ctx).Warn("display refresh failed", "error", err)
	}
}

func (n *node) run(ctx context.Context, readSpec, refreshSpec string) error {
	log := stctx.Logger(ctx)
	logger := cronLogger{log: log}
	sched := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := sched.AddFunc(readSpec, func() { n.readSensor(ctx) }); err != nil {
		return fmt.Errorf("invalid sensor schedule %q: %w", readSpec, err)
	}
	if _, err := sched.AddFunc(refreshSpec, func() { n.refresh(ctx) }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", refreshSpec, err)
	}

	n.readSensor(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	g.Go(func() error {
		ticker := n.clock.Ticker(n.poll)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n.display.Poll()
			}
		}
	})
	err := g.Wait()
	log.Info("shutting down")

	n.bus.CancelPending()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return multierr.Append(err, n.display.Close(closeCtx))
}

// cronLogger routes scheduler messages to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
