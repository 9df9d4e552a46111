package main

import (
	"context"

	"github.com/mklimuk/station/cmd/station/console"
	"github.com/mklimuk/station/display"
	"github.com/mklimuk/station/epd"
	"github.com/urfave/cli/v2"
	"tinygo.org/x/drivers"
)

var panelCmd = cli.Command{
	Name:  "panel",
	Usage: "e-paper maintenance",
	Subcommands: []*cli.Command{
		&panelClearCmd,
		&panelSleepCmd,
		&panelTestCmd,
	},
}

var panelClearCmd = cli.Command{
	Name:  "clear",
	Usage: "paint the panel white",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mode",
			Usage: "refresh mode (gc, du or a2)",
			Value: "gc",
		},
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "do not ask for confirmation",
		},
	},
	Action: func(c *cli.Context) error {
		mode, err := epd.ParseMode(c.String("mode"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		ok, err := console.Confirm("This will erase the panel content. Continue?", c.Bool("yes"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		if !ok {
			console.PInfof(console.PictoStop, "aborted")
			return nil
		}
		return withPanel(c, func(ctx context.Context, panel *epd.Driver) error {
			if err := panel.Init1Bit(ctx); err != nil {
				return err
			}
			if err := panel.Clear1Bit(ctx, mode); err != nil {
				return err
			}
			console.PInfof(console.PictoPanel, "panel cleared with %s", mode)
			return panel.Sleep(ctx, epd.SleepNormal)
		})
	},
}

var panelSleepCmd = cli.Command{
	Name:  "sleep",
	Usage: "put the panel to sleep",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "deep",
			Usage: "deep sleep; the panel needs a reset to wake up",
		},
	},
	Action: func(c *cli.Context) error {
		mode := epd.SleepNormal
		if c.Bool("deep") {
			mode = epd.SleepDeep
		}
		return withPanel(c, func(ctx context.Context, panel *epd.Driver) error {
			if err := panel.Init1Bit(ctx); err != nil {
				return err
			}
			if err := panel.Sleep(ctx, mode); err != nil {
				return err
			}
			console.PInfof(console.PictoSleep, "panel is %s", panel.State())
			return nil
		})
	},
}

var panelTestCmd = cli.Command{
	Name:  "test",
	Usage: "draw a checker pattern",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "cell",
			Usage: "checker cell size in pixels",
			Value: 20,
		},
	},
	Action: func(c *cli.Context) error {
		cell := c.Int("cell")
		if cell < 1 {
			return console.Exit(1, "cell size must be positive")
		}
		return withPanel(c, func(ctx context.Context, panel *epd.Driver) error {
			a, err := display.New(panel)
			if err != nil {
				return err
			}
			w, h := panel.Size()
			fb := display.NewFramebuffer(w, h, func(area display.Area, px []byte, rot drivers.Rotation) error {
				return a.Flush(ctx, area, px, rot, nil)
			})
			checker(fb, cell)
			if err := fb.Display(); err != nil {
				return err
			}
			console.PInfof(console.PictoFinish, "checker pattern drawn")
			return nil
		})
	},
}

// withPanel opens the hardware and runs fn against the blocking driver.
func withPanel(c *cli.Context, fn func(ctx context.Context, panel *epd.Driver) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	hw, err := openHardware(cfg)
	if err != nil {
		return console.Exit(1, "could not open hardware: %s", console.Red(err))
	}
	defer func() {
		if cerr := hw.Close(); cerr != nil {
			console.Warnf("hardware close error: %s", cerr)
		}
	}()
	ctx := commandContext(c)
	if err := hw.manager.Acquire(ctx); err != nil {
		return console.Exit(1, "could not acquire bus: %s", console.Red(err))
	}
	defer hw.manager.Release()
	if err := fn(ctx, hw.panel); err != nil {
		return console.Exit(1, "panel error: %s", console.Red(err))
	}
	return nil
}

func checker(d drivers.Displayer, cell int) {
	w, h := d.Size()
	for y := int16(0); y < h; y++ {
		for x := int16(0); x < w; x++ {
			if (int(x)/cell+int(y)/cell)%2 == 0 {
				d.SetPixel(x, y, black)
			}
		}
	}
}
