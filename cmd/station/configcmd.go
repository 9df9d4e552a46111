package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/mklimuk/station/cmd/station/console"
	"github.com/mklimuk/station/config"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "manage the configuration file",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "write the default configuration",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "force",
					Usage: "overwrite an existing file",
				},
			},
			Action: func(c *cli.Context) error {
				path := c.String("config")
				_, err := os.Stat(path)
				switch {
				case err == nil && !c.Bool("force"):
					return console.Exit(1, "%s already exists, use --force to overwrite", path)
				case err != nil && !errors.Is(err, fs.ErrNotExist):
					return console.Exit(1, "%s", console.Red(err))
				}
				if err := config.DefaultConfig().Save(path); err != nil {
					return console.Exit(1, "could not save configuration: %s", console.Red(err))
				}
				console.PInfof(console.PictoFinish, "configuration written to %s", path)
				return nil
			},
		},
		{
			Name:  "show",
			Usage: "print the effective configuration",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return console.Exit(1, "%s", console.Red(err))
				}
				console.Print(string(out))
				return nil
			},
		},
	},
}
