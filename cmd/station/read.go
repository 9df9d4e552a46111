package main

import (
	"time"

	"github.com/mklimuk/station/cmd/station/console"
	"github.com/mklimuk/station/environment"
	"github.com/urfave/cli/v2"
)

var readCmd = cli.Command{
	Name:  "read",
	Usage: "take a single sensor reading and print it",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the reading",
			Value: 2 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "settle",
			Usage: "delay between configuring the sensor and the first read",
			Value: 100 * time.Millisecond,
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if !cfg.Sensor.Enabled {
			return console.Exit(1, "sensor is disabled in %s", c.String("config"))
		}
		ctx := commandContext(c)
		hw, err := openHardware(cfg)
		if err != nil {
			return console.Exit(1, "could not open hardware: %s", console.Red(err))
		}
		defer func() {
			if err := hw.Close(); err != nil {
				console.Warnf("hardware close error: %s", err)
			}
		}()

		done := make(chan environment.Measurement, 1)
		sensor, err := hw.newSensor(ctx, environment.WithDoneCallback(func(m environment.Measurement) {
			select {
			case done <- m:
			default:
			}
		}))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		time.Sleep(c.Duration("settle"))
		if err := sensor.TriggerRead(); err != nil {
			return console.Exit(1, "could not queue the read: %s", console.Red(err))
		}

		var m environment.Measurement
		select {
		case m = <-done:
		case <-time.After(c.Duration("timeout")):
			hw.manager.CancelPending()
			if sensor.Err() {
				return console.Exit(1, "sensor read failed")
			}
			return console.Exit(1, "no reading within %s", c.Duration("timeout"))
		case <-ctx.Done():
			return console.Exit(1, "interrupted")
		}
		printMeasurement(m, cfg.Sensor.SeaLevel)
		return nil
	},
}

func printMeasurement(m environment.Measurement, seaLevel float64) {
	console.PInfof(console.PictoThermometer, "%s °C", console.White(m.Temperature))
	console.PInfof(console.PictoHumidity, "%s %%", console.White(m.Humidity))
	if m.Pressure > 0 {
		console.PInfof(console.PictoPressure, "%s hPa", console.White(float64(m.Pressure)/100))
		console.PInfof(console.PictoMountain, "%.0f m", m.Altitude(seaLevel))
	}
	console.PInfof(console.PictoClock, "%d ms", m.Stamp)
}
