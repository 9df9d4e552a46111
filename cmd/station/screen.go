package main

import (
	"fmt"
	"image/color"
	"time"

	"github.com/mklimuk/station/display"
	"github.com/mklimuk/station/environment"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var black = color.RGBA{A: 0xFF}

const (
	screenMargin = 8
	lineHeight   = 14
)

// screen lays out the latest reading as plain text lines.
type screen struct {
	fb       *display.Framebuffer
	font     tinyfont.Fonter
	seaLevel float64
}

func newScreen(fb *display.Framebuffer, seaLevel float64) *screen {
	return &screen{fb: fb, font: &proggy.TinySZ8pt7b, seaLevel: seaLevel}
}

func (s *screen) lines(m environment.Measurement, now time.Time) []string {
	if !m.Valid {
		return []string{"station", "", "no sensor data", now.Format("15:04")}
	}
	lines := []string{
		"station",
		"",
		fmt.Sprintf("temperature  %6.2f C", m.Temperature),
		fmt.Sprintf("humidity     %6.2f %%", m.Humidity),
	}
	if m.Pressure > 0 {
		lines = append(lines,
			fmt.Sprintf("pressure     %7.1f hPa", float64(m.Pressure)/100),
			fmt.Sprintf("altitude     %6.0f m", m.Altitude(s.seaLevel)),
		)
	}
	return append(lines, "", "updated "+now.Format("15:04"))
}

// Render clears the canvas and draws m. It does not flush.
func (s *screen) Render(m environment.Measurement, now time.Time) {
	s.fb.Clear()
	y := int16(screenMargin + lineHeight)
	for _, l := range s.lines(m, now) {
		tinyfont.WriteLine(s.fb, s.font, screenMargin, y, l, black)
		y += lineHeight
	}
}
