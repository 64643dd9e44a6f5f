package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"
)

// oledRenderer draws text frames on an SSD1306 OLED over I2C.
//
// The frame is composed in an in-memory 1-bit buffer and pushed to the
// panel with a single Draw call, so a frame is never shown half drawn.
type oledRenderer struct {
	bus  i2c.BusCloser
	dev  *ssd1306.Dev
	face font.Face
	img  *image1bit.VerticalLSB
}

func newOLEDRenderer(cfg DisplayConfig) (*oledRenderer, error) {
	face, err := loadFontFace(cfg.FontPath, cfg.FontSize)
	if err != nil {
		return nil, err
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", cfg.I2CBus, err)
	}

	opts := ssd1306.DefaultOpts
	opts.W = cfg.Width
	opts.H = cfg.Height
	opts.Rotated = cfg.Rotated

	dev, err := ssd1306.NewI2C(bus, &opts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("init ssd1306: %w", err)
	}

	if err := dev.SetContrast(byte(cfg.Contrast)); err != nil {
		_ = dev.Halt()
		_ = bus.Close()
		return nil, fmt.Errorf("set contrast: %w", err)
	}

	return &oledRenderer{
		bus:  bus,
		dev:  dev,
		face: face,
		img:  image1bit.NewVerticalLSB(dev.Bounds()),
	}, nil
}

func (o *oledRenderer) Render(lines []TextLine) error {
	clear(o.img.Pix)
	drawLines(o.img, o.face, image1bit.On, lines)
	if err := o.dev.Draw(o.img.Bounds(), o.img, image.Point{}); err != nil {
		return fmt.Errorf("draw frame: %w", err)
	}
	return nil
}

// Close blanks the panel and releases the bus.
func (o *oledRenderer) Close() error {
	haltErr := o.dev.Halt()
	busErr := o.bus.Close()
	if haltErr != nil {
		return fmt.Errorf("halt display: %w", haltErr)
	}
	return busErr
}

// drawLines draws each line with its top edge at line.Y.
func drawLines(dst draw.Image, face font.Face, c color.Color, lines []TextLine) {
	ascent := face.Metrics().Ascent.Ceil()
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
	}
	for _, ln := range lines {
		d.Dot = fixed.P(ln.X, ln.Y+ascent)
		d.DrawString(ln.Text)
	}
}

// loadFontFace loads a TTF/OTF face at size points (72 DPI, so points equal
// pixels). An empty path selects the built-in 7x13 bitmap face.
func loadFontFace(path string, size float64) (font.Face, error) {
	if path == "" {
		return basicfont.Face7x13, nil
	}

	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	f, err := opentype.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", path, err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	return face, nil
}

// lineHeightFor returns the configured line height, or a default derived
// from the font: the point size for loaded fonts, 13 px for the built-in face.
func lineHeightFor(cfg DisplayConfig) int {
	if cfg.LineHeight > 0 {
		return cfg.LineHeight
	}
	if cfg.FontPath == "" {
		return basicfont.Face7x13.Height
	}
	return int(math.Ceil(cfg.FontSize))
}
