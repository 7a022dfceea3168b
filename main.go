package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// cliConfig holds the parsed command line.
type cliConfig struct {
	delay         int
	fps           float64
	repeat        int
	quality       int
	width, height int
	x, y          int
	dispose       string
	transparent   string
	background    uint
	scale         string
}

func main() {
	var c cliConfig
	output := flag.String("o", "out.gif", "output file; a .zst or .gz suffix compresses it")
	flag.IntVar(&c.delay, "delay", 100, "frame delay in milliseconds")
	flag.Float64Var(&c.fps, "fps", 0, "frame rate; overrides -delay when > 0")
	flag.IntVar(&c.repeat, "repeat", 0, "extra loops: 0 forever, -1 play once without a loop block")
	flag.IntVar(&c.quality, "quality", defaultSample, "quantizer sample factor: 1 best, 30 fastest")
	flag.IntVar(&c.width, "width", 0, "canvas width, together with -height (default: first frame)")
	flag.IntVar(&c.height, "height", 0, "canvas height, together with -width (default: first frame)")
	flag.IntVar(&c.x, "x", 0, "frame offset x")
	flag.IntVar(&c.y, "y", 0, "frame offset y")
	flag.StringVar(&c.dispose, "dispose", "unspecified", "disposal: unspecified, none, background, previous")
	flag.StringVar(&c.transparent, "transparent", "", "transparent colour as #rrggbb")
	flag.UintVar(&c.background, "background", 0, "background colour index")
	flag.StringVar(&c.scale, "scale", "nearest", "scaler for odd-sized frames: nearest, approx, bilinear, catmull")
	verbose := flag.Bool("v", false, "debug logging on stderr")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: lapse [flags] <frame|dir>...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	opts, err := c.options()
	if err != nil {
		fail(err)
	}
	n, err := encodeGIF(*output, flag.Args(), opts...)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Encoded %d frames → %s\n", n, *output)
}

// options turns the command line into encoder options. A canvas size needs
// both dimensions; with neither, the first frame decides.
func (c cliConfig) options() ([]Option, error) {
	opts := []Option{
		WithDelay(c.delay),
		WithRepeat(c.repeat),
		WithQuality(c.quality),
		WithPosition(c.x, c.y),
	}
	if c.fps > 0 {
		opts = append(opts, WithFrameRate(c.fps))
	}
	switch {
	case c.width > 0 && c.height > 0:
		opts = append(opts, WithSize(c.width, c.height))
	case c.width != 0 || c.height != 0:
		return nil, fmt.Errorf("-width and -height must both be positive, got %dx%d", c.width, c.height)
	}

	d, err := ParseDisposal(c.dispose)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithDispose(d))
	if c.transparent != "" {
		col, err := parseHexColor(c.transparent)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTransparent(col))
	}
	if c.background > 255 {
		return nil, fmt.Errorf("background index %d out of range 0-255", c.background)
	}
	opts = append(opts, WithBackground(byte(c.background)))
	s, err := parseScaler(c.scale)
	if err != nil {
		return nil, err
	}
	return append(opts, WithScaler(s)), nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "lapse:", err)
	os.Exit(1)
}

// encodeGIF writes every input frame into one animated GIF at outPath and
// returns the number of frames. Directories expand to the images they hold.
// A partial file is removed on error.
func encodeGIF(outPath string, inputs []string, opts ...Option) (n int, err error) {
	paths, err := expandInputs(inputs)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, errors.New("no input frames")
	}

	out, err := CreateSink(outPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			os.Remove(outPath)
		}
	}()

	enc := NewEncoder(append(opts, WithCloseOnFinish(true))...)
	if err := enc.Start(out); err != nil {
		out.Close()
		return 0, err
	}

	for _, p := range paths {
		img, err := LoadImage(p)
		if err != nil {
			enc.Finish()
			return n, err
		}
		if err := enc.AddImage(img); err != nil {
			enc.Finish()
			return n, fmt.Errorf("%s: %w", p, err)
		}
		n++
	}

	if err := enc.Finish(); err != nil {
		return n, err
	}
	return n, nil
}
