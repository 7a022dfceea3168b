// Animated GIF89a encoder session. Frames are quantized one at a time with
// NeuQuant, compressed with LZW and written straight to the output sink;
// nothing but scratch buffers is kept between frames.

package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"

	"golang.org/x/image/draw"
)

const (
	header = "GIF89a"

	defaultWidth  = 320
	defaultHeight = 240
	defaultSample = 10

	colorDepth  = 8 // bits per palette index
	paletteBits = 7 // table size field: 2^(7+1) entries
	tableBytes  = 3 * netSize
)

// Section indicators and labels.
const (
	sExtension       = 0x21
	sImageDescriptor = 0x2C
	sTrailer         = 0x3B

	gcLabel      = 0xF9
	gcBlockSize  = 0x04
	appLabel     = 0xFF
	appBlockSize = 0x0B
	appID        = "NETSCAPE2.0"
)

// Packed field bits.
const (
	fColorTable      = 1 << 7
	fColorResolution = 7 << 4
	fTransparent     = 1
)

type state int

const (
	stateIdle state = iota
	stateStarted
	stateStreaming
	stateFinished
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarted:
		return "started"
	case stateStreaming:
		return "streaming"
	case stateFinished:
		return "finished"
	}
	return "unknown"
}

type flusher interface {
	Flush() error
}

// Encoder writes an animated GIF one frame at a time:
//
//	enc := NewEncoder(WithRepeat(0), WithDelay(100))
//	enc.Start(w)
//	enc.AddImage(img1)
//	enc.AddImage(img2)
//	enc.Finish()
//
// The first frame's palette becomes the global colour table; every frame,
// the first included, also carries its own local table. An Encoder is not
// safe for concurrent use. After any error the output written so far must be
// discarded.
type Encoder struct {
	width, height int
	sizeSet       bool
	sizeAdopted   bool
	repeat        int
	delay         int // hundredths of a second
	dispose       Disposal
	transparent   color.Color
	sample        int
	x, y          int
	background    byte
	closeOnFinish bool
	scaler        draw.Scaler

	state  state
	w      io.Writer
	frames int

	// Scratch space reused across frames and released by Finish.
	buf     bytes.Buffer
	tmp     [16]byte
	staged  []byte
	indexed []byte
	src     *image.RGBA
	canvas  *image.RGBA
	quant   *Quantizer
	lzw     *lzwEncoder
}

// Option configures an Encoder in NewEncoder.
type Option func(*Encoder)

// WithDelay sets the default frame delay in milliseconds.
func WithDelay(ms int) Option { return func(e *Encoder) { e.SetDelay(ms) } }

// WithFrameRate sets the default frame delay from a frame rate.
func WithFrameRate(fps float64) Option { return func(e *Encoder) { e.SetFrameRate(fps) } }

// WithRepeat sets the loop count: negative omits the loop extension, 0
// loops forever.
func WithRepeat(n int) Option { return func(e *Encoder) { e.SetRepeat(n) } }

// WithQuality sets the quantizer sample factor.
func WithQuality(sample int) Option { return func(e *Encoder) { e.SetQuality(sample) } }

// WithSize fixes the canvas size instead of taking it from the first frame.
func WithSize(w, h int) Option { return func(e *Encoder) { e.SetSize(w, h) } }

// WithDispose sets the default disposal method.
func WithDispose(d Disposal) Option { return func(e *Encoder) { e.SetDispose(d) } }

// WithTransparent sets the default transparent colour.
func WithTransparent(c color.Color) Option { return func(e *Encoder) { e.SetTransparent(c) } }

// WithPosition sets the default frame offset on the canvas.
func WithPosition(x, y int) Option { return func(e *Encoder) { e.SetPosition(x, y) } }

// WithBackground sets the background colour index.
func WithBackground(idx byte) Option { return func(e *Encoder) { e.SetBackground(idx) } }

// WithCloseOnFinish makes Finish close the sink if it is an io.Closer.
func WithCloseOnFinish(v bool) Option { return func(e *Encoder) { e.SetCloseOnFinish(v) } }

// WithScaler sets the interpolator used when a frame does not match the
// canvas size. The default is draw.NearestNeighbor.
func WithScaler(s draw.Scaler) Option {
	return func(e *Encoder) {
		if s != nil {
			e.scaler = s
		}
	}
}

// NewEncoder returns an idle encoder.
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		repeat: -1,
		sample: defaultSample,
		scaler: draw.NearestNeighbor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDelay sets the default delay in milliseconds. GIF stores hundredths of
// a second, so anything below 10ms is truncated. The result is clamped to
// 0-65535 hundredths.
func (e *Encoder) SetDelay(ms int) {
	e.delay = clampDim(ms/10, 0)
}

// SetFrameRate sets the default delay to 100/fps hundredths. 0 is ignored.
func (e *Encoder) SetFrameRate(fps float64) {
	if fps != 0 {
		d := 100 / fps
		if d > maxDim {
			d = maxDim
		}
		e.delay = clampDim(int(d), 0)
	}
}

func clampDim(v, lo int) int {
	return min(max(v, lo), maxDim)
}

// SetDispose sets the default disposal method.
func (e *Encoder) SetDispose(d Disposal) {
	e.dispose = d
}

// SetRepeat sets how many extra times the animation plays. 0 loops forever;
// a negative count writes no loop extension at all.
func (e *Encoder) SetRepeat(n int) {
	if n < 0 {
		n = -1
	}
	e.repeat = n
}

// SetTransparent sets the default transparent colour; nil disables it. The
// colour is matched to the closest palette entry used by each frame.
func (e *Encoder) SetTransparent(c color.Color) {
	e.transparent = c
}

// SetQuality sets the quantizer sample factor: 1 samples every pixel, larger
// values are faster and coarser. Values below 1 become 1.
func (e *Encoder) SetQuality(sample int) {
	if sample < 1 {
		sample = 1
	}
	e.sample = sample
}

// SetSize fixes the canvas size. Non-positive dimensions fall back to
// 320x240 and anything above 65535 is clamped. It has no effect once a frame
// has been written.
func (e *Encoder) SetSize(w, h int) {
	if e.frames > 0 {
		Logger().Debug("gif: canvas size already fixed", "width", e.width, "height", e.height)
		return
	}
	e.setCanvas(w, h)
	e.sizeAdopted = false
}

func (e *Encoder) setCanvas(w, h int) {
	if w < 1 {
		w = defaultWidth
	}
	if h < 1 {
		h = defaultHeight
	}
	e.width, e.height = min(w, maxDim), min(h, maxDim)
	e.sizeSet = true
}

// SetPosition sets the default frame offset on the canvas.
func (e *Encoder) SetPosition(x, y int) {
	e.x, e.y = x, y
}

// SetBackground sets the background colour index of the logical screen.
func (e *Encoder) SetBackground(idx byte) {
	e.background = idx
}

// SetCloseOnFinish controls whether Finish closes the sink. Off by default:
// the caller owns the writer.
func (e *Encoder) SetCloseOnFinish(v bool) {
	e.closeOnFinish = v
}

// Size returns the canvas size, or 0x0 while it is still unset.
func (e *Encoder) Size() (w, h int) {
	if !e.sizeSet {
		return 0, 0
	}
	return e.width, e.height
}

// Frames returns the number of frames written in the current session.
func (e *Encoder) Frames() int {
	return e.frames
}

// Start begins a new file on w by writing the GIF header.
func (e *Encoder) Start(w io.Writer) error {
	const op = "start"
	if e.state == stateStarted || e.state == stateStreaming {
		return e.stateError(op)
	}
	if w == nil {
		return opError(op, ErrIO, errNoSink)
	}
	if _, err := io.WriteString(w, header); err != nil {
		Logger().Warn("gif: header write failed", "err", err)
		return opError(op, ErrIO, err)
	}
	e.w = w
	e.frames = 0
	e.state = stateStarted
	Logger().Debug("gif: session started", "repeat", e.repeat, "sample", e.sample)
	return nil
}

// AddImage converts img to a Frame carrying the encoder's current delay,
// disposal, transparency and position, and adds it.
func (e *Encoder) AddImage(img image.Image) error {
	if e.state != stateStarted && e.state != stateStreaming {
		return e.stateError("add frame")
	}
	if img == nil {
		return opError("add frame", ErrInvalidFrame, errNilFrame)
	}
	f := NewFrame(img)
	f.Delay = e.delay
	f.Disposal = e.dispose
	f.Transparent = e.transparent
	f.X, f.Y = e.x, e.y
	return e.AddFrame(f)
}

// AddFrame quantizes f, compresses it and writes it to the sink. The first
// successful frame also writes the logical screen descriptor, the global
// colour table and the loop extension. A frame whose size differs from the
// canvas is rescaled.
//
// Frames are not clamped: a size outside 1-65535, an offset outside 0-65535,
// a delay outside 0-65535 or a pixel buffer that does not match the size
// fails with ErrInvalidFrame and writes nothing, even for the first frame
// of an unsized canvas.
func (e *Encoder) AddFrame(f *Frame) error {
	const op = "add frame"
	if e.state != stateStarted && e.state != stateStreaming {
		return e.stateError(op)
	}
	if f == nil {
		return opError(op, ErrInvalidFrame, errNilFrame)
	}
	if err := f.validate(); err != nil {
		return opError(op, ErrInvalidFrame, err)
	}

	first := e.frames == 0
	if first && !e.sizeSet {
		e.setCanvas(f.Width, f.Height)
		e.sizeAdopted = true
	}

	e.ensureScratch()
	pix := e.stage(f)
	ix := quantize(e.quant, pix, e.sample, e.indexed)
	e.indexed = ix.Pix

	transIndex := 0
	if f.Transparent != nil {
		transIndex = ix.Palette.Closest(f.Transparent)
	}

	e.buf.Reset()
	if first {
		e.writeScreen(ix.Palette.RGB[:])
		if e.repeat >= 0 {
			e.writeLoop()
		}
	}
	e.writeGraphicControl(f, transIndex)
	e.writeImageDescriptor(f.X, f.Y)
	e.writeColorTable(ix.Palette.RGB[:])
	// bytes.Buffer writes cannot fail
	_ = e.lzw.encode(&e.buf, ix.Pix, colorDepth)

	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		Logger().Warn("gif: frame write failed", "frame", e.frames, "err", err)
		return opError(op, ErrIO, err)
	}
	e.frames++
	e.state = stateStreaming
	if l := Logger(); l.Enabled(context.Background(), slog.LevelDebug) {
		l.Debug("gif: frame added",
			"frame", e.frames,
			"colors", ix.Palette.UsedCount(),
			"transparent", transIndex,
			"bytes", e.buf.Len())
	}
	return nil
}

// Finish writes the trailer, flushes the sink and closes it when asked to,
// then releases all scratch buffers. With no frames written it still emits a
// logical screen descriptor and an empty global table so the file is valid.
// The session is reset even when writing fails.
func (e *Encoder) Finish() error {
	const op = "finish"
	if e.state != stateStarted && e.state != stateStreaming {
		return e.stateError(op)
	}
	defer e.reset()

	e.buf.Reset()
	if e.frames == 0 {
		if !e.sizeSet {
			e.width, e.height = 1, 1
		}
		e.writeScreen(nil)
	}
	e.buf.WriteByte(sTrailer)

	_, err := e.w.Write(e.buf.Bytes())
	if f, ok := e.w.(flusher); ok && err == nil {
		err = f.Flush()
	}
	if c, ok := e.w.(io.Closer); ok && e.closeOnFinish {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		Logger().Warn("gif: finish failed", "err", err)
		return opError(op, ErrIO, err)
	}
	Logger().Debug("gif: session finished", "frames", e.frames)
	return nil
}

// reset drops the sink and every scratch buffer. A canvas size taken from
// the first frame is forgotten; one set with SetSize is kept.
func (e *Encoder) reset() {
	e.state = stateFinished
	e.w = nil
	e.frames = 0
	e.buf = bytes.Buffer{}
	e.staged = nil
	e.indexed = nil
	e.src = nil
	e.canvas = nil
	e.quant = nil
	e.lzw = nil
	if e.sizeAdopted || !e.sizeSet {
		e.width, e.height = 0, 0
		e.sizeSet = false
		e.sizeAdopted = false
	}
}

func (e *Encoder) stateError(op string) error {
	return opError(op, ErrInvalidState, fmt.Errorf("encoder is %s", e.state))
}

func (e *Encoder) ensureScratch() {
	if e.quant == nil {
		e.quant = &Quantizer{}
	}
	if e.lzw == nil {
		e.lzw = &lzwEncoder{}
	}
}

// stage returns the frame pixels at canvas size. Matching frames are used as
// they are; others are scaled through the session's RGBA scratch images.
func (e *Encoder) stage(f *Frame) []byte {
	if f.Width == e.width && f.Height == e.height {
		return f.Pix
	}
	e.src = bgrToRGBA(f.Pix, f.Width, f.Height, e.src)
	e.canvas = ensureRGBA(e.canvas, e.width, e.height)
	e.scaler.Scale(e.canvas, e.canvas.Bounds(), e.src, e.src.Bounds(), draw.Src, nil)
	e.staged = imageToBGR(e.canvas, e.staged)
	Logger().Debug("gif: frame rescaled",
		"from", image.Pt(f.Width, f.Height),
		"to", image.Pt(e.width, e.height))
	return e.staged
}

// writeScreen writes the logical screen descriptor followed by the global
// colour table.
func (e *Encoder) writeScreen(rgb []byte) {
	b := e.tmp[:7]
	writeUint16(b[0:2], uint16(e.width))
	writeUint16(b[2:4], uint16(e.height))
	b[4] = fColorTable | fColorResolution | paletteBits
	b[5] = e.background
	b[6] = 0x00 // pixel aspect ratio
	e.buf.Write(b)
	e.writeColorTable(rgb)
}

// writeColorTable writes rgb zero-padded to 256 entries.
func (e *Encoder) writeColorTable(rgb []byte) {
	e.buf.Write(rgb)
	for n := tableBytes - len(rgb); n > 0; n-- {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) writeLoop() {
	e.buf.Write([]byte{sExtension, appLabel, appBlockSize})
	e.buf.WriteString(appID)
	b := e.tmp[:5]
	b[0] = 0x03 // sub-block size
	b[1] = 0x01 // loop sub-block id
	writeUint16(b[2:4], uint16(e.repeat))
	b[4] = 0x00
	e.buf.Write(b)
}

func (e *Encoder) writeGraphicControl(f *Frame, transIndex int) {
	var transp byte
	disp := 0 // no action
	if f.Transparent != nil {
		transp = fTransparent
		disp = 2 // clear when a transparent colour is in use
	}
	if f.Disposal != DisposalUnspecified {
		disp = int(f.Disposal) & 7
	}

	b := e.tmp[:8]
	b[0] = sExtension
	b[1] = gcLabel
	b[2] = gcBlockSize
	b[3] = byte(disp<<2) | transp
	writeUint16(b[4:6], uint16(f.Delay))
	b[6] = byte(transIndex)
	b[7] = 0x00
	e.buf.Write(b)
}

func (e *Encoder) writeImageDescriptor(x, y int) {
	b := e.tmp[:10]
	b[0] = sImageDescriptor
	writeUint16(b[1:3], uint16(x))
	writeUint16(b[3:5], uint16(y))
	writeUint16(b[5:7], uint16(e.width))
	writeUint16(b[7:9], uint16(e.height))
	b[9] = fColorTable | paletteBits // local table, not interlaced, not sorted
	e.buf.Write(b)
}

// Little-endian.
func writeUint16(b []byte, u uint16) {
	b[0] = byte(u)
	b[1] = byte(u >> 8)
}
