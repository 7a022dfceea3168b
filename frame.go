package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
)

// Disposal tells a decoder what to do with the canvas before the next frame.
type Disposal int

const (
	// DisposalUnspecified lets the encoder choose: no action, or restore to
	// background when the frame has a transparent colour.
	DisposalUnspecified Disposal = iota
	DisposalNone                 // leave the frame in place
	DisposalBackground           // restore to background colour
	DisposalPrevious             // restore to previous content
)

var disposalNames = [...]string{"unspecified", "none", "background", "previous"}

func (d Disposal) String() string {
	if d >= 0 && int(d) < len(disposalNames) {
		return disposalNames[d]
	}
	return fmt.Sprintf("Disposal(%d)", int(d))
}

// ParseDisposal accepts the names printed by Disposal.String.
func ParseDisposal(s string) (Disposal, error) {
	for i, n := range disposalNames {
		if strings.EqualFold(s, n) {
			return Disposal(i), nil
		}
	}
	return DisposalUnspecified, fmt.Errorf("unknown disposal %q", s)
}

// maxDim bounds every size, offset and delay: GIF stores them as
// unsigned 16-bit fields.
const maxDim = 0xFFFF

var (
	errNilFrame    = errors.New("nil frame")
	errFrameSize   = errors.New("frame size out of range 1-65535")
	errFrameOffset = errors.New("frame offset out of range 0-65535")
	errFrameDelay  = errors.New("frame delay out of range 0-65535")
)

// Frame is one picture of the animation. Pix holds 3 bytes per pixel in
// B, G, R order, row by row. The encoder only reads a Frame.
type Frame struct {
	Width  int
	Height int
	Pix    []byte

	Delay       int         // hundredths of a second
	Disposal    Disposal
	Transparent color.Color // nil: no transparent colour
	X, Y        int         // offset on the canvas
}

// NewFrame copies img into a new Frame. Alpha is dropped; per-frame settings
// are left at their zero values.
func NewFrame(img image.Image) *Frame {
	b := img.Bounds()
	return &Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    imageToBGR(img, nil),
	}
}

func (f *Frame) validate() error {
	if f.Width < 1 || f.Height < 1 || f.Width > maxDim || f.Height > maxDim {
		return fmt.Errorf("%w: %dx%d", errFrameSize, f.Width, f.Height)
	}
	if f.X < 0 || f.Y < 0 || f.X > maxDim || f.Y > maxDim {
		return fmt.Errorf("%w: %d,%d", errFrameOffset, f.X, f.Y)
	}
	if f.Delay < 0 || f.Delay > maxDim {
		return fmt.Errorf("%w: %d", errFrameDelay, f.Delay)
	}
	if want := 3 * f.Width * f.Height; len(f.Pix) != want {
		return fmt.Errorf("pixel buffer holds %d bytes, want %d for %dx%d", len(f.Pix), want, f.Width, f.Height)
	}
	return nil
}

// imageToBGR writes the pixels of img into dst (grown as needed) in B, G, R
// order. Alpha is dropped after un-premultiplying, so a colour comes out the
// same whichever image type holds it. RGBA and NRGBA images take a direct
// path.
func imageToBGR(img image.Image, dst []byte) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst = growBytes(dst, 3*w*h)

	switch src := img.(type) {
	case *image.RGBA:
		rgbaPixToBGR(src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y), w, h, dst, true)
	case *image.NRGBA:
		rgbaPixToBGR(src.Pix, src.Stride, src.PixOffset(b.Min.X, b.Min.Y), w, h, dst, false)
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				dst[i] = c.B
				dst[i+1] = c.G
				dst[i+2] = c.R
				i += 3
			}
		}
	}
	return dst
}

func rgbaPixToBGR(pix []byte, stride, off, w, h int, dst []byte, premul bool) {
	i := 0
	for y := 0; y < h; y++ {
		row := pix[off+y*stride : off+y*stride+4*w]
		for x := 0; x < 4*w; x += 4 {
			r, g, b, a := row[x], row[x+1], row[x+2], row[x+3]
			if premul && a != 0xff {
				r, g, b = unpremul(r, a), unpremul(g, a), unpremul(b, a)
			}
			dst[i] = b
			dst[i+1] = g
			dst[i+2] = r
			i += 3
		}
	}
}

// unpremul matches color.NRGBAModel on an 8-bit premultiplied channel.
func unpremul(v, a uint8) uint8 {
	if a == 0 {
		return 0
	}
	return uint8((uint32(v) * 0xffff / uint32(a)) >> 8)
}

// bgrToRGBA expands BGR pixels into an opaque RGBA image, reusing dst when
// it already has the right size.
func bgrToRGBA(pix []byte, w, h int, dst *image.RGBA) *image.RGBA {
	dst = ensureRGBA(dst, w, h)
	for i, j := 0, 0; i < len(pix); i, j = i+3, j+4 {
		dst.Pix[j] = pix[i+2]
		dst.Pix[j+1] = pix[i+1]
		dst.Pix[j+2] = pix[i]
		dst.Pix[j+3] = 0xff
	}
	return dst
}

func ensureRGBA(m *image.RGBA, w, h int) *image.RGBA {
	if m != nil && m.Rect.Dx() == w && m.Rect.Dy() == h {
		return m
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}
