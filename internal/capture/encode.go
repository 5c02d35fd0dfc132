package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/chai2010/webp"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"golang.org/x/image/draw"
)

// Downscale shrinks img so that its long edge is at most maxEdge, keeping
// the aspect ratio. Images already within bounds are returned unchanged.
func Downscale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = maxEdge
		nh = max(1, h*maxEdge/w)
	} else {
		nh = maxEdge
		nw = max(1, w*maxEdge/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Codec encodes a frame into a compressed image.
type Codec interface {
	MIME() string
	Encode(img image.Image) ([]byte, error)
}

type WebPCodec struct{ Quality int }

func (WebPCodec) MIME() string { return "image/webp" }

func (c WebPCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(c.Quality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

type JPEGCodec struct{ Quality int }

func (JPEGCodec) MIME() string { return "image/jpeg" }

func (c JPEGCodec) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Encoder tries each codec in order and returns the first success.
type Encoder struct {
	codecs []Codec
}

func NewEncoder(codecs ...Codec) *Encoder {
	return &Encoder{codecs: codecs}
}

// EncoderFor prefers the named codec and always falls back to JPEG.
func EncoderFor(codec string, quality int) *Encoder {
	if codec == "webp" {
		return NewEncoder(WebPCodec{Quality: quality}, JPEGCodec{Quality: quality})
	}
	return NewEncoder(JPEGCodec{Quality: quality})
}

func (e *Encoder) Encode(img image.Image) (recognition.Frame, error) {
	var errs []error
	for _, c := range e.codecs {
		data, err := c.Encode(img)
		if err == nil && len(data) > 0 {
			return recognition.Frame{MIME: c.MIME(), Data: data}, nil
		}
		if err == nil {
			err = fmt.Errorf("%s produced no data", c.MIME())
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return recognition.Frame{}, errors.New("no codecs configured")
	}
	return recognition.Frame{}, errors.Join(errs...)
}
