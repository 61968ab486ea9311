// Package imaging prepares captured frames for facial classification.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
)

const DefaultSize = 224

// MaxDimension bounds either side of a frame accepted for decoding.
const MaxDimension = 4096

// ErrInvalidImage reports undecodable frame data.
var ErrInvalidImage = errors.New("invalid image")

// Normalizer is a deterministic, side-effect free pre-step applied to every frame.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte) ([]byte, error)
}

// Passthrough returns frames unchanged.
type Passthrough struct{}

func (Passthrough) Normalize(_ context.Context, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidImage
	}
	return raw, nil
}

// Standard resizes to a square, equalizes luminance and re-encodes as JPEG.
type Standard struct {
	Size    int
	Quality int
}

// NewStandard returns the default normalizer.
func NewStandard() Standard {
	return Standard{Size: DefaultSize, Quality: 90}
}

func (s Standard) Normalize(ctx context.Context, raw []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d exceeds %dpx limit", ErrInvalidImage, cfg.Width, cfg.Height, MaxDimension)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	size := s.Size
	if size <= 0 {
		size = DefaultSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	equalize(dst)

	quality := s.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode normalized frame: %w", err)
	}
	return out.Bytes(), nil
}

// equalize spreads the luminance histogram across the full range, scaling
// each channel by the same factor so hue is kept.
func equalize(img *image.RGBA) {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return
	}

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[luma(img.RGBAAt(x, y))]++
		}
	}

	var lut [256]uint8
	cdfMin, cum := 0, 0
	for i := 0; i < 256; i++ {
		if hist[i] > 0 {
			cdfMin = hist[i]
			break
		}
	}
	if total == cdfMin {
		return
	}
	for i := 0; i < 256; i++ {
		cum += hist[i]
		v := (cum - cdfMin) * 255 / (total - cdfMin)
		if v < 0 {
			v = 0
		}
		lut[i] = uint8(v)
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			l := luma(c)
			if l == 0 {
				v := lut[0]
				img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: c.A})
				continue
			}
			scale := float64(lut[l]) / float64(l)
			img.SetRGBA(x, y, color.RGBA{R: clamp8(float64(c.R) * scale), G: clamp8(float64(c.G) * scale), B: clamp8(float64(c.B) * scale), A: c.A})
		}
	}
}

func luma(c color.RGBA) uint8 {
	return uint8((299*int(c.R) + 587*int(c.G) + 114*int(c.B)) / 1000)
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// DecodeDataURL accepts raw base64 or a browser data URL and returns the bytes
// plus the declared content type.
func DecodeDataURL(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	contentType := "image/jpeg"
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: malformed data url", ErrInvalidImage)
		}
		meta := payload[len("data:"):comma]
		if semi := strings.IndexByte(meta, ';'); semi >= 0 {
			meta = meta[:semi]
		}
		if meta != "" {
			contentType = meta
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return data, contentType, nil
}
