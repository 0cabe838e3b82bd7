// Package imaging reads pictures and computes their scaled views.
package imaging

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path"
	"strings"

	"github.com/juju/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageInfo describes a picture without decoding its pixels.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Info reads the dimensions and format of a picture.
func Info(r io.Reader) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return ImageInfo{}, errors.NewNotValid(err, "unreadable picture")
	}
	return ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Decode reads a picture.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.NewNotValid(err, "unreadable picture")
	}
	return img, format, nil
}

// Fit returns the size of a w x h picture scaled down so its larger side is at most maxSize.
// Pictures already small enough, or a non positive maxSize, keep their size.
func Fit(w, h, maxSize int) (int, int) {
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return w, h
	}
	if w >= h {
		nh := h * maxSize / w
		return maxSize, max(nh, 1)
	}
	nw := w * maxSize / h
	return max(nw, 1), maxSize
}

// Resize scales img down to fit in a maxSize square, keeping its ratio.
func Resize(img image.Image, maxSize int) image.Image {
	b := img.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxSize)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Crop cuts the w x h rectangle at x, y, clipped to the picture bounds.
func Crop(img image.Image, x, y, w, h int) (image.Image, error) {
	b := img.Bounds()
	r := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h).Intersect(b)
	if r.Empty() {
		return nil, errors.NotValidf("crop %dx%d at %d,%d outside %dx%d picture", w, h, x, y, b.Dx(), b.Dy())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// Encode writes img in format, which is "jpeg", "png" or "gif".
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "png":
		return errors.Trace(png.Encode(w, img))
	case "gif":
		return errors.Trace(gif.Encode(w, img, nil))
	case "jpeg", "jpg":
		return errors.Trace(jpeg.Encode(w, img, &jpeg.Options{Quality: 85}))
	}
	return errors.NotSupportedf("encoding pictures as %q", format)
}

// MimeType returns the mime type of an encoding format.
func MimeType(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "jpeg", "jpg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

func extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// encodingFor keeps lossless sources lossless; everything else is stored as JPEG.
func encodingFor(source string) string {
	switch source {
	case "png", "gif":
		return "png"
	}
	return "jpeg"
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// viewFilename is "<Title>_<base>.<ext>".
func viewFilename(title, filename, format string) string {
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	if base == "" || base == "." || base == "/" {
		base = "picture"
	}
	return title + "_" + base + "." + extension(format)
}
