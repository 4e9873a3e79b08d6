// Package codec decodes input images and re-encodes redacted copies in the same
// container format.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 90

// ErrUnsupportedFormat is returned for formats that cannot be encoded.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Decode reads an image and reports its registered format name
// ("jpeg", "png", "gif", "bmp", "tiff" or "webp").
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(data []byte) (image.Image, string, error) {
	return Decode(bytes.NewReader(data))
}

// OutputFormat maps an input format to the format its redacted copy is written in.
// WebP has no encoder available and falls back to lossless PNG.
func OutputFormat(format string) string {
	switch f := strings.ToLower(format); f {
	case "webp":
		return "png"
	case "jpg":
		return "jpeg"
	case "tif":
		return "tiff"
	default:
		return f
	}
}

// Extension returns the file extension (with dot) for an output format.
func Extension(format string) string {
	switch OutputFormat(format) {
	case "jpeg":
		return ".jpg"
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	case "bmp":
		return ".bmp"
	case "tiff":
		return ".tiff"
	default:
		return ""
	}
}

// Encode writes img in the given format. quality applies to JPEG only; values
// outside 1..100 select DefaultQuality.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	switch OutputFormat(format) {
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "png":
		return png.Encode(w, img)
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// EncodeBytes is Encode into a new byte slice.
func EncodeBytes(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
