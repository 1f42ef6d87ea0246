package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"

	"github.com/kwv/sketchmesh/mesh"
)

// ErrInvalidImage is returned for uploads that are empty or not a decodable image
var ErrInvalidImage = errors.New("invalid image")

// Prepared is an uploaded sketch decoded and oriented for analysis
type Prepared struct {
	Image  image.Image
	Size   mesh.ImageSize
	Format imaging.Format
	// Encoded is the oriented image in its original format; it is what the
	// detector sees, so detector pixel space matches Size.
	Encoded []byte
}

// Prepare decodes an upload, applies its EXIF orientation and re-encodes it
func Prepare(data []byte) (*Prepared, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: image is empty", ErrInvalidImage)
	}

	_, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		format = imaging.PNG
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrInvalidImage, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}

	b := img.Bounds()
	return &Prepared{
		Image:   img,
		Size:    mesh.ImageSize{Width: b.Dx(), Height: b.Dy()},
		Format:  format,
		Encoded: buf.Bytes(),
	}, nil
}

// OCRImage flattens transparency onto white, converts to grayscale and, for a
// non-zero threshold, binarizes. Pencil sketches on photographed paper read far
// better after binarization.
func OCRImage(img image.Image, threshold uint8) image.Image {
	b := img.Bounds()
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	gray := effect.Grayscale(flat)
	if threshold == 0 {
		return gray
	}
	return segment.Threshold(gray, threshold)
}

// EncodePNG encodes img as PNG
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
