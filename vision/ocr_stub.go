//go:build !tesseract

package vision

import (
	"context"
	"image"

	"github.com/kwv/sketchmesh/mesh"
)

// TesseractRecognizer is a placeholder in builds without the tesseract tag
type TesseractRecognizer struct {
	Language  string
	Threshold uint8
}

// NewTesseractRecognizer creates a recognizer that always reports ErrOCRUnavailable
func NewTesseractRecognizer(language string, threshold uint8) *TesseractRecognizer {
	return &TesseractRecognizer{Language: language, Threshold: threshold}
}

func (t *TesseractRecognizer) Recognize(context.Context, image.Image) ([]mesh.TextFragment, error) {
	return nil, ErrOCRUnavailable
}
