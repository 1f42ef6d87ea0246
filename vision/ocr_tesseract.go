//go:build tesseract

package vision

import (
	"context"
	"fmt"
	"image"
	"log"

	"github.com/otiai10/gosseract/v2"

	"github.com/kwv/sketchmesh/mesh"
)

// TesseractRecognizer runs Tesseract word-level recognition through gosseract
type TesseractRecognizer struct {
	Language  string
	Threshold uint8
}

// NewTesseractRecognizer creates a recognizer for language (e.g. "eng")
func NewTesseractRecognizer(language string, threshold uint8) *TesseractRecognizer {
	if language == "" {
		language = "eng"
	}
	return &TesseractRecognizer{Language: language, Threshold: threshold}
}

func (t *TesseractRecognizer) Recognize(ctx context.Context, img image.Image) ([]mesh.TextFragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := EncodePNG(OCRImage(img, t.Threshold))
	if err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.Language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("OCR failed: %w", err)
	}

	out := make([]mesh.TextFragment, 0, len(boxes))
	for _, box := range boxes {
		out = append(out, mesh.TextFragment{
			Text:   box.Word,
			Left:   box.Box.Min.X,
			Top:    box.Box.Min.Y,
			Width:  box.Box.Dx(),
			Height: box.Box.Dy(),
		})
	}
	log.Printf("[VISION] OCR found %d words", len(out))
	return out, nil
}
