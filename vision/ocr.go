package vision

import (
	"context"
	"errors"
	"image"

	"github.com/kwv/sketchmesh/mesh"
)

// ErrOCRUnavailable is returned by recognizers that were not compiled in
var ErrOCRUnavailable = errors.New("ocr engine not available in this build (rebuild with -tags tesseract)")

// TextRecognizer extracts word fragments with pixel boxes (origin top-left)
type TextRecognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]mesh.TextFragment, error)
}

// StaticRecognizer returns a fixed set of fragments. It backs ocr.disabled runs
// and tests.
type StaticRecognizer []mesh.TextFragment

func (s StaticRecognizer) Recognize(context.Context, image.Image) ([]mesh.TextFragment, error) {
	out := make([]mesh.TextFragment, len(s))
	copy(out, s)
	return out, nil
}
