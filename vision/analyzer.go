package vision

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/sketchmesh/mesh"
)

// Notifier receives progress strings
type Notifier interface {
	Notify(msg string)
}

// Progress messages, in the order they are emitted
const (
	MsgDetecting = "Analyzing image... (Object Detection)"
	MsgOCR       = "Analyzing image... (OCR)"
	MsgComplete  = "Image analysis complete. Starting Blender script generation."
)

// Analysis is the outcome of one image analysis
type Analysis struct {
	Model      mesh.SketchModel
	Detections []mesh.Detection
	Fragments  []mesh.TextFragment
}

// Analyzer runs detection and OCR over an uploaded sketch and reconstructs the model
type Analyzer struct {
	Detector   Detector
	Recognizer TextRecognizer
	Notifier   Notifier
	// Parallel runs detection and OCR concurrently; the result is identical
	Parallel bool
}

// NewAnalyzer creates a sequential analyzer
func NewAnalyzer(d Detector, r TextRecognizer, n Notifier) *Analyzer {
	return &Analyzer{Detector: d, Recognizer: r, Notifier: n}
}

// Analyze decodes the image and produces a SketchModel. A detection failure is
// fatal; an OCR failure only drops the annotations.
func (a *Analyzer) Analyze(ctx context.Context, data []byte) (*Analysis, error) {
	a.notify(MsgDetecting)

	prep, err := Prepare(data)
	if err != nil {
		return nil, err
	}

	var (
		detections []mesh.Detection
		fragments  []mesh.TextFragment
	)
	if a.Parallel {
		a.notify(MsgOCR)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			detections, err = a.Detector.Detect(gctx, prep.Encoded)
			return err
		})
		g.Go(func() error {
			fragments = a.recognize(gctx, prep)
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("object detection: %w", err)
		}
	} else {
		detections, err = a.Detector.Detect(ctx, prep.Encoded)
		if err != nil {
			return nil, fmt.Errorf("object detection: %w", err)
		}
		a.notify(MsgOCR)
		fragments = a.recognize(ctx, prep)
	}

	model := mesh.Reconstruct(detections, fragments, prep.Size)
	log.Printf("[VISION] %dx%d image: %d walls, %d doors, %d windows, %d annotations",
		prep.Size.Width, prep.Size.Height,
		model.Count(mesh.ElementWall), model.Count(mesh.ElementDoor), model.Count(mesh.ElementWindow),
		len(model.Annotations))

	a.notify(MsgComplete)
	return &Analysis{Model: model, Detections: detections, Fragments: fragments}, nil
}

func (a *Analyzer) recognize(ctx context.Context, prep *Prepared) []mesh.TextFragment {
	if a.Recognizer == nil {
		return nil
	}
	fragments, err := a.Recognizer.Recognize(ctx, prep.Image)
	if err != nil {
		if errors.Is(err, ErrOCRUnavailable) {
			log.Printf("[VISION] OCR skipped: %v", err)
		} else {
			log.Printf("[VISION] OCR failed, continuing without annotations: %v", err)
		}
		return nil
	}
	return fragments
}

func (a *Analyzer) notify(msg string) {
	if a.Notifier != nil {
		a.Notifier.Notify(msg)
	}
}
