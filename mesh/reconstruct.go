package mesh

import (
	"log"
	"strings"
)

// PlanScale converts detector pixels to plan units
const PlanScale = 10.0

// Detection is one classified bounding box from the object detector.
// X and Y are the box centre in pixels with the origin at top-left.
type Detection struct {
	Class  string  `json:"class"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// TextFragment is one recognized word with its pixel box (origin top-left)
type TextFragment struct {
	Text   string `json:"text"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// planFrame maps detector pixel space into the Y-up plan frame
type planFrame struct {
	top float64 // image height in plan units
}

func newPlanFrame(size ImageSize) planFrame {
	return planFrame{top: float64(size.Height) / PlanScale}
}

func (f planFrame) point(x, y float64) Point {
	return Point{X: x / PlanScale, Y: f.top - y/PlanScale}
}

// Reconstruct converts raw detections and OCR fragments into a SketchModel.
//
// Wall orientation follows the box aspect: wider than tall is horizontal,
// taller than wide is vertical. A square box has no recoverable orientation;
// it becomes a diagonal from the lower-left to the upper-right corner and a
// warning is logged. Zero-length walls are skipped.
func Reconstruct(detections []Detection, fragments []TextFragment, size ImageSize) SketchModel {
	frame := newPlanFrame(size)

	model := SketchModel{
		Elements:    make([]Element, 0, len(detections)),
		Annotations: make([]Annotation, 0),
		ImageSize:   size,
	}

	for i, d := range detections {
		center := frame.point(d.X, d.Y)
		w := d.Width / PlanScale
		h := d.Height / PlanScale

		switch ElementType(strings.ToLower(strings.TrimSpace(d.Class))) {
		case ElementWall:
			wall, ok := wallFromBox(center, w, h)
			if !ok {
				log.Printf("[GEOMETRY] detection %d: zero-length wall at (%.2f, %.2f), skipped", i, center.X, center.Y)
				continue
			}
			if w == h {
				log.Printf("[GEOMETRY] detection %d: square wall box %.2fx%.2f, using diagonal fallback", i, w, h)
			}
			model.Elements = append(model.Elements, wall)
		case ElementDoor:
			model.Elements = append(model.Elements, NewOpening(ElementDoor, center, max(w, h)))
		case ElementWindow:
			model.Elements = append(model.Elements, NewOpening(ElementWindow, center, max(w, h)))
		}
	}

	for _, f := range fragments {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		cx := f.Left + f.Width/2
		cy := f.Top + f.Height/2
		model.Annotations = append(model.Annotations, Annotation{
			Text:     text,
			Position: frame.point(float64(cx), float64(cy)),
		})
	}

	return model
}

// wallFromBox builds a wall segment from a scaled box centre and extents
func wallFromBox(c Point, w, h float64) (Element, bool) {
	var start, end Point
	switch {
	case w > h:
		start = Point{X: c.X - w/2, Y: c.Y}
		end = Point{X: c.X + w/2, Y: c.Y}
	case h > w:
		start = Point{X: c.X, Y: c.Y - h/2}
		end = Point{X: c.X, Y: c.Y + h/2}
	default:
		start = Point{X: c.X - w/2, Y: c.Y - h/2}
		end = Point{X: c.X + w/2, Y: c.Y + h/2}
	}
	if start == end {
		return Element{}, false
	}
	return NewWall(start, end), true
}
