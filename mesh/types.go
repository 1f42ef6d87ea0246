package mesh

import (
	"encoding/json"
	"fmt"
)

// ElementType tags the variant carried by an Element
type ElementType string

const (
	ElementWall   ElementType = "wall"
	ElementDoor   ElementType = "door"
	ElementWindow ElementType = "window"
)

// IsOpening returns true for doors and windows
func (t ElementType) IsOpening() bool {
	return t == ElementDoor || t == ElementWindow
}

// Point represents a 2D coordinate in plan units (detector pixels / PlanScale, Y-up).
// It serializes as a two-item JSON array [x, y].
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y]
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a [x, y] array
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy []float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(xy) != 2 {
		return fmt.Errorf("point: expected 2 coordinates, got %d", len(xy))
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// ImageSize is the source image size in pixels. It serializes as [width, height].
type ImageSize struct {
	Width  int
	Height int
}

// MarshalJSON encodes the size as [w, h]
func (s ImageSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Width, s.Height})
}

// UnmarshalJSON decodes a [w, h] array
func (s *ImageSize) UnmarshalJSON(data []byte) error {
	var wh []int
	if err := json.Unmarshal(data, &wh); err != nil {
		return fmt.Errorf("image_size: %w", err)
	}
	if len(wh) != 2 {
		return fmt.Errorf("image_size: expected 2 values, got %d", len(wh))
	}
	s.Width, s.Height = wh[0], wh[1]
	return nil
}

// Element is a wall, door or window in the reconstructed plan.
// Walls use Start/End; doors and windows use Position/Size.
type Element struct {
	Type     ElementType
	Start    Point
	End      Point
	Position Point
	Size     float64
}

// NewWall creates a wall element
func NewWall(start, end Point) Element {
	return Element{Type: ElementWall, Start: start, End: end}
}

// NewOpening creates a door or window element
func NewOpening(t ElementType, position Point, size float64) Element {
	return Element{Type: t, Position: position, Size: size}
}

type wallJSON struct {
	Type  ElementType `json:"type"`
	Start Point       `json:"start"`
	End   Point       `json:"end"`
}

type openingJSON struct {
	Type     ElementType `json:"type"`
	Position Point       `json:"position"`
	Size     float64     `json:"size"`
}

// MarshalJSON writes only the fields of the element's variant
func (e Element) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case ElementWall:
		return json.Marshal(wallJSON{Type: e.Type, Start: e.Start, End: e.End})
	case ElementDoor, ElementWindow:
		return json.Marshal(openingJSON{Type: e.Type, Position: e.Position, Size: e.Size})
	default:
		return nil, fmt.Errorf("element: unknown type %q", e.Type)
	}
}

// UnmarshalJSON reads a tagged element
func (e *Element) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type ElementType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("element: %w", err)
	}

	switch probe.Type {
	case ElementWall:
		var w wallJSON
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("wall: %w", err)
		}
		*e = NewWall(w.Start, w.End)
	case ElementDoor, ElementWindow:
		var o openingJSON
		if err := json.Unmarshal(data, &o); err != nil {
			return fmt.Errorf("%s: %w", probe.Type, err)
		}
		*e = NewOpening(probe.Type, o.Position, o.Size)
	default:
		return fmt.Errorf("element: unknown type %q", probe.Type)
	}
	return nil
}

// Annotation is free text found on the sketch. It is advisory and never drives geometry.
type Annotation struct {
	Text     string `json:"text"`
	Position Point  `json:"position"`
}

// SketchModel is the interchange artifact between image analysis and script synthesis
type SketchModel struct {
	Elements    []Element    `json:"elements"`
	Annotations []Annotation `json:"annotations"`
	ImageSize   ImageSize    `json:"image_size"`
}

// sketchModelJSON has the same fields as SketchModel without its methods
type sketchModelJSON SketchModel

// MarshalJSON always emits arrays for elements and annotations, never null
func (m SketchModel) MarshalJSON() ([]byte, error) {
	out := sketchModelJSON(m)
	if out.Elements == nil {
		out.Elements = []Element{}
	}
	if out.Annotations == nil {
		out.Annotations = []Annotation{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the model, normalizing missing sequences to empty slices
func (m *SketchModel) UnmarshalJSON(data []byte) error {
	var in sketchModelJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Elements == nil {
		in.Elements = []Element{}
	}
	if in.Annotations == nil {
		in.Annotations = []Annotation{}
	}
	*m = SketchModel(in)
	return nil
}

// Walls returns the wall elements in model order
func (m SketchModel) Walls() []Element {
	walls := make([]Element, 0, len(m.Elements))
	for _, e := range m.Elements {
		if e.Type == ElementWall {
			walls = append(walls, e)
		}
	}
	return walls
}

// Count returns the number of elements of the given type
func (m SketchModel) Count(t ElementType) int {
	n := 0
	for _, e := range m.Elements {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Config represents the full configuration file
type Config struct {
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	OCR       OCRConfig       `yaml:"ocr" json:"ocr"`
	Generator GeneratorConfig `yaml:"generator" json:"generator"`
	Openings  OpeningsConfig  `yaml:"openings" json:"openings"`
	Vision    VisionConfig    `yaml:"vision" json:"vision"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Preview   PreviewConfig   `yaml:"preview" json:"preview"`
}

// DetectionConfig holds the object-detection service settings
type DetectionConfig struct {
	APIURL         string `yaml:"apiUrl" json:"apiUrl"`
	ModelID        string `yaml:"modelId" json:"modelId"`
	APIKey         string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	MaxRetries     int    `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// OCRConfig holds text recognition settings
type OCRConfig struct {
	Language  string `yaml:"language" json:"language"`
	Threshold uint8  `yaml:"threshold,omitempty" json:"threshold,omitempty"` // binarization cutoff (0-255)
	Disabled  bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// GeneratorConfig holds code generation settings
type GeneratorConfig struct {
	Provider             string  `yaml:"provider" json:"provider"` // "ollama" or "gemini"
	Host                 string  `yaml:"host" json:"host"`
	Model                string  `yaml:"model" json:"model"`
	ReviseModel          string  `yaml:"reviseModel" json:"reviseModel"`
	Temperature          float64 `yaml:"temperature" json:"temperature"`
	MaxRetries           int     `yaml:"maxRetries" json:"maxRetries"`
	TimeoutSeconds       int     `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	ReviseTimeoutSeconds int     `yaml:"reviseTimeoutSeconds,omitempty" json:"reviseTimeoutSeconds,omitempty"`
	APIKey               string  `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	Python               string  `yaml:"python,omitempty" json:"python,omitempty"` // interpreter for ast.parse checks; empty disables
}

// OpeningsConfig selects how door/window cutters are sized
type OpeningsConfig struct {
	UseDetectedSize bool `yaml:"useDetectedSize,omitempty" json:"useDetectedSize,omitempty"`
}

// VisionConfig tunes the analysis pipeline
type VisionConfig struct {
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// StoreConfig locates the run history database
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// PreviewConfig holds hex colors for the plan preview
type PreviewConfig struct {
	WallColor       string `yaml:"wallColor,omitempty" json:"wallColor,omitempty"`
	DoorColor       string `yaml:"doorColor,omitempty" json:"doorColor,omitempty"`
	WindowColor     string `yaml:"windowColor,omitempty" json:"windowColor,omitempty"`
	AnnotationColor string `yaml:"annotationColor,omitempty" json:"annotationColor,omitempty"`
}
