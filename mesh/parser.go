package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// SketchFileName is the file the generated script preamble reads at runtime
const SketchFileName = "sketch.json"

// ParseSketchFile reads and parses a sketch JSON file
func ParseSketchFile(path string) (SketchModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SketchModel{}, fmt.Errorf("reading file: %w", err)
	}
	return ParseSketchJSON(data)
}

// ParseSketchJSON parses sketch JSON data
func ParseSketchJSON(data []byte) (SketchModel, error) {
	var m SketchModel
	if err := json.Unmarshal(data, &m); err != nil {
		return SketchModel{}, fmt.Errorf("parsing JSON: %w", err)
	}
	return m, nil
}

// EncodeSketch serializes the model with 4-space indentation
func EncodeSketch(m SketchModel) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding sketch: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveSketchFile writes the model where the generated script expects it
func SaveSketchFile(path string, m SketchModel) error {
	data, err := EncodeSketch(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing sketch file: %w", err)
	}
	return nil
}

// SketchSummary provides a summary of model contents
type SketchSummary struct {
	ImageSize   ImageSize
	Walls       int
	Doors       int
	Windows     int
	Annotations []string
	TotalLength float64 // summed wall length in plan units
	WallGroups  int     // connected wall runs
}

// Summarize extracts key counts from a model
func Summarize(m SketchModel) SketchSummary {
	s := SketchSummary{
		ImageSize: m.ImageSize,
		Walls:     m.Count(ElementWall),
		Doors:     m.Count(ElementDoor),
		Windows:   m.Count(ElementWindow),
	}
	walls := m.Walls()
	for _, w := range walls {
		s.TotalLength += WallLength(w)
	}
	s.WallGroups = len(WallGroups(walls, JoinTolerance))
	for _, a := range m.Annotations {
		s.Annotations = append(s.Annotations, a.Text)
	}
	return s
}
