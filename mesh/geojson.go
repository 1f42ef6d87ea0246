package mesh

import (
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint      GeometryType = "Point"
	GeometryLineString GeometryType = "LineString"
	GeometryPolygon    GeometryType = "Polygon"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	ID         interface{}            `json:"id,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// pointGeometry converts an orb.Point to a GeoJSON Point
func pointGeometry(p orb.Point) *Geometry {
	coordsJSON, _ := json.Marshal([2]float64{p[0], p[1]})
	return &Geometry{Type: GeometryPoint, Coordinates: coordsJSON}
}

// lineStringGeometry converts an orb.LineString to a GeoJSON LineString
func lineStringGeometry(ls orb.LineString) *Geometry {
	coords := make([][2]float64, len(ls))
	for i, p := range ls {
		coords[i] = [2]float64{p[0], p[1]}
	}
	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{Type: GeometryLineString, Coordinates: coordsJSON}
}

// polygonGeometry converts an orb.Ring to a closed GeoJSON Polygon
func polygonGeometry(ring orb.Ring) *Geometry {
	coords := make([][2]float64, 0, len(ring)+1)
	for _, p := range ring {
		coords = append(coords, [2]float64{p[0], p[1]})
	}
	if len(coords) > 0 && coords[0] != coords[len(coords)-1] {
		coords = append(coords, coords[0])
	}
	coordsJSON, _ := json.Marshal([][][2]float64{coords})
	return &Geometry{Type: GeometryPolygon, Coordinates: coordsJSON}
}

// cutterFootprint returns the plan-view rectangle of an opening cutter,
// rotated to its host wall
func cutterFootprint(o Opening) orb.Ring {
	hw, hd := o.Dimensions.X/2, o.Dimensions.Y/2
	corners := [4][2]float64{{-hw, -hd}, {hw, -hd}, {hw, hd}, {-hw, hd}}

	sin, cos := math.Sincos(o.RotationZ)
	ring := make(orb.Ring, 0, 4)
	for _, c := range corners {
		ring = append(ring, orb.Point{
			o.Location.X + c[0]*cos - c[1]*sin,
			o.Location.Y + c[0]*sin + c[1]*cos,
		})
	}
	return ring
}

// SketchToGeoJSON exports walls as LineStrings, openings as cutter Polygons
// (plus their detected position as Points when unhosted) and annotations as Points.
// Coordinates are plan units, Y-up.
func SketchToGeoJSON(m SketchModel, policy OpeningPolicy) *FeatureCollection {
	fc := NewFeatureCollection()

	hosted := make(map[int]Opening)
	for _, o := range PlanOpenings(m, policy) {
		hosted[o.Element] = o
	}

	for i, e := range m.Elements {
		switch e.Type {
		case ElementWall:
			f := NewFeature(lineStringGeometry(orb.LineString{orbPoint(e.Start), orbPoint(e.End)}), map[string]interface{}{
				"kind":   string(ElementWall),
				"length": WallLength(e),
				"angle":  WallAngle(e),
			})
			f.ID = i
			fc.AddFeature(f)
		case ElementDoor, ElementWindow:
			props := map[string]interface{}{
				"kind": string(e.Type),
				"size": e.Size,
			}
			var f *Feature
			if o, ok := hosted[i]; ok {
				props["hostWall"] = o.Wall
				props["sillZ"] = o.Location.Z - o.Dimensions.Z/2
				props["height"] = o.Dimensions.Z
				f = NewFeature(polygonGeometry(cutterFootprint(o)), props)
			} else {
				props["hostWall"] = nil
				f = NewFeature(pointGeometry(orbPoint(e.Position)), props)
			}
			f.ID = i
			fc.AddFeature(f)
		}
	}

	for _, a := range m.Annotations {
		fc.AddFeature(NewFeature(pointGeometry(orbPoint(a.Position)), map[string]interface{}{
			"kind": "annotation",
			"text": a.Text,
		}))
	}

	return fc
}
