package mesh

import (
	"log"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Scene constants shared with the generated script preamble
const (
	WallHeight    = 2.5
	WallThickness = 0.5
)

// orbPoint converts a plan point to an orb.Point
func orbPoint(p Point) orb.Point {
	return orb.Point{p.X, p.Y}
}

// WallMidpoint returns the reference point of a wall: its segment midpoint.
// This is also where the generated script places the wall object.
func WallMidpoint(w Element) Point {
	return Point{X: (w.Start.X + w.End.X) / 2, Y: (w.Start.Y + w.End.Y) / 2}
}

// WallLength returns the wall segment length
func WallLength(w Element) float64 {
	return planar.Distance(orbPoint(w.Start), orbPoint(w.End))
}

// WallAngle returns the wall rotation about Z in radians
func WallAngle(w Element) float64 {
	return math.Atan2(w.End.Y-w.Start.Y, w.End.X-w.Start.X)
}

// ClosestWall returns the index of the wall whose midpoint is nearest to position.
// Ties go to the earliest wall. ok is false when walls is empty.
func ClosestWall(position Point, walls []Element) (index int, ok bool) {
	index = -1
	minDist := math.Inf(1)
	target := orbPoint(position)

	for i, w := range walls {
		dist := planar.Distance(target, orbPoint(WallMidpoint(w)))
		if dist < minDist {
			minDist = dist
			index = i
		}
	}
	return index, index >= 0
}

// OpeningSize is a cutter footprint: width along the wall and height along Z
type OpeningSize struct {
	Width   float64
	Height  float64
	CenterZ float64
}

// OpeningPolicy fixes the real-world cutter dimensions for doors and windows
type OpeningPolicy struct {
	Door   OpeningSize
	Window OpeningSize
	// Depth is the cutter thickness across the wall
	Depth float64
	// UseDetectedSize replaces the fixed width with the element's detected size
	UseDetectedSize bool
}

// DefaultOpeningPolicy returns the 0.9x2.1 door and 1.2x1.2 window policy
func DefaultOpeningPolicy() OpeningPolicy {
	return OpeningPolicy{
		Door:   OpeningSize{Width: 0.9, Height: 2.1, CenterZ: 1.05},
		Window: OpeningSize{Width: 1.2, Height: 1.2, CenterZ: 1.5},
		Depth:  WallThickness * 2,
	}
}

// Vec3 is a 3D coordinate or extent
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Opening is a boolean-difference cutter placed on its host wall
type Opening struct {
	Type        ElementType `json:"type"`
	Element     int         `json:"element"`  // index into SketchModel.Elements
	Wall        int         `json:"wall"`     // index into SketchModel.Elements of the host wall
	Location    Vec3        `json:"location"` // cutter centre
	Dimensions  Vec3        `json:"dimensions"`
	RotationZ   float64     `json:"rotationZ"` // radians, copied from the host wall
	DetectedFit bool        `json:"detectedFit"`
}

// PlanOpenings associates every door and window with its nearest wall and
// computes the cutter that will be subtracted from that wall.
// Openings with no wall to host them are skipped.
func PlanOpenings(model SketchModel, policy OpeningPolicy) []Opening {
	var wallIdx []int
	var walls []Element
	for i, e := range model.Elements {
		if e.Type == ElementWall {
			wallIdx = append(wallIdx, i)
			walls = append(walls, e)
		}
	}

	openings := make([]Opening, 0)
	for i, e := range model.Elements {
		if !e.Type.IsOpening() {
			continue
		}
		w, ok := ClosestWall(e.Position, walls)
		if !ok {
			log.Printf("[GEOMETRY] %s %d at (%.2f, %.2f): no wall to host opening, skipped", e.Type, i, e.Position.X, e.Position.Y)
			continue
		}

		size := policy.Door
		if e.Type == ElementWindow {
			size = policy.Window
		}
		width := size.Width
		if policy.UseDetectedSize && e.Size > 0 {
			width = e.Size
		}

		openings = append(openings, Opening{
			Type:        e.Type,
			Element:     i,
			Wall:        wallIdx[w],
			Location:    Vec3{X: e.Position.X, Y: e.Position.Y, Z: size.CenterZ},
			Dimensions:  Vec3{X: width, Y: policy.Depth, Z: size.Height},
			RotationZ:   WallAngle(walls[w]),
			DetectedFit: policy.UseDetectedSize && e.Size > 0,
		})
	}
	return openings
}

// PlanBounds returns the bounding box of every wall endpoint, opening and annotation
func PlanBounds(model SketchModel) orb.Bound {
	var mp orb.MultiPoint
	for _, e := range model.Elements {
		if e.Type == ElementWall {
			mp = append(mp, orbPoint(e.Start), orbPoint(e.End))
		} else {
			mp = append(mp, orbPoint(e.Position))
		}
	}
	for _, a := range model.Annotations {
		mp = append(mp, orbPoint(a.Position))
	}
	if len(mp) == 0 {
		w := float64(model.ImageSize.Width) / PlanScale
		h := float64(model.ImageSize.Height) / PlanScale
		return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{w, h}}
	}
	return mp.Bound()
}
