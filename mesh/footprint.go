package mesh

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// JoinTolerance is how close two wall endpoints must be, in plan units, for
// the walls to count as connected
const JoinTolerance = WallThickness

// WallFootprint returns the plan-view rectangle a wall occupies once extruded
// to WallThickness. Returns nil for zero-length walls.
func WallFootprint(w Element) orb.Ring {
	p0, p1 := orbPoint(w.Start), orbPoint(w.End)
	length := planar.Distance(p0, p1)
	if length == 0 {
		return nil
	}

	half := WallThickness / 2
	nx := -(p1[1] - p0[1]) / length * half
	ny := (p1[0] - p0[0]) / length * half

	return orb.Ring{
		{p0[0] + nx, p0[1] + ny},
		{p1[0] + nx, p1[1] + ny},
		{p1[0] - nx, p1[1] - ny},
		{p0[0] - nx, p0[1] - ny},
		{p0[0] + nx, p0[1] + ny},
	}
}

// WallGroups partitions walls into connected groups. Two walls join when any
// endpoint of one lies within tolerance of an endpoint of the other; the
// relation is transitive. Groups hold indices into walls, each group sorted
// ascending, largest group first.
func WallGroups(walls []Element, tolerance float64) [][]int {
	if len(walls) == 0 {
		return nil
	}

	uf := newUnionFind(len(walls))
	for i := 0; i < len(walls); i++ {
		for j := i + 1; j < len(walls); j++ {
			if endpointsTouch(walls[i], walls[j], tolerance) {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	for i := range walls {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], i)
	}

	groups := make([][]int, 0, len(byRoot))
	for _, g := range byRoot {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i]) != len(groups[j]) {
			return len(groups[i]) > len(groups[j])
		}
		return groups[i][0] < groups[j][0]
	})
	return groups
}

func endpointsTouch(a, b Element, tolerance float64) bool {
	for _, p := range []Point{a.Start, a.End} {
		for _, q := range []Point{b.Start, b.End} {
			if planar.Distance(orbPoint(p), orbPoint(q)) <= tolerance {
				return true
			}
		}
	}
	return false
}

// GroupOutline returns the closed convex outline enclosing every wall
// footprint in the group, with near-collinear vertices dropped.
// Returns nil when the walls have no area.
func GroupOutline(walls []Element) orb.Ring {
	var points []orb.Point
	for _, w := range walls {
		fp := WallFootprint(w)
		if len(fp) > 0 {
			points = append(points, fp[:len(fp)-1]...)
		}
	}
	if len(points) < 3 {
		return nil
	}

	hull := convexHull(points)
	if len(hull) < 3 {
		return nil
	}
	ring := append(orb.Ring(hull), hull[0])

	if simplified := simplify.DouglasPeucker(1e-6).Ring(ring.Clone()); len(simplified) >= 4 {
		ring = simplified
	}
	return ring
}

// FootprintFeatures returns one Polygon feature per connected wall group.
// Properties carry the member wall element indices and the outline area.
func FootprintFeatures(m SketchModel) []*Feature {
	var walls []Element
	var elementIdx []int
	for i, e := range m.Elements {
		if e.Type == ElementWall {
			walls = append(walls, e)
			elementIdx = append(elementIdx, i)
		}
	}

	features := make([]*Feature, 0)
	for n, group := range WallGroups(walls, JoinTolerance) {
		members := make([]Element, 0, len(group))
		ids := make([]int, 0, len(group))
		for _, idx := range group {
			members = append(members, walls[idx])
			ids = append(ids, elementIdx[idx])
		}

		outline := GroupOutline(members)
		if outline == nil {
			continue
		}
		features = append(features, NewFeature(polygonGeometry(outline), map[string]interface{}{
			"kind":  "wallGroup",
			"group": n,
			"walls": ids,
			"area":  planar.Area(orb.Polygon{outline}),
		}))
	}
	return features
}

// unionFind implements a disjoint-set data structure with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

// convexHull computes the convex hull of a set of 2D points using
// Andrew's monotone chain. Points come back counter-clockwise, not closed.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	return hull[:len(hull)-1]
}
