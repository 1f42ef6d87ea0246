package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstruct_CoordinateFrame(t *testing.T) {
	m := Reconstruct([]Detection{{Class: "door", X: 500, Y: 200, Width: 20, Height: 8}}, nil, ImageSize{Width: 1000, Height: 1000})

	require.Len(t, m.Elements, 1)
	door := m.Elements[0]
	assert.Equal(t, ElementDoor, door.Type)
	assert.InDelta(t, 50.0, door.Position.X, 1e-9)
	assert.InDelta(t, 80.0, door.Position.Y, 1e-9)
	assert.InDelta(t, 2.0, door.Size, 1e-9)
}

func TestReconstruct_WallOrientation(t *testing.T) {
	size := ImageSize{Width: 200, Height: 100}
	tests := []struct {
		name      string
		det       Detection
		wantStart Point
		wantEnd   Point
	}{
		{
			name:      "horizontal",
			det:       Detection{Class: "wall", X: 100, Y: 50, Width: 40, Height: 4},
			wantStart: Point{X: 8, Y: 5},
			wantEnd:   Point{X: 12, Y: 5},
		},
		{
			name:      "vertical",
			det:       Detection{Class: "wall", X: 100, Y: 50, Width: 4, Height: 40},
			wantStart: Point{X: 10, Y: 3},
			wantEnd:   Point{X: 10, Y: 7},
		},
		{
			name:      "square falls back to diagonal",
			det:       Detection{Class: "wall", X: 100, Y: 50, Width: 10, Height: 10},
			wantStart: Point{X: 9.5, Y: 4.5},
			wantEnd:   Point{X: 10.5, Y: 5.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Reconstruct([]Detection{tt.det}, nil, size)
			require.Len(t, m.Elements, 1)
			w := m.Elements[0]
			assert.Equal(t, ElementWall, w.Type)
			assert.InDelta(t, tt.wantStart.X, w.Start.X, 1e-9)
			assert.InDelta(t, tt.wantStart.Y, w.Start.Y, 1e-9)
			assert.InDelta(t, tt.wantEnd.X, w.End.X, 1e-9)
			assert.InDelta(t, tt.wantEnd.Y, w.End.Y, 1e-9)
		})
	}
}

func TestReconstruct_SkipsZeroLengthAndUnknown(t *testing.T) {
	dets := []Detection{
		{Class: "wall", X: 10, Y: 10, Width: 0, Height: 0},
		{Class: "stairs", X: 10, Y: 10, Width: 5, Height: 5},
		{Class: " Window ", X: 10, Y: 10, Width: 5, Height: 12},
	}
	m := Reconstruct(dets, nil, ImageSize{Width: 100, Height: 100})

	require.Len(t, m.Elements, 1)
	assert.Equal(t, ElementWindow, m.Elements[0].Type)
	assert.InDelta(t, 1.2, m.Elements[0].Size, 1e-9)
}

func TestReconstruct_Annotations(t *testing.T) {
	frags := []TextFragment{
		{Text: " Kitchen ", Left: 90, Top: 40, Width: 20, Height: 20},
		{Text: "   ", Left: 0, Top: 0, Width: 5, Height: 5},
	}
	m := Reconstruct(nil, frags, ImageSize{Width: 200, Height: 100})

	assert.Empty(t, m.Elements)
	require.Len(t, m.Annotations, 1)
	assert.Equal(t, "Kitchen", m.Annotations[0].Text)
	assert.InDelta(t, 10.0, m.Annotations[0].Position.X, 1e-9)
	assert.InDelta(t, 5.0, m.Annotations[0].Position.Y, 1e-9)
	assert.Equal(t, ImageSize{Width: 200, Height: 100}, m.ImageSize)
}

func TestReconstruct_Empty(t *testing.T) {
	m := Reconstruct(nil, nil, ImageSize{Width: 10, Height: 10})
	assert.NotNil(t, m.Elements)
	assert.NotNil(t, m.Annotations)
	assert.Empty(t, m.Elements)
}
