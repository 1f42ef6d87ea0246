package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ParseHexColor parses "#rrggbb" (or "#rgb") into an opaque color
func ParseHexColor(hex string) (color.RGBA, error) {
	if len(hex) > 0 && hex[0] != '#' {
		hex = "#" + hex
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{r, g, b, 255}, nil
}

// PlanColors is the preview palette
type PlanColors struct {
	Wall       color.RGBA
	Door       color.RGBA
	Window     color.RGBA
	Annotation color.RGBA
}

// DefaultPlanColors returns dark walls, brown doors, blue windows and red annotations
func DefaultPlanColors() PlanColors {
	return PlanColors{
		Wall:       color.RGBA{40, 40, 40, 255},
		Door:       color.RGBA{160, 82, 45, 255},
		Window:     color.RGBA{30, 144, 255, 255},
		Annotation: color.RGBA{220, 20, 60, 255},
	}
}

// PlanColorsFromConfig overrides the default palette with any configured colors
func PlanColorsFromConfig(cfg PreviewConfig) (PlanColors, error) {
	colors := DefaultPlanColors()
	overrides := []struct {
		hex string
		dst *color.RGBA
	}{
		{cfg.WallColor, &colors.Wall},
		{cfg.DoorColor, &colors.Door},
		{cfg.WindowColor, &colors.Window},
		{cfg.AnnotationColor, &colors.Annotation},
	}
	for _, o := range overrides {
		if o.hex == "" {
			continue
		}
		c, err := ParseHexColor(o.hex)
		if err != nil {
			return colors, err
		}
		*o.dst = c
	}
	return colors, nil
}

// tint blends c toward white in Lab space; amount 0 keeps c, 1 is white
func tint(c color.RGBA, amount float64) color.RGBA {
	base, _ := colorful.MakeColor(c)
	r, g, b := base.BlendLab(colorful.Color{R: 1, G: 1, B: 1}, amount).Clamped().RGB255()
	return color.RGBA{r, g, b, 255}
}

// PlanRenderer draws a SketchModel as a top-down plan: walls as thick strokes,
// door and window cutters as rectangles on their host walls, annotations as markers.
type PlanRenderer struct {
	Model       SketchModel
	Policy      OpeningPolicy
	Colors      PlanColors
	Scale       float64           // canvas millimeters per plan unit
	Padding     float64           // padding in plan units
	Resolution  canvas.Resolution // PNG resolution
	GridSpacing float64           // grid spacing in plan units; 0 disables
	Labels      bool              // draw annotation text on PNG output
}

// NewPlanRenderer creates a renderer with default settings
func NewPlanRenderer(m SketchModel, policy OpeningPolicy) *PlanRenderer {
	return &PlanRenderer{
		Model:       m,
		Policy:      policy,
		Colors:      DefaultPlanColors(),
		Scale:       10.0,
		Padding:     5.0,
		Resolution:  canvas.DPMM(1.0),
		GridSpacing: 10.0,
		Labels:      true,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// canvasFrame maps plan coordinates onto the canvas
type canvasFrame struct {
	minX, minY    float64
	width, height float64 // canvas millimeters
	scale         float64
	padding       float64
}

func (f canvasFrame) toCanvas(p Point) (float64, float64) {
	return (p.X - f.minX + f.padding) * f.scale, (p.Y - f.minY + f.padding) * f.scale
}

func (r *PlanRenderer) frame() canvasFrame {
	b := PlanBounds(r.Model)
	return canvasFrame{
		minX:    b.Min[0],
		minY:    b.Min[1],
		width:   (b.Max[0] - b.Min[0] + 2*r.Padding) * r.Scale,
		height:  (b.Max[1] - b.Min[1] + 2*r.Padding) * r.Scale,
		scale:   r.Scale,
		padding: r.Padding,
	}
}

// RenderToSVG writes the plan as an SVG to the provided writer
func (r *PlanRenderer) RenderToSVG(w io.Writer) error {
	f := r.frame()
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the plan as a PNG to the provided writer
func (r *PlanRenderer) RenderToPNG(w io.Writer) error {
	f := r.frame()
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)

	if r.Labels {
		r.drawLabels(rast, f)
	}
	return png.Encode(w, rast)
}

// renderToCanvas is the shared SVG/PNG drawing logic
func (r *PlanRenderer) renderToCanvas(renderer canvasRenderer, f canvasFrame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		r.renderGrid(renderer, f)
	}

	wallStyle := canvas.DefaultStyle
	wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	wallStyle.Stroke = canvas.Paint{Color: r.Colors.Wall}
	wallStyle.StrokeWidth = WallThickness * r.Scale
	wallStyle.StrokeCapper = canvas.SquareCap

	for _, wall := range r.Model.Walls() {
		x1, y1 := f.toCanvas(wall.Start)
		x2, y2 := f.toCanvas(wall.End)
		p := &canvas.Path{}
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, wallStyle, canvas.Identity)
	}

	hosted := make(map[int]bool)
	for _, o := range PlanOpenings(r.Model, r.Policy) {
		hosted[o.Element] = true
		c := r.openingColor(o.Type)

		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: tint(c, 0.6)}
		style.Stroke = canvas.Paint{Color: c}
		style.StrokeWidth = 0.1 * r.Scale

		p := &canvas.Path{}
		for i, pt := range cutterFootprint(o) {
			cx, cy := f.toCanvas(Point{X: pt[0], Y: pt[1]})
			if i == 0 {
				p.MoveTo(cx, cy)
			} else {
				p.LineTo(cx, cy)
			}
		}
		p.Close()
		renderer.RenderPath(p, style, canvas.Identity)
	}

	// Openings without a host wall keep their detected position as a hollow marker
	for i, e := range r.Model.Elements {
		if !e.Type.IsOpening() || hosted[i] {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: r.openingColor(e.Type)}
		style.StrokeWidth = 0.1 * r.Scale
		cx, cy := f.toCanvas(e.Position)
		renderer.RenderPath(canvas.Circle(0.5*r.Scale).Translate(cx, cy), style, canvas.Identity)
	}

	markerStyle := canvas.DefaultStyle
	markerStyle.Fill = canvas.Paint{Color: r.Colors.Annotation}
	markerStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, a := range r.Model.Annotations {
		cx, cy := f.toCanvas(a.Position)
		renderer.RenderPath(canvas.Circle(0.3*r.Scale).Translate(cx, cy), markerStyle, canvas.Identity)
	}
}

func (r *PlanRenderer) renderGrid(renderer canvasRenderer, f canvasFrame) {
	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: color.RGBA{211, 211, 211, 255}}
	gridStyle.StrokeWidth = 0.05 * r.Scale
	gridStyle.Dashes = []float64{0.5 * r.Scale, 0.5 * r.Scale}

	maxX := f.minX + f.width/f.scale - f.padding
	maxY := f.minY + f.height/f.scale - f.padding

	for x := math.Floor(f.minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
		x1, y1 := f.toCanvas(Point{X: x, Y: f.minY})
		x2, y2 := f.toCanvas(Point{X: x, Y: maxY})
		p := &canvas.Path{}
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
	for y := math.Floor(f.minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
		x1, y1 := f.toCanvas(Point{X: f.minX, Y: y})
		x2, y2 := f.toCanvas(Point{X: maxX, Y: y})
		p := &canvas.Path{}
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
}

func (r *PlanRenderer) openingColor(t ElementType) color.RGBA {
	if t == ElementDoor {
		return r.Colors.Door
	}
	return r.Colors.Window
}

// drawLabels writes annotation text next to each marker on the rasterized image
func (r *PlanRenderer) drawLabels(img draw.Image, f canvasFrame) {
	dpmm := r.Resolution.DPMM()
	height := img.Bounds().Dy()
	for _, a := range r.Model.Annotations {
		cx, cy := f.toCanvas(a.Position)
		px := int(cx*dpmm) + 4
		py := height - int(cy*dpmm) + 4
		drawText(img, px, py, a.Text, r.Colors.Annotation)
	}
}

// drawText renders text onto an image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
