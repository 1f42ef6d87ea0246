package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/sketchmesh/codegen"
	"github.com/kwv/sketchmesh/mesh"
	"github.com/kwv/sketchmesh/vision"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// stubDetector returns fixed detections
type stubDetector struct {
	detections []mesh.Detection
	err        error
}

func (d stubDetector) Detect(context.Context, []byte) ([]mesh.Detection, error) {
	return d.detections, d.err
}

// stubGenerator replays replies in order, repeating the last one
type stubGenerator struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (g *stubGenerator) Generate(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	i := g.calls - 1
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

func (g *stubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

const generatedBody = "for element in data['elements']:\n    print(element['type'])\n"

func fencedScript() string {
	return "```python\n" + codegen.Preamble + "\n" + generatedBody + "```"
}

// sketchImage is a 640x320 PNG with one horizontal stroke
func sketchImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 320))
	for x := 0; x < 640; x++ {
		for y := 0; y < 320; y++ {
			img.Set(x, y, color.White)
		}
	}
	for x := 120; x < 520; x++ {
		img.Set(x, 160, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newTestApp returns an App wired with stubs, a temp data dir and a history store
func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()

	cfg := mesh.DefaultConfig()
	cfg.OCR.Disabled = true

	store, err := mesh.OpenStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	app := NewApp()
	app.DataDir = dir
	app.Config = cfg
	app.Store = store
	app.out = &bytes.Buffer{}
	app.Detector = stubDetector{detections: []mesh.Detection{
		{Class: "wall", X: 320, Y: 160, Width: 400, Height: 20},
		{Class: "door", X: 320, Y: 160, Width: 30, Height: 10},
	}}
	app.Recognizer = vision.StaticRecognizer{}
	app.Generator = &stubGenerator{replies: []string{fencedScript()}}
	app.ReviseGenerator = &stubGenerator{replies: []string{"```python\nwall_height = 3.0\n```"}}
	require.NoError(t, app.wire())
	return app
}

func contents(msgs []mesh.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

// ---------------------------------------------------------------------------
// construction and options
// ---------------------------------------------------------------------------

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Session == nil {
		t.Error("Session should be initialized")
	}
	if app.DataDir != "." {
		t.Errorf("DataDir = %s, want .", app.DataDir)
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		DataDir:       "/test/data",
		ConfigFile:    "test-config.yaml",
		ScriptFile:    "in.py",
		OutputFile:    "out.svg",
		PreviewFormat: "svg",
		HistoryLimit:  7,
		HttpPort:      8080,
		MqttMode:      true,
		HttpMode:      false,
	}

	app.ApplyOptions(opts)

	if app.DataDir != "/test/data" {
		t.Errorf("DataDir = %s, want /test/data", app.DataDir)
	}
	if app.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", app.ConfigFile)
	}
	if app.ScriptFile != "in.py" {
		t.Errorf("ScriptFile = %s, want in.py", app.ScriptFile)
	}
	if app.OutputFile != "out.svg" {
		t.Errorf("OutputFile = %s, want out.svg", app.OutputFile)
	}
	if app.HistoryLimit != 7 {
		t.Errorf("HistoryLimit = %d, want 7", app.HistoryLimit)
	}
	if app.HttpPort != 8080 {
		t.Errorf("HttpPort = %d, want 8080", app.HttpPort)
	}
	if !app.MqttMode {
		t.Error("MqttMode should be true")
	}
	if app.HttpMode {
		t.Error("HttpMode should be false")
	}
}

func TestScriptPath(t *testing.T) {
	app := NewApp()
	app.DataDir = "/data"
	assert.Equal(t, filepath.Join("/data", ScriptFileName), app.scriptPath())

	app.ScriptFile = "custom.py"
	assert.Equal(t, "custom.py", app.scriptPath())
}

// ---------------------------------------------------------------------------
// configuration and wiring
// ---------------------------------------------------------------------------

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	app := NewApp()
	app.DataDir = t.TempDir()
	app.ConfigFile = "config.yaml"

	require.NoError(t, app.loadConfig())
	assert.Equal(t, mesh.DefaultGeneratorModel, app.Config.Generator.Model)
	assert.Equal(t, mesh.DefaultSynthesisRetries, app.Config.Generator.MaxRetries)
}

func TestLoadConfig_FromDataDir(t *testing.T) {
	dir := t.TempDir()
	yaml := `generator:
  model: llama3
openings:
  useDetectedSize: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	app := NewApp()
	app.DataDir = dir
	app.ConfigFile = "config.yaml"

	require.NoError(t, app.loadConfig())
	assert.Equal(t, "llama3", app.Config.Generator.Model)
	assert.True(t, app.Config.OpeningPolicy().UseDetectedSize)
}

func TestLoadConfig_InvalidFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("generator:\n  provider: openai\n"), 0644))

	app := NewApp()
	app.ConfigFile = path

	err := app.loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generator.provider")
}

func TestWire_OllamaDefaults(t *testing.T) {
	app := NewApp()
	app.Config = mesh.DefaultConfig()

	require.NoError(t, app.wire())
	assert.IsType(t, &codegen.OllamaChat{}, app.Generator)
	assert.IsType(t, &codegen.OllamaGenerate{}, app.ReviseGenerator)
	assert.IsType(t, &vision.RoboflowClient{}, app.Detector)
	assert.IsType(t, &vision.TesseractRecognizer{}, app.Recognizer)
	assert.Equal(t, "Ollama", app.Engine)
}

func TestWire_ValidatorInterpreter(t *testing.T) {
	app := NewApp()
	app.Config = mesh.DefaultConfig()
	app.Config.Generator.Python = "/usr/bin/python3"

	require.NoError(t, app.wire())
	v, ok := app.Validator.(*codegen.PythonValidator)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/python3", v.Interpreter)
}

func TestWire_Gemini(t *testing.T) {
	app := NewApp()
	app.Config = mesh.DefaultConfig()
	app.Config.Generator.Provider = "gemini"
	app.Config.Generator.APIKey = "key"
	app.Config.OCR.Disabled = true

	require.NoError(t, app.wire())
	assert.IsType(t, &codegen.GeminiGenerator{}, app.Generator)
	assert.IsType(t, &codegen.GeminiGenerator{}, app.ReviseGenerator)
	assert.IsType(t, vision.StaticRecognizer{}, app.Recognizer)
	assert.Equal(t, "Gemini", app.Engine)
}

// ---------------------------------------------------------------------------
// pipeline
// ---------------------------------------------------------------------------

func TestProcessSketch(t *testing.T) {
	app := newTestApp(t)

	res, err := app.ProcessSketch(context.Background(), "plan.png", sketchImage(t))
	require.NoError(t, err)

	assert.False(t, res.Failed)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, strings.HasPrefix(res.Script, codegen.Preamble))
	assert.Equal(t, mesh.ImageSize{Width: 640, Height: 320}, res.Model.ImageSize)
	assert.Equal(t, 1, res.Model.Count(mesh.ElementWall))
	assert.Equal(t, 1, res.Model.Count(mesh.ElementDoor))

	assert.Equal(t, []string{
		vision.MsgDetecting,
		vision.MsgOCR,
		vision.MsgComplete,
		"Calling Ollama model `gemma3`...",
		"Script generation and validation complete!",
	}, contents(res.Messages))

	// sketch.json sits next to the script because the preamble reads it
	saved, err := mesh.ParseSketchFile(filepath.Join(app.DataDir, mesh.SketchFileName))
	require.NoError(t, err)
	assert.Equal(t, res.Model, saved)

	script, err := os.ReadFile(filepath.Join(app.DataDir, ScriptFileName))
	require.NoError(t, err)
	assert.Equal(t, res.Script, string(script))

	current, ok := app.Session.Script()
	require.True(t, ok)
	assert.Equal(t, res.Script, current)

	rec, err := app.Store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, mesh.RunStatusComplete, rec.Status)
	assert.Equal(t, "plan.png", rec.ImageName)
}

func TestProcessSketch_NewSketchResetsTranscript(t *testing.T) {
	app := newTestApp(t)

	first, err := app.ProcessSketch(context.Background(), "a.png", sketchImage(t))
	require.NoError(t, err)
	second, err := app.ProcessSketch(context.Background(), "b.png", sketchImage(t))
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, app.Session.Messages(), 5)
}

func TestProcessSketch_DetectionFailure(t *testing.T) {
	app := newTestApp(t)
	app.Detector = stubDetector{err: mesh.ErrTransport}

	_, err := app.ProcessSketch(context.Background(), "plan.png", sketchImage(t))
	require.ErrorIs(t, err, mesh.ErrTransport)

	msgs := contents(app.Session.Messages())
	require.NotEmpty(t, msgs)
	assert.True(t, strings.HasPrefix(msgs[len(msgs)-1], "Error occurred during image analysis"))
	_, ok := app.Session.Script()
	assert.False(t, ok)
}

func TestSynthesizeModel_ExhaustedBudget(t *testing.T) {
	app := newTestApp(t)
	gen := &stubGenerator{replies: []string{"def broken(:\n    pass"}}
	app.Generator = gen

	res, err := app.SynthesizeModel(context.Background(), "sketch.json", mesh.SketchModel{
		Elements:    []mesh.Element{},
		Annotations: []mesh.Annotation{},
	})
	require.NoError(t, err)

	assert.True(t, res.Failed)
	assert.Equal(t, 3, gen.Calls())
	assert.True(t, codegen.IsFailure(res.Script))
	assert.Contains(t, res.Script, "# --- FAILED CODE ---")

	rec, err := app.Store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, mesh.RunStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

// supersedingGenerator starts a newer run on the session before replying
type supersedingGenerator struct {
	session *mesh.Session
	reply   string
}

func (g supersedingGenerator) Generate(context.Context, string) (string, error) {
	g.session.Begin("newer.png")
	return g.reply, nil
}

func TestSynthesize_StaleRunWritesNothing(t *testing.T) {
	app := newTestApp(t)
	model := mesh.SketchModel{Elements: []mesh.Element{}, Annotations: []mesh.Annotation{}}

	stale := app.Session.Begin("old.png")
	app.Session.Begin("new.png")
	_, err := app.synthesize(context.Background(), stale, "old.png", model, app.sinkFor(stale))
	require.ErrorIs(t, err, mesh.ErrStaleRun)
	assert.NoFileExists(t, filepath.Join(app.DataDir, mesh.SketchFileName))
}

func TestSynthesizeModel_SupersededDuringGeneration(t *testing.T) {
	app := newTestApp(t)
	app.Generator = supersedingGenerator{session: app.Session, reply: fencedScript()}

	_, err := app.SynthesizeModel(context.Background(), "sketch.json", mesh.SketchModel{
		Elements:    []mesh.Element{},
		Annotations: []mesh.Annotation{},
	})
	require.ErrorIs(t, err, mesh.ErrStaleRun)

	assert.NoFileExists(t, filepath.Join(app.DataDir, ScriptFileName))
	_, ok := app.Session.Script()
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// revision
// ---------------------------------------------------------------------------

func TestReviseScript_NoScript(t *testing.T) {
	app := newTestApp(t)

	_, err := app.ReviseScript(context.Background(), "make walls taller")
	require.ErrorIs(t, err, mesh.ErrNoScript)

	assert.Equal(t, []string{"make walls taller", msgNoScript}, contents(app.Session.Messages()))
}

func TestReviseScript_Success(t *testing.T) {
	app := newTestApp(t)
	res, err := app.ProcessSketch(context.Background(), "plan.png", sketchImage(t))
	require.NoError(t, err)

	revised, err := app.ReviseScript(context.Background(), "change wall height to 3 meters")
	require.NoError(t, err)
	assert.Equal(t, "wall_height = 3.0", revised)

	current, _ := app.Session.Script()
	assert.Equal(t, revised, current)

	msgs := contents(app.Session.Messages())
	assert.Equal(t, "Modified Blender script generated.", msgs[len(msgs)-1])
	assert.Equal(t, "change wall height to 3 meters", msgs[len(msgs)-2])

	revs, err := app.Store.Revisions(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, revised, revs[0].Script)
}

func TestReviseScript_TransportErrorKeepsScript(t *testing.T) {
	app := newTestApp(t)
	res, err := app.ProcessSketch(context.Background(), "plan.png", sketchImage(t))
	require.NoError(t, err)

	app.ReviseGenerator = &stubGenerator{err: &codegen.TransportError{Err: errors.New("connection refused")}}
	_, err = app.ReviseScript(context.Background(), "add a roof")
	require.ErrorIs(t, err, mesh.ErrTransport)

	current, _ := app.Session.Script()
	assert.Equal(t, res.Script, current)

	msgs := contents(app.Session.Messages())
	assert.True(t, strings.HasPrefix(msgs[len(msgs)-1], "Error occurred while modifying script:"))
}

// revisingGenerator lands a second revision on the session before replying
type revisingGenerator struct {
	session *mesh.Session
	reply   string
}

func (g revisingGenerator) Generate(context.Context, string) (string, error) {
	_, err := g.session.ApplyRevision(func(string) (string, error) { return "wall_height = 4.0", nil })
	if err != nil {
		return "", err
	}
	return g.reply, nil
}

func TestReviseScript_ConcurrentRevisionIsRejected(t *testing.T) {
	app := newTestApp(t)
	res, err := app.ProcessSketch(context.Background(), "plan.png", sketchImage(t))
	require.NoError(t, err)

	app.ReviseGenerator = revisingGenerator{session: app.Session, reply: "```python\nwall_height = 3.0\n```"}
	_, err = app.ReviseScript(context.Background(), "change wall height to 3 meters")
	require.ErrorIs(t, err, mesh.ErrScriptChanged)

	current, _ := app.Session.Script()
	assert.Equal(t, "wall_height = 4.0", current)

	msgs := contents(app.Session.Messages())
	assert.Equal(t, msgScriptChanged, msgs[len(msgs)-1])

	revs, err := app.Store.Revisions(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Empty(t, revs)
}

// ---------------------------------------------------------------------------
// CLI modes
// ---------------------------------------------------------------------------

func TestRunAnalyze(t *testing.T) {
	app := newTestApp(t)
	imgPath := filepath.Join(app.DataDir, "plan.png")
	require.NoError(t, os.WriteFile(imgPath, sketchImage(t), 0644))

	require.NoError(t, app.RunAnalyze(imgPath))

	out := app.out.(*bytes.Buffer).String()
	assert.Contains(t, out, vision.MsgDetecting)
	assert.Contains(t, out, "Walls: 1")
	assert.Contains(t, out, "Script written to")
	assert.FileExists(t, filepath.Join(app.DataDir, ScriptFileName))
}

func TestRunSynthesize_MissingFile(t *testing.T) {
	app := newTestApp(t)
	assert.Error(t, app.RunSynthesize(filepath.Join(app.DataDir, "nope.json")))
}

func TestRunRevise(t *testing.T) {
	app := newTestApp(t)
	in := filepath.Join(app.DataDir, "in.py")
	out := filepath.Join(app.DataDir, "out.py")
	require.NoError(t, os.WriteFile(in, []byte("wall_height = 2.5\n"), 0644))
	app.ScriptFile = in
	app.OutputFile = out

	require.NoError(t, app.RunRevise("taller walls"))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "wall_height = 3.0", string(got))

	orig, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, "wall_height = 2.5\n", string(orig), "input is left alone when --output is given")
}

func TestRunRevise_NoScriptFile(t *testing.T) {
	app := newTestApp(t)
	app.ScriptFile = filepath.Join(app.DataDir, "missing.py")
	assert.ErrorIs(t, app.RunRevise("anything"), mesh.ErrNoScript)
}

func writeSampleSketch(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sketch.json")
	m := mesh.SketchModel{
		Elements: []mesh.Element{
			mesh.NewWall(mesh.Point{X: 0, Y: 0}, mesh.Point{X: 10, Y: 0}),
			mesh.NewWall(mesh.Point{X: 10, Y: 0}, mesh.Point{X: 10, Y: 8}),
			mesh.NewOpening(mesh.ElementWindow, mesh.Point{X: 5, Y: 0}, 1.2),
		},
		Annotations: []mesh.Annotation{{Text: "Kitchen", Position: mesh.Point{X: 4, Y: 4}}},
		ImageSize:   mesh.ImageSize{Width: 100, Height: 80},
	}
	require.NoError(t, mesh.SaveSketchFile(path, m))
	return path
}

func TestRunPreview(t *testing.T) {
	for _, format := range []string{"svg", "png"} {
		t.Run(format, func(t *testing.T) {
			app := newTestApp(t)
			sketch := writeSampleSketch(t, app.DataDir)
			app.PreviewFormat = format
			app.OutputFile = filepath.Join(app.DataDir, "plan."+format)

			require.NoError(t, app.RunPreview(sketch))

			data, err := os.ReadFile(app.OutputFile)
			require.NoError(t, err)
			if format == "svg" {
				assert.Contains(t, string(data), "<svg")
			} else {
				_, err := png.Decode(bytes.NewReader(data))
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunGeoJSON(t *testing.T) {
	app := newTestApp(t)
	sketch := writeSampleSketch(t, app.DataDir)

	require.NoError(t, app.RunGeoJSON(sketch))

	out := app.out.(*bytes.Buffer).String()
	assert.Contains(t, out, `"FeatureCollection"`)
	assert.Contains(t, out, `"LineString"`)
	assert.Contains(t, out, `"Kitchen"`)
}

func TestRunHistory(t *testing.T) {
	app := newTestApp(t)
	app.Config.Store.Path = "history.db"
	path := filepath.Join(app.DataDir, "history.db")
	app.closeStore()

	require.NoError(t, app.RunHistory())
	assert.Contains(t, app.out.(*bytes.Buffer).String(), "No runs recorded")

	store, err := mesh.OpenStore(path)
	require.NoError(t, err)
	app.Store = store
	res, err := app.ProcessSketch(context.Background(), "plan.png", sketchImage(t))
	require.NoError(t, err)
	app.closeStore()

	app.out = &bytes.Buffer{}
	app.HistoryLimit = 10
	require.NoError(t, app.RunHistory())
	out := app.out.(*bytes.Buffer).String()
	assert.Contains(t, out, "1 run(s)")
	assert.Contains(t, out, res.RunID)
	assert.Contains(t, out, "plan.png")
}
