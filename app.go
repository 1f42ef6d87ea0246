package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/sketchmesh/codegen"
	"github.com/kwv/sketchmesh/mesh"
	"github.com/kwv/sketchmesh/vision"
)

// ScriptFileName is the download and on-disk name of the generated script
const ScriptFileName = "generated_blender_script.py"

const (
	msgNoScript      = "Please upload a floor plan image first to generate a Blender script."
	msgScriptChanged = "The script changed while this modification was generated. Please send the request again."
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *mesh.Config
	Session    *mesh.Session
	Store      *mesh.Store
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher

	// Pipeline stages. Nil stages are built from Config on first use.
	Detector        vision.Detector
	Recognizer      vision.TextRecognizer
	Generator       codegen.Generator
	ReviseGenerator codegen.Generator
	Validator       codegen.Validator
	Engine          string

	// CLI Flags (effectively dependencies)
	DataDir       string
	ConfigFile    string
	ScriptFile    string
	OutputFile    string
	PreviewFormat string
	HistoryLimit  int
	HttpPort      int
	MqttMode      bool
	HttpMode      bool

	out io.Writer
	// progress mirrors pipeline messages to the terminal in one-shot modes
	progress io.Writer
}

// PipelineResult is what one sketch submission produces
type PipelineResult struct {
	RunID    string           `json:"runId"`
	Model    mesh.SketchModel `json:"model"`
	Script   string           `json:"script"`
	Failed   bool             `json:"failed"`
	Attempts int              `json:"attempts"`
	Messages []mesh.Message   `json:"messages"`
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Session: mesh.NewSession(),
		DataDir: ".",
		out:     os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.ScriptFile = opts.ScriptFile
	a.OutputFile = opts.OutputFile
	a.PreviewFormat = opts.PreviewFormat
	a.HistoryLimit = opts.HistoryLimit
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// dataPath resolves name inside the data directory
func (a *App) dataPath(name string) string {
	if filepath.IsAbs(name) || a.DataDir == "" {
		return name
	}
	return filepath.Join(a.DataDir, name)
}

func (a *App) scriptPath() string {
	if a.ScriptFile != "" {
		return a.ScriptFile
	}
	return a.dataPath(ScriptFileName)
}

// loadConfig reads the YAML config. A missing file at the default location
// falls back to defaults plus environment overrides.
func (a *App) loadConfig() error {
	if a.Config != nil {
		return nil
	}

	path := a.ConfigFile
	if path == "" {
		path = "config.yaml"
	}
	// If data-dir is specified and the config still points at the default,
	// resolve it relative to the data-dir.
	if path == "config.yaml" && a.DataDir != "." {
		path = a.dataPath(path)
	}

	config, err := mesh.LoadConfig(path)
	if err != nil {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return fmt.Errorf("loading config: %w", err)
		}
		log.Printf("No config at %s, using defaults", path)
		config = mesh.DefaultConfig()
		config.ApplyEnv()
		if err := config.Validate(); err != nil {
			return fmt.Errorf("default config: %w", err)
		}
	} else {
		log.Printf("Loaded config from %s", path)
	}
	a.Config = config
	return nil
}

// wire fills every pipeline stage that was not injected
func (a *App) wire() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.Config
	if a.Session == nil {
		a.Session = mesh.NewSession()
	}

	if a.Detector == nil {
		a.Detector = vision.NewRoboflowClient(cfg.Detection)
	}
	if a.Recognizer == nil {
		if cfg.OCR.Disabled {
			a.Recognizer = vision.StaticRecognizer{}
		} else {
			a.Recognizer = vision.NewTesseractRecognizer(cfg.OCR.Language, cfg.OCR.Threshold)
		}
	}
	if a.Validator == nil {
		v := codegen.NewPythonValidator()
		v.Interpreter = cfg.Generator.Python
		a.Validator = v
	}

	gen := cfg.Generator
	switch gen.Provider {
	case "gemini":
		if a.Generator == nil {
			a.Generator = codegen.NewGeminiGenerator(gen.APIKey, gen.Model, float32(gen.Temperature))
		}
		if a.ReviseGenerator == nil {
			a.ReviseGenerator = codegen.NewGeminiGenerator(gen.APIKey, gen.Model, float32(gen.Temperature))
		}
		if a.Engine == "" {
			a.Engine = "Gemini"
		}
	default:
		if a.Generator == nil {
			a.Generator = codegen.NewOllamaChat(gen.Host, gen.Model, gen.Temperature, seconds(gen.TimeoutSeconds))
		}
		if a.ReviseGenerator == nil {
			a.ReviseGenerator = codegen.NewOllamaGenerate(gen.Host, gen.ReviseModel, seconds(gen.ReviseTimeoutSeconds))
		}
		if a.Engine == "" {
			a.Engine = "Ollama"
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// openStore opens the history database. Failure only disables history.
func (a *App) openStore() {
	if a.Store != nil {
		return
	}
	path := a.dataPath(a.Config.Store.Path)
	store, err := mesh.OpenStore(path)
	if err != nil {
		log.Printf("[STORE] history disabled: %v", err)
		return
	}
	a.Store = store
	log.Printf("[STORE] run history at %s", path)
}

func (a *App) closeStore() {
	if a.Store == nil {
		return
	}
	if err := a.Store.Close(); err != nil {
		log.Printf("[STORE] close: %v", err)
	}
	a.Store = nil
}

// sinkFor fans progress for runID out to the session transcript, MQTT and the terminal
func (a *App) sinkFor(runID string) codegen.Sink {
	sinks := codegen.MultiSink{a.Session.SinkFor(runID)}
	if a.Publisher != nil {
		sinks = append(sinks, a.Publisher)
	}
	if a.progress != nil {
		w := a.progress
		sinks = append(sinks, codegen.SinkFunc(func(msg string) {
			fmt.Fprintf(w, "  %s\n", msg)
		}))
	}
	return sinks
}

// ProcessSketch runs the whole pipeline for an uploaded image: analysis,
// sketch.json, synthesis and the script file. A newer submission supersedes it.
func (a *App) ProcessSketch(ctx context.Context, imageName string, data []byte) (*PipelineResult, error) {
	runID := a.Session.Begin(imageName)
	if a.Publisher != nil {
		a.Publisher.SetRun(runID)
	}
	sink := a.sinkFor(runID)

	analyzer := vision.NewAnalyzer(a.Detector, a.Recognizer, sink)
	analyzer.Parallel = a.Config.Vision.Parallel
	analysis, err := analyzer.Analyze(ctx, data)
	if err != nil {
		sink.Notify(fmt.Sprintf("Error occurred during image analysis: %v", err))
		return nil, err
	}
	return a.synthesize(ctx, runID, imageName, analysis.Model, sink)
}

// SynthesizeModel skips image analysis and generates a script for an existing model
func (a *App) SynthesizeModel(ctx context.Context, name string, m mesh.SketchModel) (*PipelineResult, error) {
	runID := a.Session.Begin(name)
	if a.Publisher != nil {
		a.Publisher.SetRun(runID)
	}
	return a.synthesize(ctx, runID, name, m, a.sinkFor(runID))
}

func (a *App) synthesize(ctx context.Context, runID, name string, model mesh.SketchModel, sink codegen.Sink) (*PipelineResult, error) {
	// The generated script reads sketch.json from its own directory
	saveSketch := func(m mesh.SketchModel) error {
		return mesh.SaveSketchFile(a.dataPath(mesh.SketchFileName), m)
	}
	if err := a.Session.CommitModel(runID, model, saveSketch); err != nil {
		return nil, err
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishSketch(runID, model); err != nil {
			log.Printf("[MQTT] Error publishing sketch: %v", err)
		}
	}

	synth := codegen.NewSynthesizer(a.Generator, a.Config.Generator.Model,
		codegen.WithSink(sink),
		codegen.WithValidator(a.Validator),
		codegen.WithMaxRetries(a.Config.Generator.MaxRetries),
		codegen.WithEngine(a.Engine),
	)
	res := synth.Synthesize(ctx, model)

	err := a.Session.CommitScript(runID, res.Script, func(script string) error {
		return writeScript(a.scriptPath(), script)
	})
	if errors.Is(err, mesh.ErrStaleRun) {
		log.Printf("[SYNTH] dropping result of %s: %v", runID, err)
	}
	if err != nil {
		return nil, err
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishScript(runID, res.Script, res.Failed()); err != nil {
			log.Printf("[MQTT] Error publishing script: %v", err)
		}
	}

	status := mesh.RunStatusComplete
	if res.Failed() {
		status = mesh.RunStatusFailed
	}
	if a.Store != nil {
		_, err := a.Store.SaveRun(ctx, mesh.RunRecord{
			ID:        runID,
			ImageName: name,
			Status:    status,
			Model:     model,
			Script:    res.Script,
			Attempts:  res.Attempts,
		})
		if err != nil {
			log.Printf("[STORE] Error saving run %s: %v", runID, err)
		}
	}

	return &PipelineResult{
		RunID:    runID,
		Model:    model,
		Script:   res.Script,
		Failed:   res.Failed(),
		Attempts: res.Attempts,
		Messages: a.Session.Messages(),
	}, nil
}

// ReviseScript applies a modification request to the current script. On any
// error the current script is kept.
func (a *App) ReviseScript(ctx context.Context, instruction string) (string, error) {
	a.Session.AddMessage("user", instruction)
	runID := a.Session.RunID()
	sink := a.sinkFor(runID)

	reviser := codegen.NewReviser(a.ReviseGenerator, sink)
	revised, err := a.Session.ApplyRevision(func(current string) (string, error) {
		return reviser.Revise(ctx, current, instruction)
	})
	if err != nil {
		switch {
		case errors.Is(err, mesh.ErrNoScript):
			sink.Notify(msgNoScript)
		case errors.Is(err, mesh.ErrScriptChanged):
			sink.Notify(msgScriptChanged)
		}
		return "", err
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishScript(runID, revised, false); err != nil {
			log.Printf("[MQTT] Error publishing script: %v", err)
		}
	}
	if a.Store != nil {
		if _, err := a.Store.SaveRevision(ctx, runID, instruction, revised); err != nil {
			log.Printf("[STORE] Error saving revision for %s: %v", runID, err)
		}
	}
	return revised, nil
}

func writeScript(path, script string) error {
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	return nil
}

// RunAnalyze runs the full pipeline on an image file
func (a *App) RunAnalyze(imagePath string) error {
	if err := a.wire(); err != nil {
		return err
	}
	a.openStore()
	defer a.closeStore()

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	fmt.Fprintf(a.out, "Analyzing %s\n", imagePath)
	a.progress = a.out
	res, err := a.ProcessSketch(context.Background(), filepath.Base(imagePath), data)
	if err != nil {
		return err
	}
	a.printResult(res)
	return nil
}

// RunSynthesize generates a script from an existing sketch.json
func (a *App) RunSynthesize(sketchPath string) error {
	if err := a.wire(); err != nil {
		return err
	}
	a.openStore()
	defer a.closeStore()

	m, err := mesh.ParseSketchFile(sketchPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Synthesizing from %s\n", sketchPath)
	a.progress = a.out
	res, err := a.SynthesizeModel(context.Background(), filepath.Base(sketchPath), m)
	if err != nil {
		return err
	}
	a.printResult(res)
	return nil
}

func (a *App) printResult(res *PipelineResult) {
	summary := mesh.Summarize(res.Model)
	fmt.Fprintf(a.out, "\nImage Size: %dx%d\n", summary.ImageSize.Width, summary.ImageSize.Height)
	fmt.Fprintf(a.out, "Walls: %d in %d group(s) (total length %.1f), Doors: %d, Windows: %d\n",
		summary.Walls, summary.WallGroups, summary.TotalLength, summary.Doors, summary.Windows)
	if len(summary.Annotations) > 0 {
		fmt.Fprintf(a.out, "Annotations: [%s]\n", strings.Join(summary.Annotations, ", "))
	}
	fmt.Fprintf(a.out, "Sketch written to %s\n", a.dataPath(mesh.SketchFileName))
	if res.Failed {
		fmt.Fprintf(a.out, "Script generation FAILED after %d attempt(s); error report written to %s\n", res.Attempts, a.scriptPath())
		return
	}
	fmt.Fprintf(a.out, "Script written to %s (%d attempt(s))\n", a.scriptPath(), res.Attempts)
}

// RunRevise modifies a script file with a free-form request
func (a *App) RunRevise(instruction string) error {
	if err := a.wire(); err != nil {
		return err
	}

	path := a.scriptPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mesh.ErrNoScript
		}
		return fmt.Errorf("reading script: %w", err)
	}
	if codegen.IsFailure(string(data)) {
		log.Printf("Warning: %s is an error report, revising it anyway", path)
	}

	runID := a.Session.Begin(filepath.Base(path))
	if err := a.Session.CompleteRun(runID, string(data)); err != nil {
		return err
	}

	a.progress = a.out
	revised, err := a.ReviseScript(context.Background(), instruction)
	if err != nil {
		return err
	}

	dest := path
	if a.OutputFile != "" {
		dest = a.OutputFile
	}
	if err := writeScript(dest, revised); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Modified script written to %s\n", dest)
	return nil
}

// previewRenderer builds a plan renderer with the configured palette
func (a *App) previewRenderer(m mesh.SketchModel) (*mesh.PlanRenderer, error) {
	colors, err := mesh.PlanColorsFromConfig(a.Config.Preview)
	if err != nil {
		return nil, err
	}
	r := mesh.NewPlanRenderer(m, a.Config.OpeningPolicy())
	r.Colors = colors
	return r, nil
}

// RunPreview renders a top-down plan of a sketch.json to SVG or PNG
func (a *App) RunPreview(sketchPath string) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	m, err := mesh.ParseSketchFile(sketchPath)
	if err != nil {
		return err
	}
	r, err := a.previewRenderer(m)
	if err != nil {
		return err
	}

	format := a.PreviewFormat
	if format == "" {
		format = "svg"
	}
	dest := a.OutputFile
	if dest == "" {
		dest = "plan." + format
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer f.Close()

	if format == "png" {
		err = r.RenderToPNG(f)
	} else {
		err = r.RenderToSVG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", format, err)
	}
	fmt.Fprintf(a.out, "Preview written to %s\n", dest)
	return nil
}

// RunGeoJSON exports a sketch.json as a GeoJSON FeatureCollection
func (a *App) RunGeoJSON(sketchPath string) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	m, err := mesh.ParseSketchFile(sketchPath)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(mesh.SketchToGeoJSON(m, a.Config.OpeningPolicy()), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding GeoJSON: %w", err)
	}

	if a.OutputFile == "" {
		_, err = fmt.Fprintln(a.out, string(data))
		return err
	}
	if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	fmt.Fprintf(a.out, "GeoJSON written to %s\n", a.OutputFile)
	return nil
}

// RunHistory lists stored runs, newest first
func (a *App) RunHistory() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	store, err := mesh.OpenStore(a.dataPath(a.Config.Store.Path))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	runs, err := store.ListRuns(ctx, a.HistoryLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.out, "No runs recorded")
		return nil
	}

	fmt.Fprintf(a.out, "%d run(s)\n\n", len(runs))
	for _, rec := range runs {
		revisions, err := store.Revisions(ctx, rec.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s  %s  %-8s  attempts=%d  walls=%d doors=%d windows=%d  revisions=%d  %s\n",
			rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.Status, rec.Attempts,
			rec.Model.Count(mesh.ElementWall), rec.Model.Count(mesh.ElementDoor), rec.Model.Count(mesh.ElementWindow),
			len(revisions), rec.ImageName)
	}
	return nil
}

// mqttReviseHandler applies revise requests arriving on the command topic
func (a *App) mqttReviseHandler(instruction string) {
	ctx, cancel := context.WithTimeout(context.Background(), seconds(a.Config.Generator.ReviseTimeoutSeconds)+5*time.Second)
	defer cancel()

	log.Printf("[MQTT] revise request: %q", instruction)
	revised, err := a.ReviseScript(ctx, instruction)
	if err != nil {
		log.Printf("[MQTT] revise failed: %v", err)
		return
	}
	if err := writeScript(a.scriptPath(), revised); err != nil {
		log.Printf("Error writing revised script: %v", err)
	}
}

// RunService starts MQTT and/or HTTP and blocks until interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.out, "Starting sketchmesh service...")

	if err := a.wire(); err != nil {
		return err
	}
	config := a.Config
	a.openStore()
	defer a.closeStore()

	if a.MqttMode {
		mqttClient, err := mesh.InitMQTT(config, a.mqttReviseHandler)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient
		a.Publisher = mesh.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix)
		fmt.Fprintln(a.out, "MQTT progress publisher initialized")
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")

	if a.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Progress:  %s\n", a.Publisher.Topic("progress"))
		fmt.Fprintf(a.out, "  Sketch:    %s (retained)\n", a.Publisher.Topic("sketch"))
		fmt.Fprintf(a.out, "  Script:    %s (retained)\n", a.Publisher.Topic("script"))
		fmt.Fprintf(a.out, "  Revise:    %s\n", a.MQTTClient.CommandTopic())
	}

	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.out, "  GET  /health        - Health check")
		fmt.Fprintln(a.out, "  POST /sketch        - Upload a sketch image (multipart field \"image\")")
		fmt.Fprintln(a.out, "  GET  /sketch.json   - Current sketch model")
		fmt.Fprintln(a.out, "  GET  /script.py     - Current Blender script")
		fmt.Fprintln(a.out, "  POST /revise        - Modify the current script ({\"instruction\": ...})")
		fmt.Fprintln(a.out, "  GET  /messages      - Progress transcript")
		fmt.Fprintln(a.out, "  GET  /preview.svg   - Plan preview (SVG)")
		fmt.Fprintln(a.out, "  GET  /preview.png   - Plan preview (PNG)")
		fmt.Fprintln(a.out, "  GET  /plan.geojson  - GeoJSON export")
		fmt.Fprintln(a.out, "  GET  /history       - Stored runs")
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(a.out, "\nShutting down service...")
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.out, "Service stopped")
	return nil
}
