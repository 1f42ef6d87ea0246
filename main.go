package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile        string
	DataDir           string
	AnalyzeImage      string
	SynthesizeFile    string
	ReviseInstruction string
	ScriptFile        string
	PreviewFile       string
	PreviewFormat     string
	GeoJSONFile       string
	OutputFile        string
	History           bool
	HistoryLimit      int
	HttpPort          int
	MqttMode          bool
	HttpMode          bool
}

// Application is the set of modes run dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunAnalyze(imagePath string) error
	RunSynthesize(sketchPath string) error
	RunRevise(instruction string) error
	RunPreview(sketchPath string) error
	RunGeoJSON(sketchPath string) error
	RunHistory() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("sketchmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file (defaults are used when it does not exist)")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory for sketch.json, generated_blender_script.py and the history database")
	fs.StringVar(&opts.AnalyzeImage, "analyze", "", "Analyze a sketch image and generate a Blender script, then exit")
	fs.StringVar(&opts.SynthesizeFile, "synthesize", "", "Generate a Blender script from an existing sketch.json, then exit")
	fs.StringVar(&opts.ReviseInstruction, "revise", "", "Modify the script given by --script with a free-form request, then exit")
	fs.StringVar(&opts.ScriptFile, "script", "", "Script to modify in --revise mode (default: <data-dir>/generated_blender_script.py)")
	fs.StringVar(&opts.PreviewFile, "preview", "", "Render a top-down plan preview of a sketch.json, then exit")
	fs.StringVar(&opts.PreviewFormat, "format", "svg", "Preview format: svg or png")
	fs.StringVar(&opts.GeoJSONFile, "geojson", "", "Export a sketch.json as GeoJSON, then exit")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --preview, --geojson and --revise")
	fs.BoolVar(&opts.History, "history", false, "List stored pipeline runs, then exit")
	fs.IntVar(&opts.HistoryLimit, "limit", 20, "Number of runs listed by --history")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish progress to MQTT and accept revise requests on the command topic")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve the HTTP API")
	fs.IntVar(&opts.HttpPort, "http-port", 4010, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.PreviewFormat != "svg" && opts.PreviewFormat != "png" {
		return fmt.Errorf("invalid --format %q (want svg or png)", opts.PreviewFormat)
	}

	switch {
	case opts.AnalyzeImage != "":
		app.ApplyOptions(opts)
		return app.RunAnalyze(opts.AnalyzeImage)
	case opts.SynthesizeFile != "":
		app.ApplyOptions(opts)
		return app.RunSynthesize(opts.SynthesizeFile)
	case opts.ReviseInstruction != "":
		app.ApplyOptions(opts)
		return app.RunRevise(opts.ReviseInstruction)
	case opts.PreviewFile != "":
		app.ApplyOptions(opts)
		return app.RunPreview(opts.PreviewFile)
	case opts.GeoJSONFile != "":
		app.ApplyOptions(opts)
		return app.RunGeoJSON(opts.GeoJSONFile)
	case opts.History:
		app.ApplyOptions(opts)
		return app.RunHistory()
	}

	fmt.Fprintf(out, "sketchmesh version: %s\n", Version)
	fmt.Fprintln(out, "sketchmesh service starting...")

	// Without an explicit surface the service still needs somewhere to accept sketches
	if !opts.MqttMode && !opts.HttpMode {
		opts.HttpMode = true
	}
	app.ApplyOptions(opts)
	return app.RunService()
}
