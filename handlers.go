package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/sketchmesh/codegen"
	"github.com/kwv/sketchmesh/mesh"
	"github.com/kwv/sketchmesh/vision"
)

// maxUploadBytes bounds sketch uploads
const maxUploadBytes = 20 << 20

// pipelineTimeout bounds one POST /sketch: detection plus every synthesis attempt
const pipelineTimeout = 10 * time.Minute

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := app.Session.Snapshot()
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			RunID     string    `json:"runId,omitempty"`
			HasSketch bool      `json:"hasSketch"`
			HasScript bool      `json:"hasScript"`
			MQTT      bool      `json:"mqtt"`
			History   bool      `json:"history"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			RunID:     snap.RunID,
			HasSketch: snap.Model != nil,
			HasScript: snap.Script != "",
			MQTT:      app.MQTTClient != nil && app.MQTTClient.IsConnected(),
			History:   app.Store != nil,
		}
		writeJSON(w, http.StatusOK, status)
	})

	// Sketch upload: runs the whole pipeline
	mux.HandleFunc("/sketch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, fmt.Sprintf("Missing image upload: %v", err), http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, fmt.Sprintf("Reading upload: %v", err), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), pipelineTimeout)
		defer cancel()

		res, err := app.ProcessSketch(ctx, header.Filename, data)
		if err != nil {
			log.Printf("[HTTP] pipeline failed for %s: %v", header.Filename, err)
			http.Error(w, err.Error(), pipelineStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	// Current sketch model, as written next to the script
	mux.HandleFunc("/sketch.json", func(w http.ResponseWriter, r *http.Request) {
		m, ok := app.Session.Model()
		if !ok {
			http.Error(w, "No sketch available", http.StatusServiceUnavailable)
			return
		}
		data, err := mesh.EncodeSketch(m)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// Current script as a download
	mux.HandleFunc("/script.py", func(w http.ResponseWriter, r *http.Request) {
		script, ok := app.Session.Script()
		if !ok {
			http.Error(w, "No script available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/x-python; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ScriptFileName))
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = io.WriteString(w, script)
	})

	// Free-form modification of the current script
	mux.HandleFunc("/revise", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Instruction string `json:"instruction"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		revised, err := app.ReviseScript(r.Context(), req.Instruction)
		if err != nil {
			log.Printf("[HTTP] revise failed: %v", err)
			http.Error(w, err.Error(), reviseStatus(err))
			return
		}
		if err := writeScript(app.scriptPath(), revised); err != nil {
			log.Printf("Error writing revised script: %v", err)
		}

		writeJSON(w, http.StatusOK, struct {
			Script   string         `json:"script"`
			Messages []mesh.Message `json:"messages"`
		}{revised, app.Session.Messages()})
	})

	// Progress transcript for the current sketch
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		writeJSON(w, http.StatusOK, app.Session.Messages())
	})

	// Plan previews
	mux.HandleFunc("/preview.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := currentRenderer(app, w)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding preview SVG: %v", err)
		}
	})

	mux.HandleFunc("/preview.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := currentRenderer(app, w)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("Error encoding preview PNG: %v", err)
		}
	})

	// GeoJSON export of the current sketch
	mux.HandleFunc("/plan.geojson", func(w http.ResponseWriter, r *http.Request) {
		m, ok := app.Session.Model()
		if !ok {
			http.Error(w, "No sketch available", http.StatusServiceUnavailable)
			return
		}
		fc := mesh.SketchToGeoJSON(m, app.Config.OpeningPolicy())
		if r.URL.Query().Get("footprints") == "1" {
			for _, f := range mesh.FootprintFeatures(m) {
				fc.AddFeature(f)
			}
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
		}
	})

	// Stored runs, newest first
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		if app.Store == nil {
			http.Error(w, "History is not enabled", http.StatusServiceUnavailable)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := app.Store.ListRuns(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	// Default route serves an upload form with the current preview
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>sketchmesh</title>
<style>
body{font-family:sans-serif;margin:2rem;background:#fafafa}
img{max-width:100%;border:1px solid #ccc;background:#fff}
</style>
</head>
<body>
<form action="/sketch" method="post" enctype="multipart/form-data">
<input type="file" name="image" accept="image/*">
<button type="submit">Generate Blender script</button>
</form>
<p><a href="/script.py">Download script</a> | <a href="/sketch.json">sketch.json</a> | <a href="/plan.geojson">GeoJSON</a></p>
<img src="/preview.svg" alt="Plan preview">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// currentRenderer writes a 503 and returns false when there is nothing to draw
func currentRenderer(app *App, w http.ResponseWriter) (*mesh.PlanRenderer, bool) {
	m, ok := app.Session.Model()
	if !ok {
		http.Error(w, "No sketch available", http.StatusServiceUnavailable)
		return nil, false
	}
	renderer, err := app.previewRenderer(m)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return renderer, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// pipelineStatus maps a failed sketch submission to an HTTP status
func pipelineStatus(err error) int {
	switch {
	case errors.Is(err, vision.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrStaleRun):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reviseStatus maps a failed revision to an HTTP status
func reviseStatus(err error) int {
	switch {
	case errors.Is(err, codegen.ErrEmptyInstruction):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrNoScript), errors.Is(err, mesh.ErrStaleRun), errors.Is(err, mesh.ErrScriptChanged):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
