package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/kwv/sketchmesh/mesh"
)

// Detector returns classified boxes for an encoded image
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]mesh.Detection, error)
}

// RoboflowClient calls a Roboflow hosted (serverless) inference model
type RoboflowClient struct {
	APIURL     string
	ModelID    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	opts       []mesh.RequestOption
}

// NewRoboflowClient creates a client from the detection config
func NewRoboflowClient(cfg mesh.DetectionConfig, opts ...mesh.RequestOption) *RoboflowClient {
	c := &RoboflowClient{
		APIURL:     cfg.APIURL,
		ModelID:    cfg.ModelID,
		APIKey:     cfg.APIKey,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.MaxRetries,
		opts:       opts,
	}
	if c.APIURL == "" {
		c.APIURL = mesh.DefaultDetectionURL
	}
	if c.ModelID == "" {
		c.ModelID = mesh.DefaultDetectionModel
	}
	if c.Timeout <= 0 {
		c.Timeout = mesh.DefaultRequestTimeout
	}
	return c
}

// roboflowResponse is decoded loosely: absent fields stay zero and unknown
// fields are ignored
type roboflowResponse struct {
	Predictions []roboflowPrediction `json:"predictions"`
	Image       struct {
		Width  json.Number `json:"width"`
		Height json.Number `json:"height"`
	} `json:"image"`
}

type roboflowPrediction struct {
	Class      string  `json:"class"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Endpoint returns the inference URL including the api_key query parameter
func (c *RoboflowClient) Endpoint() string {
	return fmt.Sprintf("%s/%s?api_key=%s", strings.TrimRight(c.APIURL, "/"), strings.Trim(c.ModelID, "/"), url.QueryEscape(c.APIKey))
}

// Detect posts the base64-encoded image and returns its predictions in pixel space
func (c *RoboflowClient) Detect(ctx context.Context, image []byte) ([]mesh.Detection, error) {
	if c.APIKey == "" {
		return nil, errors.New("detection: ROBOFLOW_API_KEY is empty")
	}
	if len(image) == 0 {
		return nil, errors.New("detection: image is empty")
	}

	opts := append([]mesh.RequestOption{mesh.WithTimeout(c.Timeout)}, c.opts...)
	if c.MaxRetries > 0 {
		opts = append(opts, mesh.WithMaxRetries(c.MaxRetries))
	}

	payload := []byte(base64.StdEncoding.EncodeToString(image))
	body, err := mesh.PostBody(ctx, c.Endpoint(), "application/x-www-form-urlencoded", payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("detection: %w", err)
	}

	var resp roboflowResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("detection: parsing response: %w", err)
	}

	out := make([]mesh.Detection, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		out = append(out, mesh.Detection{
			Class:  p.Class,
			X:      p.X,
			Y:      p.Y,
			Width:  p.Width,
			Height: p.Height,
		})
	}
	log.Printf("[VISION] %d detections from %s (image %s x %s)", len(out), c.ModelID, resp.Image.Width, resp.Image.Height)
	return out, nil
}
