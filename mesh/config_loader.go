package mesh

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDetectionURL     = "https://serverless.roboflow.com"
	DefaultDetectionModel   = "wall-detection-xi9ox/2"
	DefaultGeneratorHost    = "http://localhost:11434"
	DefaultGeneratorModel   = "gemma3"
	DefaultReviseModel      = "qwen2.5-coder:7"
	DefaultTemperature      = 0.1
	DefaultSynthesisRetries = 2
	DefaultPublishPrefix    = "sketchmesh"
	DefaultStorePath        = "sketchmesh.db"
	DefaultOCRThreshold     = 128
)

// DefaultConfig returns a configuration that talks to a local Ollama and the hosted detector
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig loads the configuration from a YAML file, fills defaults,
// applies environment overrides and validates the result
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyDefaults()
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Detection.APIURL == "" {
		c.Detection.APIURL = DefaultDetectionURL
	}
	if c.Detection.ModelID == "" {
		c.Detection.ModelID = DefaultDetectionModel
	}
	if c.Detection.TimeoutSeconds == 0 {
		c.Detection.TimeoutSeconds = 30
	}
	if c.Detection.MaxRetries == 0 {
		c.Detection.MaxRetries = 3
	}

	if c.OCR.Language == "" {
		c.OCR.Language = "eng"
	}
	if c.OCR.Threshold == 0 {
		c.OCR.Threshold = DefaultOCRThreshold
	}

	if c.Generator.Provider == "" {
		c.Generator.Provider = "ollama"
	}
	if c.Generator.Host == "" {
		c.Generator.Host = DefaultGeneratorHost
	}
	if c.Generator.Model == "" {
		c.Generator.Model = DefaultGeneratorModel
	}
	if c.Generator.ReviseModel == "" {
		c.Generator.ReviseModel = DefaultReviseModel
	}
	if c.Generator.Temperature == 0 {
		c.Generator.Temperature = DefaultTemperature
	}
	if c.Generator.MaxRetries == 0 {
		c.Generator.MaxRetries = DefaultSynthesisRetries
	}
	if c.Generator.TimeoutSeconds == 0 {
		c.Generator.TimeoutSeconds = 120
	}
	if c.Generator.ReviseTimeoutSeconds == 0 {
		c.Generator.ReviseTimeoutSeconds = 60
	}

	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
}

// ApplyEnv overrides secrets and endpoints from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ROBOFLOW_API_KEY"); v != "" {
		c.Detection.APIKey = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			v = "http://" + v
		}
		c.Generator.Host = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Generator.APIKey == "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		c.MQTT.PublishPrefix = v
	}
}

// Validate checks field ranges and enumerations
func (c *Config) Validate() error {
	switch c.Generator.Provider {
	case "ollama", "gemini":
	default:
		return fmt.Errorf("generator.provider must be ollama or gemini, got %q", c.Generator.Provider)
	}
	if c.Generator.Provider == "gemini" && c.Generator.APIKey == "" {
		return fmt.Errorf("generator.apiKey is required for gemini (or set GEMINI_API_KEY)")
	}
	if c.Generator.MaxRetries < 0 {
		return fmt.Errorf("generator.maxRetries must be >= 0")
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		return fmt.Errorf("generator.temperature must be between 0 and 2")
	}
	if c.Detection.TimeoutSeconds < 0 || c.Generator.TimeoutSeconds < 0 || c.Generator.ReviseTimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	colors := map[string]string{
		"preview.wallColor":       c.Preview.WallColor,
		"preview.doorColor":       c.Preview.DoorColor,
		"preview.windowColor":     c.Preview.WindowColor,
		"preview.annotationColor": c.Preview.AnnotationColor,
	}
	for field, hex := range colors {
		if hex == "" {
			continue
		}
		if _, err := ParseHexColor(hex); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// OpeningPolicy returns the cutter policy selected by the config
func (c *Config) OpeningPolicy() OpeningPolicy {
	p := DefaultOpeningPolicy()
	p.UseDetectedSize = c.Openings.UseDetectedSize
	return p
}
