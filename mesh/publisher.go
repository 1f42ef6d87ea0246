package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ProgressEvent is the payload published for each pipeline status string
type ProgressEvent struct {
	RunID     string `json:"runId,omitempty"`
	Message   string `json:"message"`
	Sequence  int    `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// ScriptEvent is the retained payload carrying the current script
type ScriptEvent struct {
	RunID     string `json:"runId"`
	Script    string `json:"script"`
	Failed    bool   `json:"failed"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher publishes pipeline progress, the current sketch and the current
// script to MQTT. It satisfies the progress sink used by the synthesizer.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	runID         string
	sequence      int
	last          map[string][]byte
	mu            sync.RWMutex
}

// NewPublisher creates a new publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // progress is fire and forget
		retain:        true, // retain latest sketch/script
		last:          make(map[string][]byte),
	}
}

// Topic returns the full topic for a suffix
func (p *Publisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
}

// SetRun tags subsequent progress events with runID and restarts the sequence
func (p *Publisher) SetRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.sequence = 0
}

// Notify publishes a progress string. Failures are logged, never returned,
// because progress must not affect the pipeline.
func (p *Publisher) Notify(msg string) {
	p.mu.Lock()
	p.sequence++
	event := ProgressEvent{
		RunID:     p.runID,
		Message:   msg,
		Sequence:  p.sequence,
		Timestamp: time.Now().Unix(),
	}
	p.mu.Unlock()

	if err := p.publish("progress", false, event); err != nil {
		log.Printf("[MQTT] Error publishing progress: %v", err)
	}
}

// PublishSketch publishes the reconstructed model (retained)
func (p *Publisher) PublishSketch(runID string, m SketchModel) error {
	payload := struct {
		RunID string      `json:"runId"`
		Model SketchModel `json:"model"`
	}{runID, m}
	return p.publish("sketch", p.retain, payload)
}

// PublishScript publishes the current script (retained)
func (p *Publisher) PublishScript(runID, script string, failed bool) error {
	return p.publish("script", p.retain, ScriptEvent{
		RunID:     runID,
		Script:    script,
		Failed:    failed,
		Timestamp: time.Now().Unix(),
	})
}

func (p *Publisher) publish(suffix string, retain bool, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}

	topic := p.Topic(suffix)
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.last[suffix] = payload
	p.mu.Unlock()
	return nil
}

// LastPayload returns the last payload successfully published under suffix
func (p *Publisher) LastPayload(suffix string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.last[suffix]
	return b, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether sketch and script messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
