package codegen

import "sync"

// Sink receives human-readable progress strings. Notify must not block for long
// and must never fail the pipeline.
type Sink interface {
	Notify(msg string)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(msg string)

func (f SinkFunc) Notify(msg string) { f(msg) }

// MultiSink fans a message out to every non-nil sink in order
type MultiSink []Sink

func (m MultiSink) Notify(msg string) {
	for _, s := range m {
		if s != nil {
			s.Notify(msg)
		}
	}
}

type nopSink struct{}

func (nopSink) Notify(string) {}

// Recorder keeps every message it receives, for tests and the CLI transcript
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Notify(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns a copy of the recorded messages in arrival order
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}
