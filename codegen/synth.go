package codegen

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kwv/sketchmesh/mesh"
)

// DefaultMaxRetries is the number of repair attempts after the first draft
const DefaultMaxRetries = 2

// FailurePrefix marks a script that reports an error instead of building geometry
const FailurePrefix = "# ERROR:"

// State is a synthesis loop state
type State string

const (
	StateDrafting   State = "drafting"
	StateValidating State = "validating"
	StateRepairing  State = "repairing"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

// Result is the outcome of one synthesis run. Script is always usable text:
// either a validated script starting with Preamble or a "# ERROR:" report.
type Result struct {
	Script   string
	State    State
	Attempts int
	Err      error
}

// Failed reports whether synthesis ended without a valid script
func (r Result) Failed() bool { return r.State == StateFailed }

// IsFailure reports whether a script is an error report
func IsFailure(script string) bool {
	return strings.HasPrefix(script, FailurePrefix)
}

// Synthesizer drives a Generator until it returns code that parses
type Synthesizer struct {
	Generator  Generator
	Validator  Validator
	Sink       Sink
	Model      string // model name shown in progress messages
	Engine     string // service name shown in progress and error messages
	MaxRetries int
}

// Option configures a Synthesizer
type Option func(*Synthesizer)

// WithSink sets the progress sink
func WithSink(s Sink) Option {
	return func(syn *Synthesizer) { syn.Sink = s }
}

// WithValidator replaces the tree-sitter validator
func WithValidator(v Validator) Option {
	return func(syn *Synthesizer) { syn.Validator = v }
}

// WithMaxRetries sets the repair budget; negative values mean zero
func WithMaxRetries(n int) Option {
	return func(syn *Synthesizer) {
		if n < 0 {
			n = 0
		}
		syn.MaxRetries = n
	}
}

// WithEngine sets the service name used in messages (default "Ollama")
func WithEngine(name string) Option {
	return func(syn *Synthesizer) { syn.Engine = name }
}

// NewSynthesizer creates a synthesizer with the default budget and validator
func NewSynthesizer(gen Generator, model string, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		Generator:  gen,
		Validator:  NewPythonValidator(),
		Model:      model,
		Engine:     "Ollama",
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize serializes the model and runs the generate, validate and repair loop
func (s *Synthesizer) Synthesize(ctx context.Context, m mesh.SketchModel) Result {
	data, err := mesh.EncodeSketch(m)
	if err != nil {
		return s.fail(s.sink(), 0, err, fmt.Sprintf("Unknown error occurred: %v", err))
	}
	return s.SynthesizeJSON(ctx, string(data))
}

// SynthesizeJSON runs the loop on an already serialized model
func (s *Synthesizer) SynthesizeJSON(ctx context.Context, sketchJSON string) Result {
	sink := s.sink()
	prompt := BuildPrompt(sketchJSON)

	var code string
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt == 0 {
			sink.Notify(fmt.Sprintf("Calling %s model `%s`...", s.Engine, s.Model))
		} else {
			sink.Notify(fmt.Sprintf("Script error detected. Attempting to fix... (try %d/%d)", attempt, s.MaxRetries))
		}

		reply, err := s.Generator.Generate(ctx, prompt)
		if err != nil {
			if IsTransport(err) {
				log.Printf("[SYNTH] %s unreachable on attempt %d: %v", s.Engine, attempt+1, err)
				return s.fail(sink, attempt+1, err, fmt.Sprintf("%s server connection error: %v", s.Engine, err))
			}
			log.Printf("[SYNTH] generator error on attempt %d: %v", attempt+1, err)
			return s.fail(sink, attempt+1, err, fmt.Sprintf("Unknown error occurred: %v", err))
		}

		code = ExtractCode(reply)
		err = s.Validator.Validate(ctx, code)
		if err == nil {
			sink.Notify("Script generation and validation complete!")
			log.Printf("[SYNTH] valid script after %d attempt(s), %d bytes", attempt+1, len(code))
			return Result{Script: EnsurePreamble(code), State: StateSuccess, Attempts: attempt + 1}
		}

		var se *SyntaxError
		if !errors.As(err, &se) {
			return s.fail(sink, attempt+1, err, fmt.Sprintf("Unknown error occurred: %v", err))
		}
		log.Printf("[SYNTH] attempt %d rejected: %v", attempt+1, se)

		if attempt < s.MaxRetries {
			prompt = BuildFixPrompt(code, se.Error())
			continue
		}

		msg := fmt.Sprintf("Script auto-fix failed: %v", se)
		sink.Notify(msg)
		return Result{
			Script:   fmt.Sprintf("%s %s\n\n# --- FAILED CODE ---\n%s", FailurePrefix, msg, code),
			State:    StateFailed,
			Attempts: attempt + 1,
			Err:      se,
		}
	}

	return Result{Script: FailurePrefix + " Maximum retry count exceeded.", State: StateFailed, Attempts: s.MaxRetries + 1}
}

func (s *Synthesizer) fail(sink Sink, attempts int, err error, msg string) Result {
	sink.Notify(msg)
	return Result{Script: FailurePrefix + " " + msg, State: StateFailed, Attempts: attempts, Err: err}
}

func (s *Synthesizer) sink() Sink {
	if s.Sink == nil {
		return nopSink{}
	}
	return s.Sink
}

// EnsurePreamble prepends Preamble unless code already starts with it. A
// leading copy that differs only in indentation, blank lines or comment lines
// is replaced with the exact Preamble.
func EnsurePreamble(code string) string {
	if strings.HasPrefix(code, Preamble) {
		return code
	}
	if end, ok := preambleEnd(code); ok {
		return Preamble + strings.TrimPrefix(code[end:], "\n")
	}
	return Preamble + "\n" + code
}

// preambleEnd reports the offset just past the last line of a leading preamble
// copy, comparing the statement lines of each with surrounding whitespace trimmed
func preambleEnd(code string) (int, bool) {
	want := statementLines(Preamble)
	matched, pos := 0, 0
	for pos < len(code) && matched < len(want) {
		line := code[pos:]
		next := len(code)
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
			next = pos + nl + 1
		}
		if stmt := strings.TrimSpace(line); stmt != "" && !strings.HasPrefix(stmt, "#") {
			if stmt != want[matched] {
				return 0, false
			}
			matched++
		}
		pos = next
	}
	return pos, matched == len(want)
}

func statementLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if stmt := strings.TrimSpace(line); stmt != "" && !strings.HasPrefix(stmt, "#") {
			out = append(out, stmt)
		}
	}
	return out
}
