package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoScript is returned when a revision is requested before any script exists
var ErrNoScript = errors.New("please upload a floor plan image first to generate a Blender script")

// ErrStaleRun is returned when a result arrives for a run that a newer sketch replaced
var ErrStaleRun = errors.New("run superseded by a newer sketch")

// ErrScriptChanged is returned when the script was replaced while a revision was generated
var ErrScriptChanged = errors.New("script changed while the revision was generated")

// Message is one entry of the session transcript
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session owns the current sketch, the current script slot and the
// progress transcript. A new sketch discards all three.
type Session struct {
	mu        sync.RWMutex
	runID     string
	imageName string
	model     *SketchModel
	script    string
	messages  []Message
	updated   time.Time
}

// SessionSnapshot is a copy of the session state for handlers
type SessionSnapshot struct {
	RunID     string       `json:"runId"`
	ImageName string       `json:"imageName"`
	Model     *SketchModel `json:"model,omitempty"`
	Script    string       `json:"script"`
	Messages  []Message    `json:"messages"`
	Updated   time.Time    `json:"updated"`
}

// NewSession creates an empty session
func NewSession() *Session {
	return &Session{messages: make([]Message, 0)}
}

// Begin starts a new run for a freshly submitted sketch and returns its ID.
// Any previous model, script and transcript are discarded.
func (s *Session) Begin(imageName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runID = uuid.NewString()
	s.imageName = imageName
	s.model = nil
	s.script = ""
	s.messages = make([]Message, 0)
	s.updated = time.Now()
	return s.runID
}

// RunID returns the active run ID (empty before the first sketch)
func (s *Session) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// SetModel stores the reconstructed model for runID. Stale runs are ignored.
func (s *Session) SetModel(runID string, m SketchModel) error {
	return s.CommitModel(runID, m, nil)
}

// CommitModel stores the model for runID and runs save under the session lock,
// so files written by save always belong to the current run. Nothing is stored
// if the run is stale or save fails.
func (s *Session) CommitModel(runID string, m SketchModel, save func(SketchModel) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID != s.runID {
		return ErrStaleRun
	}
	if save != nil {
		if err := save(m); err != nil {
			return err
		}
	}
	s.model = &m
	s.updated = time.Now()
	return nil
}

// CompleteRun stores the synthesized script for runID. Stale runs are ignored.
func (s *Session) CompleteRun(runID, script string) error {
	return s.CommitScript(runID, script, nil)
}

// CommitScript is CompleteRun with a save step held under the session lock
func (s *Session) CommitScript(runID, script string, save func(string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID != s.runID {
		return ErrStaleRun
	}
	if save != nil {
		if err := save(script); err != nil {
			return err
		}
	}
	s.script = script
	s.updated = time.Now()
	return nil
}

// Model returns the current model
func (s *Session) Model() (SketchModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return SketchModel{}, false
	}
	return *s.model, true
}

// Script returns the current script
func (s *Session) Script() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.script, s.script != ""
}

// ApplyRevision runs revise against the current script and replaces the slot
// only when revise succeeds and the slot still holds the script revise saw.
// A newer sketch gives ErrStaleRun, a concurrent revision ErrScriptChanged.
// On any error the prior script is left untouched.
func (s *Session) ApplyRevision(revise func(current string) (string, error)) (string, error) {
	s.mu.RLock()
	runID, current := s.runID, s.script
	s.mu.RUnlock()

	if current == "" {
		return "", ErrNoScript
	}

	revised, err := revise(current)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if runID != s.runID {
		return "", ErrStaleRun
	}
	if s.script != current {
		return "", ErrScriptChanged
	}
	s.script = revised
	s.updated = time.Now()
	return revised, nil
}

// AddMessage appends a transcript entry
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: time.Now()})
}

// Messages returns a copy of the transcript in order
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Snapshot returns a copy of the whole session
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		RunID:     s.runID,
		ImageName: s.imageName,
		Script:    s.script,
		Messages:  make([]Message, len(s.messages)),
		Updated:   s.updated,
	}
	copy(snap.Messages, s.messages)
	if s.model != nil {
		m := *s.model
		snap.Model = &m
	}
	return snap
}

// RunSink records progress for one run. Messages from a superseded run are dropped.
type RunSink struct {
	session *Session
	runID   string
}

// SinkFor returns a progress sink bound to runID
func (s *Session) SinkFor(runID string) RunSink {
	return RunSink{session: s, runID: runID}
}

// Notify appends an assistant message if the run is still current
func (r RunSink) Notify(msg string) {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	if r.runID != r.session.runID {
		return
	}
	r.session.messages = append(r.session.messages, Message{Role: "assistant", Content: msg, Timestamp: time.Now()})
}
