package codegen

import (
	"context"
	"errors"

	"github.com/kwv/sketchmesh/mesh"
)

// Generator sends one prompt to a code-generating model and returns its raw reply
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TransportError means the model service could not be reached or answered
// with a non-2xx status. The synthesis loop treats it as terminal.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, mesh.ErrTransport) hold for every TransportError
func (e *TransportError) Is(target error) bool { return target == mesh.ErrTransport }

// IsTransport reports whether err is a transport fault
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, mesh.ErrTransport)
}

// ErrEmptyResponse is returned when the model replies with no content
var ErrEmptyResponse = errors.New("model returned an empty response")
