package codegen

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kwv/sketchmesh/mesh"
)

// ErrEmptyInstruction is returned for a blank modification request
var ErrEmptyInstruction = errors.New("modification request is empty")

// Reviser applies a free-form modification request to an existing script.
// The result is not validated.
type Reviser struct {
	Generator Generator
	Sink      Sink
}

// NewReviser creates a reviser
func NewReviser(gen Generator, sink Sink) *Reviser {
	return &Reviser{Generator: gen, Sink: sink}
}

// Revise makes exactly one generator call. On error the caller must keep current.
func (r *Reviser) Revise(ctx context.Context, current, instruction string) (string, error) {
	if strings.TrimSpace(current) == "" {
		return "", mesh.ErrNoScript
	}
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return "", ErrEmptyInstruction
	}

	sink := r.Sink
	if sink == nil {
		sink = nopSink{}
	}

	reply, err := r.Generator.Generate(ctx, BuildRevisePrompt(current, instruction))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyResponse
	}
	if err != nil {
		log.Printf("[SYNTH] revise failed: %v", err)
		sink.Notify(fmt.Sprintf("Error occurred while modifying script: %v", err))
		return "", err
	}

	sink.Notify("Modified Blender script generated.")
	return ExtractCode(reply), nil
}
