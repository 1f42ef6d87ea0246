package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kwv/sketchmesh/mesh"
)

// MockGenerator is a testify mock for Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

const validBody = `for element in data['elements']:
    if element['type'] == 'wall':
        start = element['start']
        end = element['end']
        length = math.sqrt((end[0] - start[0])**2 + (end[1] - start[1])**2)
        bpy.ops.mesh.primitive_cube_add(location=((start[0] + end[0]) / 2, (start[1] + end[1]) / 2, wall_height / 2))
`

const brokenCode = "def broken(:\n    pass"

func sampleModel() mesh.SketchModel {
	return mesh.SketchModel{
		Elements: []mesh.Element{
			mesh.NewWall(mesh.Point{X: 8, Y: 5}, mesh.Point{X: 12, Y: 5}),
			mesh.NewOpening(mesh.ElementDoor, mesh.Point{X: 10, Y: 5}, 1.2),
		},
		Annotations: []mesh.Annotation{},
		ImageSize:   mesh.ImageSize{Width: 200, Height: 100},
	}
}

func TestSynthesize_FirstAttemptValid(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return("```python\n"+Preamble+"\n"+validBody+"```", nil).Once()

	rec := &Recorder{}
	s := NewSynthesizer(gen, "gemma3", WithSink(rec))
	res := s.Synthesize(context.Background(), sampleModel())

	require.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
	assert.True(t, strings.HasPrefix(res.Script, Preamble))
	assert.False(t, IsFailure(res.Script))
	assert.Equal(t, []string{
		"Calling Ollama model `gemma3`...",
		"Script generation and validation complete!",
	}, rec.Messages())
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestSynthesize_PromptCarriesSketchData(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "**Sketch Data (sketch.json):**") &&
			strings.Contains(p, `"type": "wall"`) &&
			strings.Contains(p, "**CRITICAL RULES (MUST FOLLOW):**")
	})).Return(validBody, nil).Once()

	res := NewSynthesizer(gen, "gemma3").Synthesize(context.Background(), sampleModel())
	assert.Equal(t, StateSuccess, res.State)
	gen.AssertExpectations(t)
}

func TestSynthesize_PrependsMissingPreamble(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return(validBody, nil)

	res := NewSynthesizer(gen, "gemma3").Synthesize(context.Background(), sampleModel())

	require.Equal(t, StateSuccess, res.State)
	assert.True(t, strings.HasPrefix(res.Script, Preamble))
	assert.Contains(t, res.Script, strings.TrimSpace(validBody))
}

func TestSynthesize_RepairsAfterSyntaxError(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return !strings.Contains(p, "**Incorrect Code:**")
	})).Return("```python\n"+brokenCode+"\n```", nil).Once()
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "**Error:**") && strings.Contains(p, brokenCode)
	})).Return(validBody, nil).Once()

	rec := &Recorder{}
	res := NewSynthesizer(gen, "gemma3", WithSink(rec)).Synthesize(context.Background(), sampleModel())

	require.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{
		"Calling Ollama model `gemma3`...",
		"Script error detected. Attempting to fix... (try 1/2)",
		"Script generation and validation complete!",
	}, rec.Messages())
	gen.AssertExpectations(t)
}

func TestSynthesize_ExhaustsBudget(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return(brokenCode, nil)

	rec := &Recorder{}
	res := NewSynthesizer(gen, "gemma3", WithSink(rec)).Synthesize(context.Background(), sampleModel())

	gen.AssertNumberOfCalls(t, "Generate", 3)
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, IsFailure(res.Script))
	assert.True(t, strings.HasPrefix(res.Script, "# ERROR: Script auto-fix failed: "))
	assert.True(t, strings.HasSuffix(res.Script, "\n\n# --- FAILED CODE ---\n"+brokenCode))

	var se *SyntaxError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, 1, se.Line)

	msgs := rec.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "Script error detected. Attempting to fix... (try 2/2)", msgs[2])
	assert.True(t, strings.HasPrefix(msgs[3], "Script auto-fix failed: "))
}

func TestSynthesize_TransportIsTerminal(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).
		Return("", &TransportError{Err: fmt.Errorf("%w: dial tcp: connection refused", mesh.ErrTransport)}).Once()

	rec := &Recorder{}
	res := NewSynthesizer(gen, "gemma3", WithSink(rec)).Synthesize(context.Background(), sampleModel())

	gen.AssertNumberOfCalls(t, "Generate", 1)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, strings.HasPrefix(res.Script, "# ERROR: Ollama server connection error: "))
	assert.NotContains(t, res.Script, "FAILED CODE")
	assert.True(t, IsTransport(res.Err))
	assert.Equal(t, strings.TrimPrefix(res.Script, "# ERROR: "), rec.Messages()[1])
}

func TestSynthesize_UnknownError(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return("", ErrEmptyResponse).Once()

	res := NewSynthesizer(gen, "gemma3").Synthesize(context.Background(), sampleModel())

	gen.AssertNumberOfCalls(t, "Generate", 1)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "# ERROR: Unknown error occurred: model returned an empty response", res.Script)
}

func TestSynthesize_EmptyModelTerminates(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, `"elements": []`) && strings.Contains(p, `"annotations": []`)
	})).Return(Preamble, nil).Once()

	res := NewSynthesizer(gen, "gemma3").Synthesize(context.Background(), mesh.SketchModel{})

	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, Preamble, res.Script)
	gen.AssertExpectations(t)
}

func TestSynthesize_ZeroRetries(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return(brokenCode, nil)

	res := NewSynthesizer(gen, "gemma3", WithMaxRetries(0)).Synthesize(context.Background(), sampleModel())

	gen.AssertNumberOfCalls(t, "Generate", 1)
	assert.True(t, res.Failed())
}

func TestSynthesize_CustomEngineName(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return(validBody, nil)

	rec := &Recorder{}
	NewSynthesizer(gen, "gemini-2.0-flash", WithEngine("Gemini"), WithSink(rec)).Synthesize(context.Background(), sampleModel())

	assert.Equal(t, "Calling Gemini model `gemini-2.0-flash`...", rec.Messages()[0])
}

func TestIsFailure(t *testing.T) {
	tests := []struct {
		script string
		want   bool
	}{
		{"# ERROR: Unknown error occurred: boom", true},
		{Preamble, false},
		{"", false},
		{"print('# ERROR: not a prefix')", false},
	}
	for _, tt := range tests {
		if got := IsFailure(tt.script); got != tt.want {
			t.Errorf("IsFailure(%q) = %v, want %v", tt.script, got, tt.want)
		}
	}
}

func TestEnsurePreamble(t *testing.T) {
	assert.Equal(t, Preamble+"x = 1", EnsurePreamble(Preamble+"x = 1"))
	assert.Equal(t, Preamble, EnsurePreamble(strings.TrimSpace(Preamble)))
	assert.Equal(t, Preamble+"\nx = 1", EnsurePreamble("x = 1"))
}

func TestEnsurePreamble_ReindentedCopy(t *testing.T) {
	spaced := strings.ReplaceAll(Preamble, "\t", "    ")
	require.NotEqual(t, Preamble, spaced)

	got := EnsurePreamble(spaced + "\nfor element in data['elements']:\n    pass\n")
	assert.Equal(t, Preamble+"for element in data['elements']:\n    pass\n", got)
	assert.Equal(t, 1, strings.Count(got, "import bpy"))

	// comment lines may be dropped or reworded
	var kept []string
	for _, line := range strings.Split(Preamble, "\n") {
		if !strings.HasPrefix(line, "#") {
			kept = append(kept, line)
		}
	}
	got = EnsurePreamble(strings.Join(kept, "\n") + "x = 1\n")
	assert.Equal(t, Preamble+"x = 1\n", got)

	// a changed statement is not a preamble copy
	edited := strings.Replace(Preamble, "wall_height = 2.5", "wall_height = 3.0", 1)
	assert.Equal(t, Preamble+"\n"+edited, EnsurePreamble(edited))
}
