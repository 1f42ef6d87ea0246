package codegen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Validator checks that generated code is syntactically valid
type Validator interface {
	Validate(ctx context.Context, code string) error
}

// SyntaxError locates the first parse failure. Line and Column are 1-based.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s (line %d, column %d)", e.Msg, e.Line, e.Column)
}

// PythonValidator parses code with the tree-sitter Python grammar and checks
// the Python 3 rules the grammar is lenient about. When Interpreter is set the
// code is also compiled with ast.parse.
type PythonValidator struct {
	Interpreter string
}

// NewPythonValidator creates a validator
func NewPythonValidator() *PythonValidator {
	return &PythonValidator{}
}

// Validate returns a *SyntaxError for the first problem found, nil if the code
// is valid Python 3
func (v *PythonValidator) Validate(ctx context.Context, code string) error {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	src := []byte(code)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return fmt.Errorf("parsing python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return errorNodeSyntaxError(root, src)
	}
	if se := checkIndentation(code); se != nil {
		return se
	}
	if se := firstPython2Construct(root, src); se != nil {
		return se
	}
	if v.Interpreter != "" {
		return v.compile(ctx, code)
	}
	return nil
}

func errorNodeSyntaxError(root *sitter.Node, src []byte) *SyntaxError {
	bad := firstErrorNode(root)
	if bad == nil {
		bad = root
	}
	se := syntaxErrorAt(bad, "invalid syntax")
	if bad.IsMissing() {
		se.Msg = fmt.Sprintf("missing %q", bad.Type())
	} else if text := bad.Content(src); text != "" {
		se.Msg = fmt.Sprintf("invalid syntax near %q", truncate(text, 40))
	}
	return se
}

func syntaxErrorAt(n *sitter.Node, msg string) *SyntaxError {
	pt := n.StartPoint()
	return &SyntaxError{Line: int(pt.Row) + 1, Column: int(pt.Column) + 1, Msg: msg}
}

// firstErrorNode walks the tree in document order
func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		if found := firstErrorNode(child); found != nil {
			return found
		}
	}
	return nil
}

// firstPython2Construct finds nodes the grammar accepts but Python 3 rejects:
// print and exec statements, and an unparenthesized := as a whole statement
func firstPython2Construct(n *sitter.Node, src []byte) *SyntaxError {
	switch n.Type() {
	case "print_statement":
		return syntaxErrorAt(n, "Missing parentheses in call to 'print'")
	case "exec_statement":
		return syntaxErrorAt(n, "Missing parentheses in call to 'exec'")
	case "expression_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if child := n.NamedChild(i); child != nil && child.Type() == "named_expression" {
				return syntaxErrorAt(child, fmt.Sprintf("invalid syntax near %q", truncate(child.Content(src), 40)))
			}
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		if se := firstPython2Construct(child, src); se != nil {
			return se
		}
	}
	return nil
}

// indent is a line's indentation measured with tab stops of 8 and of 1.
// Python raises TabError when the two measures order two lines differently.
type indent struct {
	col8, col1 int
}

func measureIndent(line string) (indent, string) {
	var ind indent
	i := 0
loop:
	for ; i < len(line); i++ {
		switch line[i] {
		case ' ':
			ind.col8++
			ind.col1++
		case '\t':
			ind.col8 = (ind.col8/8 + 1) * 8
			ind.col1++
		case '\f':
			ind = indent{}
		default:
			break loop
		}
	}
	return ind, strings.TrimRight(line[i:], "\r")
}

// checkIndentation applies the tokenizer's INDENT/DEDENT rules to each logical
// line. Lines inside brackets, triple-quoted strings or after a backslash
// continuation are skipped.
func checkIndentation(code string) *SyntaxError {
	stack := []indent{{}}
	var (
		depth      int
		triple     string
		cont       bool
		wantsBlock bool
	)
	for n, line := range strings.Split(code, "\n") {
		if depth == 0 && triple == "" && !cont {
			ind, rest := measureIndent(line)
			if rest == "" || rest[0] == '#' {
				continue
			}
			at := func(msg string) *SyntaxError {
				return &SyntaxError{Line: n + 1, Column: ind.col1 + 1, Msg: msg}
			}
			top := stack[len(stack)-1]
			switch {
			case ind.col8 == top.col8:
				if ind.col1 != top.col1 {
					return at("inconsistent use of tabs and spaces in indentation")
				}
				if wantsBlock {
					return at("expected an indented block")
				}
			case ind.col8 > top.col8:
				if ind.col1 <= top.col1 {
					return at("inconsistent use of tabs and spaces in indentation")
				}
				if !wantsBlock {
					return at("unexpected indent")
				}
				stack = append(stack, ind)
			default:
				if wantsBlock {
					return at("expected an indented block")
				}
				for len(stack) > 1 && ind.col8 < stack[len(stack)-1].col8 {
					stack = stack[:len(stack)-1]
				}
				top = stack[len(stack)-1]
				if ind.col8 != top.col8 {
					return at("unindent does not match any outer indentation level")
				}
				if ind.col1 != top.col1 {
					return at("inconsistent use of tabs and spaces in indentation")
				}
			}
		}

		var last byte
		last, depth, triple, cont = scanLine(line, depth, triple)
		if depth == 0 && triple == "" && !cont {
			wantsBlock = last == ':'
		}
	}
	return nil
}

// scanLine tracks bracket depth and open triple-quoted strings across one
// physical line and returns the last significant byte outside comments
func scanLine(line string, depth int, triple string) (last byte, _ int, _ string, cont bool) {
	quote := triple
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != "" {
			switch {
			case c == '\\':
				i++
			case strings.HasPrefix(line[i:], quote):
				i += len(quote) - 1
				quote = ""
				last = c
			}
			continue
		}
		switch c {
		case '#':
			return last, depth, "", false
		case '"', '\'':
			quote = string(c)
			if strings.HasPrefix(line[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
				i += 2
			}
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case '\\':
			if i == len(line)-1 {
				return last, depth, "", true
			}
		case ' ', '\t', '\r', '\f':
			continue
		}
		last = c
	}
	if len(quote) != 3 {
		// an unterminated single-quoted string is a parse error reported elsewhere
		quote = ""
	}
	return last, depth, quote, false
}

var pyErrorLine = regexp.MustCompile(`line (\d+)`)

const astCheck = "import ast,sys; ast.parse(sys.stdin.read())"

// compile runs ast.parse in the configured interpreter. An interpreter that
// cannot be started leaves the tree-sitter result standing.
func (v *PythonValidator) compile(ctx context.Context, code string) error {
	cmd := exec.CommandContext(ctx, v.Interpreter, "-c", astCheck)
	cmd.Stdin = strings.NewReader(code)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		log.Printf("[SYNTH] Warning: python interpreter %q unavailable, using parser result: %v", v.Interpreter, err)
		return nil
	}
	return parseInterpreterError(stderr.String())
}

// parseInterpreterError turns a traceback ending in "SyntaxError: msg" into a
// *SyntaxError
func parseInterpreterError(stderr string) *SyntaxError {
	se := &SyntaxError{Line: 1, Column: 1, Msg: "invalid syntax"}
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if n := len(lines); n > 0 {
		last := strings.TrimSpace(lines[n-1])
		if _, msg, ok := strings.Cut(last, ": "); ok {
			se.Msg = msg
		} else if last != "" {
			se.Msg = last
		}
	}
	if m := pyErrorLine.FindAllStringSubmatch(stderr, -1); len(m) > 0 {
		if line, err := strconv.Atoi(m[len(m)-1][1]); err == nil && line > 0 {
			se.Line = line
		}
	}
	return se
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
