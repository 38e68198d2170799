package lens

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const preludeFilename = "<prelude>"

// preludeSource provides Python builtins that scripts commonly expect but the interpreter does not offer.
// Prelude frames are not part of the script unit and are never traced.
const preludeSource = `
def sum(iterable, start = 0):
    total = start
    for x in iterable:
        total += x
    return total

def abs(x):
    return -x if x < 0 else x

def divmod(a, b):
    return (a // b, a % b)

def pow(base, exp):
    result = 1
    for _ in range(exp):
        result *= base
    return result
`

// scriptOptions accepts scripts written like Python: top level loops, while, recursion and sets.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

var loadPrelude = sync.OnceValues(func() (*starlark.Program, error) {
	f, err := scriptOptions.Parse(preludeFilename, preludeSource, 0)
	if err != nil {
		return nil, fmt.Errorf("parse prelude failed: %w", err)
	}
	prog, err := starlark.FileProgram(f, starlark.StringDict{}.Has)
	if err != nil {
		return nil, fmt.Errorf("compile prelude failed: %w", err)
	}
	return prog, nil
})

// outputStream is a script visible writable stream, exposed as sys.stdout and sys.stderr.
type outputStream struct {
	name string
	w    io.Writer
}

var _ starlark.HasAttrs = (*outputStream)(nil)

func (s *outputStream) String() string        { return "<sys." + s.name + ">" }
func (s *outputStream) Type() string          { return "stream" }
func (s *outputStream) Freeze()               {}
func (s *outputStream) Truth() starlark.Bool  { return starlark.True }
func (s *outputStream) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", s.Type()) }

func (s *outputStream) Attr(name string) (starlark.Value, error) {
	if name != "write" {
		return nil, nil
	}
	return starlark.NewBuiltin("write", func(_ *starlark.Thread, b *starlark.Builtin,
		args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
			return nil, err
		}
		_, _ = io.WriteString(s.w, text)
		return starlark.MakeInt(len(text)), nil
	}), nil
}

func (s *outputStream) AttrNames() []string {
	return []string{"write"}
}

// makePrint builds a print builtin accepting the Python keywords sep, end, file and flush.
func makePrint(stdout io.Writer) *starlark.Builtin {
	return starlark.NewBuiltin("print", func(_ *starlark.Thread, b *starlark.Builtin,
		args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		sep, end := " ", "\n"
		w := stdout
		for _, kv := range kwargs {
			key := string(kv[0].(starlark.String))
			switch key {
			case "sep", "end":
				str, ok := starlark.AsString(kv[1])
				if !ok && kv[1] != starlark.None {
					return nil, fmt.Errorf("%s: %s must be None or a string, not %s", b.Name(), key, kv[1].Type())
				} else if ok && key == "sep" {
					sep = str
				} else if ok {
					end = str
				}
			case "file":
				if kv[1] == starlark.None {
					continue
				}
				stream, ok := kv[1].(*outputStream)
				if !ok {
					return nil, fmt.Errorf("%s: file must be sys.stdout or sys.stderr, not %s", b.Name(), kv[1].Type())
				}
				w = stream.w
			case "flush":
				// output is buffered until the script ends
			default:
				return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), key)
			}
		}

		var sb strings.Builder
		for i, arg := range args {
			if i > 0 {
				sb.WriteString(sep)
			}
			if str, ok := starlark.AsString(arg); ok {
				sb.WriteString(str)
			} else {
				sb.WriteString(arg.String())
			}
		}
		sb.WriteString(end)
		_, _ = io.WriteString(w, sb.String())
		return starlark.None, nil
	})
}

// newSysModule exposes the request scoped output sinks to the script.
func newSysModule(stdout, stderr io.Writer) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "sys",
		Members: starlark.StringDict{
			"stdout": &outputStream{name: "stdout", w: stdout},
			"stderr": &outputStream{name: "stderr", w: stderr},
		},
	}
}

// preludeGlobals initializes the prelude on the thread, returning the definitions not already provided by the
// interpreter's universe.
func preludeGlobals(thread *starlark.Thread) (starlark.StringDict, error) {
	prog, err := loadPrelude()
	if err != nil {
		return nil, err
	}
	globals, err := prog.Init(thread, nil)
	if err != nil {
		return nil, fmt.Errorf("init prelude failed: %w", err)
	}
	for name := range globals {
		if _, builtin := starlark.Universe[name]; builtin {
			delete(globals, name)
		}
	}
	return globals, nil
}
