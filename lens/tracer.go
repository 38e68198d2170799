package lens

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
)

const (
	// DefaultStepCap is the maximum number of snapshots recorded per trace.
	DefaultStepCap = 500
	// DefaultMaxCallDepth bounds the interpreter call stack depth of a traced script.
	DefaultMaxCallDepth = 1000
	// DefaultMaxExecutionSteps bounds the interpreter work of a traced script.
	DefaultMaxExecutionSteps = 5_000_000
	// DefaultOutputLimit is the byte limit of each captured output stream.
	DefaultOutputLimit = 1 << 20
)

// backtraceLineLimit keeps the innermost frames of deep recursion backtraces.
const backtraceLineLimit = 40

var errRecursionDepth = errors.New("RecursionError: maximum recursion depth exceeded")

// TraceConfig holds the resource bounds of a tracing session.
type TraceConfig struct {
	// StepCap is the maximum number of recorded snapshots.
	StepCap int `yaml:"step_cap"`
	// PreviewLimit is the maximum number of characters in a value preview.
	PreviewLimit int `yaml:"preview_limit"`
	// OutputLimit is the byte limit of each captured output stream.
	OutputLimit int `yaml:"output_limit"`
	// MaxCallDepth is the maximum call stack depth before a RecursionError is raised.
	MaxCallDepth int `yaml:"max_call_depth"`
	// MaxExecutionSteps is the interpreter step budget, zero for unlimited.
	MaxExecutionSteps uint64 `yaml:"max_execution_steps"`
}

// DefaultTraceConfig returns the standard bounds.
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		StepCap:           DefaultStepCap,
		PreviewLimit:      PreviewLimit,
		OutputLimit:       DefaultOutputLimit,
		MaxCallDepth:      DefaultMaxCallDepth,
		MaxExecutionSteps: DefaultMaxExecutionSteps,
	}
}

// Tracer executes scripts while recording a snapshot per reached statement. A Tracer holds no per-run state
// and may be used concurrently.
type Tracer struct {
	config TraceConfig
	// Mirror optionally receives a live copy of both script output streams.
	Mirror io.Writer
}

// NewTracer returns a tracer with the given bounds, unset values use the defaults.
func NewTracer(config TraceConfig) *Tracer {
	defaults := DefaultTraceConfig()
	if config.StepCap <= 0 {
		config.StepCap = defaults.StepCap
	}
	if config.PreviewLimit <= 0 {
		config.PreviewLimit = defaults.PreviewLimit
	}
	if config.OutputLimit <= 0 {
		config.OutputLimit = defaults.OutputLimit
	}
	if config.MaxCallDepth <= 0 {
		config.MaxCallDepth = defaults.MaxCallDepth
	}
	return &Tracer{config: config}
}

// Config returns the effective bounds of the tracer.
func (t *Tracer) Config() TraceConfig {
	return t.config
}

// Run executes the script and returns its trace. Script failures (syntax, resolution, runtime, cancellation)
// are reported within the result, the returned error is only set for failures of the tracer itself.
func (t *Tracer) Run(ctx context.Context, code string) (*TraceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := newTraceSession(t.config, code, t.Mirror)

	thread := &starlark.Thread{
		Name: "trace",
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = io.WriteString(s.stdout, msg+"\n")
		},
	}
	if t.config.MaxExecutionSteps > 0 {
		thread.SetMaxExecutionSteps(t.config.MaxExecutionSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	predeclared, err := s.predeclared(thread)
	if err != nil {
		return nil, err
	}

	s.start = time.Now()
	runErr := s.exec(thread, predeclared)
	return s.finish(runErr), nil
}

// traceSession is the request scoped state of one Run.
type traceSession struct {
	config    TraceConfig
	code      string
	lines     []string
	arena     *heapArena
	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
	stdout    io.Writer
	stderr    io.Writer
	start     time.Time
	trace     []Snapshot
	returns   []ReturnEvent
	observed  int
}

func newTraceSession(config TraceConfig, code string, mirror io.Writer) *traceSession {
	s := &traceSession{
		config:  config,
		code:    code,
		lines:   strings.Split(code, "\n"),
		arena:   newHeapArena(),
		trace:   make([]Snapshot, 0, min(config.StepCap, 64)),
		returns: []ReturnEvent{},
	}
	s.stdout = newLimitedRollingBufferWriter(&s.stdoutBuf, config.OutputLimit)
	s.stderr = newLimitedRollingBufferWriter(&s.stderrBuf, config.OutputLimit)
	if mirror != nil {
		s.stdout = TeeWriter(s.stdout, mirror)
		s.stderr = TeeWriter(s.stderr, mirror)
	}
	return s
}

func (s *traceSession) predeclared(thread *starlark.Thread) (starlark.StringDict, error) {
	predeclared, err := preludeGlobals(thread)
	if err != nil {
		return nil, err
	}
	predeclared[hookStep] = starlark.NewBuiltin(hookStep, s.stepHook)
	predeclared[hookReturn] = starlark.NewBuiltin(hookReturn, s.returnHook)
	predeclared[hookGuard] = starlark.NewBuiltin(hookGuard, s.guardHook)
	predeclared["print"] = makePrint(s.stdout)
	predeclared["sys"] = newSysModule(s.stdout, s.stderr)
	return predeclared, nil
}

func (s *traceSession) exec(thread *starlark.Thread, predeclared starlark.StringDict) error {
	f, err := scriptOptions.Parse(ScriptFilename, s.code, 0)
	if err != nil {
		return err
	}
	if err := checkReservedNames(f); err != nil {
		return err
	}
	instrumentFile(f)
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return err
	}
	_, err = prog.Init(thread, predeclared)
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		s.unwound(evalErr.CallStack)
	}
	s.appendReturn(ModuleFrameName, starlark.None.String())
	return err
}

// unwound records a None return for every script function frame left by an error, innermost first. The module
// frame is recorded by the caller.
func (s *traceSession) unwound(stack starlark.CallStack) {
	for i := len(stack) - 1; i >= 0; i-- {
		fr := stack[i]
		if fr.Pos.Filename() != ScriptFilename || fr.Name == toplevelFuncName {
			continue
		}
		s.appendReturn(displayName(fr.Name), starlark.None.String())
	}
}

func (s *traceSession) appendReturn(function, value string) {
	s.returns = append(s.returns, ReturnEvent{
		Step:      s.lastStep(),
		Value:     value,
		Timestamp: s.offset(),
		Function:  function,
	})
}

func (s *traceSession) finish(runErr error) *TraceResult {
	result := &TraceResult{
		Stdout:        s.stdoutBuf.String(),
		Trace:         s.trace,
		Returns:       s.returns,
		Truncated:     len(s.trace) >= s.config.StepCap && s.observed > len(s.trace),
		StepsObserved: s.observed,
		Duration:      time.Since(s.start),
	}
	if runErr != nil {
		result.Error = formatScriptError(runErr)
		result.Stderr = result.Error
	} else {
		result.Stderr = s.stderrBuf.String()
	}
	return result
}

func (s *traceSession) offset() float64 {
	return time.Since(s.start).Seconds()
}

func (s *traceSession) lastStep() int {
	return max(len(s.trace)-1, 0)
}

func (s *traceSession) sourceText(line int) string {
	if line < 1 || line > len(s.lines) {
		return ""
	}
	return strings.TrimSpace(s.lines[line-1])
}

func (s *traceSession) checkDepth(thread *starlark.Thread) error {
	if thread.CallStackDepth() > s.config.MaxCallDepth {
		return errRecursionDepth
	}
	return nil
}

// stepHook runs before every script statement.
func (s *traceSession) stepHook(thread *starlark.Thread, b *starlark.Builtin,
	args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := s.checkDepth(thread); err != nil {
		return nil, err
	}
	var line int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &line); err != nil {
		return nil, err
	}

	s.observed++
	if len(s.trace) >= s.config.StepCap {
		return starlark.None, nil // observed but not recorded
	}
	stack, heap := walkStack(thread, s.arena, s.config.PreviewLimit)
	locals := LocalTable{}
	if len(stack) > 0 {
		locals = stack[len(stack)-1].Locals
	}
	s.trace = append(s.trace, Snapshot{
		Step:       len(s.trace),
		Line:       line,
		SourceText: s.sourceText(line),
		Timestamp:  s.offset(),
		Locals:     locals,
		CallStack:  stack,
		Heap:       heap,
	})
	return starlark.None, nil
}

// returnHook receives every value returned by a script function and passes it through.
func (s *traceSession) returnHook(thread *starlark.Thread, b *starlark.Builtin,
	args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	if thread.CallStackDepth() > 1 {
		if caller := thread.DebugFrame(1); scriptFrame(caller) {
			s.appendReturn(frameName(caller), SummarizeLimit(v, s.config.PreviewLimit))
		}
	}
	return v, nil
}

// guardHook enforces the call depth limit on lambda invocations, which have no statements to hook.
func (s *traceSession) guardHook(thread *starlark.Thread, _ *starlark.Builtin,
	_ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	if err := s.checkDepth(thread); err != nil {
		return nil, err
	}
	return starlark.True, nil
}

// formatScriptError renders a script failure, including the backtrace for runtime errors.
func formatScriptError(err error) string {
	var evalErr *starlark.EvalError
	var resolveErrs resolve.ErrorList
	switch {
	case errors.As(err, &evalErr):
		return limitStringLines(evalErr.Backtrace(), backtraceLineLimit, false)
	case errors.As(err, &resolveErrs):
		var sb strings.Builder
		for i, e := range resolveErrs {
			if i > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(e.Error())
		}
		return sb.String()
	default:
		return err.Error()
	}
}
