package lens

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

// ModuleFrameName is the displayed function name of the top-level script frame.
const ModuleFrameName = "<module>"

// FingerprintPrefix identifies the hash scheme of a trace fingerprint.
const FingerprintPrefix = "tsha1-"

// LocalValue is one visible binding of a frame, either a scalar (Value set) or a heap reference (ID set).
type LocalValue struct {
	// Type is the runtime type tag.
	Type string `json:"type" msgpack:"ty"`
	// Value is the precise value string of a scalar binding.
	Value string `json:"value,omitempty" msgpack:"v,omitempty"`
	// ID is the heap handle of a heap binding.
	ID string `json:"id,omitempty" msgpack:"id,omitempty"`
	// Preview is the bounded textual rendering.
	Preview string `json:"preview" msgpack:"p"`
}

// IsHeap reports if the binding refers to a heap entry.
func (lv LocalValue) IsHeap() bool {
	return lv.ID != ""
}

// LocalTable maps variable names to their visible bindings.
type LocalTable map[string]LocalValue

// HeapEntry describes one container object referenced from the call stack.
type HeapEntry struct {
	Type    string `json:"type" msgpack:"ty"`
	Preview string `json:"preview" msgpack:"p"`
	Size    int    `json:"size" msgpack:"s"`
}

// HeapTable maps heap handles to entries.
type HeapTable map[string]HeapEntry

// StackFrame is one active script call at the moment of a snapshot.
type StackFrame struct {
	// Function is the called function name, ModuleFrameName for the top level.
	Function string `json:"function" msgpack:"fu"`
	// Line is the current line within the frame.
	Line int `json:"line" msgpack:"li"`
	// Locals holds the visible bindings of the frame.
	Locals LocalTable `json:"locals" msgpack:"lo"`
}

// Snapshot is the recorded state at one reached statement.
type Snapshot struct {
	// Step is the zero based index of the snapshot within the trace.
	Step int `json:"step" msgpack:"st"`
	// Line is the script line of the reached statement.
	Line int `json:"line" msgpack:"li"`
	// SourceText is the trimmed text of Line.
	SourceText string `json:"source_text,omitempty" msgpack:"sx,omitempty"`
	// Timestamp is the offset in seconds from the start of execution.
	Timestamp float64 `json:"timestamp" msgpack:"ts"`
	// Locals is the innermost frame's local table.
	Locals LocalTable `json:"locals" msgpack:"lo"`
	// CallStack lists script frames outermost first.
	CallStack []StackFrame `json:"call_stack" msgpack:"cs"`
	// Heap holds the entries referenced by any frame of CallStack.
	Heap HeapTable `json:"heap" msgpack:"hp"`
}

// ReturnEvent records a script function returning.
type ReturnEvent struct {
	// Step is the most recently recorded step index, or 0 when none was recorded.
	Step int `json:"step" msgpack:"st"`
	// Value is the preview of the returned value.
	Value string `json:"value" msgpack:"v"`
	// Timestamp is the offset in seconds from the start of execution.
	Timestamp float64 `json:"timestamp" msgpack:"ts"`
	// Function is the name of the returning function.
	Function string `json:"function,omitempty" msgpack:"fu,omitempty"`
}

// TraceResult is the outcome of tracing one script.
type TraceResult struct {
	Stdout  string        `json:"stdout"`
	Stderr  string        `json:"stderr"`
	Trace   []Snapshot    `json:"trace"`
	Returns []ReturnEvent `json:"returns"`
	// Truncated reports the step cap was reached and further statements executed.
	Truncated bool `json:"truncated"`
	// Error is the formatted script error, empty when the script completed.
	Error string `json:"error,omitempty"`
	// StepsObserved counts every statement event, including those past the cap.
	StepsObserved int `json:"steps_observed"`
	// Duration is the wall time spent executing the script.
	Duration time.Duration `json:"-"`
}

// Failed reports if the script ended with an error.
func (tr *TraceResult) Failed() bool {
	return tr.Error != ""
}

// Fingerprint returns a stable identity of the observable trace content, ignoring timestamps.
func (tr *TraceResult) Fingerprint() string {
	normalized := struct {
		Stdout    string        `json:"stdout"`
		Stderr    string        `json:"stderr"`
		Trace     []Snapshot    `json:"trace"`
		Returns   []ReturnEvent `json:"returns"`
		Truncated bool          `json:"truncated"`
	}{
		Stdout:    tr.Stdout,
		Stderr:    tr.Stderr,
		Trace:     make([]Snapshot, len(tr.Trace)),
		Returns:   make([]ReturnEvent, len(tr.Returns)),
		Truncated: tr.Truncated,
	}
	for i, s := range tr.Trace {
		s.Timestamp = 0
		normalized.Trace[i] = s
	}
	for i, r := range tr.Returns {
		r.Timestamp = 0
		normalized.Returns[i] = r
	}
	b, err := json.Marshal(normalized) // map keys are sorted by encoding/json
	if err != nil {
		panic(err) // only plain strings and numbers are encoded
	}
	sha := sha1.Sum(b)
	return FingerprintPrefix + base91.StdEncoding.EncodeToString(sha[:])
}

// structs and code below encode TraceResult with repeated tables de-duplicated, consecutive snapshots
// usually repeat most of their call stack and heap

type encSnapshot struct {
	S  int          `msgpack:"s"`
	L  int          `msgpack:"l"`
	X  string       `msgpack:"x,omitempty"`
	T  float64      `msgpack:"t"`
	Lt bool         `msgpack:"lt,omitempty"` // locals equal the innermost call stack frame
	Li *int         `msgpack:"li,omitempty"` // -> LocalsDict
	Lo LocalTable   `msgpack:"lo,omitempty"`
	Ci *int         `msgpack:"ci,omitempty"` // -> StackDict
	Cs []StackFrame `msgpack:"cs,omitempty"`
	Hi *int         `msgpack:"hi,omitempty"` // -> HeapDict
	Hp HeapTable    `msgpack:"hp,omitempty"`
}

type encTraceResult struct {
	Stdout        string        `msgpack:"o"`
	Stderr        string        `msgpack:"e"`
	Trace         []encSnapshot `msgpack:"tr"`
	Returns       []ReturnEvent `msgpack:"r,omitempty"`
	Truncated     bool          `msgpack:"tc"`
	Error         string        `msgpack:"err,omitempty"`
	StepsObserved int           `msgpack:"so"`
	Duration      time.Duration `msgpack:"d"`

	LocalsDict []LocalTable   `msgpack:"lh,omitempty"`
	StackDict  [][]StackFrame `msgpack:"sh,omitempty"`
	HeapDict   []HeapTable    `msgpack:"hh,omitempty"`
}

func hasDup(freq map[string]int) bool {
	for _, n := range freq {
		if n > 1 {
			return true
		}
	}
	return false
}

// anyKey returns a content key for a, map keys are sorted so equal tables produce equal keys.
func anyKey(a any) string {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(a); err != nil {
		panic(err)
	}
	return bytesKey(buf.Bytes())
}

// dictEncoder assigns dictionary slots to values seen more than once.
type dictEncoder[T any] struct {
	count map[string]int
	index map[string]int
	dict  []T
}

func newDictEncoder[T any]() *dictEncoder[T] {
	return &dictEncoder[T]{count: make(map[string]int)}
}

func (d *dictEncoder[T]) observe(key string) {
	d.count[key]++
}

func (d *dictEncoder[T]) prepare() {
	if hasDup(d.count) {
		d.index = make(map[string]int)
	}
}

// encode returns either a dictionary index or nil when v should be inlined.
func (d *dictEncoder[T]) encode(key string, v T) *int {
	if d.index == nil || d.count[key] < 2 {
		return nil
	} else if pos, ok := d.index[key]; ok {
		return &pos
	}
	pos := len(d.dict)
	d.index[key] = pos
	d.dict = append(d.dict, v)
	return &pos
}

func (tr *TraceResult) MarshalMsgpack() ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	return tr.marshalMsgpack(enc, &bytes.Buffer{})
}

func (tr *TraceResult) marshalMsgpack(enc *msgpack.Encoder, buf *bytes.Buffer) ([]byte, error) {
	locals := newDictEncoder[LocalTable]()
	stacks := newDictEncoder[[]StackFrame]()
	heaps := newDictEncoder[HeapTable]()

	type snapKeys struct{ locals, stack, heap string }
	keys := make([]snapKeys, len(tr.Trace))
	localsFromStack := make([]bool, len(tr.Trace))
	for i, s := range tr.Trace {
		keys[i] = snapKeys{locals: anyKey(s.Locals), stack: anyKey(s.CallStack), heap: anyKey(s.Heap)}
		if len(s.CallStack) > 0 && anyKey(s.CallStack[len(s.CallStack)-1].Locals) == keys[i].locals {
			localsFromStack[i] = true
		} else {
			locals.observe(keys[i].locals)
		}
		stacks.observe(keys[i].stack)
		heaps.observe(keys[i].heap)
	}
	locals.prepare()
	stacks.prepare()
	heaps.prepare()

	encTrace := make([]encSnapshot, len(tr.Trace))
	for i, s := range tr.Trace {
		es := encSnapshot{S: s.Step, L: s.Line, X: s.SourceText, T: s.Timestamp}
		if localsFromStack[i] {
			es.Lt = true
		} else if es.Li = locals.encode(keys[i].locals, s.Locals); es.Li == nil {
			es.Lo = s.Locals
		}
		if es.Ci = stacks.encode(keys[i].stack, s.CallStack); es.Ci == nil {
			es.Cs = s.CallStack
		}
		if es.Hi = heaps.encode(keys[i].heap, s.Heap); es.Hi == nil {
			es.Hp = s.Heap
		}
		encTrace[i] = es
	}

	buf.Reset()
	enc.Reset(buf)
	err := enc.Encode(encTraceResult{
		Stdout:        tr.Stdout,
		Stderr:        tr.Stderr,
		Trace:         encTrace,
		Returns:       tr.Returns,
		Truncated:     tr.Truncated,
		Error:         tr.Error,
		StepsObserved: tr.StepsObserved,
		Duration:      tr.Duration,
		LocalsDict:    locals.dict,
		StackDict:     stacks.dict,
		HeapDict:      heaps.dict,
	})
	return buf.Bytes(), err
}

func (tr *TraceResult) UnmarshalMsgpack(data []byte) error {
	var enc encTraceResult
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}

	tr.Stdout = enc.Stdout
	tr.Stderr = enc.Stderr
	tr.Returns = enc.Returns
	tr.Truncated = enc.Truncated
	tr.Error = enc.Error
	tr.StepsObserved = enc.StepsObserved
	tr.Duration = enc.Duration
	if tr.Returns == nil {
		tr.Returns = []ReturnEvent{}
	}

	tr.Trace = make([]Snapshot, len(enc.Trace))
	for i, es := range enc.Trace {
		s := Snapshot{Step: es.S, Line: es.L, SourceText: es.X, Timestamp: es.T}
		if es.Ci != nil {
			if *es.Ci < 0 || *es.Ci >= len(enc.StackDict) {
				return fmt.Errorf("invalid encoded stack index: %d", *es.Ci)
			}
			s.CallStack = enc.StackDict[*es.Ci]
		} else {
			s.CallStack = es.Cs
		}
		if es.Hi != nil {
			if *es.Hi < 0 || *es.Hi >= len(enc.HeapDict) {
				return fmt.Errorf("invalid encoded heap index: %d", *es.Hi)
			}
			s.Heap = enc.HeapDict[*es.Hi]
		} else {
			s.Heap = es.Hp
		}
		switch {
		case es.Lt:
			if len(s.CallStack) == 0 {
				return fmt.Errorf("snapshot %d references missing call stack locals", es.S)
			}
			s.Locals = s.CallStack[len(s.CallStack)-1].Locals
		case es.Li != nil:
			if *es.Li < 0 || *es.Li >= len(enc.LocalsDict) {
				return fmt.Errorf("invalid encoded locals index: %d", *es.Li)
			}
			s.Locals = enc.LocalsDict[*es.Li]
		default:
			s.Locals = es.Lo
		}
		if s.CallStack == nil {
			s.CallStack = []StackFrame{}
		}
		if s.Locals == nil {
			s.Locals = LocalTable{}
		}
		if s.Heap == nil {
			s.Heap = HeapTable{}
		}
		tr.Trace[i] = s
	}
	return nil
}
