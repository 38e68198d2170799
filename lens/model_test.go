package lens

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// loopTraceResult builds the trace of a loop appending to a list, the call stack and heap repeat between
// consecutive steps.
func loopTraceResult(steps int) *TraceResult {
	tr := &TraceResult{
		Stdout:        "done\n",
		Trace:         make([]Snapshot, 0, steps),
		Returns:       []ReturnEvent{},
		StepsObserved: steps,
		Duration:      3 * time.Millisecond,
	}
	for i := 0; i < steps; i++ {
		items := make([]string, i/2)
		for j := range items {
			items[j] = strconv.Itoa(j)
		}
		preview := "[" + strings.Join(items, ", ") + "]"
		locals := LocalTable{
			"acc": {Type: "list", ID: "h1", Preview: preview},
			"i":   {Type: "int", Value: strconv.Itoa(i / 2), Preview: strconv.Itoa(i / 2)},
		}
		tr.Trace = append(tr.Trace, Snapshot{
			Step:       i,
			Line:       2 + i%2,
			SourceText: "acc.append(i)",
			Timestamp:  float64(i) / 1000,
			Locals:     locals,
			CallStack:  []StackFrame{{Function: ModuleFrameName, Line: 2 + i%2, Locals: locals}},
			Heap:       HeapTable{"h1": {Type: "list", Preview: preview, Size: len(items)}},
		})
	}
	tr.Returns = append(tr.Returns, ReturnEvent{Step: steps - 1, Value: "None", Function: ModuleFrameName})
	return tr
}

func TestTraceResultMsgpackEncoding(t *testing.T) {
	t.Parallel()

	recursive := func() *TraceResult {
		outer := LocalTable{"n": {Type: "int", Value: "2", Preview: "2"}}
		inner := LocalTable{"n": {Type: "int", Value: "1", Preview: "1"}}
		module := LocalTable{"fact": {Type: "function", Value: "<function fact>", Preview: "<function fact>"}}
		stack := []StackFrame{
			{Function: ModuleFrameName, Line: 5, Locals: module},
			{Function: "fact", Line: 4, Locals: outer},
			{Function: "fact", Line: 2, Locals: inner},
		}
		return &TraceResult{
			Trace: []Snapshot{
				{Step: 0, Line: 2, Locals: inner, CallStack: stack, Heap: HeapTable{}},
				{Step: 1, Line: 3, Locals: inner, CallStack: stack, Heap: HeapTable{}},
			},
			Returns: []ReturnEvent{
				{Step: 1, Value: "1", Function: "fact"},
				{Step: 1, Value: "2", Function: "fact"},
				{Step: 1, Value: "None", Function: ModuleFrameName},
			},
			StepsObserved: 2,
		}
	}

	tests := []struct {
		name   string
		result *TraceResult
	}{
		{"empty", &TraceResult{Trace: []Snapshot{}, Returns: []ReturnEvent{}}},
		{"single_step", loopTraceResult(1)},
		{"repeated_tables", loopTraceResult(40)},
		{"recursive_stack", recursive()},
		{"failed", func() *TraceResult {
			tr := loopTraceResult(3)
			tr.Error = "Traceback (most recent call last):\nError: boom"
			tr.Stderr = tr.Error
			return tr
		}()},
		{"truncated", func() *TraceResult {
			tr := loopTraceResult(5)
			tr.Truncated = true
			tr.StepsObserved = 9
			return tr
		}()},
		{"locals_differ_from_stack", func() *TraceResult {
			tr := loopTraceResult(4)
			tr.Trace[2].Locals = LocalTable{}
			return tr
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			blob, err := tt.result.MarshalMsgpack()
			require.NoError(t, err)

			var decoded TraceResult
			require.NoError(t, decoded.UnmarshalMsgpack(blob))
			if diff := cmp.Diff(*tt.result, decoded); diff != "" {
				t.Errorf("decoded trace mismatch (-want +got):\n%s", diff)
			}

			// through the msgpack package to ensure the custom encoder is selected
			blob, err = msgpack.Marshal(tt.result)
			require.NoError(t, err)
			var viaPackage TraceResult
			require.NoError(t, msgpack.Unmarshal(blob, &viaPackage))
			assert.Equal(t, tt.result.Fingerprint(), viaPackage.Fingerprint())
		})
	}

	t.Run("dictionary_smaller", func(t *testing.T) {
		t.Parallel()

		tr := loopTraceResult(60)
		blob, err := tr.MarshalMsgpack()
		require.NoError(t, err)
		plain, err := msgpack.Marshal(struct {
			Trace []Snapshot
		}{tr.Trace})
		require.NoError(t, err)
		assert.Less(t, len(blob), len(plain))
	})

	t.Run("invalid_index", func(t *testing.T) {
		t.Parallel()

		idx := 3
		blob, err := msgpack.Marshal(encTraceResult{Trace: []encSnapshot{{Ci: &idx}}})
		require.NoError(t, err)
		var decoded TraceResult
		require.Error(t, decoded.UnmarshalMsgpack(blob))
	})
}

func TestTraceResultFingerprint(t *testing.T) {
	t.Parallel()

	t.Run("ignores_timestamps", func(t *testing.T) {
		a := loopTraceResult(6)
		b := loopTraceResult(6)
		for i := range b.Trace {
			b.Trace[i].Timestamp += 1.5
		}
		b.Returns[0].Timestamp = 9
		b.Duration = time.Second
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
		assert.True(t, strings.HasPrefix(a.Fingerprint(), FingerprintPrefix))
	})

	t.Run("content_changes", func(t *testing.T) {
		base := loopTraceResult(6).Fingerprint()

		changedValue := loopTraceResult(6)
		changedValue.Trace[3].Locals["i"] = LocalValue{Type: "int", Value: "7", Preview: "7"}
		assert.NotEqual(t, base, changedValue.Fingerprint())

		changedOutput := loopTraceResult(6)
		changedOutput.Stdout = "other\n"
		assert.NotEqual(t, base, changedOutput.Fingerprint())

		shorter := loopTraceResult(5)
		assert.NotEqual(t, base, shorter.Fingerprint())
	})
}

func TestSnapshotJSON(t *testing.T) {
	t.Parallel()

	snap := loopTraceResult(3).Trace[2]
	b, err := json.Marshal(snap)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	for _, key := range []string{"step", "line", "source_text", "timestamp", "locals", "call_stack", "heap"} {
		assert.Contains(t, generic, key)
	}

	locals := generic["locals"].(map[string]any)
	acc := locals["acc"].(map[string]any)
	assert.Equal(t, "h1", acc["id"])
	assert.NotContains(t, acc, "value") // heap bindings carry an id instead of a value
	i := locals["i"].(map[string]any)
	assert.Equal(t, "1", i["value"])
	assert.NotContains(t, i, "id")
}
