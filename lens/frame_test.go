package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestHeapArena(t *testing.T) {
	t.Parallel()

	arena := newHeapArena()
	a := starlark.NewList(nil)
	b := starlark.NewList(nil)

	assert.Equal(t, "h1", arena.handle(a))
	assert.Equal(t, "h2", arena.handle(b))
	assert.Equal(t, "h1", arena.handle(a))

	// equal contents are still distinct objects
	_ = a.Append(starlark.MakeInt(1))
	_ = b.Append(starlark.MakeInt(1))
	assert.Equal(t, "h1", arena.handle(a))
	assert.Equal(t, "h2", arena.handle(b))
	assert.Equal(t, "h3", arena.handle(starlark.NewDict(0)))
}

func TestVisibleName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		visible bool
	}{
		{"x", true},
		{"total_sum", true},
		{"_hidden", false},
		{"__name__", false},
		{"self", false},
		{hookStep, false},
		{hookReturn, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.visible, visibleName(tt.name))
		})
	}
}

func TestProjectFrame(t *testing.T) {
	t.Parallel()

	t.Run("scalars_and_heap", func(t *testing.T) {
		arena := newHeapArena()
		list := starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.MakeInt(2)})
		heap, locals := projectFrame(arena, []frameBinding{
			{name: "n", value: starlark.MakeInt(5)},
			{name: "items", value: list},
			{name: "f", value: starlark.NewBuiltin("f", nil)},
			{name: "_tmp", value: starlark.MakeInt(1)},
			{name: "nothing", value: starlark.None},
		}, PreviewLimit)

		assert.Equal(t, LocalTable{
			"n":     {Type: "int", Value: "5", Preview: "5"},
			"items": {Type: "list", ID: "h1", Preview: "[1, 2]"},
		}, locals)
		assert.Equal(t, HeapTable{
			"h1": {Type: "list", Preview: "[1, 2]", Size: 2},
		}, heap)
	})

	t.Run("shared_reference", func(t *testing.T) {
		arena := newHeapArena()
		dict := starlark.NewDict(1)
		require.NoError(t, dict.SetKey(starlark.String("k"), starlark.MakeInt(1)))
		heap, locals := projectFrame(arena, []frameBinding{
			{name: "a", value: dict},
			{name: "b", value: dict},
		}, PreviewLimit)

		assert.Len(t, heap, 1)
		assert.Equal(t, locals["a"].ID, locals["b"].ID)
		assert.True(t, locals["a"].IsHeap())
	})

	t.Run("handles_stable_across_frames", func(t *testing.T) {
		arena := newHeapArena()
		list := starlark.NewList(nil)
		_, first := projectFrame(arena, []frameBinding{{name: "xs", value: list}}, PreviewLimit)
		_, second := projectFrame(arena, []frameBinding{
			{name: "other", value: starlark.NewList(nil)},
			{name: "xs", value: list},
		}, PreviewLimit)

		assert.Equal(t, first["xs"].ID, second["xs"].ID)
		assert.NotEqual(t, second["other"].ID, second["xs"].ID)
	})

	t.Run("preview_limit", func(t *testing.T) {
		arena := newHeapArena()
		_, locals := projectFrame(arena, []frameBinding{
			{name: "s", value: starlark.String("abcdefghijklmnopqrstuvwxyz")},
		}, 5)

		assert.Equal(t, `"abcd`+PreviewTruncatedMarker, locals["s"].Preview)
		assert.Equal(t, locals["s"].Preview, locals["s"].Value)
	})

	t.Run("empty", func(t *testing.T) {
		heap, locals := projectFrame(newHeapArena(), nil, PreviewLimit)
		assert.Empty(t, heap)
		assert.Empty(t, locals)
		assert.NotNil(t, locals)
	})
}
