package lens

import (
	"unicode/utf8"

	"go.starlark.net/starlark"
)

const (
	// PreviewLimit is the default maximum number of characters in a value preview.
	PreviewLimit = 200
	// PreviewTruncatedMarker is appended to previews cut at the preview limit.
	PreviewTruncatedMarker = "... [truncated]"
	// UnrepresentablePreview is the preview of a value whose textual form could not be produced.
	UnrepresentablePreview = "<unrepresentable>"
)

// ValueClass is the visibility class of a runtime value.
type ValueClass uint8

const (
	// ClassIgnored values are excluded from both the local and heap tables.
	ClassIgnored ValueClass = iota
	// ClassScalar values are bound inline by their preview.
	ClassScalar
	// ClassHeap values are identified through the heap arena.
	ClassHeap
)

func (c ValueClass) String() string {
	switch c {
	case ClassScalar:
		return "scalar"
	case ClassHeap:
		return "heap"
	default:
		return "ignored"
	}
}

// Classify reports the class of v from its exact dynamic type.
func Classify(v starlark.Value) ValueClass {
	switch v.(type) {
	case *starlark.List, *starlark.Dict, *starlark.Set:
		return ClassHeap
	case starlark.Int, starlark.Float, starlark.String, starlark.Bool:
		return ClassScalar
	default:
		return ClassIgnored
	}
}

// Summarize renders v with the default preview limit.
func Summarize(v starlark.Value) string {
	return SummarizeLimit(v, PreviewLimit)
}

// SummarizeLimit renders v into a preview of at most limit characters (plus the truncation marker).
// It never panics; values that fail to render produce UnrepresentablePreview.
func SummarizeLimit(v starlark.Value, limit int) (preview string) {
	if v == nil {
		return UnrepresentablePreview
	}
	defer func() {
		if r := recover(); r != nil {
			preview = UnrepresentablePreview
		}
	}()

	return truncatePreview(v.String(), limit)
}

func truncatePreview(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	var count, cut int
	for i := range s {
		if count == limit {
			cut = i
			break
		}
		count++
	}
	return s[:cut] + PreviewTruncatedMarker
}

// KindOf returns the type tag of v.
func KindOf(v starlark.Value) string {
	if v == nil {
		return "NoneType"
	}
	return v.Type()
}

// SizeOf returns the element count of container values, ok is false when not cheaply available.
func SizeOf(v starlark.Value) (size int, ok bool) {
	if seq, isSeq := v.(starlark.Sequence); isSeq {
		return seq.Len(), true
	}
	return 0, false
}
