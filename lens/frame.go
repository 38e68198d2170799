package lens

import (
	"reflect"
	"slices"
	"strconv"
	"unsafe"

	"go.starlark.net/starlark"
)

const (
	internalNamePrefix = "_"
	toplevelFuncName   = "<toplevel>"
	lambdaFuncName     = "lambda"
	cellTypeName       = "cell"
)

// reservedNames are interpreter or tracer names that are never shown as locals.
var reservedNames = map[string]bool{
	"self":                true,
	"__builtins__":        true,
	"__doc__":             true,
	"__name__":            true,
	"__package__":         true,
	"__loader__":          true,
	"__spec__":            true,
	"__annotations__":     true,
	"__cached__":          true,
	"__file__":            true,
	"__warningregistry__": true,
	hookStep:              true,
	hookReturn:            true,
	hookGuard:             true,
}

// heapArena issues a handle per tracked container value. The arena holds a reference to every value it has
// seen, so a handle is never reissued to a different object during a session.
type heapArena struct {
	handles map[starlark.Value]string
	next    int
}

func newHeapArena() *heapArena {
	return &heapArena{handles: make(map[starlark.Value]string)}
}

func (a *heapArena) handle(v starlark.Value) string {
	if h, ok := a.handles[v]; ok {
		return h
	}
	a.next++
	h := "h" + strconv.Itoa(a.next)
	a.handles[v] = h
	return h
}

type frameBinding struct {
	name  string
	value starlark.Value
}

func visibleName(name string) bool {
	return len(name) > 0 && name[:1] != internalNamePrefix && !reservedNames[name]
}

// projectFrame converts one frame's bindings into its local table and the heap entries those locals reference.
func projectFrame(arena *heapArena, bindings []frameBinding, previewLimit int) (HeapTable, LocalTable) {
	heap := make(HeapTable)
	locals := make(LocalTable, len(bindings))
	for _, b := range bindings {
		if !visibleName(b.name) {
			continue
		}
		switch Classify(b.value) {
		case ClassHeap:
			id := arena.handle(b.value)
			preview := SummarizeLimit(b.value, previewLimit)
			size, _ := SizeOf(b.value)
			heap[id] = HeapEntry{Type: KindOf(b.value), Preview: preview, Size: size}
			locals[b.name] = LocalValue{Type: KindOf(b.value), ID: id, Preview: preview}
		case ClassScalar:
			preview := SummarizeLimit(b.value, previewLimit)
			locals[b.name] = LocalValue{Type: KindOf(b.value), Value: preview, Preview: preview}
		}
	}
	return heap, locals
}

// scriptFrame reports if the frame is executing code from the submitted script.
func scriptFrame(fr starlark.DebugFrame) bool {
	return fr.Position().Filename() == ScriptFilename
}

// frameName returns the displayed function name for a script frame.
func frameName(fr starlark.DebugFrame) string {
	return displayName(fr.Callable().Name())
}

// displayName maps interpreter function names to the names shown in traces.
func displayName(name string) string {
	switch name {
	case toplevelFuncName:
		return ModuleFrameName
	case lambdaFuncName:
		return "<" + lambdaFuncName + ">"
	default:
		return name
	}
}

// frameBindings lists the assigned variables of a frame. The module frame exposes the module globals, function
// frames expose their locals in declaration order.
func frameBindings(fr starlark.DebugFrame) []frameBinding {
	fn, ok := fr.Callable().(*starlark.Function)
	if !ok {
		return nil
	} else if fn.Name() == toplevelFuncName {
		globals := fn.Globals()
		names := globals.Keys() // sorted
		bindings := make([]frameBinding, 0, len(names))
		for _, name := range names {
			bindings = append(bindings, frameBinding{name: name, value: globals[name]})
		}
		return bindings
	}

	bindings := make([]frameBinding, 0, fr.NumLocals())
	for i := 0; i < fr.NumLocals(); i++ {
		b, v := fr.Local(i)
		if v != nil && v.Type() == cellTypeName {
			v = cellValue(v)
		}
		if v == nil {
			continue // not yet assigned
		}
		bindings = append(bindings, frameBinding{name: b.Name, value: v})
	}
	return bindings
}

// cellValue returns the value held by the cell of a variable captured by a nested function, nil while the
// variable is unassigned. The cell type is not exported by the interpreter, its only field is the value.
func cellValue(cell starlark.Value) starlark.Value {
	rv := reflect.ValueOf(cell)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Struct || elem.NumField() != 1 {
		return nil
	}
	field := elem.Field(0)
	held, _ := reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Interface().(starlark.Value)
	return held
}

// walkStack projects every script frame of the thread's call stack, outermost first, and returns the heap
// entries referenced by at least one projected local.
func walkStack(thread *starlark.Thread, arena *heapArena, previewLimit int) ([]StackFrame, HeapTable) {
	stack := make([]StackFrame, 0, 8)
	merged := make(HeapTable)
	referenced := make(map[string]bool)
	for depth := 0; depth < thread.CallStackDepth(); depth++ {
		fr := thread.DebugFrame(depth)
		if !scriptFrame(fr) {
			continue
		}
		heap, locals := projectFrame(arena, frameBindings(fr), previewLimit)
		for id, entry := range heap {
			merged[id] = entry
		}
		for _, lv := range locals {
			if lv.IsHeap() {
				referenced[lv.ID] = true
			}
		}
		stack = append(stack, StackFrame{
			Function: frameName(fr),
			Line:     int(fr.Position().Line),
			Locals:   locals,
		})
	}
	slices.Reverse(stack)

	heap := make(HeapTable, len(referenced))
	for id := range referenced {
		if entry, ok := merged[id]; ok {
			heap[id] = entry
		}
	}
	return stack, heap
}
