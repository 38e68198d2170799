package lens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

func TestEstimateComplexityFixtures(t *testing.T) {
	t.Parallel()

	archive, err := txtar.ParseFile("testdata/complexity.txtar")
	require.NoError(t, err)

	files := make(map[string]string, len(archive.Files))
	for _, f := range archive.Files {
		files[f.Name] = string(f.Data)
	}
	var cases int
	for _, f := range archive.Files {
		name, ok := strings.CutSuffix(f.Name, ".star")
		if !ok {
			continue
		}
		want, ok := files[name+".want"]
		require.True(t, ok, "missing expectation for %s", f.Name)
		cases++

		code := string(f.Data)
		t.Run(name, func(t *testing.T) {
			report := EstimateComplexity(code)
			assert.Equal(t, strings.TrimSpace(want), report.BigO)
			require.Len(t, report.Suggestions, 1)
			assert.NotEmpty(t, report.Suggestions[0])
		})
	}
	assert.Positive(t, cases)
}

func TestBigOLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		recursive  bool
		depth      int
		label      string
		suggestion string
	}{
		{false, 0, "O(1)", suggestionConstant},
		{false, 1, "O(N)", suggestionLinear},
		{false, 2, "O(N^2)", suggestionQuadratic},
		{false, 3, "O(N^3)", suggestionCubic},
		{false, 5, "O(N^5)", suggestionDeep},
		{true, 0, BigORecursive, suggestionRecursive},
		{true, 3, BigORecursive, suggestionRecursive},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			label, suggestion := bigOLabel(tt.recursive, tt.depth)
			assert.Equal(t, tt.label, label)
			assert.Equal(t, tt.suggestion, suggestion)
		})
	}
}

func TestAnalyzeComplexity(t *testing.T) {
	t.Parallel()

	t.Run("unparsable", func(t *testing.T) {
		info := AnalyzeComplexity("def broken(:\n")
		assert.Equal(t, BigOUnknown, info.BigO)
		assert.Equal(t, []string{suggestionUnparsable}, info.Suggestions)
		assert.NotEmpty(t, info.ParseError)
		assert.NotNil(t, info.DataStructures)
	})

	t.Run("empty", func(t *testing.T) {
		info := AnalyzeComplexity("")
		assert.Equal(t, "O(1)", info.BigO)
		assert.Equal(t, 1, info.CyclomaticComplexity)
		assert.Zero(t, info.NestingDepth)
		assert.Equal(t, []string{"Constant extra space."}, info.SpaceComplexityHints)
	})

	t.Run("structure", func(t *testing.T) {
		code := `def search(items, target):
    lo = 0
    hi = len(items) - 1
    while lo <= hi and target != None:
        mid = (lo + hi) // 2
        if items[mid] == target:
            return mid
        elif items[mid] < target:
            lo = mid + 1
        else:
            hi = mid - 1
    return -1
`
		info := AnalyzeComplexity(code)
		assert.Equal(t, "O(N)", info.BigO)
		assert.Equal(t, 1, info.FunctionCount)
		assert.Equal(t, 1, info.LoopCount)
		assert.Equal(t, 2, info.ConditionalCount)
		// base + while + and + if + elif
		assert.Equal(t, 5, info.CyclomaticComplexity)
		assert.Equal(t, 2, info.NestingDepth) // elif stays at the depth of its if
		assert.Contains(t, info.AlgorithmsDetected, "Binary search")
		assert.Empty(t, info.RecursiveFunctions)
	})

	t.Run("recursion_memoized", func(t *testing.T) {
		code := `memo = {}
def fib(n):
    if n in memo:
        return memo[n]
    memo[n] = n if n < 2 else fib(n - 1) + fib(n - 2)
    return memo[n]
`
		info := AnalyzeComplexity(code)
		assert.Equal(t, BigORecursive, info.BigO)
		assert.Equal(t, []string{"fib"}, info.RecursiveFunctions)
		assert.Equal(t, 2, info.RecursiveCalls)
		assert.Equal(t, []string{"Recursion", "Memoization"}, info.AlgorithmsDetected)
		assert.Contains(t, info.DataStructures, "dict")
	})

	t.Run("nested_def_recursion", func(t *testing.T) {
		// only calls to the innermost enclosing function count as recursion
		code := "def outer():\n    def inner():\n        return outer()\n    return inner()\n"
		info := AnalyzeComplexity(code)
		assert.Equal(t, "O(1)", info.BigO)
		assert.Empty(t, info.RecursiveFunctions)
		assert.Equal(t, 2, info.FunctionCount)
	})

	t.Run("sorting_and_swaps", func(t *testing.T) {
		code := `def bubble(a):
    for i in range(len(a)):
        for j in range(len(a) - 1):
            if a[j] > a[j + 1]:
                a[j], a[j + 1] = a[j + 1], a[j]
    return sorted(a)
`
		info := AnalyzeComplexity(code)
		assert.Equal(t, "O(N^2)", info.BigO)
		assert.Equal(t, []string{"Sorting", "In-place swapping"}, info.AlgorithmsDetected)
		assert.Equal(t, 3, info.NestingDepth)
		assert.Contains(t, info.TimeComplexityHints, "Sorting costs O(N log N).")
	})

	t.Run("space_hints", func(t *testing.T) {
		code := "out = []\nfor x in xs:\n    out.append(x)\nsquares = [x * x for x in out]\n"
		info := AnalyzeComplexity(code)
		assert.Equal(t, []string{
			"Comprehensions allocate a new collection sized by their input.",
			"Appending inside loops grows memory linearly with the iterations.",
		}, info.SpaceComplexityHints)
		assert.Equal(t, []string{"list"}, info.DataStructures)
	})

	t.Run("report_is_copy", func(t *testing.T) {
		info := AnalyzeComplexity("x = 1\n")
		report := info.Report()
		report.Suggestions[0] = "changed"
		assert.Equal(t, suggestionConstant, info.Suggestions[0])
	})
}
