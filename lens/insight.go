package lens

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

const (
	hotspotLimit            = 5
	tipMinSteps             = 20
	tipManyHeapObjects      = 10
	tipHotspotShare         = 0.5
	tipDeepCallDepth        = 10
	qualityMaxCyclomatic    = 10
	qualityMaxNesting       = 3
	qualityMaxLineLength    = 100
	qualityFunctionlessSize = 30
	qualityCommentlessSize  = 15
)

// MemoryPoint is the memory footprint observed at one step.
type MemoryPoint struct {
	Step           int `json:"step" msgpack:"s"`
	HeapObjects    int `json:"heap_objects" msgpack:"h"`
	LocalVariables int `json:"local_variables" msgpack:"l"`
}

// Hotspot is a line that was reached by multiple steps.
type Hotspot struct {
	Line       int `json:"line" msgpack:"l"`
	Executions int `json:"executions" msgpack:"e"`
}

// PerformanceMetrics are derived from a recorded trace.
type PerformanceMetrics struct {
	TotalSteps         int           `json:"total_steps" msgpack:"ts"`
	MemoryUsagePattern []MemoryPoint `json:"memory_usage_pattern" msgpack:"mu"`
	Hotspots           []Hotspot     `json:"hotspots" msgpack:"hs"`
	PeakHeapObjects    int           `json:"peak_heap_objects" msgpack:"ph"`
	MaxCallDepth       int           `json:"max_call_depth" msgpack:"md"`
	EfficiencyTips     []string      `json:"efficiency_tips" msgpack:"et"`
}

// Insights are heuristic code quality observations.
type Insights struct {
	CodeQualityScore        int      `json:"code_quality_score" msgpack:"q"`
	ReadabilityTips         []string `json:"readability_tips" msgpack:"r"`
	OptimizationSuggestions []string `json:"optimization_suggestions" msgpack:"o"`
	CommonPatterns          []string `json:"common_patterns" msgpack:"p"`
}

// AggregatePerformance summarizes the memory growth, line hit counts and call depth of a trace.
func AggregatePerformance(tr *TraceResult) PerformanceMetrics {
	metrics := PerformanceMetrics{
		TotalSteps:         len(tr.Trace),
		MemoryUsagePattern: make([]MemoryPoint, len(tr.Trace)),
		Hotspots:           []Hotspot{},
		EfficiencyTips:     []string{},
	}
	lines := make([]int, len(tr.Trace))
	for i, s := range tr.Trace {
		metrics.MemoryUsagePattern[i] = MemoryPoint{
			Step:           s.Step,
			HeapObjects:    len(s.Heap),
			LocalVariables: len(s.Locals),
		}
		metrics.PeakHeapObjects = max(metrics.PeakHeapObjects, len(s.Heap))
		metrics.MaxCallDepth = max(metrics.MaxCallDepth, len(s.CallStack))
		lines[i] = s.Line
	}

	for line, count := range bulk.SliceToCounts(lines) {
		if count > 1 {
			metrics.Hotspots = append(metrics.Hotspots, Hotspot{Line: line, Executions: count})
		}
	}
	slices.SortFunc(metrics.Hotspots, func(a, b Hotspot) int {
		if c := cmp.Compare(b.Executions, a.Executions); c != 0 {
			return c
		}
		return cmp.Compare(a.Line, b.Line)
	})
	if len(metrics.Hotspots) > hotspotLimit {
		metrics.Hotspots = metrics.Hotspots[:hotspotLimit]
	}

	if metrics.PeakHeapObjects > tipManyHeapObjects && metrics.TotalSteps >= tipMinSteps {
		metrics.EfficiencyTips = append(metrics.EfficiencyTips, fmt.Sprintf(
			"Many heap objects created (peak %d); reuse collections where possible.", metrics.PeakHeapObjects))
	}
	if len(metrics.Hotspots) > 0 && metrics.TotalSteps >= tipMinSteps &&
		float64(metrics.Hotspots[0].Executions) >= tipHotspotShare*float64(metrics.TotalSteps) {
		metrics.EfficiencyTips = append(metrics.EfficiencyTips, fmt.Sprintf(
			"Line %d accounts for %d of %d steps; focus optimization there.",
			metrics.Hotspots[0].Line, metrics.Hotspots[0].Executions, metrics.TotalSteps))
	}
	if tr.Truncated {
		metrics.EfficiencyTips = append(metrics.EfficiencyTips, fmt.Sprintf(
			"Execution exceeded the %d step trace limit; only the first steps are shown.", len(tr.Trace)))
	}
	if metrics.MaxCallDepth >= tipDeepCallDepth {
		metrics.EfficiencyTips = append(metrics.EfficiencyTips, fmt.Sprintf(
			"Call stack reached %d frames; deep recursion may benefit from memoization or iteration.",
			metrics.MaxCallDepth))
	}
	return metrics
}

// DeriveInsights scores the script and collects readability and optimization advice. Metrics may be nil when
// the script was not traced.
func DeriveInsights(code string, info ComplexityInfo, metrics *PerformanceMetrics) Insights {
	insights := Insights{
		CodeQualityScore:        100,
		ReadabilityTips:         []string{},
		OptimizationSuggestions: []string{},
		CommonPatterns:          []string{},
	}
	if info.ParseError != "" {
		insights.CodeQualityScore = 0
		insights.ReadabilityTips = append(insights.ReadabilityTips, "Fix the syntax error before further analysis.")
		return insights
	}

	lines := bulk.SliceFilterInPlace(func(line string) bool {
		return strings.TrimSpace(line) != ""
	}, strings.Split(code, "\n"))
	var longLines, commentLines int
	for _, line := range lines {
		if len(line) > qualityMaxLineLength {
			longLines++
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			commentLines++
		}
	}

	penalize := func(points int, tip string) {
		insights.CodeQualityScore -= points
		insights.ReadabilityTips = append(insights.ReadabilityTips, tip)
	}
	if info.CyclomaticComplexity > qualityMaxCyclomatic {
		penalize(min(30, 3*(info.CyclomaticComplexity-qualityMaxCyclomatic)), fmt.Sprintf(
			"Split complex logic into smaller functions (cyclomatic complexity %d).", info.CyclomaticComplexity))
	}
	if info.NestingDepth > qualityMaxNesting {
		penalize(10*(info.NestingDepth-qualityMaxNesting), fmt.Sprintf(
			"Reduce nesting depth (%d) with early returns or helper functions.", info.NestingDepth))
	}
	if longLines > 0 {
		penalize(5, fmt.Sprintf("Keep lines under %d characters (%d longer lines).", qualityMaxLineLength, longLines))
	}
	if info.FunctionCount == 0 && len(lines) > qualityFunctionlessSize {
		penalize(10, "Organize longer scripts into functions.")
	}
	if commentLines == 0 && len(lines) > qualityCommentlessSize {
		penalize(5, "Add comments describing the intent of each section.")
	}
	insights.CodeQualityScore = min(max(insights.CodeQualityScore, 0), 100)

	if len(info.RecursiveFunctions) > 0 && !slices.Contains(info.AlgorithmsDetected, "Memoization") {
		insights.OptimizationSuggestions = append(insights.OptimizationSuggestions,
			"Cache results of recursive calls in a dict to avoid repeated work.")
	}
	if strings.HasPrefix(info.BigO, "O(N^") {
		insights.OptimizationSuggestions = append(insights.OptimizationSuggestions,
			"Replace inner loops with dict or set lookups where possible.")
	}
	if metrics != nil {
		for _, h := range metrics.Hotspots {
			if metrics.TotalSteps >= tipMinSteps &&
				float64(h.Executions) >= tipHotspotShare*float64(metrics.TotalSteps) {
				insights.OptimizationSuggestions = append(insights.OptimizationSuggestions, fmt.Sprintf(
					"Line %d runs %d times; move invariant work out of the loop.", h.Line, h.Executions))
			}
		}
	}

	insights.CommonPatterns = append(insights.CommonPatterns, info.AlgorithmsDetected...)
	if info.LoopCount > 0 {
		insights.CommonPatterns = append(insights.CommonPatterns, "Iteration")
	}
	if info.ConditionalCount > 0 {
		insights.CommonPatterns = append(insights.CommonPatterns, "Conditional branching")
	}
	if info.FunctionCount > 0 {
		insights.CommonPatterns = append(insights.CommonPatterns, "Function decomposition")
	}
	return insights
}
