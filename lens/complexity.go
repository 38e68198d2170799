package lens

import (
	"fmt"
	"maps"
	"slices"

	"go.starlark.net/syntax"
)

const (
	// BigOUnknown is the label reported for sources that fail to parse.
	BigOUnknown = "Unknown"
	// BigORecursive is the label reported when a self recursive function is found.
	BigORecursive = "O(N) (recursive)"

	suggestionUnparsable = "Unable to parse code."
	suggestionRecursive  = "Consider adding memoization or converting recursion to iterative."
	suggestionConstant   = "Excellent! Constant time operations detected."
	suggestionLinear     = "Consider whether the loop can be reduced or optimized with built-in functions."
	suggestionQuadratic  = "Nested loops detected; investigate opportunities to avoid inner loop (hash map, sorting, etc.)."
	suggestionCubic      = "Triple nested loops highly inefficient; consider refactoring."
	suggestionDeep       = "Deeply nested loops; unlikely efficient for large inputs."
)

// ComplexityReport is the heuristic time complexity estimate of a script.
type ComplexityReport struct {
	BigO        string   `json:"big_o" msgpack:"bo"`
	Suggestions []string `json:"suggestions" msgpack:"sg"`
}

// ComplexityInfo extends ComplexityReport with structural metrics of the script.
type ComplexityInfo struct {
	CyclomaticComplexity int      `json:"cyclomatic_complexity" msgpack:"cc"`
	NestingDepth         int      `json:"nesting_depth" msgpack:"nd"`
	FunctionCount        int      `json:"function_count" msgpack:"fc"`
	LoopCount            int      `json:"loop_count" msgpack:"lc"`
	ConditionalCount     int      `json:"conditional_count" msgpack:"cd"`
	RecursiveCalls       int      `json:"recursive_calls" msgpack:"rc"`
	RecursiveFunctions   []string `json:"recursive_functions" msgpack:"rf"`
	DataStructures       []string `json:"data_structures" msgpack:"ds"`
	AlgorithmsDetected   []string `json:"algorithms_detected" msgpack:"ad"`
	TimeComplexityHints  []string `json:"time_complexity_hints" msgpack:"th"`
	SpaceComplexityHints []string `json:"space_complexity_hints" msgpack:"sh"`
	BigO                 string   `json:"big_o" msgpack:"bo"`
	Suggestions          []string `json:"suggestions" msgpack:"sg"`
	// ParseError holds the syntax error when the source could not be parsed.
	ParseError string `json:"parse_error,omitempty" msgpack:"pe,omitempty"`
}

// Report returns the label and suggestions of the analysis.
func (ci ComplexityInfo) Report() ComplexityReport {
	return ComplexityReport{BigO: ci.BigO, Suggestions: slices.Clone(ci.Suggestions)}
}

func (ci ComplexityInfo) clone() ComplexityInfo {
	ci.RecursiveFunctions = slices.Clone(ci.RecursiveFunctions)
	ci.DataStructures = slices.Clone(ci.DataStructures)
	ci.AlgorithmsDetected = slices.Clone(ci.AlgorithmsDetected)
	ci.TimeComplexityHints = slices.Clone(ci.TimeComplexityHints)
	ci.SpaceComplexityHints = slices.Clone(ci.SpaceComplexityHints)
	ci.Suggestions = slices.Clone(ci.Suggestions)
	return ci
}

// EstimateComplexity returns the heuristic time complexity of the script source. It never fails, sources that
// do not parse produce the Unknown report.
func EstimateComplexity(code string) ComplexityReport {
	return AnalyzeComplexity(code).Report()
}

// AnalyzeComplexity performs the complexity estimate along with the extended structural analysis.
func AnalyzeComplexity(code string) ComplexityInfo {
	f, err := scriptOptions.Parse(ScriptFilename, code, 0)
	if err != nil {
		return ComplexityInfo{
			RecursiveFunctions:   []string{},
			DataStructures:       []string{},
			AlgorithmsDetected:   []string{},
			TimeComplexityHints:  []string{},
			SpaceComplexityHints: []string{},
			BigO:                 BigOUnknown,
			Suggestions:          []string{suggestionUnparsable},
			ParseError:           err.Error(),
		}
	}

	v := newComplexityVisitor()
	v.stmts(f.Stmts)
	return v.info()
}

// bigOLabel derives the label and its fixed suggestion, the first matching rule wins.
func bigOLabel(recursive bool, loopDepth int) (string, string) {
	switch {
	case recursive:
		return BigORecursive, suggestionRecursive
	case loopDepth == 0:
		return "O(1)", suggestionConstant
	case loopDepth == 1:
		return "O(N)", suggestionLinear
	case loopDepth == 2:
		return "O(N^2)", suggestionQuadratic
	case loopDepth == 3:
		return "O(N^3)", suggestionCubic
	default:
		return fmt.Sprintf("O(N^%d)", loopDepth), suggestionDeep
	}
}

// complexityVisitor walks the syntax tree once, tracking loop nesting that depends on input size, the
// enclosing function names and the structural counters.
type complexityVisitor struct {
	loopDepth      int
	maxLoopDepth   int
	blockDepth     int
	maxBlockDepth  int
	funcStack      []string
	recursive      map[string]bool
	recursiveCalls int
	cyclomatic     int
	functions      int
	loops          int
	conditionals   int
	comprehensions int
	dataStructures map[string]bool
	calls          map[string]int // called identifiers and method names
	floorHalving   bool           // x // 2 within a data dependent loop
	swaps          bool
	loopMembership bool // in / not in tests within a loop
	loopAppends    bool
}

func newComplexityVisitor() *complexityVisitor {
	return &complexityVisitor{
		cyclomatic:     1,
		recursive:      make(map[string]bool),
		dataStructures: make(map[string]bool),
		calls:          make(map[string]int),
	}
}

func (v *complexityVisitor) stmts(list []syntax.Stmt) {
	for _, s := range list {
		v.stmt(s)
	}
}

func (v *complexityVisitor) stmt(stmt syntax.Stmt) {
	switch s := stmt.(type) {
	case *syntax.DefStmt:
		v.functions++
		v.exprs(s.Params...)
		v.funcStack = append(v.funcStack, s.Name.Name)
		v.stmts(s.Body)
		v.funcStack = v.funcStack[:len(v.funcStack)-1]
	case *syntax.ForStmt:
		v.loops++
		v.cyclomatic++
		v.exprs(s.Vars, s.X)
		v.enterLoop(!isConstantRange(s.X), s.Body)
	case *syntax.WhileStmt:
		v.loops++
		v.cyclomatic++
		v.exprs(s.Cond)
		v.enterLoop(true, s.Body)
	case *syntax.IfStmt:
		v.ifStmt(s)
	case *syntax.AssignStmt:
		if isSwap(s) {
			v.swaps = true
		}
		v.exprs(s.LHS, s.RHS)
	case *syntax.ReturnStmt:
		v.exprs(s.Result)
	case *syntax.ExprStmt:
		v.exprs(s.X)
	}
}

func (v *complexityVisitor) ifStmt(s *syntax.IfStmt) {
	v.conditionals++
	v.cyclomatic++
	v.exprs(s.Cond)
	v.enterBlock(func() {
		v.stmts(s.True)
	})
	if len(s.False) == 1 {
		if elif, ok := s.False[0].(*syntax.IfStmt); ok && elif.If == s.ElsePos {
			v.ifStmt(elif) // elif chains stay at the same depth
			return
		}
	}
	v.enterBlock(func() {
		v.stmts(s.False)
	})
}

// enterLoop visits a loop body, only loops whose trip count depends on input add to the loop depth.
func (v *complexityVisitor) enterLoop(dataDependent bool, body []syntax.Stmt) {
	if dataDependent {
		v.loopDepth++
		v.maxLoopDepth = max(v.maxLoopDepth, v.loopDepth)
	}
	v.enterBlock(func() {
		v.stmts(body)
	})
	if dataDependent {
		v.loopDepth--
	}
}

func (v *complexityVisitor) enterBlock(visit func()) {
	v.blockDepth++
	v.maxBlockDepth = max(v.maxBlockDepth, v.blockDepth)
	visit()
	v.blockDepth--
}

func (v *complexityVisitor) exprs(exprs ...syntax.Expr) {
	for _, e := range exprs {
		if e == nil {
			continue
		}
		syntax.Walk(e, v.node)
	}
}

func (v *complexityVisitor) node(n syntax.Node) bool {
	switch n := n.(type) {
	case *syntax.CallExpr:
		v.call(n)
	case *syntax.BinaryExpr:
		switch n.Op {
		case syntax.AND, syntax.OR:
			v.cyclomatic++
		case syntax.IN, syntax.NOT_IN:
			if v.loopDepth > 0 {
				v.loopMembership = true
			}
		case syntax.SLASHSLASH:
			if lit, ok := n.Y.(*syntax.Literal); ok && lit.Value == int64(2) && v.loopDepth > 0 {
				v.floorHalving = true
			}
		}
	case *syntax.CondExpr:
		v.cyclomatic++
	case *syntax.Comprehension:
		v.comprehensions++
		v.cyclomatic += len(n.Clauses)
		if _, entry := n.Body.(*syntax.DictEntry); n.Curly && entry {
			v.dataStructures["dict"] = true
		} else if n.Curly {
			v.dataStructures["set"] = true
		} else {
			v.dataStructures["list"] = true
		}
	case *syntax.ListExpr:
		v.dataStructures["list"] = true
	case *syntax.DictExpr:
		v.dataStructures["dict"] = true
	case *syntax.TupleExpr:
		v.dataStructures["tuple"] = true
	case *syntax.LambdaExpr:
		v.functions++
	}
	return true
}

func (v *complexityVisitor) call(c *syntax.CallExpr) {
	switch fn := c.Fn.(type) {
	case *syntax.Ident:
		if len(v.funcStack) > 0 && fn.Name == v.funcStack[len(v.funcStack)-1] {
			v.recursive[fn.Name] = true
			v.recursiveCalls++
		}
		switch fn.Name {
		case "list", "dict", "set", "tuple":
			v.dataStructures[fn.Name] = true
		}
		v.calls[fn.Name]++
	case *syntax.DotExpr:
		if fn.Name.Name == "append" && v.loopDepth > 0 {
			v.loopAppends = true
		}
		v.calls["."+fn.Name.Name]++
	}
}

// isConstantRange reports a range(...) call whose arguments are all literals.
func isConstantRange(x syntax.Expr) bool {
	call, ok := x.(*syntax.CallExpr)
	if !ok {
		return false
	} else if fn, ok := call.Fn.(*syntax.Ident); !ok || fn.Name != "range" {
		return false
	}
	for _, arg := range call.Args {
		if _, ok := arg.(*syntax.Literal); !ok {
			return false
		}
	}
	return true
}

// isSwap matches a[i], a[j] = a[j], a[i] style assignments.
func isSwap(s *syntax.AssignStmt) bool {
	lhs, ok := unparen(s.LHS).(*syntax.TupleExpr)
	if !ok || len(lhs.List) != 2 {
		return false
	}
	rhs, ok := unparen(s.RHS).(*syntax.TupleExpr)
	if !ok || len(rhs.List) != 2 {
		return false
	}
	for _, e := range append(slices.Clone(lhs.List), rhs.List...) {
		if _, ok := e.(*syntax.IndexExpr); !ok {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	return slices.Sorted(maps.Keys(m))
}

func unparen(e syntax.Expr) syntax.Expr {
	for {
		p, ok := e.(*syntax.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}

func (v *complexityVisitor) info() ComplexityInfo {
	recursive := sortedKeys(v.recursive)
	dataStructures := sortedKeys(v.dataStructures)
	sorting := v.calls["sorted"] > 0 || v.calls[".sort"] > 0

	algorithms := []string{}
	if len(recursive) > 0 {
		algorithms = append(algorithms, "Recursion")
		if v.dataStructures["dict"] {
			algorithms = append(algorithms, "Memoization")
		}
	}
	if sorting {
		algorithms = append(algorithms, "Sorting")
	}
	if v.floorHalving {
		algorithms = append(algorithms, "Binary search")
	}
	if v.swaps {
		algorithms = append(algorithms, "In-place swapping")
	}

	timeHints := []string{}
	if v.maxLoopDepth >= 2 {
		timeHints = append(timeHints,
			fmt.Sprintf("Loops nest %d deep over input sized ranges; work grows as N^%d.", v.maxLoopDepth, v.maxLoopDepth))
	}
	for _, name := range recursive {
		timeHints = append(timeHints,
			fmt.Sprintf("Function %s calls itself; cost depends on the number of calls per level.", name))
	}
	if sorting {
		timeHints = append(timeHints, "Sorting costs O(N log N).")
	}
	if v.floorHalving {
		timeHints = append(timeHints, "Halving the range on each iteration suggests O(log N).")
	}
	if v.loopMembership {
		timeHints = append(timeHints, "Membership tests inside loops cost O(N) each on lists; a set or dict gives O(1) lookups.")
	}

	spaceHints := []string{}
	if v.comprehensions > 0 {
		spaceHints = append(spaceHints, "Comprehensions allocate a new collection sized by their input.")
	}
	if v.loopAppends {
		spaceHints = append(spaceHints, "Appending inside loops grows memory linearly with the iterations.")
	}
	if len(recursive) > 0 {
		spaceHints = append(spaceHints, "Recursion uses call stack space proportional to its depth.")
	}
	if v.dataStructures["dict"] || v.dataStructures["set"] {
		spaceHints = append(spaceHints, "Hash based collections trade extra memory for faster lookups.")
	}
	if len(spaceHints) == 0 {
		spaceHints = append(spaceHints, "Constant extra space.")
	}

	bigO, suggestion := bigOLabel(len(recursive) > 0, v.maxLoopDepth)
	return ComplexityInfo{
		CyclomaticComplexity: v.cyclomatic,
		NestingDepth:         v.maxBlockDepth,
		FunctionCount:        v.functions,
		LoopCount:            v.loops,
		ConditionalCount:     v.conditionals,
		RecursiveCalls:       v.recursiveCalls,
		RecursiveFunctions:   recursive,
		DataStructures:       dataStructures,
		AlgorithmsDetected:   algorithms,
		TimeComplexityHints:  timeHints,
		SpaceComplexityHints: spaceHints,
		BigO:                 bigO,
		Suggestions:          []string{suggestion},
	}
}
