package lens

import (
	"strconv"

	"go.starlark.net/syntax"
)

const (
	// ScriptFilename is the synthetic source unit submitted scripts are compiled under.
	ScriptFilename = "<script>"

	hookStep   = "__step__"
	hookReturn = "__ret__"
	hookGuard  = "__guard__"
)

// checkReservedNames rejects scripts that refer to a hook name, rebinding one would break the instrumentation.
func checkReservedNames(f *syntax.File) error {
	var err error
	syntax.Walk(f, func(n syntax.Node) bool {
		if err != nil {
			return false
		}
		if id, ok := n.(*syntax.Ident); ok {
			switch id.Name {
			case hookStep, hookReturn, hookGuard:
				err = syntax.Error{Pos: id.NamePos, Msg: "name " + id.Name + " is reserved"}
			}
		}
		return true
	})
	return err
}

// instrumentFile rewrites the parsed script so every statement is preceded by a step hook call, every returned
// value passes through the return hook, and lambda bodies are wrapped with the depth guard and return hook.
// Functions without a trailing return get one so that falling off the end is observed.
func instrumentFile(f *syntax.File) {
	f.Stmts = instrumentBlock(f.Stmts)
}

func instrumentBlock(stmts []syntax.Stmt) []syntax.Stmt {
	result := make([]syntax.Stmt, 0, 2*len(stmts))
	for _, stmt := range stmts {
		start, _ := stmt.Span()
		instrumentStmt(stmt)
		result = append(result, makeStepStmt(start), stmt)
	}
	return result
}

func instrumentStmt(stmt syntax.Stmt) {
	switch s := stmt.(type) {
	case *syntax.DefStmt:
		instrumentExprs(s.Params...)
		endsInReturn := len(s.Body) > 0
		if endsInReturn {
			_, endsInReturn = s.Body[len(s.Body)-1].(*syntax.ReturnStmt)
		}
		s.Body = instrumentBlock(s.Body)
		if !endsInReturn {
			_, end := s.Span()
			s.Body = append(s.Body, &syntax.ReturnStmt{
				Return: end,
				Result: makeHookCall(hookReturn, end, makeNone(end)),
			})
		}
	case *syntax.ForStmt:
		instrumentExprs(s.Vars, s.X)
		s.Body = instrumentBlock(s.Body)
	case *syntax.WhileStmt:
		instrumentExprs(s.Cond)
		s.Body = instrumentBlock(s.Body)
	case *syntax.IfStmt:
		instrumentExprs(s.Cond)
		s.True = instrumentBlock(s.True)
		s.False = instrumentBlock(s.False)
	case *syntax.ReturnStmt:
		instrumentExprs(s.Result)
		result := s.Result
		if result == nil {
			result = makeNone(s.Return)
		}
		s.Result = makeHookCall(hookReturn, s.Return, result)
	case *syntax.AssignStmt:
		instrumentExprs(s.LHS, s.RHS)
	case *syntax.ExprStmt:
		instrumentExprs(s.X)
	}
}

// instrumentExprs rewrites the lambdas found within the given expressions.
func instrumentExprs(exprs ...syntax.Expr) {
	for _, e := range exprs {
		if e == nil {
			continue
		}
		syntax.Walk(e, func(n syntax.Node) bool {
			if lambda, ok := n.(*syntax.LambdaExpr); ok {
				instrumentExprs(lambda.Params...)
				instrumentExprs(lambda.Body)
				pos, _ := lambda.Body.Span()
				lambda.Body = makeHookCall(hookReturn, pos, &syntax.CondExpr{
					If:      pos,
					Cond:    makeHookCall(hookGuard, pos),
					True:    lambda.Body,
					ElsePos: pos,
					False:   makeNone(pos),
				})
				return false
			}
			return true
		})
	}
}

func makeStepStmt(pos syntax.Position) syntax.Stmt {
	return &syntax.ExprStmt{X: makeHookCall(hookStep, pos, &syntax.Literal{
		Token:    syntax.INT,
		TokenPos: pos,
		Raw:      strconv.Itoa(int(pos.Line)),
		Value:    int64(pos.Line),
	})}
}

func makeHookCall(name string, pos syntax.Position, args ...syntax.Expr) *syntax.CallExpr {
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: pos, Name: name},
		Lparen: pos,
		Args:   args,
		Rparen: pos,
	}
}

func makeNone(pos syntax.Position) syntax.Expr {
	return &syntax.Ident{NamePos: pos, Name: "None"}
}
