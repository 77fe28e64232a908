package extract

import "github.com/anthropics/ckg/internal/graph"

// TypeChecker resolves member expressions that AST-level analysis cannot,
// typically by asking a language service about the type of the receiver.
// Implementations are expected to be slow; callers budget their use.
type TypeChecker interface {
	// ResolveMember resolves the expression at the given site, e.g.
	// "service.login" at the line and column of the call. The boolean is
	// false when the checker has no answer.
	ResolveMember(filePath string, line, column int, expr string) (graph.TargetRef, bool)
}

// TypeCheckerFunc adapts a function to the TypeChecker interface.
type TypeCheckerFunc func(filePath string, line, column int, expr string) (graph.TargetRef, bool)

// ResolveMember implements TypeChecker.
func (f TypeCheckerFunc) ResolveMember(filePath string, line, column int, expr string) (graph.TargetRef, bool) {
	return f(filePath, line, column, expr)
}
