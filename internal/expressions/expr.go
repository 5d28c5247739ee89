package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/stepflow/pkg/schema"
)

// exprLogicalOps are expr-lang's boolean connectives, word and symbol forms.
var exprLogicalOps = map[string]bool{"and": true, "or": true, "&&": true, "||": true}

// exprUnaryOps are the permitted prefix operators.
var exprUnaryOps = map[string]bool{"not": true, "!": true, "-": true}

// ExprConditions evaluates guards written in expr-lang syntax, e.g.
// `steps.fetch.count > 0 and not dry_run`. Programs are vetted against the
// restricted grammar, compiled once, and cached.
type ExprConditions struct {
	mu    sync.RWMutex
	cache map[string]*exprProgram
}

type exprProgram struct {
	prg  *vm.Program
	refs conditionRefs
}

// NewExprConditions creates an empty evaluator.
func NewExprConditions() *ExprConditions {
	return &ExprConditions{cache: make(map[string]*exprProgram)}
}

// Dialect returns "expr".
func (e *ExprConditions) Dialect() string { return DialectExpr }

// Check vets and compiles expression.
func (e *ExprConditions) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs expression against env and requires a boolean result. A
// variable or step result missing from env is UNRESOLVED_REFERENCE.
func (e *ExprConditions) Evaluate(_ context.Context, expression string, env map[string]any) (bool, error) {
	p, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}
	if env == nil {
		env = map[string]any{}
	}
	if err := p.refs.resolve(expression, env); err != nil {
		return false, err
	}

	out, err := vm.Run(p.prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q failed: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	b, ok := out.(bool)
	if !ok {
		return false, notBoolean(expression, out)
	}
	return b, nil
}

func (e *ExprConditions) getOrCompile(expression string) (*exprProgram, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[expression]; ok {
		return p, nil
	}

	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	roots, steps := map[string]bool{}, map[string]bool{}
	if err := vetExprNode(expression, tree.Node, roots, steps); err != nil {
		return nil, err
	}

	// An empty environment keeps every identifier dynamically typed, so a
	// cached program stays valid whatever values the namespace holds later.
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	p := &exprProgram{prg: prg, refs: newConditionRefs(roots, steps)}
	e.cache[expression] = p
	return p, nil
}

// vetExprNode walks the parsed tree, rejects every node outside the
// permitted grammar, and collects the root identifiers and steps.<name>
// lookups the expression reads.
func vetExprNode(expression string, n ast.Node, roots, steps map[string]bool) error {
	switch node := n.(type) {
	case *ast.IdentifierNode:
		roots[node.Value] = true
		return nil
	case *ast.NilNode, *ast.BoolNode,
		*ast.IntegerNode, *ast.FloatNode, *ast.StringNode:
		return nil
	case *ast.MemberNode:
		if id, ok := node.Node.(*ast.IdentifierNode); ok && id.Value == StepsKey {
			if name, ok := node.Property.(*ast.StringNode); ok {
				steps[name.Value] = true
			}
		}
		if err := vetExprNode(expression, node.Node, roots, steps); err != nil {
			return err
		}
		return vetExprNode(expression, node.Property, roots, steps)
	case *ast.UnaryNode:
		if !exprUnaryOps[node.Operator] {
			return disallowed(expression, fmt.Sprintf("operator %q", node.Operator))
		}
		return vetExprNode(expression, node.Node, roots, steps)
	case *ast.BinaryNode:
		if !comparisonOps[node.Operator] && !exprLogicalOps[node.Operator] {
			return disallowed(expression, fmt.Sprintf("operator %q", node.Operator))
		}
		if err := vetExprNode(expression, node.Left, roots, steps); err != nil {
			return err
		}
		return vetExprNode(expression, node.Right, roots, steps)
	case *ast.CallNode, *ast.BuiltinNode:
		return disallowed(expression, "a function call")
	default:
		return disallowed(expression, fmt.Sprintf("%T", n))
	}
}

var _ ConditionEvaluator = (*ExprConditions)(nil)
