package engine

import (
	"sync"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Scope is the view a step dispatch runs in. Top-level steps run in the
// root scope of their execution. Loop and parallel steps open child scopes
// so that loop bindings and the results of sibling children are visible to
// the children that follow, without being written into the execution until
// the structural step itself completes.
type Scope struct {
	Exec *ExecutionContext

	parent   *Scope
	bindings map[string]any

	mu      sync.Mutex
	local   map[string]map[string]any
	results map[string]*schema.StepResult
}

// NewScope returns the root scope of ec.
func NewScope(ec *ExecutionContext) *Scope {
	return &Scope{
		Exec:    ec,
		local:   make(map[string]map[string]any),
		results: make(map[string]*schema.StepResult),
	}
}

// Child opens a nested scope with extra variable bindings (may be nil).
func (s *Scope) Child(bindings map[string]any) *Scope {
	return &Scope{
		Exec:     s.Exec,
		parent:   s,
		bindings: bindings,
		local:    make(map[string]map[string]any),
		results:  make(map[string]*schema.StepResult),
	}
}

// Namespace returns the execution namespace overlaid with every enclosing
// scope's child payloads and bindings, innermost last.
func (s *Scope) Namespace() *expressions.Namespace {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	ns := s.Exec.Namespace()
	for i := len(chain) - 1; i >= 0; i-- {
		sc := chain[i]
		sc.mu.Lock()
		for name, payload := range sc.local {
			ns.Steps[name] = schema.DeepCopyMap(payload)
		}
		sc.mu.Unlock()
		if len(sc.bindings) > 0 {
			ns = ns.With(sc.bindings)
		}
	}
	return ns
}

// Record keeps a child's outcome, and the outcomes of anything it ran, in
// this scope. A later record for the same name replaces the earlier one.
func (s *Scope) Record(name string, out *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for child, r := range out.Children {
		s.results[child] = r
		if r.Status == schema.StepCompleted {
			s.local[child] = r.Payload
		}
	}
	s.results[name] = out.Result
	if out.Result.Status == schema.StepCompleted {
		s.local[name] = out.Result.Payload
	} else {
		delete(s.local, name)
	}
}

// Adopt copies the results recorded in other into s. Payloads stay local to
// other so one loop iteration never reads the previous one's output.
func (s *Scope) Adopt(other *Scope) {
	results := other.Results()
	s.mu.Lock()
	for name, r := range results {
		s.results[name] = r
	}
	s.mu.Unlock()
}

// Results returns the child results recorded in this scope.
func (s *Scope) Results() map[string]*schema.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	out := make(map[string]*schema.StepResult, len(s.results))
	for name, r := range s.results {
		out[name] = r.Clone()
	}
	return out
}
