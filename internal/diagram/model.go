package diagram

import "github.com/rendis/stepflow/pkg/schema"

// NodeKind classifies a diagram node by the step kind it draws.
type NodeKind string

const (
	NodeKindPlugin    NodeKind = "plugin"
	NodeKindAgent     NodeKind = "agent"
	NodeKindSystem    NodeKind = "system"
	NodeKindCondition NodeKind = "condition"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindLoop      NodeKind = "loop"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Model is the intermediate representation every renderer draws.
type Model struct {
	Title  string
	Nodes  []*Node // top-level steps plus the virtual start and end nodes
	Edges  []Edge
	Levels [][]string // batches in execution order, start and end included
}

// Node is one step.
type Node struct {
	ID       string
	Label    string
	Detail   string // plugin.action, agent or action name
	Kind     NodeKind
	Optional bool
	Status   *StatusOverlay
	Children *SubGraph // steps run by a loop or parallel step
}

// SubGraph holds the steps a structural step runs. Nested structural steps
// carry their own Children.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay is the runtime outcome of a step in one execution.
type StatusOverlay struct {
	Status    string
	ElapsedMs int64
	Attempts  int
	Error     string
}

// Edge is a dependency, drawn from the dependency to the dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the top-level node with the given ID.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func kindOf(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepKindPluginAction:
		return NodeKindPlugin
	case schema.StepKindAIAgent:
		return NodeKindAgent
	case schema.StepKindCondition:
		return NodeKindCondition
	case schema.StepKindParallel:
		return NodeKindParallel
	case schema.StepKindLoop:
		return NodeKindLoop
	default:
		return NodeKindSystem
	}
}
