package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build lays out def using the engine's precedence graph. When report is
// non-nil each node carries the step's recorded outcome; the execution's
// current step without a result is shown as running.
func Build(def *schema.WorkflowDefinition, report *schema.ExecutionReport) (*Model, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: no definition")
	}
	g, err := engine.BuildGraph(def.Steps)
	if err != nil {
		return nil, err
	}
	plan, err := g.Plan()
	if err != nil {
		return nil, err
	}

	b := &builder{graph: g, report: report}
	m := &Model{Title: titleOf(def)}

	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, name := range g.TopLevel {
		m.Nodes = append(m.Nodes, b.node(name))
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, name := range g.TopLevel {
		if len(g.Edges[name]) == 0 {
			m.Edges = append(m.Edges, Edge{From: startID, To: name})
		}
		for _, dep := range g.Edges[name] {
			m.Edges = append(m.Edges, Edge{From: dep, To: name, Label: guardLabel(g.Steps[name])})
		}
	}
	for _, name := range g.TopLevel {
		if len(g.Reverse[name]) == 0 {
			m.Edges = append(m.Edges, Edge{From: name, To: endID})
		}
	}

	m.Levels = make([][]string, 0, len(plan)+2)
	m.Levels = append(m.Levels, []string{startID})
	m.Levels = append(m.Levels, plan...)
	m.Levels = append(m.Levels, []string{endID})
	return m, nil
}

type builder struct {
	graph  *engine.Graph
	report *schema.ExecutionReport
}

func (b *builder) node(name string) *Node {
	step := b.graph.Steps[name]
	n := &Node{
		ID:       name,
		Label:    name,
		Detail:   detailOf(step),
		Kind:     kindOf(step.Kind),
		Optional: step.Optional,
		Status:   b.status(name),
	}
	if children := b.graph.Children(name); len(children) > 0 {
		sg := &SubGraph{Label: fmt.Sprintf("%s %s", step.Kind, name)}
		for _, child := range children {
			sg.Nodes = append(sg.Nodes, b.node(child))
		}
		n.Children = sg
	}
	return n
}

func (b *builder) status(name string) *StatusOverlay {
	if b.report == nil {
		return nil
	}
	if r, ok := b.report.StepResults[name]; ok && r != nil {
		return &StatusOverlay{
			Status:    string(r.Status),
			ElapsedMs: r.ElapsedMs,
			Attempts:  r.Attempts,
			Error:     r.Error,
		}
	}
	if b.report.CurrentStep == name && !b.report.Status.IsTerminal() {
		return &StatusOverlay{Status: "running"}
	}
	return nil
}

func detailOf(step schema.WorkflowStep) string {
	switch step.Kind {
	case schema.StepKindPluginAction:
		plugin, action := step.ConfigString("plugin"), step.ConfigString("action")
		if plugin == "" {
			return action
		}
		return plugin + "." + action
	case schema.StepKindAIAgent:
		return step.ConfigString("agent")
	case schema.StepKindSystemAction:
		return step.ConfigString("action")
	}
	return ""
}

func guardLabel(step schema.WorkflowStep) string {
	if step.Condition == "" {
		return ""
	}
	return "if"
}

func titleOf(def *schema.WorkflowDefinition) string {
	switch {
	case def.Name == "":
		return "Workflow"
	case def.Version != "":
		return def.Name + " v" + def.Version
	default:
		return def.Name
	}
}
