package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats RenderImage produces.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage lays m out with graphviz dot and renders it as PNG or SVG.
func RenderImage(ctx context.Context, m *Model, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG, "":
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if m.Title != "" {
		graph.SetLabel(m.Title)
	}

	nodes := make(map[string]*cgraph.Node)
	for _, n := range m.Nodes {
		if err := addNode(graph, nodes, n); err != nil {
			return nil, err
		}
	}
	for _, e := range m.Edges {
		if err := addEdge(graph, nodes, e, false); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// addNode creates n in g and, for structural steps, a dashed cluster holding
// the steps it runs.
func addNode(g *cgraph.Graph, nodes map[string]*cgraph.Node, n *Node) error {
	gn, err := g.CreateNodeByName(n.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
	}
	label := n.Label
	if n.Detail != "" {
		label += "\n" + n.Detail
	}
	gn.SetLabel(label)
	styleNode(gn, n)
	nodes[n.ID] = gn

	if n.Children == nil {
		return nil
	}
	cluster, err := g.CreateSubGraphByName("cluster_" + n.ID)
	if err != nil {
		return fmt.Errorf("diagram: create cluster %s: %w", n.ID, err)
	}
	cluster.SetLabel(n.Children.Label)
	cluster.SetStyle(cgraph.DashedGraphStyle)
	for _, child := range n.Children.Nodes {
		if err := addNode(cluster, nodes, child); err != nil {
			return err
		}
		if err := addEdge(g, nodes, Edge{From: n.ID, To: child.ID}, true); err != nil {
			return err
		}
	}
	return nil
}

func addEdge(g *cgraph.Graph, nodes map[string]*cgraph.Node, e Edge, owned bool) error {
	from, to := nodes[e.From], nodes[e.To]
	if from == nil || to == nil {
		return nil
	}
	ge, err := g.CreateEdgeByName("", from, to)
	if err != nil {
		return fmt.Errorf("diagram: create edge %s -> %s: %w", e.From, e.To, err)
	}
	if e.Label != "" {
		ge.SetLabel(e.Label)
	}
	if owned {
		ge.SetStyle(cgraph.DottedEdgeStyle)
	}
	return nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindCondition:
		gn.SetShape(cgraph.DiamondShape)
	case NodeKindAgent:
		gn.SetShape(cgraph.HexagonShape)
	case NodeKindPlugin:
		gn.SetShape(cgraph.ParallelogramShape)
	case NodeKindStart, NodeKindEnd:
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	default:
		gn.SetShape(cgraph.BoxShape)
	}
	if n.Status == nil {
		return
	}

	gn.SetStyle(cgraph.FilledNodeStyle)
	switch n.Status.Status {
	case "completed":
		gn.SetFillColor("#2d6a2d")
		gn.SetFontColor("white")
	case "failed":
		gn.SetFillColor("#8b1a1a")
		gn.SetFontColor("white")
	case "running":
		gn.SetFillColor("#1a5276")
		gn.SetFontColor("white")
	case "skipped":
		gn.SetFillColor("#e8e8e8")
		gn.SetFontColor("#888888")
		gn.SetStyle(cgraph.DashedNodeStyle)
	}
}
