package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders m as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for _, n := range m.Nodes {
		writeMermaidNode(&b, n, "    ")
	}
	for _, e := range m.Edges {
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidID(e.From), label, mermaidID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	walk(m.Nodes, func(n *Node) {
		if n.Status == nil {
			return
		}
		if cls := mermaidClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidID(n.ID), cls)
		}
	})
	return b.String()
}

func writeMermaidNode(b *strings.Builder, n *Node, indent string) {
	fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(n))
	if n.Children == nil {
		return
	}
	fmt.Fprintf(b, "%ssubgraph %s[%q]\n", indent, mermaidID(n.ID+"_children"), n.Children.Label)
	for _, child := range n.Children.Nodes {
		writeMermaidNode(b, child, indent+"    ")
	}
	fmt.Fprintf(b, "%send\n", indent)
	fmt.Fprintf(b, "%s%s -.-> %s\n", indent, mermaidID(n.ID), mermaidID(n.ID+"_children"))
}

func mermaidNodeDef(n *Node) string {
	id := mermaidID(n.ID)
	label := n.Label
	if n.Detail != "" {
		label += " (" + n.Detail + ")"
	}
	if n.Optional {
		label += "?"
	}
	switch n.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindAgent:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindPlugin:
		return fmt.Sprintf("%s[/%q/]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidClass(status string) string {
	switch status {
	case "completed", "failed", "running", "skipped":
		return status
	}
	return ""
}

// walk visits every node, children after their parent.
func walk(nodes []*Node, fn func(*Node)) {
	for _, n := range nodes {
		fn(n)
		if n.Children != nil {
			walk(n.Children.Nodes, fn)
		}
	}
}
