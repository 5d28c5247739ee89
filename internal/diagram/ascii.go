package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	}
	return ""
}

// RenderASCII draws m one batch per row, boxes side by side, followed by the
// steps each loop or parallel step runs.
func RenderASCII(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}

	for i, level := range m.Levels {
		var boxes []box
		for _, id := range level {
			if n := m.Node(id); n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		writeBoxRow(&b, boxes)
		if i < len(m.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	walk(m.Nodes, func(n *Node) {
		if n.Children == nil {
			return
		}
		fmt.Fprintf(&b, "\n--- %s ---\n", n.Children.Label)
		for _, child := range n.Children.Nodes {
			fmt.Fprintf(&b, "    %s\n", boxLines(child)[0])
		}
	})
	return b.String()
}

type box struct {
	lines []string
	width int
}

// boxLines is the text content of a node's box.
func boxLines(n *Node) []string {
	label := n.Label
	if n.Detail != "" {
		label += " (" + n.Detail + ")"
	}
	lines := []string{label}
	if n.Status != nil {
		if tag := statusTag(n.Status.Status); tag != "" {
			lines[0] += " " + tag
		}
		if n.Status.ElapsedMs > 0 {
			lines = append(lines, fmt.Sprintf("%dms", n.Status.ElapsedMs))
		}
		if n.Status.Attempts > 1 {
			lines = append(lines, fmt.Sprintf("%d attempts", n.Status.Attempts))
		}
	}
	return lines
}

func makeBox(n *Node) box {
	content := boxLines(n)
	inner := 0
	for _, l := range content {
		inner = max(inner, utf8.RuneCountInString(l))
	}
	width := inner + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, l := range content {
		lines = append(lines, "│ "+l+strings.Repeat(" ", inner-utf8.RuneCountInString(l))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return box{lines: lines, width: width}
}

func writeBoxRow(b *strings.Builder, boxes []box) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for row := 0; row < height; row++ {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(bx.lines) {
				b.WriteString(bx.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}
