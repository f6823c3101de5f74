package services

import (
	"fmt"
	"sort"
	"strings"
)

// Levels groups installed services by dependency depth. Level 0 holds services whose
// installed dependencies are all absent; level n+1 depends on something at level n.
func (c *Container) Levels() [][]Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels()
}

func (c *Container) levels() [][]Name {
	inDegree := make(map[Name]int, len(c.nodes))
	for name, n := range c.nodes {
		for _, dep := range n.deps {
			if _, ok := c.nodes[dep.name]; ok {
				inDegree[name]++
			}
		}
	}

	var current []Name
	for name := range c.nodes {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	var levels [][]Name
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })
		levels = append(levels, current)

		var next []Name
		for _, name := range current {
			for dependent := range c.nodes[name].dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
	return levels
}

// ToDOT renders the installed graph in Graphviz DOT format, grouped by level.
// Edges point from a dependency to its dependent.
func (c *Container) ToDOT() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("digraph ServiceGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range c.levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			n := c.nodes[name]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s/%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, name, n.state, n.mode, stateColor(n.state)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range sortedNodeNames(c.nodes) {
		for _, dep := range c.nodes[name].deps {
			style := "style=solid"
			if _, ok := c.nodes[dep.name]; !ok {
				style = "style=dashed, color=red"
				sb.WriteString(fmt.Sprintf("  \"%s\" [shape=ellipse, color=red];\n", dep.name))
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", dep.name, name, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stateColor(s State) string {
	switch s {
	case StateUp:
		return "lightgreen"
	case StateStarting, StateStopping:
		return "lightyellow"
	case StateStartFailed:
		return "lightcoral"
	default:
		return "lightgray"
	}
}

func sortedNodeNames(nodes map[Name]*node) []Name {
	names := make([]Name, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
