package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// StateFunc resolves the current state of a resource.
type StateFunc func(id ResourceID) ResourceState

// ConnectionGraph records the connections between resources. Every
// connection is bidirectional; the dependency direction is decided by the
// resource types through dependsOn.
type ConnectionGraph struct {
	mu sync.RWMutex

	// types maps registered resource IDs to their type.
	types map[ResourceID]ResourceType

	// order holds resource IDs in registration order.
	order []ResourceID

	// peers maps a resource to every connected resource, in insertion order.
	peers map[ResourceID][]ResourceID

	// deps maps a resource to the resources it waits for.
	deps map[ResourceID][]ResourceID

	// dependents maps a resource to the resources waiting for it.
	dependents map[ResourceID][]ResourceID

	connections []Connection

	dependsOn func(from, to ResourceType) bool
}

// NewConnectionGraph creates an empty graph. dependsOn decides whether a
// resource of the first type waits for a connected resource of the second.
func NewConnectionGraph(dependsOn func(from, to ResourceType) bool) *ConnectionGraph {
	if dependsOn == nil {
		dependsOn = func(ResourceType, ResourceType) bool { return false }
	}
	return &ConnectionGraph{
		types:      make(map[ResourceID]ResourceType),
		peers:      make(map[ResourceID][]ResourceID),
		deps:       make(map[ResourceID][]ResourceID),
		dependents: make(map[ResourceID][]ResourceID),
		dependsOn:  dependsOn,
	}
}

// AddNode registers a resource with the graph.
func (g *ConnectionGraph) AddNode(id ResourceID, rtype ResourceType) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.types[id]; exists {
		return
	}
	g.types[id] = rtype
	g.order = append(g.order, id)
}

// Connect records a connection between a and b. A dependency edge that
// would close a cycle is rejected with ErrCyclicConnection and leaves the
// graph unchanged. Connecting an already connected pair is a no-op.
func (g *ConnectionGraph) Connect(a, b ResourceID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ta, ok := g.types[a]
	if !ok {
		return NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(a)
	}
	tb, ok := g.types[b]
	if !ok {
		return NewPermanentError("resource not found", nil).
			WithCode(ErrCodeUnknownResource).
			WithResource(b)
	}
	if a == b {
		return NewPermanentError("resource cannot be connected to itself", nil).
			WithCode(ErrCodeValidation).
			WithResource(a)
	}
	if contains(g.peers[a], b) {
		return nil
	}

	var edges [][2]ResourceID
	if g.dependsOn(ta, tb) {
		edges = append(edges, [2]ResourceID{a, b})
	}
	if g.dependsOn(tb, ta) {
		edges = append(edges, [2]ResourceID{b, a})
	}

	for _, e := range edges {
		g.deps[e[0]] = append(g.deps[e[0]], e[1])
		g.dependents[e[1]] = append(g.dependents[e[1]], e[0])
	}
	if cycle := g.findCycle(); cycle != nil {
		for _, e := range edges {
			g.deps[e[0]] = g.deps[e[0]][:len(g.deps[e[0]])-1]
			g.dependents[e[1]] = g.dependents[e[1]][:len(g.dependents[e[1]])-1]
		}
		return NewPermanentError(fmt.Sprintf("cyclic dependency: %s", formatCycle(cycle)), nil).
			WithCode(ErrCodeCyclicConnection).
			WithResource(a).
			WithDetail("cycle", cycle)
	}

	g.peers[a] = append(g.peers[a], b)
	g.peers[b] = append(g.peers[b], a)

	conn := Connection{From: a, To: b, Kind: ConnectionTopological}
	if len(edges) > 0 {
		conn = Connection{From: edges[0][0], To: edges[0][1], Kind: ConnectionDependency}
	}
	g.connections = append(g.connections, conn)
	return nil
}

// findCycle runs a depth-first search over dependency edges and returns the
// first cycle found, closed on its starting node.
func (g *ConnectionGraph) findCycle() []ResourceID {
	visited := make(map[ResourceID]bool)
	onStack := make(map[ResourceID]bool)

	for _, id := range g.order {
		if visited[id] {
			continue
		}
		if cycle := g.findCycleFrom(id, visited, onStack, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

func (g *ConnectionGraph) findCycleFrom(
	id ResourceID,
	visited map[ResourceID]bool,
	onStack map[ResourceID]bool,
	path []ResourceID,
) []ResourceID {
	visited[id] = true
	onStack[id] = true
	path = append(path, id)

	for _, dep := range g.deps[id] {
		if !visited[dep] {
			if cycle := g.findCycleFrom(dep, visited, onStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if onStack[dep] {
			for i, p := range path {
				if p == dep {
					cycle := append([]ResourceID(nil), path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	onStack[id] = false
	return nil
}

// Connected returns the resources connected to id whose type is rtype, in
// insertion order. An empty rtype matches every type.
func (g *ConnectionGraph) Connected(id ResourceID, rtype ResourceType) []ResourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ResourceID, 0, len(g.peers[id]))
	for _, peer := range g.peers[id] {
		if rtype == "" || g.types[peer] == rtype {
			out = append(out, peer)
		}
	}
	return out
}

// Dependencies returns the resources id waits for.
func (g *ConnectionGraph) Dependencies(id ResourceID) []ResourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]ResourceID(nil), g.deps[id]...)
}

// Dependents returns the resources waiting for id.
func (g *ConnectionGraph) Dependents(id ResourceID) []ResourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]ResourceID(nil), g.dependents[id]...)
}

// DependenciesReady reports whether every dependency of id is ready. state
// is called without the graph lock held.
func (g *ConnectionGraph) DependenciesReady(id ResourceID, state StateFunc) bool {
	for _, dep := range g.Dependencies(id) {
		if state(dep) != StateReady {
			return false
		}
	}
	return true
}

// FailedDependency returns a failed dependency of id, if any.
func (g *ConnectionGraph) FailedDependency(id ResourceID, state StateFunc) (ResourceID, bool) {
	for _, dep := range g.Dependencies(id) {
		if state(dep) == StateFailed {
			return dep, true
		}
	}
	return 0, false
}

// Connections returns every recorded connection in insertion order.
func (g *ConnectionGraph) Connections() []Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Connection(nil), g.connections...)
}

// Levels groups resources into deployment waves using Kahn's algorithm over
// the dependency edges. Resources in the same wave have no dependency on
// each other. Every wave is sorted by id.
func (g *ConnectionGraph) Levels() [][]ResourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[ResourceID]int, len(g.order))
	current := make([]ResourceID, 0)
	for _, id := range g.order {
		inDegree[id] = len(g.deps[id])
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	levels := make([][]ResourceID, 0)
	for len(current) > 0 {
		levels = append(levels, current)

		next := make([]ResourceID, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		slices.Sort(next)
		current = next
	}
	return levels
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per
// deployment wave. When state is non-nil nodes are colored by state.
func (g *ConnectionGraph) ToDOT(state StateFunc) string {
	levels := g.Levels()
	connections := g.Connections()

	g.mu.RLock()
	types := make(map[ResourceID]ResourceType, len(g.types))
	for id, t := range g.types {
		types[id] = t
	}
	g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph Experiment {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_wave_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Wave %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			label := fmt.Sprintf("%s\\n#%d", types[id], id)
			color := "white"
			if state != nil {
				s := state(id)
				label = fmt.Sprintf("%s\\n%s", label, s)
				color = stateColor(s)
			}
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, conn := range connections {
		sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\" [%s];\n", conn.From, conn.To, connectionStyle(conn.Kind)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []ResourceID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = id.String()
	}
	return strings.Join(parts, " -> ")
}

func stateColor(s ResourceState) string {
	switch s {
	case StateReady:
		return "lightgreen"
	case StateDiscovering, StateProvisioning:
		return "lightblue"
	case StateFailed:
		return "lightcoral"
	default:
		return "lightgray"
	}
}

func connectionStyle(kind ConnectionKind) string {
	if kind == ConnectionDependency {
		return "style=solid, color=black"
	}
	return "style=dashed, color=gray, arrowhead=none"
}

func contains(ids []ResourceID, id ResourceID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
