package collab

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single element in the workflow graph. Configuration holds
// element-specific settings (dimensions, text content, parameters) as an
// open key/value map.
type Node struct {
	ID            string                 `json:"id"`
	Position      Position               `json:"position"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId"`
	SourcePortID string `json:"sourcePortId,omitempty"`
	TargetNodeID string `json:"targetNodeId"`
	TargetPortID string `json:"targetPortId,omitempty"`
}

// Document is the shared workflow graph. The sync core never mutates a
// Document in place: every applied remote operation produces a fresh
// snapshot with new slices, so hosts can rely on reference inequality for
// change detection.
type Document struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func cloneNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}

func cloneEdges(edges []Edge) []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

func cloneConfiguration(conf map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(conf))
	for k, v := range conf {
		out[k] = v
	}
	return out
}

func nodeIndex(nodes []Node, id string) int {
	for i := range nodes {
		if nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Host is the boundary between the sync core and the hosting application.
//
// Document and ReplaceDocument form the single snapshot-replacement contract
// for the shared graph. ReplaceDocument is only ever invoked for changes that
// originated remotely; the host must not route it back into whatever path it
// uses to broadcast its own local edits, otherwise every remote operation
// would echo back to the authority.
type Host interface {
	// Document returns the current document snapshot.
	Document() Document
	// ReplaceDocument installs a new snapshot produced by a remote operation.
	ReplaceDocument(doc Document)
	// PresenceChanged hints that cursors, selections, typing indicators or
	// the roster changed. It carries no data; the host re-queries.
	PresenceChanged()
	// StructuralChanged hints that nodes or edges were added or removed by a
	// remote operation, distinct from the host's own edit path.
	StructuralChanged()
}
