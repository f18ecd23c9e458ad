package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDocument() Document {
	return Document{
		Nodes: []Node{
			{ID: "n1", Position: Position{X: 1, Y: 2}, Configuration: map[string]interface{}{"label": "start"}},
			{ID: "n2", Position: Position{X: 3, Y: 4}},
		},
		Edges: []Edge{
			{ID: "e1", SourceNodeID: "n1", TargetNodeID: "n2"},
			{ID: "e2", SourceNodeID: "n2", TargetNodeID: "n3"},
		},
	}
}

func TestApplyAdd(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{
		Type: OpAdd,
		Data: map[string]interface{}{
			"node": map[string]interface{}{
				"id":       "n3",
				"position": map[string]interface{}{"x": 5.0, "y": 6.0},
			},
		},
	})
	require.True(t, applied)
	require.Len(t, next.Nodes, 3)
	assert.Equal(t, "n3", next.Nodes[2].ID)
	assert.Equal(t, Position{X: 5, Y: 6}, next.Nodes[2].Position)
	// The previous snapshot is untouched.
	assert.Len(t, doc.Nodes, 2)
}

func TestApplyDeleteCascades(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{Type: OpDelete, ElementID: "n1"})
	require.True(t, applied)
	require.Len(t, next.Nodes, 1)
	assert.Equal(t, "n2", next.Nodes[0].ID)
	// e1 touches n1 and goes with it; e2 does not and stays.
	require.Len(t, next.Edges, 1)
	assert.Equal(t, "e2", next.Edges[0].ID)
}

func TestApplyMoveLastWriterWins(t *testing.T) {
	doc := testDocument()
	doc, applied := ApplyOperation(doc, Operation{
		Type:      OpMove,
		ElementID: "n1",
		Data:      map[string]interface{}{"x": 10.0, "y": 10.0},
	})
	require.True(t, applied)
	doc, applied = ApplyOperation(doc, Operation{
		Type:      OpMove,
		ElementID: "n1",
		Data:      map[string]interface{}{"x": 20.0, "y": 20.0},
	})
	require.True(t, applied)
	assert.Equal(t, Position{X: 20, Y: 20}, doc.Nodes[0].Position)
}

func TestApplyMoveVanishedTargetIsNoop(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{
		Type:      OpMove,
		ElementID: "ghost",
		Data:      map[string]interface{}{"x": 1.0, "y": 1.0},
	})
	assert.False(t, applied)
	assert.Equal(t, doc, next)
}

func TestApplyResizeMergesConfiguration(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{
		Type:      OpResize,
		ElementID: "n1",
		Data:      map[string]interface{}{"width": 200.0, "height": 100.0},
	})
	require.True(t, applied)
	conf := next.Nodes[0].Configuration
	assert.Equal(t, 200.0, conf["width"])
	assert.Equal(t, 100.0, conf["height"])
	// Unrelated keys survive the merge.
	assert.Equal(t, "start", conf["label"])
	// The original node's configuration is untouched.
	_, ok := doc.Nodes[0].Configuration["width"]
	assert.False(t, ok)
}

func TestApplyUpdateText(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{
		Type:      OpUpdateText,
		ElementID: "n2",
		Data:      map[string]interface{}{"textContent": "hello"},
	})
	require.True(t, applied)
	assert.Equal(t, "hello", next.Nodes[1].Configuration["textContent"])
}

func TestApplyUpdateShallowMerge(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{
		Type:      OpUpdate,
		ElementID: "n1",
		Data:      map[string]interface{}{"label": "renamed", "color": "red"},
	})
	require.True(t, applied)
	conf := next.Nodes[0].Configuration
	assert.Equal(t, "renamed", conf["label"])
	assert.Equal(t, "red", conf["color"])
}

func TestApplyConnectors(t *testing.T) {
	doc := testDocument()
	next, applied := ApplyOperation(doc, Operation{
		Type: OpAddConnector,
		Data: map[string]interface{}{
			"edge": map[string]interface{}{
				"id":           "e3",
				"sourceNodeId": "n1",
				"targetNodeId": "n2",
			},
		},
	})
	require.True(t, applied)
	require.Len(t, next.Edges, 3)

	next, applied = ApplyOperation(next, Operation{Type: OpDeleteConnector, ElementID: "e3"})
	require.True(t, applied)
	assert.Len(t, next.Edges, 2)

	_, applied = ApplyOperation(next, Operation{Type: OpDeleteConnector, ElementID: "e3"})
	assert.False(t, applied)
}

func TestApplyMalformedPayloadIsNoop(t *testing.T) {
	doc := testDocument()
	_, applied := ApplyOperation(doc, Operation{Type: OpAdd, Data: map[string]interface{}{}})
	assert.False(t, applied)
	_, applied = ApplyOperation(doc, Operation{Type: OpMove, ElementID: "n1", Data: map[string]interface{}{"x": 1.0}})
	assert.False(t, applied)
	_, applied = ApplyOperation(doc, Operation{Type: "unknown", ElementID: "n1"})
	assert.False(t, applied)
}
