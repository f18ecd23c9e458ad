package collab

import "encoding/json"

// ApplyOperation folds one authority-confirmed operation into the document
// and returns the resulting snapshot plus whether anything changed. The
// input document is never mutated; a new snapshot with fresh slices is
// returned whenever a structural match is found.
//
// Operations referencing vanished elements are silent no-ops, not errors:
// concurrent deletes are expected under last-writer-wins, and the version
// counter is advanced by the caller regardless of the outcome here.
func ApplyOperation(doc Document, op Operation) (Document, bool) {
	switch op.Type {
	case OpAdd:
		var node Node
		if !decodeField(op.Data, "node", &node) {
			return doc, false
		}
		next := doc
		next.Nodes = append(cloneNodes(doc.Nodes), node)
		return next, true

	case OpDelete:
		if nodeIndex(doc.Nodes, op.ElementID) < 0 {
			return doc, false
		}
		next := doc
		next.Nodes = make([]Node, 0, len(doc.Nodes)-1)
		for _, n := range doc.Nodes {
			if n.ID != op.ElementID {
				next.Nodes = append(next.Nodes, n)
			}
		}
		// Cascade: edges touching the node in either direction go with it.
		next.Edges = make([]Edge, 0, len(doc.Edges))
		for _, e := range doc.Edges {
			if e.SourceNodeID != op.ElementID && e.TargetNodeID != op.ElementID {
				next.Edges = append(next.Edges, e)
			}
		}
		return next, true

	case OpMove:
		i := nodeIndex(doc.Nodes, op.ElementID)
		if i < 0 {
			return doc, false
		}
		x, okX := floatField(op.Data, "x")
		y, okY := floatField(op.Data, "y")
		if !okX || !okY {
			return doc, false
		}
		next := doc
		next.Nodes = cloneNodes(doc.Nodes)
		next.Nodes[i].Position = Position{X: x, Y: y}
		return next, true

	case OpResize:
		i := nodeIndex(doc.Nodes, op.ElementID)
		if i < 0 {
			return doc, false
		}
		width, okW := op.Data["width"]
		height, okH := op.Data["height"]
		if !okW || !okH {
			return doc, false
		}
		return mergeConfiguration(doc, i, map[string]interface{}{
			"width":  width,
			"height": height,
		}), true

	case OpUpdateText:
		i := nodeIndex(doc.Nodes, op.ElementID)
		if i < 0 {
			return doc, false
		}
		text, ok := op.Data["textContent"]
		if !ok {
			return doc, false
		}
		return mergeConfiguration(doc, i, map[string]interface{}{
			"textContent": text,
		}), true

	case OpUpdate:
		i := nodeIndex(doc.Nodes, op.ElementID)
		if i < 0 {
			return doc, false
		}
		return mergeConfiguration(doc, i, op.Data), true

	case OpAddConnector:
		var edge Edge
		if !decodeField(op.Data, "edge", &edge) {
			return doc, false
		}
		next := doc
		next.Edges = append(cloneEdges(doc.Edges), edge)
		return next, true

	case OpDeleteConnector:
		found := false
		for _, e := range doc.Edges {
			if e.ID == op.ElementID {
				found = true
				break
			}
		}
		if !found {
			return doc, false
		}
		next := doc
		next.Edges = make([]Edge, 0, len(doc.Edges)-1)
		for _, e := range doc.Edges {
			if e.ID != op.ElementID {
				next.Edges = append(next.Edges, e)
			}
		}
		return next, true
	}
	return doc, false
}

// structural reports whether an operation type changes the shape of the
// graph rather than a property of an existing element.
func structural(t OperationType) bool {
	switch t {
	case OpAdd, OpDelete, OpAddConnector, OpDeleteConnector:
		return true
	}
	return false
}

// mergeConfiguration shallow-merges values into the node's configuration,
// preserving unrelated keys. The node slice and the configuration map are
// both copied so the previous snapshot stays intact.
func mergeConfiguration(doc Document, i int, values map[string]interface{}) Document {
	next := doc
	next.Nodes = cloneNodes(doc.Nodes)
	conf := cloneConfiguration(next.Nodes[i].Configuration)
	for k, v := range values {
		conf[k] = v
	}
	next.Nodes[i].Configuration = conf
	return next
}

// decodeField extracts a typed value out of the opaque operation payload.
// Payloads arrive as generic JSON maps, so a marshal round-trip is the
// simplest faithful decode.
func decodeField(data map[string]interface{}, key string, out interface{}) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func floatField(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
