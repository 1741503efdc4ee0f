package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Graph is a workflow in the engine's API form: node id to node spec.
// Node specs keep their raw shape (class_type, inputs, plus whatever else a
// template author put there) so templates with unknown node fields survive a
// round trip untouched.
type Graph map[string]map[string]any

// Template is an immutable, named workflow graph. Binding always operates on
// a deep copy; the cached instance is shared across concurrent tasks.
type Template struct {
	Name    string
	Version string
	graph   Graph
}

// Graph returns a deep copy of the template's graph.
func (t *Template) Graph() Graph {
	return t.graph.Clone()
}

// NodeCount reports the number of nodes in the graph.
func (t *Template) NodeCount() int {
	return len(t.graph)
}

// Clone deep-copies a graph so bound values never leak into the original.
func (g Graph) Clone() Graph {
	c := make(Graph, len(g))
	for id, node := range g {
		c[id] = deepCopyMap(node)
	}
	return c
}

// ClassType reads a node's class tag, tolerating templates that only carry
// the editor-format "type" field.
func ClassType(node map[string]any) string {
	if ct, ok := node["class_type"].(string); ok {
		return ct
	}
	if ct, ok := node["type"].(string); ok {
		return ct
	}
	return ""
}

// Inputs returns the node's input map, creating it if absent.
func Inputs(node map[string]any) map[string]any {
	if in, ok := node["inputs"].(map[string]any); ok {
		return in
	}
	in := make(map[string]any)
	node["inputs"] = in
	return in
}

// SortedNodeIDs returns node ids in stable order, numeric ids first in
// numeric order. ComfyUI exports use numeric string ids; ordering decides
// which text-encode node is the positive prompt.
func (g Graph) SortedNodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, ei := strconv.Atoi(ids[i])
		nj, ej := strconv.Atoi(ids[j])
		if ei == nil && ej == nil {
			return ni < nj
		}
		if ei == nil {
			return true
		}
		if ej == nil {
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

// parseTemplate decodes raw template bytes and normalizes the supported
// document shapes into the canonical id->node map:
//   - the API form itself: {"<id>": {"class_type": ..., "inputs": {...}}}
//   - the wrapped export:  {"prompt": {<api form>}}
//   - the editor form:     {"nodes": [{"id": ..., "type": ..., ...}]}
func parseTemplate(name string, raw []byte) (*Template, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateParse, name, err)
	}

	graph, err := normalizeGraph(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplateParse, name, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("%w: %s: graph has no nodes", ErrTemplateParse, name)
	}

	sum := sha256.Sum256(raw)
	return &Template{
		Name:    name,
		Version: hex.EncodeToString(sum[:])[:12],
		graph:   graph,
	}, nil
}

func normalizeGraph(doc map[string]any) (Graph, error) {
	if inner, ok := doc["prompt"].(map[string]any); ok {
		doc = inner
	}

	if nodes, ok := doc["nodes"].([]any); ok {
		return normalizeNodeList(nodes)
	}

	graph := make(Graph, len(doc))
	for id, v := range doc {
		node, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node %q is not an object", id)
		}
		if ClassType(node) == "" {
			return nil, fmt.Errorf("node %q has no class tag", id)
		}
		graph[id] = node
	}
	return graph, nil
}

func normalizeNodeList(nodes []any) (Graph, error) {
	graph := make(Graph, len(nodes))
	for i, v := range nodes {
		node, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node at index %d is not an object", i)
		}
		if _, ok := node["class_type"]; !ok {
			if t, ok := node["type"].(string); ok {
				node["class_type"] = t
			}
		}
		if ClassType(node) == "" {
			return nil, fmt.Errorf("node at index %d has no class tag", i)
		}
		id := nodeID(node, i)
		graph[id] = node
	}
	return graph, nil
}

func nodeID(node map[string]any, index int) string {
	switch v := node["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.Itoa(int(v))
	}
	return strconv.Itoa(index)
}

func deepCopyMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = deepCopyValue(v)
	}
	return c
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = deepCopyValue(e)
		}
		return c
	default:
		return v
	}
}
