package workflow

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
)

// BindingWarning reports a supplied role the template could not absorb.
// Warnings are informational; binding never aborts because of them.
type BindingWarning struct {
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

func (w BindingWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Role, w.Reason)
}

// Node class tags the binder knows how to parameterize.
const (
	classTextEncode = "CLIPTextEncode"
	classSampler    = "KSampler"
	classLatentSize = "EmptyLatentImage"
	classLoadImage  = "LoadImage"
)

// scalarRule maps one parameter role onto an input field of a node class.
// Every node of the class that already exposes the input gets the value, so
// templates linking several stages to one parameter keep that behavior.
type scalarRule struct {
	role     string
	class    string
	inputKey string
	coerce   func(any) (any, error)
	// required roles produce a warning when no node absorbs them; the rest
	// are ignored silently, since not every template exposes every role.
	required bool
}

var scalarRules = []scalarRule{
	{role: "steps", class: classSampler, inputKey: "steps", coerce: coerceInt},
	{role: "cfg_scale", class: classSampler, inputKey: "cfg", coerce: coerceFloat},
	{role: "denoise_strength", class: classSampler, inputKey: "denoise", coerce: coerceFloat},
	{role: "seed", class: classSampler, inputKey: "seed", coerce: coerceInt},
	{role: "width", class: classLatentSize, inputKey: "width", coerce: coerceInt},
	{role: "height", class: classLatentSize, inputKey: "height", coerce: coerceInt},
	{role: "batch_size", class: classLatentSize, inputKey: "batch_size", coerce: coerceInt},
	{role: "source_image_path", class: classLoadImage, inputKey: "image", coerce: coerceImagePath, required: true},
}

// Bind injects params into a deep copy of the template graph. The template
// itself is never touched. Returned warnings list supplied roles the
// template had no node for, plus values that failed coercion.
func Bind(tmpl *Template, params map[string]any) (Graph, []BindingWarning) {
	graph := tmpl.Graph()
	var warnings []BindingWarning

	warnings = append(warnings, bindPrompts(graph, params)...)

	for _, rule := range scalarRules {
		raw, ok := params[rule.role]
		if !ok {
			continue
		}
		value, err := rule.coerce(raw)
		if err != nil {
			warnings = append(warnings, BindingWarning{Role: rule.role, Reason: err.Error()})
			continue
		}

		bound := 0
		for _, id := range graph.SortedNodeIDs() {
			node := graph[id]
			if ClassType(node) != rule.class {
				continue
			}
			inputs := Inputs(node)
			if _, has := inputs[rule.inputKey]; !has {
				continue
			}
			inputs[rule.inputKey] = value
			bound++
		}

		if bound == 0 && rule.required {
			warnings = append(warnings, BindingWarning{
				Role:   rule.role,
				Reason: fmt.Sprintf("template has no %s node", rule.class),
			})
		}
	}

	if len(warnings) > 0 {
		log.Printf("[Workflow] Bound %q with %d warning(s): %v", tmpl.Name, len(warnings), warnings)
	}
	return graph, warnings
}

// bindPrompts handles the positional text-encode convention: the first
// CLIPTextEncode node in node-id order carries the positive prompt, the
// second the negative one.
func bindPrompts(graph Graph, params map[string]any) []BindingWarning {
	prompt, hasPrompt := stringParam(params, "prompt")
	negative, hasNegative := stringParam(params, "negative_prompt")
	if !hasPrompt && !hasNegative {
		return nil
	}

	var textNodes []map[string]any
	for _, id := range graph.SortedNodeIDs() {
		node := graph[id]
		if ClassType(node) != classTextEncode {
			continue
		}
		if _, has := Inputs(node)["text"]; has {
			textNodes = append(textNodes, node)
		}
	}

	var warnings []BindingWarning
	if hasPrompt {
		if len(textNodes) >= 1 {
			Inputs(textNodes[0])["text"] = prompt
		} else {
			warnings = append(warnings, BindingWarning{
				Role:   "prompt",
				Reason: "template has no CLIPTextEncode node",
			})
		}
	}
	if hasNegative && len(textNodes) >= 2 {
		Inputs(textNodes[1])["text"] = negative
	}
	return warnings
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func coerceInt(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func coerceFloat(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// coerceImagePath turns a local path into the engine-relative form: paths
// already containing an engine subfolder pass through, anything else is
// reduced to its base name (the upload step places files by base name).
func coerceImagePath(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, fmt.Errorf("image path must be a non-empty string")
	}
	if !filepath.IsAbs(s) && !strings.HasPrefix(s, ".") {
		return filepath.ToSlash(s), nil
	}
	return filepath.Base(s), nil
}
