// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package xmltree decodes NETCONF reply documents into element trees and
// plain nested maps, navigates them by simple XPath-like paths, and renders
// filter and configuration payloads back to XML.
//
// Parsing is strict: malformed input returns a *SyntaxError with the line and
// column reported by the decoder, never a partially populated tree.
package xmltree

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Node is one XML element.
type Node struct {
	Name     string
	Space    string
	Attrs    []xml.Attr
	Children []*Node
	Text     string
}

// IsLeaf reports whether the element has no child elements.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Child returns the first child with the given local name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// SyntaxError describes where a document failed to parse.
type SyntaxError struct {
	Line   int
	Column int
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("xml parse error at line %d, column %d: %v", e.Line, e.Column, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// ErrEmpty is returned when a document contains no root element.
var ErrEmpty = errors.New("xml document has no root element")

// Decode parses data into a tree rooted at the first top-level element.
func Decode(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var stack []*Node
	var root *Node

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, col := dec.InputPos()
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				line = se.Line
			}
			return nil, &SyntaxError{Line: line, Column: col, Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local, Space: t.Name.Space, Attrs: t.Attr}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				line, col := dec.InputPos()
				return nil, &SyntaxError{Line: line, Column: col, Err: fmt.Errorf("unexpected end element %s", t.Name.Local)}
			}
			n := stack[len(stack)-1]
			n.Text = strings.TrimSpace(n.Text)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if len(stack) != 0 {
		line, col := dec.InputPos()
		return nil, &SyntaxError{Line: line, Column: col, Err: fmt.Errorf("unclosed element %s", stack[len(stack)-1].Name)}
	}
	if root == nil {
		return nil, ErrEmpty
	}
	return root, nil
}

// DecodeFragment parses a sequence of sibling elements by wrapping them in a
// synthetic root named "data". Used for reply bodies that may hold several
// top-level elements.
func DecodeFragment(data []byte) (*Node, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &Node{Name: "data"}, nil
	}
	root, err := Decode(append(append([]byte("<data>"), trimmed...), []byte("</data>")...))
	if err != nil {
		return nil, err
	}
	// A reply that already carried <data> is unwrapped one level.
	if len(root.Children) == 1 && root.Children[0].Name == "data" {
		return root.Children[0], nil
	}
	return root, nil
}

// ToMap converts an element's content into plain Go values.
//
// Leaf elements become their trimmed text. Elements with children become
// map[string]any; repeated child names become []any in document order.
// Attributes are dropped, so fetched trees compare on content only.
func ToMap(n *Node) any {
	if n.IsLeaf() {
		return n.Text
	}
	out := make(map[string]any, len(n.Children))
	for _, c := range n.Children {
		v := ToMap(c)
		if existing, ok := out[c.Name]; ok {
			if list, isList := existing.([]any); isList && repeated(n, c.Name) {
				out[c.Name] = append(list, v)
			} else {
				out[c.Name] = []any{existing, v}
			}
			continue
		}
		out[c.Name] = v
	}
	return out
}

func repeated(parent *Node, name string) bool {
	count := 0
	for _, c := range parent.Children {
		if c.Name == name {
			count++
		}
	}
	return count > 1
}

// =============================================================================
// Path navigation
// =============================================================================

// Step is one segment of a path such as `interface[name='ge-0/0/0']`.
type Step struct {
	Name       string
	Predicates map[string]string
}

// ParsePath splits an absolute or relative path into steps. Namespace
// prefixes ("ns:name") are dropped. Only equality predicates are supported;
// anything else is an error so the caller can fall back to the whole tree.
func ParsePath(path string) ([]Step, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil, nil
	}

	var steps []Step
	for _, raw := range splitSteps(path) {
		if raw == "" {
			return nil, fmt.Errorf("empty step in path %q", path)
		}
		step := Step{}
		name := raw
		if i := strings.IndexByte(raw, '['); i >= 0 {
			name = raw[:i]
			preds, err := parsePredicates(raw[i:])
			if err != nil {
				return nil, fmt.Errorf("path %q: %w", path, err)
			}
			step.Predicates = preds
		}
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[i+1:]
		}
		step.Name = name
		steps = append(steps, step)
	}
	return steps, nil
}

// splitSteps splits on '/' outside of predicate brackets and quotes.
func splitSteps(path string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '[':
			depth++
		case ch == ']':
			depth--
		case ch == '/' && depth == 0:
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}

func parsePredicates(s string) (map[string]string, error) {
	preds := make(map[string]string)
	for len(s) > 0 {
		if s[0] != '[' {
			return nil, fmt.Errorf("unexpected %q in predicate", s)
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated predicate %q", s)
		}
		body := s[1:end]
		s = s[end+1:]

		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			return nil, fmt.Errorf("unsupported predicate [%s]", body)
		}
		key := strings.TrimSpace(body[:eq])
		if i := strings.IndexByte(key, ':'); i >= 0 {
			key = key[i+1:]
		}
		val := strings.Trim(strings.TrimSpace(body[eq+1:]), `'"`)
		preds[key] = val
	}
	return preds, nil
}

// Lookup walks a ToMap-shaped value along steps.
//
// When a step lands on a list, entries are filtered by the step's predicates;
// a single surviving entry is unwrapped, several are returned as []any.
func Lookup(tree any, steps []Step) (any, bool) {
	cur := tree
	for _, step := range steps {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[step.Name]
		if !ok {
			return nil, false
		}
		if len(step.Predicates) > 0 {
			next, ok = selectEntries(next, step.Predicates)
			if !ok {
				return nil, false
			}
		}
		cur = next
	}
	return cur, true
}

func selectEntries(v any, preds map[string]string) (any, bool) {
	entries, isList := v.([]any)
	if !isList {
		entries = []any{v}
	}
	var matched []any
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if matches(m, preds) {
			matched = append(matched, e)
		}
	}
	switch len(matched) {
	case 0:
		return nil, false
	case 1:
		return matched[0], true
	default:
		return matched, true
	}
}

func matches(m map[string]any, preds map[string]string) bool {
	for k, want := range preds {
		got, ok := m[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// =============================================================================
// Rendering
// =============================================================================

// RenderFilter renders a nested filter map as subtree-filter XML.
//
// A key mapped to an empty map (or nil) selects the whole subtree; a key
// mapped to a non-empty map narrows further; a scalar becomes a content
// match node. Keys are emitted in sorted order for stable output.
func RenderFilter(filter map[string]any) string {
	var b strings.Builder
	renderFilter(&b, filter)
	return b.String()
}

func renderFilter(b *strings.Builder, filter map[string]any) {
	for _, k := range sortedKeys(filter) {
		switch v := filter[k].(type) {
		case nil:
			fmt.Fprintf(b, "<%s/>", k)
		case map[string]any:
			if len(v) == 0 {
				fmt.Fprintf(b, "<%s/>", k)
				continue
			}
			fmt.Fprintf(b, "<%s>", k)
			renderFilter(b, v)
			fmt.Fprintf(b, "</%s>", k)
		default:
			fmt.Fprintf(b, "<%s>", k)
			_ = xml.EscapeText(b, []byte(fmt.Sprint(v)))
			fmt.Fprintf(b, "</%s>", k)
		}
	}
}

// PathToFilter turns path steps plus an innermost filter into a nested
// filter map. Step predicates become content match leaves.
func PathToFilter(steps []Step, inner map[string]any) map[string]any {
	if inner == nil {
		inner = map[string]any{}
	}
	cur := inner
	for i := len(steps) - 1; i >= 0; i-- {
		node := map[string]any{}
		for k, v := range steps[i].Predicates {
			node[k] = v
		}
		for k, v := range cur {
			node[k] = v
		}
		cur = map[string]any{steps[i].Name: node}
	}
	return cur
}

// AttrPrefix marks a map key that Marshal renders as an attribute of the
// enclosing element instead of a child, for example
// {"server": {"@operation": "delete", "name": "a"}}.
const AttrPrefix = "@"

// Marshal renders a ToMap-shaped value as XML element content.
//
// Maps become elements (sorted keys), []any repeats the enclosing element,
// scalars become escaped text. Keys starting with AttrPrefix become
// attributes and must hold scalars. It returns an error for values that have
// no XML representation so callers never push a silently altered payload.
func Marshal(v any) (string, error) {
	var b strings.Builder
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("config payload must be a map, got %T", v)
	}
	for k := range m {
		if strings.HasPrefix(k, AttrPrefix) {
			return "", fmt.Errorf("attribute %s has no enclosing element", k)
		}
	}
	if err := marshalMap(&b, m, ""); err != nil {
		return "", err
	}
	return b.String(), nil
}

func marshalMap(b *strings.Builder, m map[string]any, path string) error {
	for _, k := range sortedKeys(m) {
		if strings.HasPrefix(k, AttrPrefix) {
			continue
		}
		if err := marshalElement(b, k, m[k], path+"/"+k); err != nil {
			return err
		}
	}
	return nil
}

func marshalElement(b *strings.Builder, name string, v any, path string) error {
	switch val := v.(type) {
	case nil:
		fmt.Fprintf(b, "<%s/>", name)
	case map[string]any:
		attrs, children, err := marshalAttrs(val, path)
		if err != nil {
			return err
		}
		if children == 0 && attrs != "" {
			fmt.Fprintf(b, "<%s%s/>", name, attrs)
			return nil
		}
		fmt.Fprintf(b, "<%s%s>", name, attrs)
		if err := marshalMap(b, val, path); err != nil {
			return err
		}
		fmt.Fprintf(b, "</%s>", name)
	case []any:
		for i, item := range val {
			if err := marshalElement(b, name, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case []map[string]any:
		for i, item := range val {
			if err := marshalElement(b, name, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		fmt.Fprintf(b, "<%s>", name)
		_ = xml.EscapeText(b, []byte(fmt.Sprint(val)))
		fmt.Fprintf(b, "</%s>", name)
	default:
		return fmt.Errorf("unsupported value %T at %s", v, path)
	}
	return nil
}

// marshalAttrs renders the AttrPrefix keys of m and counts the rest.
func marshalAttrs(m map[string]any, path string) (string, int, error) {
	var b strings.Builder
	children := 0
	for _, k := range sortedKeys(m) {
		attr, ok := strings.CutPrefix(k, AttrPrefix)
		if !ok {
			children++
			continue
		}
		if attr == "" {
			return "", 0, fmt.Errorf("empty attribute name at %s", path)
		}
		switch val := m[k].(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			fmt.Fprintf(&b, ` %s="`, attr)
			_ = xml.EscapeText(&b, []byte(fmt.Sprint(val)))
			b.WriteByte('"')
		default:
			return "", 0, fmt.Errorf("attribute %s at %s must be a scalar, got %T", attr, path, m[k])
		}
	}
	return b.String(), children, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
