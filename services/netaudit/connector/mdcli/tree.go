// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mdcli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/xmltree"
)

// =============================================================================
// Native tree
// =============================================================================

// Node is one element of the device's native configuration tree.
type Node interface {
	isNode()
}

// Container holds named children.
type Container struct {
	Children map[string]Node
}

// List holds keyed entries, each a container.
type List struct {
	Entries []*Container
}

// Leaf holds one primitive: string, bool, int64, uint64, float64, or nil for
// an empty (presence) leaf.
type Leaf struct {
	Value any
}

// LeafList holds an ordered set of primitives.
type LeafList struct {
	Values []any
}

func (*Container) isNode() {}
func (*List) isNode()      {}
func (*Leaf) isNode()      {}
func (*LeafList) isNode()  {}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{Children: map[string]Node{}}
}

// PathError names the tree location a conversion failed at.
type PathError struct {
	Path string
	Msg  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// =============================================================================
// Tree -> plain values
// =============================================================================

// ToMap converts a native node to plain Go values.
//
// # Description
//
// Container becomes map[string]any, List becomes []map[string]any, LeafList
// becomes []any and Leaf becomes its primitive. The distinct slice types keep
// lists and leaf-lists apart so FromMap restores the exact tree. A value that
// is not a supported primitive fails with a *PathError naming its location;
// no partial structure is returned.
func ToMap(n Node) (any, error) {
	return toMap(n, "")
}

func toMap(n Node, path string) (any, error) {
	switch v := n.(type) {
	case *Container:
		out := make(map[string]any, len(v.Children))
		for _, name := range sortedNames(v.Children) {
			child, err := toMap(v.Children[name], path+"/"+name)
			if err != nil {
				return nil, err
			}
			out[name] = child
		}
		return out, nil

	case *List:
		out := make([]map[string]any, 0, len(v.Entries))
		for i, e := range v.Entries {
			if e == nil {
				return nil, &PathError{Path: fmt.Sprintf("%s[%d]", path, i), Msg: "nil list entry"}
			}
			m, err := toMap(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, m.(map[string]any))
		}
		return out, nil

	case *LeafList:
		out := make([]any, 0, len(v.Values))
		for i, val := range v.Values {
			if !primitive(val) {
				return nil, &PathError{Path: fmt.Sprintf("%s[%d]", path, i), Msg: fmt.Sprintf("unsupported leaf-list value %T", val)}
			}
			out = append(out, val)
		}
		return out, nil

	case *Leaf:
		if !primitive(v.Value) {
			return nil, &PathError{Path: path, Msg: fmt.Sprintf("unsupported leaf value %T", v.Value)}
		}
		return v.Value, nil

	case nil:
		return nil, &PathError{Path: path, Msg: "nil node"}

	default:
		return nil, &PathError{Path: path, Msg: fmt.Sprintf("unsupported node %T", n)}
	}
}

// =============================================================================
// Plain values -> tree
// =============================================================================

// FromMap is the inverse of ToMap. A non-empty []any whose elements are all
// maps is read as a list, which lets JSON-decoded payloads convert too.
func FromMap(v any) (Node, error) {
	return fromMap(v, "")
}

func fromMap(v any, path string) (Node, error) {
	switch val := v.(type) {
	case map[string]any:
		c := &Container{Children: make(map[string]Node, len(val))}
		for _, name := range sortedKeys(val) {
			child, err := fromMap(val[name], path+"/"+name)
			if err != nil {
				return nil, err
			}
			c.Children[name] = child
		}
		return c, nil

	case []map[string]any:
		l := &List{Entries: make([]*Container, 0, len(val))}
		for i, e := range val {
			n, err := fromMap(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			l.Entries = append(l.Entries, n.(*Container))
		}
		return l, nil

	case []any:
		if allMaps(val) {
			entries := make([]map[string]any, len(val))
			for i, e := range val {
				entries[i] = e.(map[string]any)
			}
			return fromMap(entries, path)
		}
		ll := &LeafList{Values: make([]any, 0, len(val))}
		for i, e := range val {
			p, err := normalize(e)
			if err != nil {
				return nil, &PathError{Path: fmt.Sprintf("%s[%d]", path, i), Msg: err.Error()}
			}
			ll.Values = append(ll.Values, p)
		}
		return ll, nil

	default:
		p, err := normalize(v)
		if err != nil {
			return nil, &PathError{Path: path, Msg: err.Error()}
		}
		return &Leaf{Value: p}, nil
	}
}

func allMaps(vals []any) bool {
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func primitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, int64, uint64, float64:
		return true
	default:
		return false
	}
}

// normalize widens Go integer and float kinds to the leaf primitives.
func normalize(v any) (any, error) {
	switch n := v.(type) {
	case nil, string, bool, int64, uint64, float64:
		return n, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case float32:
		return float64(n), nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}

// =============================================================================
// XML reply -> tree
// =============================================================================

// DecodeTree builds a native tree from a decoded reply element.
//
// Repeated siblings with children form a List, repeated leaf siblings a
// LeafList. An element that repeats with mixed shapes cannot be represented
// and fails with a *PathError. Leaf text is kept as a string; an empty
// element is a presence leaf with a nil value.
func DecodeTree(n *xmltree.Node) (*Container, error) {
	return decodeContainer(n, "")
}

func decodeContainer(n *xmltree.Node, path string) (*Container, error) {
	c := &Container{Children: map[string]Node{}}

	var order []string
	groups := map[string][]*xmltree.Node{}
	for _, child := range n.Children {
		if _, seen := groups[child.Name]; !seen {
			order = append(order, child.Name)
		}
		groups[child.Name] = append(groups[child.Name], child)
	}

	for _, name := range order {
		members := groups[name]
		childPath := path + "/" + name

		if len(members) == 1 {
			m := members[0]
			if m.IsLeaf() {
				c.Children[name] = &Leaf{Value: leafValue(m)}
				continue
			}
			sub, err := decodeContainer(m, childPath)
			if err != nil {
				return nil, err
			}
			c.Children[name] = sub
			continue
		}

		leaves := 0
		for _, m := range members {
			if m.IsLeaf() {
				leaves++
			}
		}
		switch leaves {
		case len(members):
			ll := &LeafList{Values: make([]any, 0, len(members))}
			for _, m := range members {
				ll.Values = append(ll.Values, leafValue(m))
			}
			c.Children[name] = ll
		case 0:
			l := &List{Entries: make([]*Container, 0, len(members))}
			for i, m := range members {
				entry, err := decodeContainer(m, fmt.Sprintf("%s[%d]", childPath, i))
				if err != nil {
					return nil, err
				}
				l.Entries = append(l.Entries, entry)
			}
			c.Children[name] = l
		default:
			return nil, &PathError{Path: childPath, Msg: "element repeats as both list entry and leaf"}
		}
	}
	return c, nil
}

func leafValue(n *xmltree.Node) any {
	if n.Text == "" {
		return nil
	}
	return n.Text
}

// =============================================================================
// Navigation
// =============================================================================

// Walk follows path steps through a native tree. Predicates select list
// entries by key leaf; when several entries match, they are returned as a
// List.
func Walk(root Node, steps []xmltree.Step) (Node, bool) {
	cur := root
	for _, step := range steps {
		c, ok := cur.(*Container)
		if !ok {
			return nil, false
		}
		next, ok := c.Children[step.Name]
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

func selectEntries(n Node, preds map[string]string) (Node, bool) {
	var candidates []*Container
	switch v := n.(type) {
	case *List:
		candidates = v.Entries
	case *Container:
		candidates = []*Container{v}
	default:
		return nil, false
	}

	var matched []*Container
	for _, c := range candidates {
		if entryMatches(c, preds) {
			matched = append(matched, c)
		}
	}
	switch len(matched) {
	case 0:
		return nil, false
	case 1:
		return matched[0], true
	default:
		return &List{Entries: matched}, true
	}
}

func entryMatches(c *Container, preds map[string]string) bool {
	for k, want := range preds {
		leaf, ok := c.Children[k].(*Leaf)
		if !ok || leafString(leaf.Value) != want {
			return false
		}
	}
	return true
}

func leafString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func sortedNames(m map[string]Node) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
