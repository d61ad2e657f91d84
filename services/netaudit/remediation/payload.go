// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remediation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/xmltree"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// ValidationError rejects a remediation before any device is contacted.
type ValidationError struct {
	FindingID string
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remediation of finding %s rejected: %s: %v", e.FindingID, e.Reason, e.Err)
	}
	return fmt.Sprintf("remediation of finding %s rejected: %s", e.FindingID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PreparePayload turns a finding's expected value into a push payload for
// protocol.
//
// # Description
//
// Structured protocols accept a map, a JSON object in a string, or a
// well-formed XML fragment in a string. A scalar (a bare word, number or
// bool) is accepted only when check is an EXACT check whose query path ends
// in a plain leaf; the payload is then the tree from the path root down to
// that leaf. SSH_CLI accepts a command block or a list of command strings.
// JSON text gets exactly one repair: trailing commas before } or ] are
// dropped, and repaired reports that it happened. Every other malformation
// is a ValidationError.
//
// # Inputs
//
//   - check: The check that produced the finding. May be nil when the rule
//     version is no longer stored; scalars are then rejected.
//
// # Outputs
//
//   - payload: Value to hand to Session.Push.
//   - repaired: True if trailing commas were removed.
//   - err: *ValidationError.
func PreparePayload(findingID string, protocol datatypes.VendorProtocol, expected any, check *datatypes.Check) (payload any, repaired bool, err error) {
	invalid := func(reason string, cause error) (any, bool, error) {
		return nil, false, &ValidationError{FindingID: findingID, Reason: reason, Err: cause}
	}

	switch v := expected.(type) {
	case nil:
		return invalid("finding has no expected value", nil)
	case map[string]any:
		if !protocol.Structured() {
			return invalid(fmt.Sprintf("%s cannot push a structured tree", protocol), nil)
		}
		if len(v) == 0 {
			return invalid("expected tree is empty", nil)
		}
		return v, false, nil
	case []any:
		if protocol.Structured() {
			return invalid(fmt.Sprintf("%s needs a tree, not a list", protocol), nil)
		}
		if len(v) == 0 {
			return invalid("expected command list is empty", nil)
		}
		for i, c := range v {
			if _, ok := c.(string); !ok {
				return invalid(fmt.Sprintf("command %d is %T, not a string", i, c), nil)
			}
		}
		return v, false, nil
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return invalid("expected value is empty", nil)
		}
		if !protocol.Structured() {
			return text, false, nil
		}
		switch text[0] {
		case '<':
			if _, err := xmltree.DecodeFragment([]byte(text)); err != nil {
				return invalid("expected text is not well-formed XML", err)
			}
			return text, false, nil
		case '{', '[':
			parsed, repaired, err := parseJSON(text)
			if err != nil {
				return invalid("expected value is not valid JSON", err)
			}
			tree, ok := parsed.(map[string]any)
			if !ok || len(tree) == 0 {
				return invalid("expected JSON must be a non-empty object", nil)
			}
			return tree, repaired, nil
		default:
			if tree, ok := leafPayload(check, text); ok {
				return tree, false, nil
			}
			return invalid("expected text is neither JSON nor XML and the check path does not name a leaf", nil)
		}
	case bool, int, int64, float64:
		if !protocol.Structured() {
			return invalid(fmt.Sprintf("%s needs commands, not a %T", protocol, expected), nil)
		}
		if tree, ok := leafPayload(check, v); ok {
			return tree, false, nil
		}
		return invalid(fmt.Sprintf("expected %T value needs an EXACT check on a leaf path", expected), nil)
	default:
		return invalid(fmt.Sprintf("expected value of type %T cannot be pushed", expected), nil)
	}
}

// leafPayload nests a scalar under the check's query path. The last step must
// be a plain element; predicates on earlier steps become key leaves so list
// entries are addressed.
func leafPayload(check *datatypes.Check, value any) (map[string]any, bool) {
	if check == nil || check.Comparison != datatypes.CompareExact {
		return nil, false
	}
	path := check.Query.XPath
	if path == "" {
		path = check.Query.Path
	}
	steps, err := xmltree.ParsePath(path)
	if err != nil || len(steps) == 0 {
		return nil, false
	}
	for _, st := range steps {
		if st.Name == "*" || st.Name == "" {
			return nil, false
		}
	}
	last := steps[len(steps)-1]
	if len(last.Predicates) > 0 {
		return nil, false
	}
	return xmltree.PathToFilter(steps[:len(steps)-1], map[string]any{last.Name: value}), true
}

// parseJSON decodes text, retrying once with trailing commas removed.
func parseJSON(text string) (any, bool, error) {
	var out any
	err := json.Unmarshal([]byte(text), &out)
	if err == nil {
		return out, false, nil
	}
	fixed := stripTrailingCommas(text)
	if fixed == text {
		return nil, false, err
	}
	if ferr := json.Unmarshal([]byte(fixed), &out); ferr != nil {
		return nil, false, err
	}
	return out, true, nil
}

// stripTrailingCommas removes commas that are followed, after optional
// whitespace, by } or ]. Commas inside string literals are left alone.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
