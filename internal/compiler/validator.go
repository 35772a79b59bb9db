package compiler

import (
	"fmt"
	"strings"

	"github.com/lyzr/meshflow/internal/manifest"
	"github.com/lyzr/meshflow/internal/merrs"
)

// systemVars and contextVars are the reference forms
// resolveMappingDependencies (and the validator) must accept without
// treating them as an unresolved activity reference, per spec §4.7
// Validator: "a system var ($app,$self,$graph,$job), a context var
// ({$input,$output,$item,$key,$index}), or a function ({@…})".
var systemVars = map[string]bool{"$app": true, "$self": true, "$graph": true, "$job": true}
var contextVars = map[string]bool{"$input": true, "$output": true, "$item": true, "$key": true, "$index": true}

// Validate enforces the manifest-shape invariants spec §4.7 names as
// required at v1: unique activity ids across graphs, and every
// referenced activity id in a mapping resolves to a real activity, a
// system var, a context var, or a function reference.
func Validate(m *manifest.Manifest) error {
	seen := make(map[string]bool)
	for _, g := range m.App.Graphs {
		for id := range g.Activities {
			if seen[id] {
				return &merrs.ValidationError{Reason: fmt.Sprintf("duplicate activity id %q across graphs", id)}
			}
			seen[id] = true
		}
	}

	for _, g := range m.App.Graphs {
		for id, a := range g.Activities {
			if err := validateRefsIn(a.Job, seen); err != nil {
				return &merrs.ValidationError{Reason: fmt.Sprintf("activity %q: %v", id, err)}
			}
		}
	}
	return nil
}

func validateRefsIn(v interface{}, knownActivities map[string]bool) error {
	switch t := v.(type) {
	case string:
		return validateRefString(t, knownActivities)
	case map[string]interface{}:
		for _, vv := range t {
			if err := validateRefsIn(vv, knownActivities); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, vv := range t {
			if err := validateRefsIn(vv, knownActivities); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRefString(s string, knownActivities map[string]bool) error {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil
	}
	inner := s[1 : len(s)-1]
	if strings.HasPrefix(inner, "@") {
		return nil // function reference, validated at eval time
	}
	head := strings.SplitN(inner, ".", 2)[0]
	if systemVars[head] || contextVars[head] || knownActivities[head] {
		return nil
	}
	return fmt.Errorf("unresolved reference %q: %q is neither a known activity, system var, nor context var", s, head)
}
