// Package pipe implements the mapping-expression language described in
// spec §4.8: arrays of steps where each step is a literal pipe-list, a
// nested "@pipe" pipeline, or an "@reduce" iterator binding
// $input/$output/$item/$key/$index; leaf references are either
// "{@namespace.name}" function calls or "{activityOrScope.path...}"
// node references resolved against the job/activity state tree.
// Grounded on the teacher's cmd/workflow-runner/resolver/resolver.go
// ($nodes.<id>.<path> node-reference resolution via gjson, string
// interpolation) and condition/evaluator.go's CEL-program cache idiom,
// generalized per spec §9 "AST interpreter with a fixed function
// registry" from the teacher's single-purpose `$nodes` resolver to a
// scope-addressable ($self/$job/$graph/$app/activity-id) tree plus the
// @pipe/@reduce constructs spec.md adds.
package pipe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// refPattern matches a bare node reference: "{scopeOrActivity.path...}",
// explicitly excluding "{@..." function references.
var refPattern = regexp.MustCompile(`^\{([^@{}][^{}]*)\}$`)

// funcRefPattern matches a bare, argless function reference:
// "{@namespace.name}", applied to the pipeline's running accumulator.
var funcRefPattern = regexp.MustCompile(`^\{@([A-Za-z0-9_]+\.[A-Za-z0-9_]+)\}$`)

// Context carries the scope a Pipe evaluates against: the root
// document addressable by activity id / $job / $self / $graph / $app,
// plus the reduce-loop bindings $input/$output/$item/$key/$index.
type Context struct {
	Root                    map[string]interface{}
	Input, Output           interface{}
	Item, Key, Index        interface{}
}

// child returns a Context with Item/Key/Index rebound for one @reduce
// iteration, sharing Root/Input/Output with the parent.
func (c *Context) child(item, key, index interface{}) *Context {
	return &Context{Root: c.Root, Input: c.Input, Output: c.Output, Item: item, Key: key, Index: index}
}

// Pipe is a manifest-declared mapping rule: a sequence of steps
// threaded through a running accumulator.
type Pipe []interface{}

// Eval runs every step in order, feeding each step's result as the next
// step's accumulator, and returns the final value.
func Eval(p Pipe, ctx *Context) (interface{}, error) {
	var acc interface{}
	for i, step := range p {
		v, err := evalStep(step, ctx, acc)
		if err != nil {
			return nil, fmt.Errorf("pipe: step %d: %w", i, err)
		}
		acc = v
	}
	return acc, nil
}

func evalStep(step interface{}, ctx *Context, acc interface{}) (interface{}, error) {
	switch t := step.(type) {
	case string:
		return evalString(t, ctx, acc)
	case []interface{}:
		return evalList(t, ctx, acc)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			rv, err := evalStep(v, ctx, acc)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return step, nil
	}
}

func evalString(s string, ctx *Context, acc interface{}) (interface{}, error) {
	if m := funcRefPattern.FindStringSubmatch(s); m != nil {
		return Call(m[1], []interface{}{acc})
	}
	if m := refPattern.FindStringSubmatch(s); m != nil {
		return resolveRef(m[1], ctx)
	}
	return s, nil
}

func evalList(items []interface{}, ctx *Context, acc interface{}) (interface{}, error) {
	if len(items) == 0 {
		return []interface{}{}, nil
	}
	head, ok := items[0].(string)
	if ok && strings.HasPrefix(head, "@") {
		switch {
		case head == "@pipe":
			return Eval(Pipe(items[1:]), ctx)
		case head == "@reduce":
			return evalReduce(items[1:], ctx)
		default:
			ref := strings.TrimPrefix(head, "@")
			args := make([]interface{}, 0, len(items)-1)
			for _, a := range items[1:] {
				v, err := evalStep(a, ctx, acc)
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
			return Call(ref, args)
		}
	}

	out := make([]interface{}, len(items))
	for i, it := range items {
		v, err := evalStep(it, ctx, acc)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// evalReduce implements the "@reduce" construct: args are [source,
// body]; source resolves to an array, body is a nested Pipe evaluated
// once per element with $item/$key/$index rebound, per spec §4.8
// "@reduce iterator with $input,$output,$item,$key,$index".
func evalReduce(args []interface{}, ctx *Context) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("@reduce requires (source, body)")
	}
	srcVal, err := evalStep(args[0], ctx, nil)
	if err != nil {
		return nil, err
	}
	arr, ok := srcVal.([]interface{})
	if !ok {
		return nil, fmt.Errorf("@reduce source did not resolve to an array, got %T", srcVal)
	}
	body, ok := args[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("@reduce body must be a pipe-list")
	}

	out := make([]interface{}, 0, len(arr))
	for i, item := range arr {
		sub := ctx.child(item, strconv.Itoa(i), float64(i))
		v, err := Eval(Pipe(body), sub)
		if err != nil {
			return nil, fmt.Errorf("@reduce item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// resolveRef resolves a bare node reference. Context variables
// ($input,$output,$item,$key,$index) and their dotted sub-paths resolve
// against the Context's loop bindings; everything else resolves as
// "<activityIdOrScope>.<path...>" against ctx.Root, matching the
// canonical relative paths the compiler's resolveMappingDependencies
// step produces (spec §4.7 step 8).
func resolveRef(path string, ctx *Context) (interface{}, error) {
	switch {
	case path == "$input" || strings.HasPrefix(path, "$input."):
		return lookupJSON(ctx.Input, strings.TrimPrefix(strings.TrimPrefix(path, "$input"), "."))
	case path == "$output" || strings.HasPrefix(path, "$output."):
		return lookupJSON(ctx.Output, strings.TrimPrefix(strings.TrimPrefix(path, "$output"), "."))
	case path == "$item" || strings.HasPrefix(path, "$item."):
		return lookupJSON(ctx.Item, strings.TrimPrefix(strings.TrimPrefix(path, "$item"), "."))
	case path == "$key":
		return ctx.Key, nil
	case path == "$index":
		return ctx.Index, nil
	default:
		return lookupJSON(ctx.Root, path)
	}
}

// lookupJSON marshals doc and resolves path with gjson; an empty path
// (the bare context var) returns doc itself.
func lookupJSON(doc interface{}, path string) (interface{}, error) {
	if path == "" {
		return doc, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("pipe: marshal node for lookup: %w", err)
	}
	result := gjson.GetBytes(b, path)
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}

// IsMappingRule reports whether a raw manifest string value is a
// dynamic mapping rule rather than a literal: strings matching
// "^{[^@].*}$" per spec §4.7 step 8 "resolveMappingDependencies".
func IsMappingRule(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && !strings.HasPrefix(s, "{@")
}
