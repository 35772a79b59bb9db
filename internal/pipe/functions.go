package pipe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Func is one entry in the function registry: a total, side-effect-free
// operation over already-resolved arguments, per spec §4.8 "provide a
// total, side-effect-free standard library" for the mapping language's
// string/number/math/array/object/date/cron/json namespaces.
type Func func(args []interface{}) (interface{}, error)

// Registry is namespace.name -> Func, matching the manifest's
// "{@namespace.name}" function-reference syntax.
var Registry = map[string]Func{
	"string.concat":    stringConcat,
	"string.trim":      stringTrim,
	"string.upper":     stringUpper,
	"string.lower":     stringLower,
	"string.split":     stringSplit,
	"string.replace":   stringReplace,
	"number.parse":     numberParse,
	"math.add":         mathAdd,
	"math.sub":         mathSub,
	"math.mul":         mathMul,
	"math.div":         mathDiv,
	"array.join":       arrayJoin,
	"array.length":     arrayLength,
	"array.at":         arrayAt,
	"object.set":       objectSet,
	"object.get":       objectGet,
	"json.parse":       jsonParse,
	"json.stringify":   jsonStringify,
	"date.now":         dateNow,
	"date.iso":         dateISO,
	"cron.nextDelay":   cronNextDelay,
}

// Call dispatches a "{@namespace.name}" reference with resolved args.
func Call(ref string, args []interface{}) (interface{}, error) {
	fn, ok := Registry[ref]
	if !ok {
		return nil, fmt.Errorf("pipe: unknown function reference %q", ref)
	}
	return fn(args)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("pipe: cannot convert %T to number", v)
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func stringConcat(args []interface{}) (interface{}, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(toString(a))
	}
	return sb.String(), nil
}

func stringTrim(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	return strings.TrimSpace(toString(args[0])), nil
}

func stringUpper(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	return strings.ToUpper(toString(args[0])), nil
}

func stringLower(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	return strings.ToLower(toString(args[0])), nil
}

func stringSplit(args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("pipe: string.split requires (value, sep)")
	}
	parts := strings.Split(toString(args[0]), toString(args[1]))
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func stringReplace(args []interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("pipe: string.replace requires (value, old, new)")
	}
	return strings.ReplaceAll(toString(args[0]), toString(args[1]), toString(args[2])), nil
}

func numberParse(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return 0.0, nil
	}
	return toFloat(args[0])
}

func mathAdd(args []interface{}) (interface{}, error) {
	sum := 0.0
	for _, a := range args {
		n, err := toFloat(a)
		if err != nil {
			return nil, err
		}
		sum += n
	}
	return sum, nil
}

func mathSub(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return 0.0, nil
	}
	first, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	for _, a := range args[1:] {
		n, err := toFloat(a)
		if err != nil {
			return nil, err
		}
		first -= n
	}
	return first, nil
}

func mathMul(args []interface{}) (interface{}, error) {
	product := 1.0
	for _, a := range args {
		n, err := toFloat(a)
		if err != nil {
			return nil, err
		}
		product *= n
	}
	return product, nil
}

func mathDiv(args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("pipe: math.div requires at least 2 args")
	}
	first, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	for _, a := range args[1:] {
		n, err := toFloat(a)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("pipe: math.div by zero")
		}
		first /= n
	}
	return first, nil
}

func arrayJoin(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	sep := ","
	if len(args) > 1 {
		sep = toString(args[1])
	}
	items, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("pipe: array.join requires an array first arg")
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = toString(it)
	}
	return strings.Join(parts, sep), nil
}

func arrayLength(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return 0.0, nil
	}
	items, ok := args[0].([]interface{})
	if !ok {
		return 0.0, nil
	}
	return float64(len(items)), nil
}

func arrayAt(args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("pipe: array.at requires (array, index)")
	}
	items, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("pipe: array.at requires an array first arg")
	}
	idx, err := toFloat(args[1])
	if err != nil {
		return nil, err
	}
	i := int(idx)
	if i < 0 || i >= len(items) {
		return nil, nil
	}
	return items[i], nil
}

func objectSet(args []interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("pipe: object.set requires (object, key, value)")
	}
	obj, ok := args[0].(map[string]interface{})
	if !ok {
		obj = make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out[toString(args[1])] = args[2]
	return out, nil
}

func objectGet(args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("pipe: object.get requires (object, key)")
	}
	obj, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	return obj[toString(args[1])], nil
}

func jsonParse(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal([]byte(toString(args[0])), &out); err != nil {
		return nil, fmt.Errorf("pipe: json.parse: %w", err)
	}
	return out, nil
}

func jsonStringify(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("pipe: json.stringify: %w", err)
	}
	return string(b), nil
}

func dateNow(args []interface{}) (interface{}, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

func dateISO(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return time.Now().UTC().Format(time.RFC3339), nil
	}
	n, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	return time.UnixMilli(int64(n)).UTC().Format(time.RFC3339), nil
}

// cronNextDelay computes milliseconds until a cron expression's next
// scheduled firing relative to now, per spec §4.8's "{@cron.nextDelay}"
// function used by hook re-entry and TaskService scheduling.
func cronNextDelay(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("pipe: cron.nextDelay requires a cron expression")
	}
	expr := toString(args[0])
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("pipe: cron.nextDelay: %w", err)
	}
	now := time.Now()
	next := sched.Next(now)
	return float64(next.Sub(now).Milliseconds()), nil
}
