package serializer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// collisionPattern matches strings that would be ambiguous with the
// value-symbol token space (one or more leading colons followed by
// exactly two letters), per spec §4.2 stringify/parse.
var collisionPattern = regexp.MustCompile(`^:*[a-zA-Z]{2}$`)

const (
	tagTrue  = "/t"
	tagFalse = "/f"
	tagNull  = "/n"
	tagDate  = "/d"
	tagJSON  = "/s"
	tagNum   = "/#"
)

// encodeScalar tag-encodes a single JSON-serializable scalar value,
// substituting a value-symbol token when the value table already has
// one and escaping the rare literal that collides with the token
// space, per spec §4.2.
func encodeScalar(v interface{}, vt *ValueTable) (string, error) {
	switch val := v.(type) {
	case nil:
		return tagNull, nil
	case bool:
		if val {
			return tagTrue, nil
		}
		return tagFalse, nil
	case time.Time:
		return tagDate + strconv.FormatInt(val.UnixMilli(), 10), nil
	case json.Number:
		return tagNum + string(val), nil
	case float64:
		return tagNum + strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return tagNum + strconv.Itoa(val), nil
	case int64:
		return tagNum + strconv.FormatInt(val, 10), nil
	case string:
		if tok, ok := vt.Token(val); ok {
			return tok, nil
		}
		if collisionPattern.MatchString(val) {
			return ":" + val, nil
		}
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("serializer: encode scalar: %w", err)
		}
		return tagJSON + string(b), nil
	}
}

// decodeScalar inverts encodeScalar given the same value table. Numbers
// are tag-prefixed on encode (tagNum), so a bare raw string here is
// always a string, never a number — this keeps job-data strings that
// happen to look numeric (e.g. a zip code "90210") from round-tripping
// as a different type.
func decodeScalar(raw string, vt *ValueTable) (interface{}, error) {
	switch {
	case raw == tagNull:
		return nil, nil
	case raw == tagTrue:
		return true, nil
	case raw == tagFalse:
		return false, nil
	case strings.HasPrefix(raw, tagDate):
		ms, err := strconv.ParseInt(raw[len(tagDate):], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("serializer: decode date %q: %w", raw, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case strings.HasPrefix(raw, tagJSON):
		var v interface{}
		if err := json.Unmarshal([]byte(raw[len(tagJSON):]), &v); err != nil {
			return nil, fmt.Errorf("serializer: decode json %q: %w", raw, err)
		}
		return v, nil
	case strings.HasPrefix(raw, tagNum):
		f, err := strconv.ParseFloat(raw[len(tagNum):], 64)
		if err != nil {
			return nil, fmt.Errorf("serializer: decode number %q: %w", raw, err)
		}
		return f, nil
	case strings.HasPrefix(raw, ":") && collisionPattern.MatchString(raw):
		return strings.TrimPrefix(raw, ":"), nil
	case len(raw) == 2 && isAlpha2(raw):
		if lit, ok := vt.Literal(raw); ok {
			return lit, nil
		}
		return raw, nil
	default:
		return raw, nil
	}
}

func isAlpha2(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}
