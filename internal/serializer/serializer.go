// Package serializer implements the bidirectional packer between a
// multi-dimensional document and a flat field->string map described in
// spec §4.2: two compression tables (per-scope key-symbols, per-app
// value-symbols) plus a tag-encoded scalar form.
package serializer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Serializer packages/unpackages job documents for one app, holding
// that app's value-symbol table and a set of per-scope key-symbol
// tables (job-topic scope plus one per activity id).
type Serializer struct {
	Values *ValueTable
	scopes map[string]*KeyTable
}

// New returns a Serializer with a fresh value table and no scopes bound.
func New() *Serializer {
	return &Serializer{
		Values: NewValueTable(),
		scopes: make(map[string]*KeyTable),
	}
}

// BindScope registers (or replaces) the key-symbol table for scopeID.
func (s *Serializer) BindScope(scopeID string, kt *KeyTable) {
	s.scopes[scopeID] = kt
}

// Scope returns the key-symbol table bound to scopeID, if any.
func (s *Serializer) Scope(scopeID string) (*KeyTable, bool) {
	kt, ok := s.scopes[scopeID]
	return kt, ok
}

// Package compresses doc into a flat field->string map ready for an
// HSET, per spec §4.2 package = compress(stringify(doc), scopeIds).
func (s *Serializer) Package(doc map[string]interface{}, scopeIDs []string) (map[string]string, error) {
	flat := flattenDoc(doc)
	tagged, err := s.stringify(flat)
	if err != nil {
		return nil, err
	}
	return s.compress(tagged, scopeIDs)
}

// Unpackage decompresses a flat field->string map (e.g. from HGETALL)
// back into a nested document, per spec §4.2
// unpackage = parse(decompress(flat, scopeIds)).
func (s *Serializer) Unpackage(flat map[string]string, scopeIDs []string) (map[string]interface{}, error) {
	longFlat, err := s.decompress(flat, scopeIDs)
	if err != nil {
		return nil, err
	}
	rawFlat, err := s.parse(longFlat)
	if err != nil {
		return nil, err
	}
	return unflattenDoc(rawFlat), nil
}

// stringify tag-encodes every value in a flattened path->value map.
func (s *Serializer) stringify(flat map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(flat))
	for path, v := range flat {
		if v == nil {
			continue // spec: undefined/absent fields are dropped
		}
		enc, err := encodeScalar(v, s.Values)
		if err != nil {
			return nil, fmt.Errorf("serializer: stringify %q: %w", path, err)
		}
		out[path] = enc
	}
	return out, nil
}

// parse inverts stringify.
func (s *Serializer) parse(flat map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(flat))
	for path, raw := range flat {
		v, err := decodeScalar(raw, s.Values)
		if err != nil {
			return nil, fmt.Errorf("serializer: parse %q: %w", path, err)
		}
		out[path] = v
	}
	return out, nil
}

// isLiteralKey reports whether a path is a reserved literal marker that
// must pass through compress/decompress unchanged: timeline/process
// event markers ("-..."), user-searchable shared state ("_..."), the
// status semaphore (":"), and synthetic-node collation fields ("~...",
// see SPEC_FULL.md §D for why this fourth prefix was added).
func isLiteralKey(path string) bool {
	if path == ":" {
		return true
	}
	if len(path) == 0 {
		return true
	}
	switch path[0] {
	case '-', '_', '~':
		return true
	}
	return false
}

// compress replaces long paths with "<shortKey><,dims>" tokens for any
// path that falls under one of scopeIDs, leaving literal keys
// (isLiteralKey) unchanged, per spec §4.2 compress.
func (s *Serializer) compress(tagged map[string]string, scopeIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(tagged))
	for path, val := range tagged {
		if isLiteralKey(path) {
			out[path] = val
			continue
		}
		shortKey, matched, err := s.compressPath(path, scopeIDs)
		if err != nil {
			return nil, err
		}
		if matched {
			out[shortKey] = val
		} else {
			// Paths outside every known scope pass through unchanged;
			// this happens for freshly-produced fields not yet bound
			// to a reserved symbol range.
			out[path] = val
		}
	}
	return out, nil
}

// compressPath finds which scope owns path (by "<scopeId>/" prefix, or
// job-root "data/"|"metadata/" prefixes against the job's own topic
// scope) and returns its short token plus any trailing dimension
// suffix preserved as ",dim,dim...".
func (s *Serializer) compressPath(path string, scopeIDs []string) (string, bool, error) {
	base, dims := splitDims(path)
	for _, scopeID := range scopeIDs {
		prefix := scopeID + "/"
		rest := ""
		switch {
		case strings.HasPrefix(base, prefix):
			rest = strings.TrimPrefix(base, prefix)
		case strings.HasPrefix(scopeID, "$") && (strings.HasPrefix(base, "data/") || strings.HasPrefix(base, "metadata/")):
			rest = base
		default:
			continue
		}
		kt, ok := s.scopes[scopeID]
		if !ok {
			continue
		}
		tok, err := kt.Token(rest)
		if err != nil {
			return "", false, err
		}
		if dims != "" {
			return tok + "," + dims, true, nil
		}
		return tok, true, nil
	}
	return "", false, nil
}

// decompress inverts compress.
func (s *Serializer) decompress(flat map[string]string, scopeIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(flat))
	for key, val := range flat {
		if isLiteralKey(key) {
			out[key] = val
			continue
		}
		tok, dims := splitDims(key)
		found := false
		for _, scopeID := range scopeIDs {
			kt, ok := s.scopes[scopeID]
			if !ok {
				continue
			}
			rest, ok := kt.Path(tok)
			if !ok {
				continue
			}
			long := rest
			if !strings.HasPrefix(scopeID, "$") {
				long = scopeID + "/" + rest
			}
			if dims != "" {
				long = long + dimSentinel + dims
			}
			out[long] = val
			found = true
			break
		}
		if !found {
			out[key] = val
		}
	}
	return out, nil
}

// dimSentinel separates a long path from its dimension suffix so the
// unflatten step can strip dims before rebuilding the nested document.
const dimSentinel = "\x00dim\x00"

func splitDims(key string) (base string, dims string) {
	if idx := strings.Index(key, dimSentinel); idx >= 0 {
		return key[:idx], key[idx+len(dimSentinel):]
	}
	// Non-sentinel form: a short key optionally followed by ",d1,d2,..."
	if idx := strings.IndexByte(key, ','); idx >= 0 && looksLikeShortKey(key[:idx]) {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}

func looksLikeShortKey(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}

// Abbreviate produces the ordered field list for an HMGET-style query,
// one-to-one with consumes, per spec §4.2 abbreviate.
func (s *Serializer) Abbreviate(consumes []string, scopeIDs []string) ([]string, error) {
	out := make([]string, 0, len(consumes))
	for _, path := range consumes {
		if isLiteralKey(path) {
			out = append(out, path)
			continue
		}
		tok, matched, err := s.compressPath(path, scopeIDs)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, tok)
		} else {
			out = append(out, path)
		}
	}
	return out, nil
}

// flattenDoc walks a nested document into a path->scalar map. Paths
// join with "/"; array indices are rendered as decimal segments.
func flattenDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range doc {
		flattenValue(k, v, out)
	}
	return out
}

func flattenValue(prefix string, v interface{}, out map[string]interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 {
			out[prefix] = val
			return
		}
		for k, sub := range val {
			flattenValue(prefix+"/"+k, sub, out)
		}
	case []interface{}:
		if len(val) == 0 {
			out[prefix] = val
			return
		}
		for i, sub := range val {
			flattenValue(prefix+"/"+strconv.Itoa(i), sub, out)
		}
	default:
		out[prefix] = v
	}
}

// unflattenDoc inverts flattenDoc, rebuilding nested maps/arrays from
// "/"-joined paths. A path's dimension suffix (if any, separated by
// dimSentinel) is dropped from the reconstructed document shape; the
// dropped dimensions are not returned.
func unflattenDoc(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		base, _ := splitDims(p)
		segs := strings.Split(base, "/")
		setPath(out, segs, flat[p])
	}
	return out
}

func setPath(root map[string]interface{}, segs []string, v interface{}) {
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = v
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}
