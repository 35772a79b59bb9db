package serializer

import (
	"fmt"
	"sync"
)

// valueAlphabet is the 52-character alphabet (a-z, A-Z) from which
// 2-char value-symbol tokens are drawn, giving a 52*52 capacity per
// spec §3 "Symbol tables".
const valueAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ValueCapacity is the total number of distinct 2-char value-symbol
// tokens available per app (52*52, per spec §3).
const ValueCapacity = len(valueAlphabet) * len(valueAlphabet)

func tokenForIndex(i int) string {
	if i < 0 || i >= ValueCapacity {
		panic(fmt.Sprintf("serializer: value-symbol index out of range: %d", i))
	}
	hi := i / len(valueAlphabet)
	lo := i % len(valueAlphabet)
	return string([]byte{valueAlphabet[hi], valueAlphabet[lo]})
}

// ValueTable is the single per-app value-symbol map: frequently
// occurring string literals (>=6 chars) packed into 2-char tokens. It
// is append-only, per spec §3.
type ValueTable struct {
	mu        sync.RWMutex
	toToken   map[string]string
	toLiteral map[string]string
	next      int
}

// NewValueTable returns an empty, append-only value-symbol table.
func NewValueTable() *ValueTable {
	return &ValueTable{
		toToken:   make(map[string]string),
		toLiteral: make(map[string]string),
	}
}

// Token returns the symbol token for literal, if one has been allocated.
func (t *ValueTable) Token(literal string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tok, ok := t.toToken[literal]
	return tok, ok
}

// Literal returns the literal for a symbol token, if one exists.
func (t *ValueTable) Literal(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lit, ok := t.toLiteral[token]
	return lit, ok
}

// Size returns the number of allocated tokens.
func (t *ValueTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.next
}

// FilterSymVals allocates new value-symbols for any proposed literal not
// already present, up to the table's remaining capacity, and returns
// only the newly allocated literal->token pairs (the "diff"), per spec
// §4.2 filterSymVals.
func (t *ValueTable) FilterSymVals(max int, proposed []string) (map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := make(map[string]string)
	for _, lit := range proposed {
		if _, ok := t.toToken[lit]; ok {
			continue
		}
		if t.next >= max {
			return added, fmt.Errorf("serializer: value-symbol capacity exhausted at %d", max)
		}
		tok := tokenForIndex(t.next)
		t.next++
		t.toToken[lit] = tok
		t.toLiteral[tok] = lit
		added[lit] = tok
	}
	return added, nil
}

// KeyTable is a per-scope key-symbol map: an immutable fullPath->token
// mapping drawn from a pre-reserved numeric range, per spec §3. Once a
// path is mapped it retains its token across deploys (the table never
// reassigns an existing path).
type KeyTable struct {
	mu        sync.RWMutex
	ScopeID   string
	Lo, Hi    int // inclusive reserved range
	next      int
	toToken   map[string]string
	toPath    map[string]string
}

// NewKeyTable returns a KeyTable bound to the reserved range [lo, hi].
func NewKeyTable(scopeID string, lo, hi int) *KeyTable {
	return &KeyTable{
		ScopeID: scopeID,
		Lo:      lo,
		Hi:      hi,
		next:    lo,
		toToken: make(map[string]string),
		toPath:  make(map[string]string),
	}
}

// Token returns the short token for a long path, allocating one from
// the reserved range if this path has never been bound before.
func (k *KeyTable) Token(path string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if tok, ok := k.toToken[path]; ok {
		return tok, nil
	}
	if k.next > k.Hi {
		return "", fmt.Errorf("serializer: key-symbol range exhausted for scope %s: %d > %d", k.ScopeID, k.next, k.Hi)
	}
	tok := keyTokenForIndex(k.next)
	k.next++
	k.toToken[path] = tok
	k.toPath[tok] = path
	return tok, nil
}

// Bind registers an explicit path->token pair without consuming the
// allocation cursor (used when restoring a table from storage).
func (k *KeyTable) Bind(path, token string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.toToken[path] = token
	k.toPath[token] = path
}

// Path returns the long path for a short token.
func (k *KeyTable) Path(token string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.toPath[token]
	return p, ok
}

// HasPath reports whether path already has a bound token.
func (k *KeyTable) HasPath(path string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.toToken[path]
	return ok
}

const keyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// keyTokenForIndex renders a reserved-range index as a compact
// (base-62) short key token, distinct from the 2-char value-symbol
// alphabet so the two token spaces can never be confused by length
// alone in mixed contexts.
func keyTokenForIndex(i int) string {
	if i == 0 {
		return string(keyAlphabet[0])
	}
	base := len(keyAlphabet)
	var buf []byte
	for i > 0 {
		buf = append([]byte{keyAlphabet[i%base]}, buf...)
		i /= base
	}
	return string(buf)
}
