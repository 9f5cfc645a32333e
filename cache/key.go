package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Key identifies a cached result.
type Key string

// keySeparator splits the query text from the encoded parameters in a
// pre-image. JSON never emits it unescaped, so the split is unambiguous.
const keySeparator = "\x1f"

// deriveKey returns the cache key and pre-image for a query and its
// parameters. Surrounding whitespace in the query is ignored; nil and empty
// parameter lists are equivalent.
func deriveKey(query string, params []any) (Key, string) {
	preimage := strings.TrimSpace(query) + keySeparator + encodeParams(params)
	sum := sha256.Sum256([]byte(preimage))
	return Key(hex.EncodeToString(sum[:])), preimage
}

// encodeParams renders params as a JSON array. Values other than strings,
// booleans, float64 and nil are wrapped as {"<Go type>": value} so that, for
// example, []byte{1} and the string "AQ==" produce different text.
func encodeParams(params []any) string {
	if len(params) == 0 {
		return "[]"
	}
	tagged := make([]any, len(params))
	for i, p := range params {
		switch p.(type) {
		case nil, bool, string, float64:
			tagged[i] = p
		default:
			tagged[i] = map[string]any{fmt.Sprintf("%T", p): p}
		}
	}
	b, err := json.Marshal(tagged)
	if err != nil {
		return fmt.Sprintf("%#v", params)
	}
	return string(b)
}

// ShouldCache reports whether a query's result may be cached: its leading
// keyword is select, show, describe or desc.
func ShouldCache(query string) bool {
	s := strings.TrimLeftFunc(query, unicode.IsSpace)
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(s)
	}
	switch strings.ToLower(s[:end]) {
	case "select", "show", "describe", "desc":
		return true
	}
	return false
}
