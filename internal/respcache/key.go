package respcache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Key derives the cache key of a request. Query parameter order and JSON
// object key order do not change the key; method case does not either.
func Key(method string, u *url.URL, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(NormalizePath(u.EscapedPath()))
	b.WriteByte('\n')
	b.WriteString(normalizeQuery(u.Query()))
	b.WriteByte('\n')
	b.Write(normalizeBody(body))

	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NormalizePath strips a trailing slash so "/my/ships/" and "/my/ships"
// share an entry. The root path is kept.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

func normalizeQuery(q url.Values) string {
	for k := range q {
		sort.Strings(q[k])
	}
	// Encode sorts by key.
	return q.Encode()
}

func normalizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return trimmed
	}
	// Marshal writes map keys sorted.
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}
