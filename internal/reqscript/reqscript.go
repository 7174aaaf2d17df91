// Package reqscript renders request values into the token grammar the
// extractor reads on its request-script stdin. The extractor driver, which
// both the HTTP engine and the WebSocket engine start extractions through,
// renders every script with this package (as does the WebSocket engine's
// script file), so the two transports can never drift apart on what the
// extractor considers valid input.
package reqscript

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kenchrcum/weathergw/internal/model"
)

var (
	identPattern = regexp.MustCompile(`^[_0-9A-Za-z]+[_.\-+A-Za-z0-9:\t ]*[_.\-+A-Za-z0-9]*$`)
	numbPattern  = regexp.MustCompile(`^[\-.]*[0-9]+[.0-9]*[Ee]*[\-+]*[0-9]*$`)
)

// Token renders v as a single request-script token per the grammar above.
// It panics if v is a malformed quoted string (mismatched open/close
// quote characters) since that is a caller programming error, not a
// runtime condition to recover from.
func Token(v any) string {
	switch val := v.(type) {
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Token(item)
		}
		return strings.Join(parts, "/")
	case []string:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Token(item)
		}
		return strings.Join(parts, "/")
	case string:
		return tokenString(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return tokenString(fmt.Sprintf("%v", val))
	}
}

func tokenString(s string) string {
	if s == "" {
		return `""`
	}

	if strings.Contains(s, "/") && !strings.HasPrefix(s, "/") {
		parts := strings.Split(s, "/")
		rendered := make([]string, len(parts))
		for i, p := range parts {
			rendered[i] = tokenString(p)
		}
		return strings.Join(rendered, "/")
	}

	if isQuoted(s, '\'') || isQuoted(s, '"') {
		return s
	}

	if identPattern.MatchString(s) || numbPattern.MatchString(s) {
		return s
	}

	if strings.Contains(s, `"`) {
		if strings.Contains(s, `'`) {
			panic(fmt.Sprintf("reqscript: value contains both quote characters and cannot be safely quoted: %q", s))
		}
		return "'" + s + "'"
	}
	return `"` + s + `"`
}

func isQuoted(s string, q byte) bool {
	if len(s) < 2 {
		return false
	}
	return s[0] == q && s[len(s)-1] == q
}

// Encode renders one or more requests as the full RETRIEVE script body
// written to the extractor's stdin. target, if non-empty, becomes the
// trailing TARGET= line; callers pass either a descriptor reference
// ("&3") for pipe mode or a filesystem path for file mode.
func Encode(requests []model.Request, target string) string {
	var b strings.Builder
	for _, req := range requests {
		b.WriteString("RETRIEVE,\n")
		for _, k := range sortedKeys(req) {
			if k == "target" {
				continue
			}
			fmt.Fprintf(&b, "%s=%s,\n", k, Token(req[k]))
		}
	}
	if target != "" {
		fmt.Fprintf(&b, "TARGET='%s'\n", target)
	}
	return b.String()
}

func sortedKeys(req model.Request) []string {
	keys := make([]string, 0, len(req))
	for k := range req {
		keys = append(keys, k)
	}
	// Deterministic ordering keeps the emitted script stable across runs,
	// which makes extractor logs and tests easier to diff; it has no
	// bearing on fingerprinting (internal/fingerprint sorts independently).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
