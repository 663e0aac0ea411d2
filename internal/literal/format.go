package literal

import (
	"fmt"
	"strings"
)

// Quote renders s the way Python 2 repr() renders a byte string. Signed
// payloads are hashed over this text, so it must match exactly.
func Quote(s string) string {
	quote := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 && strings.IndexByte(s, '"') < 0 {
		quote = '"'
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte(quote)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == '\t':
			sb.WriteString(`\t`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte(quote)
	return sb.String()
}

// Tuple renders a tuple of strings.
func Tuple(items ...string) string {
	if len(items) == 1 {
		return "(" + Quote(items[0]) + ",)"
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Quote(it)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// TupleList renders a list of string tuples.
func TupleList(rows [][]string) string {
	parts := make([]string, len(rows))
	for i, row := range rows {
		parts[i] = Tuple(row...)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Repr renders v the way Python 2 repr() renders the parsed value, so text
// that differs only in spacing or quote style renders identically. Numbers,
// None and booleans keep the text they were sent as.
func Repr(v Value) string {
	switch v.Kind {
	case KindString:
		if v.Raw != "" && (v.Raw[0] == 'u' || v.Raw[0] == 'U') {
			return "u" + Quote(v.Str)
		}
		return Quote(v.Str)
	case KindList, KindTuple:
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = Repr(item)
		}
		if v.Kind == KindList {
			return "[" + strings.Join(parts, ", ") + "]"
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		return v.Str
	}
}
