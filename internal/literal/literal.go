// Package literal reads and writes the Python literal text that Bismuth
// nodes exchange inside frames: block batches, peer gossip, reward
// transactions and the peers file.
//
// Only the subset the network actually produces is supported: lists,
// tuples, strings, numbers, None, True and False.
package literal

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type of a parsed Value.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindTuple
)

// Value is a parsed literal. Raw holds the exact source text the value was
// parsed from, which is what the node hashed when it built the block.
type Value struct {
	Kind  Kind
	Str   string // decoded string, or number/bool text
	Items []Value
	Raw   string
}

// IsSequence reports whether v is a list or tuple.
func (v Value) IsSequence() bool {
	return v.Kind == KindList || v.Kind == KindTuple
}

// Float returns the numeric value of a number or numeric string.
func (v Value) Float() (float64, error) {
	switch v.Kind {
	case KindNumber, KindString:
		return strconv.ParseFloat(strings.TrimSuffix(v.Str, "L"), 64)
	default:
		return 0, fmt.Errorf("literal: %s is not numeric", v.Raw)
	}
}

// Text returns the string form of a string or number value.
func (v Value) Text() (string, bool) {
	switch v.Kind {
	case KindString, KindNumber:
		return v.Str, true
	default:
		return "", false
	}
}

// Parse parses a single literal.
func Parse(s string) (Value, error) {
	p := &parser{src: s}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return Value{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Value{}, p.errorf("trailing data")
	}
	return v, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("literal: offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) value() (Value, error) {
	if p.pos >= len(p.src) {
		return Value{}, p.errorf("unexpected end of input")
	}
	start := p.pos
	c := p.src[p.pos]
	switch {
	case c == '[':
		return p.sequence(KindList, ']')
	case c == '(':
		return p.sequence(KindTuple, ')')
	case c == '\'' || c == '"':
		return p.str(start)
	case (c == 'u' || c == 'b' || c == 'U' || c == 'B') && p.pos+1 < len(p.src) && (p.src[p.pos+1] == '\'' || p.src[p.pos+1] == '"'):
		p.pos++
		return p.str(start)
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		for _, word := range []struct {
			text string
			kind Kind
		}{{"None", KindNone}, {"True", KindBool}, {"False", KindBool}} {
			if strings.HasPrefix(p.src[p.pos:], word.text) {
				p.pos += len(word.text)
				return Value{Kind: word.kind, Str: word.text, Raw: word.text}, nil
			}
		}
		return Value{}, p.errorf("unexpected character %q", c)
	}
}

func (p *parser) sequence(kind Kind, closer byte) (Value, error) {
	start := p.pos
	p.pos++ // opener
	v := Value{Kind: kind}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return Value{}, p.errorf("unterminated sequence")
		}
		if p.src[p.pos] == closer {
			p.pos++
			break
		}
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		v.Items = append(v.Items, item)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return Value{}, p.errorf("unterminated sequence")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case closer:
		default:
			return Value{}, p.errorf("expected ',' or %q", closer)
		}
	}
	v.Raw = p.src[start:p.pos]
	return v, nil
}

func (p *parser) str(start int) (Value, error) {
	quote := p.src[p.pos]
	p.pos++
	var sb strings.Builder
	for {
		if p.pos >= len(p.src) {
			return Value{}, p.errorf("unterminated string")
		}
		c := p.src[p.pos]
		if c == quote {
			p.pos++
			break
		}
		if c != '\\' {
			sb.WriteByte(c)
			p.pos++
			continue
		}
		if p.pos+1 >= len(p.src) {
			return Value{}, p.errorf("unterminated escape")
		}
		esc := p.src[p.pos+1]
		p.pos += 2
		switch esc {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '\'', '"':
			sb.WriteByte(esc)
		case 'x':
			if p.pos+2 > len(p.src) {
				return Value{}, p.errorf("short \\x escape")
			}
			b, err := strconv.ParseUint(p.src[p.pos:p.pos+2], 16, 8)
			if err != nil {
				return Value{}, p.errorf("bad \\x escape")
			}
			sb.WriteByte(byte(b))
			p.pos += 2
		case 'u':
			if p.pos+4 > len(p.src) {
				return Value{}, p.errorf("short \\u escape")
			}
			r, err := strconv.ParseUint(p.src[p.pos:p.pos+4], 16, 16)
			if err != nil {
				return Value{}, p.errorf("bad \\u escape")
			}
			sb.WriteRune(rune(r))
			p.pos += 4
		default:
			sb.WriteByte('\\')
			sb.WriteByte(esc)
		}
	}
	return Value{Kind: KindString, Str: sb.String(), Raw: p.src[start:p.pos]}, nil
}

func (p *parser) number() (Value, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' || c == 'L' {
			p.pos++
			continue
		}
		break
	}
	text := p.src[start:p.pos]
	if _, err := strconv.ParseFloat(strings.TrimSuffix(text, "L"), 64); err != nil {
		return Value{}, p.errorf("bad number %q", text)
	}
	return Value{Kind: KindNumber, Str: text, Raw: text}, nil
}
