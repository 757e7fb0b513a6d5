package topology

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type tokenKind int

const (
	tokName tokenKind = iota
	tokString
	tokNumber
	tokPunct
	tokNewline
)

type token struct {
	kind  tokenKind
	text  string
	value string // unquoted value of a string token
	line  int
}

// tokenize splits testbed source into the tokens scan needs. Newlines inside
// brackets, comments and backslash continuations do not produce tokens.
func tokenize(src string) ([]token, error) {
	var (
		tokens []token
		depth  int
		line   = 1
	)
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\n':
			if depth == 0 {
				tokens = append(tokens, token{kind: tokNewline, line: line})
			}
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '\\' && i+1 < len(src) && src[i+1] == '\n':
			line++
			i += 2
		case c == '\'' || c == '"' || (isStringPrefix(src[i:]) > 0):
			prefix := isStringPrefix(src[i:])
			raw := strings.ContainsAny(src[i:i+prefix], "rR")
			start := line
			value, n, lines, err := readString(src[i+prefix:], raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", start, err)
			}
			tokens = append(tokens, token{kind: tokString, text: src[i : i+prefix+n], value: value, line: start})
			line += lines
			i += prefix + n
		case isNameStart(c):
			j := i + 1
			for j < len(src) && (isNameStart(src[j]) || isDigit(src[j]) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokName, text: src[i:j], line: line})
			i = j
		case isDigit(c):
			j := i + 1
			for j < len(src) && (isNameStart(src[j]) || isDigit(src[j]) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[i:j], line: line})
			i = j
		default:
			switch c {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				if depth == 0 {
					return nil, fmt.Errorf("line %d: unbalanced %q", line, c)
				}
				depth--
			}
			tokens = append(tokens, token{kind: tokPunct, text: string(c), line: line})
			i++
		}
	}
	if depth != 0 {
		return nil, errors.New("unbalanced brackets at end of file")
	}
	return tokens, nil
}

// isStringPrefix returns the length of a string prefix such as r or u when
// s starts with one followed by a quote, otherwise 0.
func isStringPrefix(s string) int {
	for n := 1; n <= 2 && n < len(s); n++ {
		if !strings.ContainsRune("rRuUbB", rune(s[n-1])) {
			return 0
		}
		if s[n] == '\'' || s[n] == '"' {
			return n
		}
	}
	return 0
}

// readString reads the quoted literal at the start of s and returns its value,
// the bytes consumed and the newlines crossed.
func readString(s string, raw bool) (string, int, int, error) {
	quote := s[:1]
	if strings.HasPrefix(s, strings.Repeat(quote, 3)) {
		quote = s[:3]
	}
	var (
		b     strings.Builder
		lines int
	)
	for i := len(quote); i < len(s); {
		if strings.HasPrefix(s[i:], quote) {
			return b.String(), i + len(quote), lines, nil
		}
		c := s[i]
		if c == '\n' {
			if len(quote) == 1 {
				break
			}
			lines++
		}
		if c == '\\' && i+1 < len(s) {
			next := s[i+1]
			if next == '\n' {
				lines++
			}
			if raw {
				b.WriteByte(c)
				b.WriteByte(next)
			} else {
				switch next {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '\\', '\'', '"':
					b.WriteByte(next)
				case '\n':
				default:
					b.WriteByte(c)
					b.WriteByte(next)
				}
			}
			i += 2
			continue
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, 0, errors.New("unterminated string")
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// module is what scan keeps of a testbed: the two env literals, each as the
// tokens of its right hand side with the string variables bound at that point.
type module struct {
	names     map[string]string
	roledefs  binding
	passwords binding
}

type binding struct {
	tokens []token
	names  map[string]string
}

// scan walks the top level statements. A later assignment replaces an earlier
// one; a name reassigned to anything but a string literal is forgotten.
func scan(tokens []token) *module {
	m := &module{names: map[string]string{}}
	for len(tokens) > 0 {
		end := 0
		for end < len(tokens) && tokens[end].kind != tokNewline {
			end++
		}
		stmt := tokens[:end]
		if end < len(tokens) {
			end++
		}
		tokens = tokens[end:]

		if len(stmt) < 3 || stmt[0].kind != tokName || stmt[1].kind != tokPunct || stmt[1].text != "=" {
			continue
		}
		// a == b or a = b = c are not assignments we read
		if stmt[2].kind == tokPunct && stmt[2].text == "=" {
			continue
		}
		name, value := stmt[0].text, stmt[2:]
		switch name {
		case roledefsName:
			m.roledefs = binding{tokens: value, names: maps.Clone(m.names)}
		case passwordsName:
			m.passwords = binding{tokens: value, names: maps.Clone(m.names)}
		default:
			if len(value) == 1 && value[0].kind == tokString {
				m.names[name] = value[0].value
			} else {
				delete(m.names, name)
			}
		}
	}
	return m
}

// literal decodes a dict or list literal. Names are replaced by the string
// they were assigned; the result is a YAML flow collection with source line
// numbers, decoded by yaml.v3.
func literal(bound binding) (*yaml.Node, error) {
	tokens, names := bound.tokens, bound.names
	if len(tokens) == 0 {
		return nil, errors.New("empty value")
	}

	var b strings.Builder
	line := 1
	for i, t := range tokens {
		for line < t.line {
			b.WriteString("\n ")
			line++
		}
		if i > 0 && !(t.kind == tokPunct && (t.text == ":" || t.text == ",")) {
			b.WriteByte(' ')
		}

		switch t.kind {
		case tokString:
			b.WriteString(strconv.Quote(t.value))
		case tokNumber:
			b.WriteString(t.text)
		case tokName:
			switch t.text {
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			case "None":
				b.WriteString("null")
			default:
				v, ok := names[t.text]
				if !ok {
					return nil, fmt.Errorf("name %q is not defined (line %d)", t.text, t.line)
				}
				b.WriteString(strconv.Quote(v))
			}
		case tokPunct:
			switch t.text {
			case "{", "}", "[", "]", ":":
				b.WriteString(t.text)
			case "(":
				b.WriteString("[")
			case ")":
				b.WriteString("]")
			case ",":
				// trailing commas are valid Python
				if i+1 < len(tokens) && tokens[i+1].kind == tokPunct && strings.Contains("}])", tokens[i+1].text) {
					continue
				}
				b.WriteString(",")
			default:
				return nil, fmt.Errorf("unsupported expression %q (line %d)", t.text, t.line)
			}
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(b.String()), &doc); err != nil {
		return nil, fmt.Errorf("malformed literal: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("empty value")
	}
	return doc.Content[0], nil
}
