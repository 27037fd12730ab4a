package ai

import (
	"encoding/json"
	"strings"
)

type frameState int

const (
	stateKey        frameState = iota // expecting a key (or '}' right after '{')
	stateColon                        // key read, expecting ':'
	stateValue                        // expecting a value
	stateAfterValue                   // expecting ',' or a closer
)

type frame struct {
	kind  byte // '{' or '['
	state frameState
}

// RepairPartialJSON turns the cumulative output of a streaming JSON
// generation into a syntactically valid document. Text before the first '{'
// (prose, code fences) is ignored. An open string value is closed in place so
// long fields stream; incomplete keys and literals are dropped back to the
// last complete value. complete is true once the top-level object has closed.
func RepairPartialJSON(raw string) (doc string, complete bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	s := raw[start:]

	var (
		stack     []frame
		safePos   = -1
		safeKinds []byte

		inString    bool
		stringIsKey bool
		escape      bool
		unicodeLeft int
		inLiteral   bool
	)

	markSafe := func(pos int) {
		safePos = pos
		safeKinds = safeKinds[:0]
		for _, f := range stack {
			safeKinds = append(safeKinds, f.kind)
		}
	}
	valueDone := func() {
		if len(stack) > 0 {
			stack[len(stack)-1].state = stateAfterValue
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case unicodeLeft > 0:
				unicodeLeft--
			case escape:
				escape = false
				if c == 'u' {
					unicodeLeft = 4
				}
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
				if stringIsKey {
					stack[len(stack)-1].state = stateColon
				} else {
					valueDone()
					markSafe(i + 1)
				}
			}
			continue
		}

		if inLiteral {
			if isLiteralByte(c) {
				continue
			}
			inLiteral = false
			valueDone()
			markSafe(i)
		}

		switch c {
		case ' ', '\t', '\n', '\r':
		case '{':
			stack = append(stack, frame{kind: '{', state: stateKey})
			markSafe(i + 1)
		case '[':
			stack = append(stack, frame{kind: '[', state: stateValue})
			markSafe(i + 1)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
			valueDone()
			markSafe(i + 1)
		case ':':
			if len(stack) > 0 {
				stack[len(stack)-1].state = stateValue
			}
		case ',':
			if len(stack) > 0 {
				top := &stack[len(stack)-1]
				if top.kind == '{' {
					top.state = stateKey
				} else {
					top.state = stateValue
				}
			}
		case '"':
			inString = true
			top := stack[len(stack)-1]
			stringIsKey = top.kind == '{' && top.state == stateKey
		default:
			inLiteral = true
		}
	}

	if inString && !stringIsKey {
		body := s
		switch {
		case escape:
			body = body[:len(body)-1]
		case unicodeLeft > 0:
			body = body[:len(body)-(2+4-unicodeLeft)]
		}
		return body + `"` + closers(stackKinds(stack)), false
	}

	if inLiteral {
		candidate := s + closers(stackKinds(stack))
		if json.Valid([]byte(candidate)) {
			return candidate, false
		}
	}

	if safePos < 0 {
		return "", false
	}
	return s[:safePos] + closers(safeKinds), false
}

func isLiteralByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '+' || c == '.'
}

func stackKinds(stack []frame) []byte {
	kinds := make([]byte, len(stack))
	for i, f := range stack {
		kinds[i] = f.kind
	}
	return kinds
}

func closers(kinds []byte) string {
	var b strings.Builder
	for i := len(kinds) - 1; i >= 0; i-- {
		if kinds[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
