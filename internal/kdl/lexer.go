package kdl

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokEquals
	tokLBrace
	tokRBrace
	tokNewline
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	line int
}

type lexer struct {
	src  []rune
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src), line: 1}
}

func (l *lexer) peekRune() (rune, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos], true
}

func (l *lexer) advance() (rune, bool) {
	r, ok := l.peekRune()
	if !ok {
		return 0, false
	}
	l.pos++
	if r == '\n' {
		l.line++
	}
	return r, true
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '-' || r == '#' || r == '/' || r == '.' || r == '~' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isIdentCont(r rune) bool {
	return isIdentStart(r)
}

// tokenize lexes the entire document up front; the surface syntax is
// small enough (nodes, braces, quoted strings, key=value props) that a
// single pass suffices.
func tokenize(src string) ([]token, error) {
	l := newLexer(src)
	var toks []token

	for {
		r, ok := l.peekRune()
		if !ok {
			toks = append(toks, token{kind: tokEOF, line: l.line})
			return toks, nil
		}

		switch {
		case r == ' ' || r == '\t' || r == '\r':
			l.advance()
		case r == '\n':
			l.advance()
			toks = append(toks, token{kind: tokNewline, line: l.line})
		case r == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for {
				r, ok := l.peekRune()
				if !ok || r == '\n' {
					break
				}
				l.advance()
			}
		case r == '{':
			l.advance()
			toks = append(toks, token{kind: tokLBrace, line: l.line})
		case r == '}':
			l.advance()
			toks = append(toks, token{kind: tokRBrace, line: l.line})
		case r == '=':
			l.advance()
			toks = append(toks, token{kind: tokEquals, line: l.line})
		case r == ';':
			l.advance()
			toks = append(toks, token{kind: tokNewline, line: l.line})
		case r == '"':
			s, err := l.lexString()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, line: l.line})
		case isIdentStart(r):
			start := l.pos
			startLine := l.line
			for {
				r, ok := l.peekRune()
				if !ok || !isIdentCont(r) {
					break
				}
				l.advance()
			}
			toks = append(toks, token{kind: tokIdent, text: string(l.src[start:l.pos]), line: startLine})
		default:
			return nil, fmt.Errorf("kdl: unexpected character %q at line %d", r, l.line)
		}
	}
}

func (l *lexer) lexString() (string, error) {
	startLine := l.line
	l.advance() // opening quote
	var sb strings.Builder
	for {
		r, ok := l.advance()
		if !ok {
			return "", fmt.Errorf("kdl: unterminated string starting line %d", startLine)
		}
		if r == '"' {
			return sb.String(), nil
		}
		if r == '\\' {
			esc, ok := l.advance()
			if !ok {
				return "", fmt.Errorf("kdl: unterminated escape in string starting line %d", startLine)
			}
			switch esc {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case '"':
				sb.WriteRune('"')
			case '\\':
				sb.WriteRune('\\')
			default:
				sb.WriteRune(esc)
			}
			continue
		}
		sb.WriteRune(r)
	}
}
