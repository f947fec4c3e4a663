package policyexpr

import (
	"strings"

	"github.com/mitre/hipcheck/internal/hcerr"
)

type tokKind int

const (
	tokLParen tokKind = iota
	tokRParen
	tokLBracket
	tokRBracket
	tokAtom
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == '"':
			j := i + 1
			var sb strings.Builder
			for j < n && src[j] != '"' {
				if src[j] == '\\' && j+1 < n {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= n {
				return nil, hcerr.New(hcerr.TypeError, "unterminated string literal in policy expression")
			}
			toks = append(toks, token{tokAtom, `"` + sb.String()})
			i = j + 1
		default:
			j := i
			for j < n && !isDelim(src[j]) {
				j++
			}
			if j == i {
				return nil, hcerr.New(hcerr.TypeError, "unexpected character %q in policy expression", c)
			}
			toks = append(toks, token{tokAtom, src[i:j]})
			i = j
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isDelim(c byte) bool {
	return c == '(' || c == ')' || c == '[' || c == ']' || c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '"'
}
