package policyexpr

import (
	"strconv"
	"strings"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// Parse parses a full policy expression document into an AST, per
// §4.5's parenthesized Lisp-like syntax.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, hcerr.New(hcerr.TypeError, "unexpected trailing content after policy expression")
	}
	return e, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) parseExpr() (*Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		return p.parseCall()
	case tokLBracket:
		return p.parseArrayLiteral()
	case tokAtom:
		p.next()
		return parseAtom(t.text)
	default:
		return nil, hcerr.New(hcerr.TypeError, "unexpected token in policy expression")
	}
}

func (p *parser) parseCall() (*Expr, error) {
	p.next() // consume '('
	nameTok := p.peek()
	if nameTok.kind != tokAtom {
		return nil, hcerr.New(hcerr.TypeError, "expected function name after '('")
	}
	p.next()
	var args []*Expr
	for p.peek().kind != tokRParen {
		if p.peek().kind == tokEOF {
			return nil, hcerr.New(hcerr.TypeError, "unterminated call to %q", nameTok.text)
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	p.next() // consume ')'
	return &Expr{Kind: ExprCall, Fn: nameTok.text, Args: args}, nil
}

func (p *parser) parseArrayLiteral() (*Expr, error) {
	p.next() // consume '['
	var elems []*Expr
	for p.peek().kind != tokRBracket {
		if p.peek().kind == tokEOF {
			return nil, hcerr.New(hcerr.TypeError, "unterminated array literal")
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	p.next() // consume ']'
	return &Expr{Kind: ExprCall, Fn: "#array", Args: elems}, nil
}

func parseAtom(text string) (*Expr, error) {
	switch {
	case strings.HasPrefix(text, "$"):
		return &Expr{Kind: ExprPointer, Pointer: text}, nil
	case strings.HasPrefix(text, `"`):
		return &Expr{Kind: ExprLiteral, Lit: VString(text[1:])}, nil
	case text == "true":
		return &Expr{Kind: ExprLiteral, Lit: VBool(true)}, nil
	case text == "false":
		return &Expr{Kind: ExprLiteral, Lit: VBool(false)}, nil
	case len(text) > 1 && text[0] == 'P' && isSpanLiteral(text):
		span, err := parseSpanLiteral(text)
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprLiteral, Lit: VSpan(span)}, nil
	default:
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return &Expr{Kind: ExprLiteral, Lit: VInt(i)}, nil
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return &Expr{Kind: ExprLiteral, Lit: VFloat(f)}, nil
		}
		return nil, hcerr.New(hcerr.TypeError, "%q is not a valid literal, pointer, or known atom", text)
	}
}
