// Package kdl implements a small parser for the KDL-like structured
// document format §6 uses for plugin manifests, download manifests,
// and policy files: whitespace-separated nodes, optional brace-delimited
// children, quoted positional arguments, and key="value" properties.
//
// No KDL library appears anywhere in the retrieved corpus (the nearest
// analog, cuelang.org/go, parses a different, typed configuration
// language used elsewhere in this module for plugin config schemas —
// see internal/cueschema). Hand-rolling this tokenizer/parser is the
// documented exception: no pack dependency covers this format.
package kdl

import "fmt"

// Node is one node in the document: a bare or quoted identifier,
// optionally followed by positional Args, key=value Props, and a
// brace-delimited block of child Nodes.
type Node struct {
	Name     string
	Args     []string
	Props    map[string]string
	Children []*Node
	Line     int
}

// Prop looks up a property by name, returning ok=false if absent.
func (n *Node) Prop(name string) (string, bool) {
	v, ok := n.Props[name]
	return v, ok
}

// ChildrenNamed returns every direct child node with the given name.
func (n *Node) ChildrenNamed(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// ChildNamed returns the first direct child with the given name.
func (n *Node) ChildNamed(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Parse parses a complete document into its top-level nodes.
func Parse(src string) ([]*Node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	nodes, err := p.parseNodes(false)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) skipNewlines() {
	for p.peek().kind == tokNewline {
		p.next()
	}
}

// parseNodes parses a sequence of nodes, stopping at EOF (top level) or
// a closing brace (inside a block, which the caller consumes).
func (p *parser) parseNodes(inBlock bool) ([]*Node, error) {
	var nodes []*Node
	for {
		p.skipNewlines()
		t := p.peek()
		if t.kind == tokEOF {
			return nodes, nil
		}
		if t.kind == tokRBrace {
			if inBlock {
				return nodes, nil
			}
			return nil, fmt.Errorf("kdl: unexpected '}' at line %d", t.line)
		}
		if t.kind != tokIdent && t.kind != tokString {
			return nil, fmt.Errorf("kdl: expected node name at line %d, got %v", t.line, t)
		}
		node, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
}

func (p *parser) parseNode() (*Node, error) {
	nameTok := p.next()
	node := &Node{Name: nameTok.text, Props: map[string]string{}, Line: nameTok.line}

	for {
		t := p.peek()
		switch t.kind {
		case tokNewline, tokEOF:
			return node, nil
		case tokRBrace:
			return node, nil
		case tokLBrace:
			p.next()
			children, err := p.parseNodes(true)
			if err != nil {
				return nil, err
			}
			closing := p.next()
			if closing.kind != tokRBrace {
				return nil, fmt.Errorf("kdl: expected '}' to close block opened at line %d", t.line)
			}
			node.Children = children
			return node, nil
		case tokIdent:
			// could be a bare positional value or the key of key=value
			ident := p.next()
			if p.peek().kind == tokEquals {
				p.next() // consume '='
				valTok := p.next()
				if valTok.kind != tokString && valTok.kind != tokIdent {
					return nil, fmt.Errorf("kdl: expected value after '=' at line %d", valTok.line)
				}
				node.Props[ident.text] = valTok.text
			} else {
				node.Args = append(node.Args, ident.text)
			}
		case tokString:
			p.next()
			node.Args = append(node.Args, t.text)
		default:
			return nil, fmt.Errorf("kdl: unexpected token at line %d", t.line)
		}
	}
}
