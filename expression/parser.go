package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/forge/variables"
)

// functionArity lists the built-in functions with their argument counts.
var functionArity = map[string]int{
	"contains":    2,
	"starts_with": 2,
	"ends_with":   2,
	"matches":     2,
	"length":      1,
	"sum":         1,
	"count":       1,
	"min":         1,
	"max":         1,
	"avg":         1,
	"is_null":     1,
	"is_number":   1,
	"is_string":   1,
	"is_bool":     1,
	"is_array":    1,
	"is_object":   1,
}

// Parse tokenizes and parses src into an AST.
func Parse(src string) (Node, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Kind != TokEOF {
		return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("unexpected %s", describe(tok))}
	}
	return node, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) peek() Token {
	return p.toks[p.pos]
}

func (p *parser) next() Token {
	tok := p.toks[p.pos]
	if tok.Kind != TokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	tok := p.next()
	if tok.Kind != kind {
		return tok, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("expected %s, found %s", kind, describe(tok))}
	}
	return tok, nil
}

func describe(tok Token) string {
	if tok.Kind == TokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", tok.Text)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == TokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().Kind == TokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().Kind == TokNot {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[TokenKind]Op{
	TokEq: OpEq, TokNe: OpNe, TokLt: OpLt, TokLe: OpLe, TokGt: OpGt, TokGe: OpGe, TokIn: OpIn,
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	op, ok := comparisonOps[p.peek().Kind]
	if !ok {
		return left, nil
	}
	p.next()
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return Binary{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.next()
	switch tok.Kind {
	case TokNumber:
		f, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("invalid number %q", tok.Text)}
		}
		return Literal{Value: f}, nil
	case TokString:
		return Literal{Value: tok.Text}, nil
	case TokTrue:
		return Literal{Value: true}, nil
	case TokFalse:
		return Literal{Value: false}, nil
	case TokNull:
		return Literal{Value: nil}, nil
	case TokLParen:
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return node, nil
	case TokLBracket:
		return p.parseList()
	case TokIdent:
		if p.peek().Kind == TokLParen {
			return p.parseCall(tok)
		}
		return p.parseField(tok)
	}
	return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("unexpected %s", describe(tok))}
}

func (p *parser) parseList() (Node, error) {
	var items []Node
	if p.peek().Kind == TokRBracket {
		p.next()
		return List{}, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		tok := p.next()
		if tok.Kind == TokRBracket {
			return List{Items: items}, nil
		}
		if tok.Kind != TokComma {
			return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("expected , or ] in list, found %s", describe(tok))}
		}
	}
}

func (p *parser) parseCall(name Token) (Node, error) {
	fn := strings.ToLower(name.Text)
	arity, ok := functionArity[fn]
	if !ok {
		return nil, &SyntaxError{Pos: name.Pos, Msg: fmt.Sprintf("unknown function %q", name.Text)}
	}
	p.next() // (
	var args []Node
	if p.peek().Kind != TokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().Kind != TokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(TokRParen); err != nil {
		return nil, err
	}
	if len(args) != arity {
		return nil, &SyntaxError{Pos: name.Pos, Msg: fmt.Sprintf("%s expects %d argument(s), got %d", fn, arity, len(args))}
	}
	return Call{Name: fn, Args: args}, nil
}

func (p *parser) parseField(first Token) (Node, error) {
	path := []variables.Segment{{Kind: variables.SegmentKey, Key: strings.TrimPrefix(first.Text, "$")}}
	if path[0].Key == "" {
		path = path[:0]
	}
	for {
		switch p.peek().Kind {
		case TokDot:
			p.next()
			tok := p.next()
			switch tok.Kind {
			case TokIdent, TokTrue, TokFalse, TokNull, TokIn, TokAnd, TokOr, TokNot:
				path = append(path, variables.Segment{Kind: variables.SegmentKey, Key: tok.Text})
			case TokNumber:
				n, err := strconv.Atoi(tok.Text)
				if err != nil {
					return nil, &SyntaxError{Pos: tok.Pos, Msg: "invalid index"}
				}
				path = append(path, variables.Segment{Kind: variables.SegmentIndex, Index: n})
			case TokStar:
				path = append(path, variables.Segment{Kind: variables.SegmentWildcard})
			default:
				return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("expected field name after '.', found %s", describe(tok))}
			}
		case TokLBracket:
			p.next()
			tok := p.next()
			switch tok.Kind {
			case TokStar:
				path = append(path, variables.Segment{Kind: variables.SegmentWildcard})
			case TokNumber:
				n, err := strconv.Atoi(tok.Text)
				if err != nil {
					return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("invalid index %q", tok.Text)}
				}
				path = append(path, variables.Segment{Kind: variables.SegmentIndex, Index: n})
			case TokString:
				path = append(path, variables.Segment{Kind: variables.SegmentKey, Key: tok.Text})
			default:
				return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("expected index, found %s", describe(tok))}
			}
			if _, err := p.expect(TokRBracket); err != nil {
				return nil, err
			}
		default:
			return Field{Path: path}, nil
		}
	}
}
