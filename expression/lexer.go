// Package expression implements the filter sublanguage used for `when:`
// guards, work-item filters and sort keys. Source text is tokenized, parsed
// into an AST, optionally optimized, and evaluated against a JSON value.
package expression

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenKind identifies a lexical token.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokNumber
	TokString
	TokIdent
	TokTrue
	TokFalse
	TokNull
	TokDot
	TokLBracket
	TokRBracket
	TokStar
	TokLParen
	TokRParen
	TokComma
	TokEq
	TokNe
	TokLt
	TokLe
	TokGt
	TokGe
	TokAnd
	TokOr
	TokNot
	TokIn
)

var tokenNames = map[TokenKind]string{
	TokEOF: "end of input", TokNumber: "number", TokString: "string", TokIdent: "identifier",
	TokTrue: "true", TokFalse: "false", TokNull: "null", TokDot: ".", TokLBracket: "[",
	TokRBracket: "]", TokStar: "*", TokLParen: "(", TokRParen: ")", TokComma: ",",
	TokEq: "==", TokNe: "!=", TokLt: "<", TokLe: "<=", TokGt: ">", TokGe: ">=",
	TokAnd: "&&", TokOr: "||", TokNot: "!", TokIn: "in",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is one lexical unit with its byte offset in the source.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

var keywords = map[string]TokenKind{
	"true":  TokTrue,
	"false": TokFalse,
	"null":  TokNull,
	"and":   TokAnd,
	"or":    TokOr,
	"not":   TokNot,
	"in":    TokIn,
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// Tokenize splits src into tokens. It is pure and never logs.
func Tokenize(src string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"' || c == '\'':
			s, n, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, Token{Kind: TokString, Text: s, Pos: i})
			i += n
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1]) && numberAllowed(toks)):
			j := i + 1
			for j < len(src) && numberPart(src, j) {
				j++
			}
			toks = append(toks, Token{Kind: TokNumber, Text: src[i:j], Pos: i})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			word := src[i:j]
			kind := TokIdent
			if kw, ok := keywords[strings.ToLower(word)]; ok {
				kind = kw
			}
			toks = append(toks, Token{Kind: kind, Text: word, Pos: i})
			i = j
		default:
			kind, n := scanOperator(src[i:])
			if n == 0 {
				return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
			}
			toks = append(toks, Token{Kind: kind, Text: src[i : i+n], Pos: i})
			i += n
		}
	}
	toks = append(toks, Token{Kind: TokEOF, Pos: len(src)})
	return toks, nil
}

// numberAllowed reports whether a leading '-' starts a negative literal,
// which is only the case where an operand is expected.
func numberAllowed(prev []Token) bool {
	if len(prev) == 0 {
		return true
	}
	switch prev[len(prev)-1].Kind {
	case TokNumber, TokString, TokIdent, TokTrue, TokFalse, TokNull, TokRParen, TokRBracket, TokStar:
		return false
	}
	return true
}

func scanOperator(s string) (TokenKind, int) {
	two := map[string]TokenKind{"==": TokEq, "!=": TokNe, "<=": TokLe, ">=": TokGe, "&&": TokAnd, "||": TokOr}
	if len(s) >= 2 {
		if k, ok := two[s[:2]]; ok {
			return k, 2
		}
	}
	switch s[0] {
	case '<':
		return TokLt, 1
	case '>':
		return TokGt, 1
	case '!':
		return TokNot, 1
	case '=':
		return TokEq, 1
	case '.':
		return TokDot, 1
	case '[':
		return TokLBracket, 1
	case ']':
		return TokRBracket, 1
	case '*':
		return TokStar, 1
	case '(':
		return TokLParen, 1
	case ')':
		return TokRParen, 1
	case ',':
		return TokComma, 1
	}
	return TokEOF, 0
}

func scanString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			next := src[i+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			i += 2
		case c == quote:
			return b.String(), i - start + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

// numberPart reports whether src[j] continues a numeric literal. A dot only
// continues a number when a digit follows, so items.0.name lexes as a path.
func numberPart(src string, j int) bool {
	c := src[j]
	switch {
	case isDigit(c):
		return true
	case c == '.':
		return j+1 < len(src) && isDigit(src[j+1])
	case c == 'e' || c == 'E':
		return j+1 < len(src) && (isDigit(src[j+1]) || src[j+1] == '-' || src[j+1] == '+')
	case c == '-' || c == '+':
		return src[j-1] == 'e' || src[j-1] == 'E'
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || r == '-' || unicode.IsDigit(r) }
