// ABOUTME: Recursive descent parser for the condition language, producing a small AST of literals and operators.
// ABOUTME: Grammar: or := and ('||' and)*; and := cmp ('&&' cmp)*; cmp := unary (compareOp unary)?; unary := ['-'] primary.
package expr

import (
	"fmt"
	"strconv"
)

// node is an AST node that evaluates to a value (float64 or bool).
type node interface {
	eval() (any, error)
}

// numberNode is a numeric literal.
type numberNode struct {
	value float64
}

func (n numberNode) eval() (any, error) { return n.value, nil }

// boolNode is a boolean literal.
type boolNode struct {
	value bool
}

func (n boolNode) eval() (any, error) { return n.value, nil }

// compareNode applies a comparison operator to two operands.
type compareNode struct {
	op    TokenType
	left  node
	right node
}

func (n compareNode) eval() (any, error) {
	lv, err := n.left.eval()
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval()
	if err != nil {
		return nil, err
	}

	switch n.op {
	case TokenEq:
		return strictEqual(lv, rv), nil
	case TokenNeq:
		return !strictEqual(lv, rv), nil
	}

	// Relational operators require numeric operands.
	lf, lok := lv.(float64)
	rf, rok := rv.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("relational operator %s requires numeric operands", n.op)
	}
	switch n.op {
	case TokenGT:
		return lf > rf, nil
	case TokenLT:
		return lf < rf, nil
	case TokenGTE:
		return lf >= rf, nil
	case TokenLTE:
		return lf <= rf, nil
	}
	return nil, fmt.Errorf("unknown comparison operator %s", n.op)
}

// strictEqual compares two values with strict (type-sensitive) semantics:
// a number never equals a boolean.
func strictEqual(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// logicalNode applies && or || with short-circuit evaluation over truthiness.
type logicalNode struct {
	op    TokenType
	left  node
	right node
}

func (n logicalNode) eval() (any, error) {
	lv, err := n.left.eval()
	if err != nil {
		return nil, err
	}
	if n.op == TokenAnd {
		if !truthy(lv) {
			return false, nil
		}
	} else {
		if truthy(lv) {
			return true, nil
		}
	}
	rv, err := n.right.eval()
	if err != nil {
		return nil, err
	}
	return truthy(rv), nil
}

// truthy reports whether a value counts as true: booleans as-is, numbers
// when nonzero.
func truthy(v any) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case float64:
		return tv != 0
	}
	return false
}

// parser holds the state of the recursive descent parser.
type parser struct {
	tokens []Token
	pos    int
}

// parse lexes and parses a condition expression into an AST.
func parse(input string) (node, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current().Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.current().Value, p.current().Pos)
	}
	return n, nil
}

// current returns the current token.
func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

// advance moves to the next token and returns the consumed token.
func (p *parser) advance() Token {
	tok := p.current()
	p.pos++
	return tok
}

// parseOr parses: and ('||' and)*
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current().Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: TokenOr, left: left, right: right}
	}
	return left, nil
}

// parseAnd parses: cmp ('&&' cmp)*
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.current().Type == TokenAnd {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: TokenAnd, left: left, right: right}
	}
	return left, nil
}

// isCompareOp reports whether the token type is a comparison operator.
func isCompareOp(t TokenType) bool {
	switch t {
	case TokenEq, TokenNeq, TokenGT, TokenLT, TokenGTE, TokenLTE:
		return true
	}
	return false
}

// parseComparison parses: unary (compareOp unary)?
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if isCompareOp(p.current().Type) {
		op := p.advance().Type
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

// parseUnary parses an optional unary minus followed by a primary.
func (p *parser) parseUnary() (node, error) {
	if p.current().Type == TokenMinus {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		num, ok := inner.(numberNode)
		if !ok {
			return nil, fmt.Errorf("unary minus requires a numeric operand at position %d", p.current().Pos)
		}
		return numberNode{value: -num.value}, nil
	}
	return p.parsePrimary()
}

// parsePrimary parses: number | boolean | '(' or ')'
func (p *parser) parsePrimary() (node, error) {
	tok := p.current()
	switch tok.Type {
	case TokenNumber:
		p.advance()
		f, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", tok.Value, tok.Pos)
		}
		return numberNode{value: f}, nil
	case TokenBoolean:
		p.advance()
		return boolNode{value: tok.Value == "true"}, nil
	case TokenLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current().Type != TokenRParen {
			return nil, fmt.Errorf("expected ')' at position %d", p.current().Pos)
		}
		p.advance()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.Value, tok.Pos)
	}
}
