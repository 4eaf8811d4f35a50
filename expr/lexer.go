// ABOUTME: Tokenizer for the sandboxed condition expression language used by CONDITION nodes.
// ABOUTME: Accepts only numbers, booleans, comparison/logical operators, and parentheses; everything else is a lex error.
package expr

import (
	"fmt"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF      TokenType = iota
	TokenNumber             // integer or decimal literal
	TokenBoolean            // true or false
	TokenLParen             // (
	TokenRParen             // )
	TokenEq                 // ===
	TokenNeq                // !==
	TokenGT                 // >
	TokenLT                 // <
	TokenGTE                // >=
	TokenLTE                // <=
	TokenAnd                // &&
	TokenOr                 // ||
	TokenMinus              // - (unary minus)
)

// String returns a human-readable name for the token type.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenNumber:
		return "NUMBER"
	case TokenBoolean:
		return "BOOLEAN"
	case TokenLParen:
		return "LPAREN"
	case TokenRParen:
		return "RPAREN"
	case TokenEq:
		return "EQ"
	case TokenNeq:
		return "NEQ"
	case TokenGT:
		return "GT"
	case TokenLT:
		return "LT"
	case TokenGTE:
		return "GTE"
	case TokenLTE:
		return "LTE"
	case TokenAnd:
		return "AND"
	case TokenOr:
		return "OR"
	case TokenMinus:
		return "MINUS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Token is a single lexical token with its source text and position.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// Lex tokenizes a condition expression. Identifiers other than "true" and
// "false", string literals, arithmetic operators, bitwise operators, property
// access, and function-call syntax are all rejected with an error. This is the
// whitelist gate that keeps declarative conditions from smuggling in code.
func Lex(input string) ([]Token, error) {
	runes := []rune(input)
	tokens := make([]Token, 0, 16)
	i := 0

	for i < len(runes) {
		r := runes[i]

		if unicode.IsSpace(r) {
			i++
			continue
		}

		switch {
		case r == '(':
			tokens = append(tokens, Token{Type: TokenLParen, Value: "(", Pos: i})
			i++
		case r == ')':
			tokens = append(tokens, Token{Type: TokenRParen, Value: ")", Pos: i})
			i++
		case r == '-':
			tokens = append(tokens, Token{Type: TokenMinus, Value: "-", Pos: i})
			i++
		case r == '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				tokens = append(tokens, Token{Type: TokenAnd, Value: "&&", Pos: i})
				i += 2
			} else {
				return nil, fmt.Errorf("bitwise '&' is not allowed at position %d", i)
			}
		case r == '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				tokens = append(tokens, Token{Type: TokenOr, Value: "||", Pos: i})
				i += 2
			} else {
				return nil, fmt.Errorf("bitwise '|' is not allowed at position %d", i)
			}
		case r == '=':
			if i+2 < len(runes) && runes[i+1] == '=' && runes[i+2] == '=' {
				tokens = append(tokens, Token{Type: TokenEq, Value: "===", Pos: i})
				i += 3
			} else {
				return nil, fmt.Errorf("only strict equality '===' is allowed at position %d", i)
			}
		case r == '!':
			if i+2 < len(runes) && runes[i+1] == '=' && runes[i+2] == '=' {
				tokens = append(tokens, Token{Type: TokenNeq, Value: "!==", Pos: i})
				i += 3
			} else {
				return nil, fmt.Errorf("only strict inequality '!==' is allowed at position %d", i)
			}
		case r == '>':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, Token{Type: TokenGTE, Value: ">=", Pos: i})
				i += 2
			} else {
				tokens = append(tokens, Token{Type: TokenGT, Value: ">", Pos: i})
				i++
			}
		case r == '<':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, Token{Type: TokenLTE, Value: "<=", Pos: i})
				i += 2
			} else {
				tokens = append(tokens, Token{Type: TokenLT, Value: "<", Pos: i})
				i++
			}
		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && unicode.IsDigit(runes[i]) {
				i++
			}
			if i < len(runes) && runes[i] == '.' {
				i++
				if i >= len(runes) || !unicode.IsDigit(runes[i]) {
					return nil, fmt.Errorf("malformed number at position %d", start)
				}
				for i < len(runes) && unicode.IsDigit(runes[i]) {
					i++
				}
			}
			tokens = append(tokens, Token{Type: TokenNumber, Value: string(runes[start:i]), Pos: start})
		case unicode.IsLetter(r):
			start := i
			for i < len(runes) && unicode.IsLetter(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			if word != "true" && word != "false" {
				return nil, fmt.Errorf("identifier %q is not allowed at position %d", word, start)
			}
			tokens = append(tokens, Token{Type: TokenBoolean, Value: word, Pos: start})
		default:
			return nil, fmt.Errorf("character %q is not allowed at position %d", r, i)
		}
	}

	tokens = append(tokens, Token{Type: TokenEOF, Pos: len(runes)})
	return tokens, nil
}
