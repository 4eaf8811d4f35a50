// ABOUTME: Safe condition evaluation entry point with a reject-to-false contract.
// ABOUTME: Any lex, parse, or evaluation error logs a warning and yields false; no host evaluation is ever involved.
package expr

import (
	"log"
	"strings"
)

// EvaluateCondition evaluates a boolean condition expression. The language
// supports numeric and boolean literals, unary minus, the comparison
// operators ===, !==, >, <, >=, <=, the logical operators && and ||, and
// parentheses. Identifiers, string literals, arithmetic, property access,
// and function calls are rejected.
//
// Conditions arrive from declarative pipeline configs, so the failure mode
// is deliberately conservative: any expression that does not lex, parse, or
// evaluate cleanly returns false with a warning log.
func EvaluateCondition(expression string) bool {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		log.Printf("component=expr action=reject reason=empty_expression")
		return false
	}

	ast, err := parse(trimmed)
	if err != nil {
		log.Printf("component=expr action=reject expression=%q error=%q", trimmed, err.Error())
		return false
	}

	result, err := ast.eval()
	if err != nil {
		log.Printf("component=expr action=eval_failed expression=%q error=%q", trimmed, err.Error())
		return false
	}

	return truthy(result)
}
