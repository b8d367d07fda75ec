// Package selector parses the tracer selector syntax from spec.md §4.3:
// a bare method name, Class#method, Class.method, Class# / Class. for
// "all methods", and an optional parenthesized argument-expression list.
package selector

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies what a Selector matches in the target.
type Kind int

const (
	Bare Kind = iota
	Instance
	ClassMethod
	AllInstance
	AllClass
)

// Selector is a parsed tracer selector, ready to be sent as an `add`
// command plus zero or more follow-on `addexpr` commands.
type Selector struct {
	Raw    string
	Class  string
	Method string
	Kind   Kind
	Exprs  []string
}

// ErrInvalidSelector is returned for syntactically malformed selectors.
var ErrInvalidSelector = errors.New("selector: invalid selector syntax")

// ErrInvalidExpression is spec.md §7's *invalid-expression* kind: raised
// before any send, naming the offending expression.
var ErrInvalidExpression = errors.New("selector: invalid expression")

var trivialIvar = regexp.MustCompile(`^@[A-Za-z_][A-Za-z0-9_]*$`)

// Parse parses raw into a Selector, splitting off and validating any
// trailing "(expr, expr, ...)" argument list.
func Parse(raw string) (Selector, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Selector{}, fmt.Errorf("%w: empty selector", ErrInvalidSelector)
	}

	base, exprList, err := splitExprList(trimmed)
	if err != nil {
		return Selector{}, err
	}

	sel := Selector{Raw: raw}

	switch {
	case strings.Contains(base, "#"):
		idx := strings.Index(base, "#")
		sel.Class = base[:idx]
		sel.Method = base[idx+1:]
		if sel.Class == "" {
			return Selector{}, fmt.Errorf("%w: %q missing class before '#'", ErrInvalidSelector, raw)
		}
		if sel.Method == "" {
			sel.Kind = AllInstance
		} else {
			sel.Kind = Instance
		}

	case strings.Contains(base, "."):
		idx := strings.Index(base, ".")
		sel.Class = base[:idx]
		sel.Method = base[idx+1:]
		if sel.Class == "" {
			return Selector{}, fmt.Errorf("%w: %q missing class before '.'", ErrInvalidSelector, raw)
		}
		if sel.Method == "" {
			sel.Kind = AllClass
		} else {
			sel.Kind = ClassMethod
		}

	default:
		sel.Kind = Bare
		sel.Method = base
	}

	for _, e := range exprList {
		if err := ValidateExpression(e); err != nil {
			return Selector{}, err
		}
		sel.Exprs = append(sel.Exprs, PrepareExpression(e))
	}

	return sel, nil
}

// splitExprList pulls a trailing "(...)" off raw and splits its contents
// on commas, respecting no nesting (spec.md §4.3).
func splitExprList(raw string) (base string, exprs []string, err error) {
	if !strings.HasSuffix(raw, ")") {
		return raw, nil, nil
	}

	open := strings.Index(raw, "(")
	if open < 0 {
		return "", nil, fmt.Errorf("%w: %q has unmatched ')'", ErrInvalidSelector, raw)
	}

	base = raw[:open]
	inner := raw[open+1 : len(raw)-1]

	if strings.TrimSpace(inner) == "" {
		return base, nil, nil
	}

	parts := strings.Split(inner, ",")
	exprs = make([]string, len(parts))
	for i, p := range parts {
		exprs[i] = strings.TrimSpace(p)
	}

	return base, exprs, nil
}

// ValidateExpression performs the local syntactic check spec.md §4.3
// requires before sending eval/addexpr: a lightweight lexical scan for
// balanced parens/brackets/quotes. It cannot catch every parse error a
// full evaluator would (see DESIGN.md's Open Question decision on
// expression pre-validation without an embedded evaluator); genuine
// grammar errors that slip past this scan are surfaced by the target
// through the normal event error channel once the expression is sent.
func ValidateExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: %q is empty", ErrInvalidExpression, expr)
	}

	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}

	var quote rune
	for i, r := range expr {
		if quote != 0 {
			if r == quote && (i == 0 || expr[i-1] != '\\') {
				quote = 0
			}
			continue
		}

		switch r {
		case '\'', '"':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Errorf("%w: %q has unbalanced %q", ErrInvalidExpression, expr, r)
			}
			stack = stack[:len(stack)-1]
		}
	}

	if quote != 0 {
		return fmt.Errorf("%w: %q has an unterminated quote", ErrInvalidExpression, expr)
	}
	if len(stack) != 0 {
		return fmt.Errorf("%w: %q has an unclosed %q", ErrInvalidExpression, expr, stack[len(stack)-1])
	}

	return nil
}

// PrepareExpression applies the instance-variable sigil rule: an
// expression whose first non-space character is '@' but which is not the
// trivial "@name" form is prefixed with a leading space so the target
// treats it as an expression rather than a bare instance-variable read.
func PrepareExpression(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") && !trivialIvar.MatchString(trimmed) {
		return " " + expr
	}
	return expr
}

// Qualified renders the selector's target-facing method reference, e.g.
// "String#gsub" or "String.new", matching the format methods are
// qualified with in the interpreter (spec.md GLOSSARY: Qualified name).
func (s Selector) Qualified() string {
	switch s.Kind {
	case Instance, AllInstance:
		return s.Class + "#" + s.Method
	case ClassMethod, AllClass:
		return s.Class + "." + s.Method
	default:
		return s.Method
	}
}
