// Package evaluator runs a parsed Policy DSL AST against input data.
// Grounded line-for-line on
// original_source/services/policy/src/evaluator.py: same context-stack
// identifier resolution, same truthiness rules, same operator semantics
// (type mismatch returns false rather than raising), same built-in
// function set and PII regexes, same deny-overrides-allow aggregation.
package evaluator

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/policydsl/ast"
)

// Result is the outcome of evaluating a whole policy.
type Result struct {
	PolicyName   string
	MatchedRules []string
	Actions      []ActionResult
	Allowed      bool
	Metadata     map[string]any
}

// ActionResult is one fired action's recorded snapshot.
type ActionResult struct {
	Type       ast.ActionType
	Parameters map[string]any
	Line       int
	Column     int
}

// RuleResult is the outcome of evaluating a single rule.
type RuleResult struct {
	RuleName         string
	Matched          bool
	Actions          []ActionResult
	EvaluationTimeMS float64
}

// Error is raised on unknown identifiers/functions or regex compile
// failures during evaluation. EvaluatePolicy returns it with the failing
// rule's name and no Result.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Evaluator walks an *ast.Policy against a data/context stack.
type Evaluator struct {
	builtins     map[string]func(args []any) (any, error)
	contextStack []map[string]any
}

// New returns an Evaluator with the standard built-in function set.
func New() *Evaluator {
	e := &Evaluator{}
	e.builtins = e.registerBuiltins()
	return e
}

// EvaluatePolicy evaluates policy against data and optional context,
// matching the design's evaluation algorithm: rules sorted by priority
// descending, first-and-later matches accumulate, any matched `deny`
// action flips `allowed` to false.
func (e *Evaluator) EvaluatePolicy(policy *ast.Policy, data map[string]any, context map[string]any) (*Result, error) {
	if context == nil {
		context = map[string]any{}
	}
	e.contextStack = []map[string]any{data, context}

	sorted := make([]*ast.Rule, len(policy.Rules))
	copy(sorted, policy.Rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	var matchedRules []string
	var allActions []ActionResult
	allowed := true

	for _, rule := range sorted {
		if !rule.Enabled {
			continue
		}
		rr, err := e.evaluateRule(rule)
		if err != nil {
			return nil, newError("error evaluating rule %q: %s", rule.Name, err.Error())
		}
		if rr.Matched {
			matchedRules = append(matchedRules, rr.RuleName)
			allActions = append(allActions, rr.Actions...)
			for _, a := range rr.Actions {
				if a.Type == ast.ActionDeny {
					allowed = false
				}
			}
		}
	}

	return &Result{
		PolicyName: policy.Name, MatchedRules: matchedRules, Actions: allActions,
		Allowed: allowed, Metadata: policy.Metadata,
	}, nil
}

func (e *Evaluator) evaluateRule(rule *ast.Rule) (*RuleResult, error) {
	start := time.Now()
	matched, err := e.evaluateCondition(rule.Condition)
	if err != nil {
		return nil, err
	}

	var actions []ActionResult
	if matched {
		for _, a := range rule.Actions {
			actions = append(actions, ActionResult{Type: a.Type, Parameters: a.Parameters, Line: a.Line, Column: a.Column})
		}
	}

	return &RuleResult{
		RuleName: rule.Name, Matched: matched, Actions: actions,
		EvaluationTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

func (e *Evaluator) evaluateCondition(cond *ast.Condition) (bool, error) {
	result, err := e.evaluateExpr(cond.Expression)
	if err != nil {
		return false, err
	}
	return toBoolean(result), nil
}

func (e *Evaluator) evaluateExpr(expr ast.Expr) (any, error) {
	switch n := expr.(type) {
	case *ast.Literal:
		return n.Value, nil
	case *ast.Identifier:
		return e.resolveIdentifier(n)
	case *ast.Binary:
		return e.evaluateBinary(n)
	case *ast.Unary:
		return e.evaluateUnary(n)
	case *ast.FunctionCall:
		return e.evaluateFunctionCall(n)
	case *ast.List:
		out := make([]any, len(n.Elements))
		for i, el := range n.Elements {
			v, err := e.evaluateExpr(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *ast.Dict:
		out := map[string]any{}
		for _, pair := range n.Pairs {
			k, err := e.evaluateExpr(pair.Key)
			if err != nil {
				return nil, err
			}
			v, err := e.evaluateExpr(pair.Value)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("%v", k)] = v
		}
		return out, nil
	}
	return nil, newError("unknown expression type: %T", expr)
}

func (e *Evaluator) evaluateBinary(n *ast.Binary) (any, error) {
	left, err := e.evaluateExpr(n.Left)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case ast.OpAnd:
		if !toBoolean(left) {
			return false, nil
		}
		right, err := e.evaluateExpr(n.Right)
		if err != nil {
			return nil, err
		}
		return toBoolean(right), nil
	case ast.OpOr:
		if toBoolean(left) {
			return true, nil
		}
		right, err := e.evaluateExpr(n.Right)
		if err != nil {
			return nil, err
		}
		return toBoolean(right), nil
	}

	right, err := e.evaluateExpr(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Operator {
	case ast.OpEquals:
		return valuesEqual(left, right), nil
	case ast.OpNotEquals:
		return !valuesEqual(left, right), nil
	case ast.OpGreaterThan:
		return numericCompare(left, right, func(a, b float64) bool { return a > b })
	case ast.OpLessThan:
		return numericCompare(left, right, func(a, b float64) bool { return a < b })
	case ast.OpGreaterEqual:
		return numericCompare(left, right, func(a, b float64) bool { return a >= b })
	case ast.OpLessEqual:
		return numericCompare(left, right, func(a, b float64) bool { return a <= b })
	case ast.OpContains:
		return stringContains(left, right), nil
	case ast.OpMatches:
		return e.stringMatches(left, right)
	case ast.OpStartsWith:
		return stringStartsWith(left, right), nil
	case ast.OpEndsWith:
		return stringEndsWith(left, right), nil
	case ast.OpIn:
		return membership(left, right), nil
	case ast.OpNotIn:
		return !membership(left, right), nil
	}
	return nil, newError("unknown binary operator: %s", n.Operator)
}

func (e *Evaluator) evaluateUnary(n *ast.Unary) (any, error) {
	operand, err := e.evaluateExpr(n.Operand)
	if err != nil {
		return nil, err
	}
	if n.Operator == ast.OpNot {
		return !toBoolean(operand), nil
	}
	return nil, newError("unknown unary operator: %s", n.Operator)
}

func (e *Evaluator) evaluateFunctionCall(n *ast.FunctionCall) (any, error) {
	fn, ok := e.builtins[n.Name]
	if !ok {
		return nil, newError("unknown function: %s", n.Name)
	}
	args := make([]any, len(n.Arguments))
	for i, a := range n.Arguments {
		v, err := e.evaluateExpr(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

func (e *Evaluator) resolveIdentifier(id *ast.Identifier) (any, error) {
	for i := len(e.contextStack) - 1; i >= 0; i-- {
		ctx := e.contextStack[i]
		value, ok := ctx[id.Name]
		if !ok {
			continue
		}
		for _, field := range id.Path {
			m, ok := value.(map[string]any)
			if !ok {
				return nil, newError("field %q not found in %s", field, id.Name)
			}
			v, ok := m[field]
			if !ok {
				return nil, newError("field %q not found in %s", field, id.Name)
			}
			value = v
		}
		return value, nil
	}
	return nil, newError("identifier %q not found in context", id.Name)
}

func toBoolean(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return v != nil
	}
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// numericCompare implements the design's "comparison operators require
// compatible types; mismatched types return false rather than throwing."
func numericCompare(a, b any, cmp func(a, b float64) bool) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return cmp(af, bf), nil
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return cmp(float64(strings.Compare(as, bs)), 0), nil
	}
	return false, nil
}

func stringContains(haystack, needle any) bool {
	h, hOK := haystack.(string)
	n, nOK := needle.(string)
	if !hOK || !nOK {
		return false
	}
	return strings.Contains(h, n)
}

func (e *Evaluator) stringMatches(text, pattern any) (bool, error) {
	t, tOK := text.(string)
	p, pOK := pattern.(string)
	if !tOK || !pOK {
		return false, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false, newError("invalid regex pattern: %s", p)
	}
	return re.MatchString(t), nil
}

func stringStartsWith(text, prefix any) bool {
	t, tOK := text.(string)
	p, pOK := prefix.(string)
	return tOK && pOK && strings.HasPrefix(t, p)
}

func stringEndsWith(text, suffix any) bool {
	t, tOK := text.(string)
	s, sOK := suffix.(string)
	return tOK && sOK && strings.HasSuffix(t, s)
}

func membership(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if valuesEqual(v, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		key := fmt.Sprintf("%v", needle)
		_, ok := h[key]
		return ok
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	default:
		return false
	}
}

// PII regexes, verbatim from the design / original_source evaluator.py.
var (
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePatterns     = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b`),
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`),
		regexp.MustCompile(`\b\d{10}\b`),
		regexp.MustCompile(`\+1\s*\d{3}\s*\d{3}\s*\d{4}`),
	}
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
)

func isEmail(text string) bool      { return emailPattern.MatchString(text) }
func isSSN(text string) bool        { return ssnPattern.MatchString(text) }
func isCreditCard(text string) bool { return creditCardPattern.MatchString(text) }

func isPhone(text string) bool {
	for _, re := range phonePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func containsPII(text string) bool {
	return isEmail(text) || isPhone(text) || isSSN(text) || isCreditCard(text)
}

func (e *Evaluator) registerBuiltins() map[string]func(args []any) (any, error) {
	str1 := func(fn func(string) string) func([]any) (any, error) {
		return func(args []any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return args[0], nil
			}
			return fn(s), nil
		}
	}
	piiCheck := func(fn func(string) bool) func([]any) (any, error) {
		return func(args []any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return false, nil
			}
			return fn(s), nil
		}
	}

	return map[string]func(args []any) (any, error){
		"len": func(args []any) (any, error) { return length(args[0]), nil },
		"lower": str1(strings.ToLower),
		"upper": str1(strings.ToUpper),
		"strip": str1(strings.TrimSpace),
		"split": func(args []any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return []any{}, nil
			}
			sep := " "
			if len(args) > 1 {
				if v, ok := args[1].(string); ok {
					sep = v
				}
			}
			parts := strings.Split(s, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		},
		"join": func(args []any) (any, error) {
			lst, ok := args[0].([]any)
			if !ok {
				return "", nil
			}
			sep := ""
			if len(args) > 1 {
				if v, ok := args[1].(string); ok {
					sep = v
				}
			}
			parts := make([]string, len(lst))
			for i, v := range lst {
				parts[i] = fmt.Sprintf("%v", v)
			}
			return strings.Join(parts, sep), nil
		},
		"type": func(args []any) (any, error) { return goType(args[0]), nil },
		"str":  func(args []any) (any, error) { return fmt.Sprintf("%v", args[0]), nil },
		"int": func(args []any) (any, error) {
			switch v := args[0].(type) {
			case int:
				return v, nil
			case float64:
				return int(v), nil
			case string:
				return strconv.Atoi(v)
			case bool:
				if v {
					return 1, nil
				}
				return 0, nil
			}
			return nil, newError("cannot convert to int")
		},
		"float": func(args []any) (any, error) {
			f, ok := toFloat(args[0])
			if ok {
				return f, nil
			}
			if s, ok := args[0].(string); ok {
				return strconv.ParseFloat(s, 64)
			}
			return nil, newError("cannot convert to float")
		},
		"bool": func(args []any) (any, error) { return toBoolean(args[0]), nil },
		"abs": func(args []any) (any, error) {
			f, ok := toFloat(args[0])
			if !ok {
				return nil, newError("abs requires a number")
			}
			return math.Abs(f), nil
		},
		"min": func(args []any) (any, error) { return minMax(args, false) },
		"max": func(args []any) (any, error) { return minMax(args, true) },
		"sum": func(args []any) (any, error) {
			lst, ok := asList(args[0])
			if !ok {
				return nil, newError("sum requires a list")
			}
			total := 0.0
			for _, v := range lst {
				f, _ := toFloat(v)
				total += f
			}
			return total, nil
		},
		"any": func(args []any) (any, error) {
			lst, _ := asList(args[0])
			for _, v := range lst {
				if toBoolean(v) {
					return true, nil
				}
			}
			return false, nil
		},
		"all": func(args []any) (any, error) {
			lst, _ := asList(args[0])
			for _, v := range lst {
				if !toBoolean(v) {
					return false, nil
				}
			}
			return true, nil
		},
		"sorted": func(args []any) (any, error) {
			lst, ok := asList(args[0])
			if !ok {
				return args[0], nil
			}
			out := append([]any{}, lst...)
			sort.SliceStable(out, func(i, j int) bool {
				fi, iOK := toFloat(out[i])
				fj, jOK := toFloat(out[j])
				if iOK && jOK {
					return fi < fj
				}
				return fmt.Sprintf("%v", out[i]) < fmt.Sprintf("%v", out[j])
			})
			return out, nil
		},
		"reversed": func(args []any) (any, error) {
			lst, ok := asList(args[0])
			if !ok {
				return args[0], nil
			}
			out := make([]any, len(lst))
			for i, v := range lst {
				out[len(lst)-1-i] = v
			}
			return out, nil
		},
		"is_email":       piiCheck(isEmail),
		"is_phone":       piiCheck(isPhone),
		"is_ssn":         piiCheck(isSSN),
		"is_credit_card": piiCheck(isCreditCard),
		"contains_pii":   piiCheck(containsPII),
		"now":            func(args []any) (any, error) { return float64(time.Now().Unix()), nil },
		"today":          func(args []any) (any, error) { return time.Now().UTC().Format("2006-01-02"), nil },
		"uuid":           func(args []any) (any, error) { return uuid.NewString(), nil },
	}
}

func length(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []any:
		return len(x)
	case map[string]any:
		return len(x)
	}
	return 0
}

func goType(v any) string {
	switch v.(type) {
	case string:
		return "str"
	case int, int64:
		return "int"
	case float64:
		return "float"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case nil:
		return "NoneType"
	}
	return fmt.Sprintf("%T", v)
}

func asList(v any) ([]any, bool) {
	lst, ok := v.([]any)
	return lst, ok
}

func minMax(args []any, wantMax bool) (any, error) {
	var values []any
	if len(args) == 1 {
		if lst, ok := asList(args[0]); ok {
			values = lst
		} else {
			values = args
		}
	} else {
		values = args
	}
	if len(values) == 0 {
		return nil, newError("min/max requires at least one value")
	}
	best := values[0]
	bestF, bestOK := toFloat(best)
	for _, v := range values[1:] {
		f, ok := toFloat(v)
		if !ok || !bestOK {
			continue
		}
		if (wantMax && f > bestF) || (!wantMax && f < bestF) {
			best, bestF = v, f
		}
	}
	return best, nil
}
