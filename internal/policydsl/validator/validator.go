// Package validator checks a Policy DSL AST for syntax, semantic, and
// best-practice issues (the design's Validator paragraph). Grounded
// line-for-line on original_source/services/policy/src/validator.py:
// same checks, same severities, same unused-identifier pass.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/anumate/capcore/internal/policydsl/ast"
)

// Level is a validation issue's severity.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Issue is one validation finding.
type Issue struct {
	Level    Level
	Message  string
	Line     int
	Column   int
	RuleName string
}

func (i Issue) String() string {
	location := "unknown"
	if i.Line > 0 {
		location = fmt.Sprintf("%d:%d", i.Line, i.Column)
	}
	ruleInfo := ""
	if i.RuleName != "" {
		ruleInfo = fmt.Sprintf(" in rule %q", i.RuleName)
	}
	return fmt.Sprintf("%s at %s%s: %s", strings.ToUpper(string(i.Level)), location, ruleInfo, i.Message)
}

// Result is the outcome of validating a policy.
type Result struct {
	Valid  bool
	Issues []Issue
}

// Errors returns only error-level issues.
func (r Result) Errors() []Issue { return r.filter(LevelError) }

// Warnings returns only warning-level issues.
func (r Result) Warnings() []Issue { return r.filter(LevelWarning) }

// Infos returns only info-level issues.
func (r Result) Infos() []Issue { return r.filter(LevelInfo) }

func (r Result) filter(level Level) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Level == level {
			out = append(out, i)
		}
	}
	return out
}

var builtinFunctions = map[string]struct{}{
	"len": {}, "lower": {}, "upper": {}, "strip": {}, "split": {}, "join": {}, "type": {},
	"str": {}, "int": {}, "float": {}, "bool": {}, "abs": {}, "min": {}, "max": {}, "sum": {},
	"any": {}, "all": {}, "sorted": {}, "reversed": {}, "is_email": {}, "is_phone": {},
	"is_ssn": {}, "is_credit_card": {}, "contains_pii": {}, "now": {}, "today": {}, "uuid": {},
}

// functionArgCounts lists exact expected argument counts for built-ins
// whose arity is fixed (the variadic ones — join, split, min, max, sum,
// any, all, sorted, reversed — are intentionally absent).
var functionArgCounts = map[string]int{
	"len": 1, "lower": 1, "upper": 1, "strip": 1, "type": 1, "str": 1, "int": 1,
	"float": 1, "bool": 1, "abs": 1, "is_email": 1, "is_phone": 1, "is_ssn": 1,
	"is_credit_card": 1, "contains_pii": 1, "now": 0, "today": 0, "uuid": 0,
}

var piiFieldNames = map[string]struct{}{
	"email": {}, "phone": {}, "ssn": {}, "social_security_number": {}, "credit_card": {}, "password": {},
}

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warning": {}, "error": {}, "critical": {},
}

var validAlertSeverities = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "critical": {},
}

var piiLookalikePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
}

// Validator walks a *ast.Policy accumulating Issues.
type Validator struct {
	issues             []Issue
	currentRule        string
	declaredIdentifiers map[string]struct{}
	usedIdentifiers     map[string]struct{}
}

// New returns a fresh Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks policy and returns a Result summarizing every issue found.
func (v *Validator) Validate(policy *ast.Policy) Result {
	v.issues = nil
	v.currentRule = ""
	v.declaredIdentifiers = map[string]struct{}{}
	v.usedIdentifiers = map[string]struct{}{}

	v.validatePolicy(policy)

	for name := range v.declaredIdentifiers {
		if _, used := v.usedIdentifiers[name]; !used {
			v.addWarning(fmt.Sprintf("identifier %q is declared but never used", name), 0, 0)
		}
	}

	hasErrors := false
	for _, i := range v.issues {
		if i.Level == LevelError {
			hasErrors = true
			break
		}
	}

	return Result{Valid: !hasErrors, Issues: v.issues}
}

func (v *Validator) validatePolicy(policy *ast.Policy) {
	if strings.TrimSpace(policy.Name) == "" {
		v.addError("policy must have a non-empty name", policy.Line, policy.Column)
	}

	counts := map[string]int{}
	for _, r := range policy.Rules {
		counts[r.Name]++
	}
	seen := map[string]bool{}
	for _, r := range policy.Rules {
		if counts[r.Name] > 1 && !seen[r.Name] {
			v.addError(fmt.Sprintf("duplicate rule name: %q", r.Name), policy.Line, policy.Column)
			seen[r.Name] = true
		}
	}

	for _, r := range policy.Rules {
		v.validateRule(r)
	}

	if len(policy.Rules) == 0 {
		v.addWarning("policy has no rules", policy.Line, policy.Column)
	}

	v.validateMetadata(policy.Metadata, policy.Line, policy.Column)
}

func (v *Validator) validateRule(rule *ast.Rule) {
	v.currentRule = rule.Name

	if strings.TrimSpace(rule.Name) == "" {
		v.addError("rule must have a non-empty name", rule.Line, rule.Column)
	}

	if rule.Condition != nil {
		v.validateCondition(rule.Condition)
	} else {
		v.addError("rule must have a condition", rule.Line, rule.Column)
	}

	if len(rule.Actions) == 0 {
		v.addError("rule must have at least one action", rule.Line, rule.Column)
	} else {
		for _, a := range rule.Actions {
			v.validateAction(a)
		}
	}

	if rule.Priority < 0 || rule.Priority > 1000 {
		v.addWarning(fmt.Sprintf("rule priority %d is outside recommended range (0-1000)", rule.Priority), rule.Line, rule.Column)
	}

	v.currentRule = ""
}

func (v *Validator) validateCondition(cond *ast.Condition) {
	if cond.Expression != nil {
		v.validateExpr(cond.Expression)
	} else {
		v.addError("condition must have an expression", cond.Line, cond.Column)
	}
}

func (v *Validator) validateAction(action *ast.Action) {
	switch action.Type {
	case ast.ActionRedact:
		v.validateRedactAction(action)
	case ast.ActionLog:
		v.validateLogAction(action)
	case ast.ActionAlert:
		v.validateAlertAction(action)
	case ast.ActionRequireApproval:
		v.validateApprovalAction(action)
	}
}

func (v *Validator) validateRedactAction(action *ast.Action) {
	_, hasField := action.Parameters["field"]
	_, hasPattern := action.Parameters["pattern"]
	if !hasField && !hasPattern {
		v.addError("redact action must specify either 'field' or 'pattern'", action.Line, action.Column)
	}
	if replacement, ok := action.Parameters["replacement"]; ok {
		if _, isString := replacement.(string); !isString {
			v.addError("redact replacement must be a string", action.Line, action.Column)
		}
	}
}

func (v *Validator) validateLogAction(action *ast.Action) {
	level, ok := action.Parameters["level"]
	if !ok {
		return
	}
	levelStr, _ := level.(string)
	if _, valid := validLogLevels[levelStr]; !valid {
		v.addError(fmt.Sprintf("invalid log level %q, must be one of: debug, info, warning, error, critical", levelStr), action.Line, action.Column)
	}
}

func (v *Validator) validateAlertAction(action *ast.Action) {
	if _, ok := action.Parameters["message"]; !ok {
		v.addError("alert action must have a 'message' parameter", action.Line, action.Column)
	}
	if severity, ok := action.Parameters["severity"]; ok {
		sev, _ := severity.(string)
		if _, valid := validAlertSeverities[sev]; !valid {
			v.addError(fmt.Sprintf("invalid alert severity %q, must be one of: low, medium, high, critical", sev), action.Line, action.Column)
		}
	}
}

func (v *Validator) validateApprovalAction(action *ast.Action) {
	approvers, ok := action.Parameters["approvers"]
	if !ok {
		v.addError("approval action must specify 'approvers'", action.Line, action.Column)
		return
	}
	list, isList := approvers.([]any)
	if !isList || len(list) == 0 {
		v.addError("approvers must be a non-empty list", action.Line, action.Column)
	}
}

func (v *Validator) validateExpr(expr ast.Expr) {
	switch e := expr.(type) {
	case *ast.Binary:
		v.validateBinary(e)
	case *ast.Unary:
		v.validateUnary(e)
	case *ast.Identifier:
		v.validateIdentifier(e)
	case *ast.FunctionCall:
		v.validateFunctionCall(e)
	case *ast.List:
		v.validateList(e)
	case *ast.Dict:
		v.validateDict(e)
	case *ast.Literal:
		v.validateLiteral(e)
	}
}

func (v *Validator) validateBinary(expr *ast.Binary) {
	v.validateExpr(expr.Left)
	v.validateExpr(expr.Right)
	v.checkOperatorCompatibility(expr)
}

func (v *Validator) validateUnary(expr *ast.Unary) {
	v.validateExpr(expr.Operand)
	if expr.Operator != ast.OpNot {
		v.addError(fmt.Sprintf("unknown unary operator: %s", expr.Operator), expr.Line, expr.Column)
	}
}

func (v *Validator) validateIdentifier(id *ast.Identifier) {
	v.usedIdentifiers[id.Name] = struct{}{}

	if _, isPII := piiFieldNames[strings.ToLower(id.Name)]; isPII {
		v.addInfo(fmt.Sprintf("identifier %q may contain PII - consider redaction policies", id.Name), id.Line, id.Column)
	}

	if len(id.Path) > 3 {
		v.addWarning(fmt.Sprintf("deep field access '%s.%s' may be fragile", id.Name, strings.Join(id.Path, ".")), id.Line, id.Column)
	}
}

func (v *Validator) validateFunctionCall(fc *ast.FunctionCall) {
	if _, known := builtinFunctions[fc.Name]; !known {
		v.addError(fmt.Sprintf("unknown function: %q", fc.Name), fc.Line, fc.Column)
	}
	for _, arg := range fc.Arguments {
		v.validateExpr(arg)
	}
	if expected, hasFixedArity := functionArgCounts[fc.Name]; hasFixedArity {
		if len(fc.Arguments) != expected {
			v.addError(fmt.Sprintf("function %q expects %d arguments, got %d", fc.Name, expected, len(fc.Arguments)), fc.Line, fc.Column)
		}
	}
}

func (v *Validator) validateList(list *ast.List) {
	for _, el := range list.Elements {
		v.validateExpr(el)
	}
	if len(list.Elements) > 100 {
		v.addWarning(fmt.Sprintf("large list with %d elements may impact performance", len(list.Elements)), list.Line, list.Column)
	}
}

func (v *Validator) validateDict(dict *ast.Dict) {
	var keys []any
	for _, pair := range dict.Pairs {
		v.validateExpr(pair.Key)
		v.validateExpr(pair.Value)
		if lit, ok := pair.Key.(*ast.Literal); ok {
			duplicate := false
			for _, k := range keys {
				if k == lit.Value {
					duplicate = true
					break
				}
			}
			if duplicate {
				v.addError(fmt.Sprintf("duplicate key in dictionary: %v", lit.Value), dict.Line, dict.Column)
			}
			keys = append(keys, lit.Value)
		}
	}
}

func (v *Validator) validateLiteral(lit *ast.Literal) {
	if lit.DataType != "string" {
		return
	}
	s, ok := lit.Value.(string)
	if !ok {
		return
	}
	if looksLikePII(s) {
		preview := s
		if len(preview) > 20 {
			preview = preview[:20]
		}
		v.addWarning(fmt.Sprintf("string literal may contain PII: '%s...'", preview), lit.Line, lit.Column)
	}
}

func (v *Validator) validateMetadata(metadata map[string]any, line, col int) {
	recommended := []string{"version", "author", "description", "tags"}
	var missing []string
	for _, field := range recommended {
		if _, ok := metadata[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		v.addInfo(fmt.Sprintf("consider adding metadata fields: %s", strings.Join(missing, ", ")), line, col)
	}

	if version, ok := metadata["version"]; ok {
		s, isString := version.(string)
		if !isString || strings.TrimSpace(s) == "" {
			v.addWarning("version should be a non-empty string", line, col)
		}
	}
}

func (v *Validator) checkOperatorCompatibility(expr *ast.Binary) {
	switch expr.Operator {
	case ast.OpContains, ast.OpMatches, ast.OpStartsWith, ast.OpEndsWith:
		if lit, ok := expr.Left.(*ast.Literal); ok && lit.DataType != "string" {
			v.addWarning(fmt.Sprintf("string operator %q used with non-string operand", expr.Operator), expr.Line, expr.Column)
		}
	case ast.OpGreaterThan, ast.OpLessThan, ast.OpGreaterEqual, ast.OpLessEqual:
		left, leftOK := expr.Left.(*ast.Literal)
		right, rightOK := expr.Right.(*ast.Literal)
		if leftOK && rightOK &&
			(left.DataType == "int" || left.DataType == "float") &&
			right.DataType == "string" {
			v.addWarning("comparing number with string may not work as expected", expr.Line, expr.Column)
		}
	}
}

func looksLikePII(text string) bool {
	for _, re := range piiLookalikePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (v *Validator) addError(message string, line, col int) {
	v.issues = append(v.issues, Issue{Level: LevelError, Message: message, Line: line, Column: col, RuleName: v.currentRule})
}

func (v *Validator) addWarning(message string, line, col int) {
	v.issues = append(v.issues, Issue{Level: LevelWarning, Message: message, Line: line, Column: col, RuleName: v.currentRule})
}

func (v *Validator) addInfo(message string, line, col int) {
	v.issues = append(v.issues, Issue{Level: LevelInfo, Message: message, Line: line, Column: col, RuleName: v.currentRule})
}
