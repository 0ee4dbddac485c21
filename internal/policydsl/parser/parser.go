// Package parser builds a Policy DSL AST from lexer tokens via recursive
// descent, matching the grammar sketch of the design. Grounded
// line-for-line on original_source/services/policy/src/parser.py: same
// rule hierarchy (or < and < equality < comparison < string-op <
// membership < unary < primary), same error behavior (raise on first
// malformed construct, skip stray tokens inside policy/rule bodies).
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anumate/capcore/internal/policydsl/ast"
	"github.com/anumate/capcore/internal/policydsl/lexer"
)

// Error is a located parse failure.
type Error struct {
	Message string
	Token   lexer.Token
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Token.Line, e.Token.Column, e.Message)
}

// Parser consumes a token stream and produces an *ast.Policy.
type Parser struct {
	tokens []lexer.Token
	pos    int
}

// New returns a Parser over tokens (as produced by lexer.Tokenize).
func New(tokens []lexer.Token) *Parser {
	return &Parser{tokens: tokens}
}

// Parse parses Policy DSL source text end to end.
func Parse(source string) (*ast.Policy, error) {
	tokens, err := lexer.New(source).Tokenize()
	if err != nil {
		return nil, err
	}
	return New(tokens).ParsePolicy()
}

func (p *Parser) current() lexer.Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return lexer.Token{Type: lexer.EOF}
}

func (p *Parser) atEnd() bool {
	return p.pos >= len(p.tokens) || p.current().Type == lexer.EOF
}

func (p *Parser) advance() lexer.Token {
	tok := p.current()
	if !p.atEnd() {
		p.pos++
	}
	return tok
}

func (p *Parser) check(t lexer.TokenType) bool {
	return !p.atEnd() && p.current().Type == t
}

func (p *Parser) checkKeyword(kw string) bool {
	return p.check(lexer.Keyword) && strings.EqualFold(p.current().Value, kw)
}

func (p *Parser) expect(t lexer.TokenType) (lexer.Token, error) {
	if p.check(t) {
		return p.advance(), nil
	}
	return lexer.Token{}, &Error{Message: fmt.Sprintf("expected %s, got %s", t, p.current().Type), Token: p.current()}
}

func (p *Parser) expectKeyword(kw string) (lexer.Token, error) {
	if p.checkKeyword(kw) {
		return p.advance(), nil
	}
	return lexer.Token{}, &Error{Message: fmt.Sprintf("expected keyword %q, got %q", kw, p.current().Value), Token: p.current()}
}

// ParsePolicy parses a complete `policy "name" { ... }` document.
func (p *Parser) ParsePolicy() (*ast.Policy, error) {
	if _, err := p.expectKeyword("policy"); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(lexer.String)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.LBrace); err != nil {
		return nil, err
	}

	policy := &ast.Policy{Name: nameTok.Value, Metadata: map[string]any{}, Line: nameTok.Line, Column: nameTok.Column}

	for !p.check(lexer.RBrace) && !p.atEnd() {
		switch {
		case p.checkKeyword("description"):
			p.advance()
			if _, err := p.expect(lexer.Colon); err != nil {
				return nil, err
			}
			desc, err := p.expect(lexer.String)
			if err != nil {
				return nil, err
			}
			policy.Description = desc.Value
		case p.checkKeyword("rule"):
			rule, err := p.parseRule()
			if err != nil {
				return nil, err
			}
			policy.Rules = append(policy.Rules, rule)
		case p.check(lexer.Identifier):
			keyTok := p.advance()
			if _, err := p.expect(lexer.Colon); err != nil {
				return nil, err
			}
			val, err := p.parseLiteralValue()
			if err != nil {
				return nil, err
			}
			policy.Metadata[keyTok.Value] = val
		default:
			p.advance()
		}
	}

	if _, err := p.expect(lexer.RBrace); err != nil {
		return nil, err
	}
	return policy, nil
}

func (p *Parser) parseRule() (*ast.Rule, error) {
	ruleTok, err := p.expectKeyword("rule")
	if err != nil {
		return nil, err
	}
	nameTok, err := p.expect(lexer.String)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.LBrace); err != nil {
		return nil, err
	}

	rule := &ast.Rule{Name: nameTok.Value, Enabled: true, Line: ruleTok.Line, Column: ruleTok.Column}

	for !p.check(lexer.RBrace) && !p.atEnd() {
		switch {
		case p.checkKeyword("when"):
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			rule.Condition = cond
		case p.checkKeyword("then"):
			actions, err := p.parseActions()
			if err != nil {
				return nil, err
			}
			rule.Actions = append(rule.Actions, actions...)
		case p.checkKeyword("priority"):
			p.advance()
			if _, err := p.expect(lexer.Colon); err != nil {
				return nil, err
			}
			numTok, err := p.expect(lexer.Number)
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(numTok.Value)
			if err != nil {
				return nil, &Error{Message: "invalid priority: " + numTok.Value, Token: numTok}
			}
			rule.Priority = n
		case p.checkKeyword("enabled"):
			p.advance()
			if _, err := p.expect(lexer.Colon); err != nil {
				return nil, err
			}
			boolTok, err := p.expect(lexer.Boolean)
			if err != nil {
				return nil, err
			}
			rule.Enabled = strings.EqualFold(boolTok.Value, "true")
		default:
			p.advance()
		}
	}

	if _, err := p.expect(lexer.RBrace); err != nil {
		return nil, err
	}
	if rule.Condition == nil {
		return nil, &Error{Message: "rule must have a 'when' condition", Token: ruleTok}
	}
	if len(rule.Actions) == 0 {
		return nil, &Error{Message: "rule must have at least one 'then' action", Token: ruleTok}
	}
	return rule, nil
}

func (p *Parser) parseCondition() (*ast.Condition, error) {
	whenTok, err := p.expectKeyword("when")
	if err != nil {
		return nil, err
	}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	return &ast.Condition{Expression: expr, Line: whenTok.Line, Column: whenTok.Column}, nil
}

var actionKeywords = []string{"log", "alert", "allow", "deny", "redact", "require_approval"}

func (p *Parser) isActionKeyword() bool {
	for _, kw := range actionKeywords {
		if p.checkKeyword(kw) {
			return true
		}
	}
	return false
}

func (p *Parser) parseActions() ([]*ast.Action, error) {
	if _, err := p.expectKeyword("then"); err != nil {
		return nil, err
	}
	var actions []*ast.Action
	if p.check(lexer.LBrace) {
		p.advance()
		for !p.check(lexer.RBrace) && !p.atEnd() {
			if p.isActionKeyword() {
				a, err := p.parseAction()
				if err != nil {
					return nil, err
				}
				actions = append(actions, a)
			} else {
				p.advance()
			}
		}
		if _, err := p.expect(lexer.RBrace); err != nil {
			return nil, err
		}
	} else {
		a, err := p.parseAction()
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (p *Parser) parseAction() (*ast.Action, error) {
	tok := p.current()
	var actionType ast.ActionType
	switch {
	case p.checkKeyword("allow"):
		actionType = ast.ActionAllow
	case p.checkKeyword("deny"):
		actionType = ast.ActionDeny
	case p.checkKeyword("redact"):
		actionType = ast.ActionRedact
	case p.checkKeyword("log"):
		actionType = ast.ActionLog
	case p.checkKeyword("alert"):
		actionType = ast.ActionAlert
	case p.checkKeyword("require_approval"):
		actionType = ast.ActionRequireApproval
	default:
		return nil, &Error{Message: "expected action type, got " + tok.Value, Token: tok}
	}
	p.advance()

	params := map[string]any{}
	if p.check(lexer.LParen) {
		var err error
		params, err = p.parseActionParameters()
		if err != nil {
			return nil, err
		}
	}
	return &ast.Action{Type: actionType, Parameters: params, Line: tok.Line, Column: tok.Column}, nil
}

func (p *Parser) parseActionParameters() (map[string]any, error) {
	if _, err := p.expect(lexer.LParen); err != nil {
		return nil, err
	}
	params := map[string]any{}
	for !p.check(lexer.RParen) && !p.atEnd() {
		keyTok, err := p.expect(lexer.Identifier)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.Assign); err != nil {
			return nil, err
		}
		val, err := p.parseLiteralValue()
		if err != nil {
			return nil, err
		}
		params[keyTok.Value] = val
		if p.check(lexer.Comma) {
			p.advance()
		}
	}
	if _, err := p.expect(lexer.RParen); err != nil {
		return nil, err
	}
	return params, nil
}

// Expression grammar, precedence lowest to highest:
// or < and < equality < comparison < string-op < membership < unary < primary.

func (p *Parser) parseExpression() (ast.Expr, error) {
	return p.parseOr()
}

func (p *Parser) parseOr() (ast.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.Or) {
		op := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op.Line, op.Column, left, ast.OpOr, right)
	}
	return left, nil
}

func (p *Parser) parseAnd() (ast.Expr, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.And) {
		op := p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op.Line, op.Column, left, ast.OpAnd, right)
	}
	return left, nil
}

func (p *Parser) parseEquality() (ast.Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.Equals) || p.check(lexer.NotEquals) {
		op := p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		opKind := ast.OpEquals
		if op.Type == lexer.NotEquals {
			opKind = ast.OpNotEquals
		}
		left = ast.NewBinary(op.Line, op.Column, left, opKind, right)
	}
	return left, nil
}

var comparisonOps = map[lexer.TokenType]ast.Operator{
	lexer.GreaterThan:  ast.OpGreaterThan,
	lexer.LessThan:     ast.OpLessThan,
	lexer.GreaterEqual: ast.OpGreaterEqual,
	lexer.LessEqual:    ast.OpLessEqual,
}

func (p *Parser) parseComparison() (ast.Expr, error) {
	left, err := p.parseStringOp()
	if err != nil {
		return nil, err
	}
	for {
		opKind, ok := comparisonOps[p.current().Type]
		if !ok {
			break
		}
		op := p.advance()
		right, err := p.parseStringOp()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op.Line, op.Column, left, opKind, right)
	}
	return left, nil
}

var stringOps = map[lexer.TokenType]ast.Operator{
	lexer.Contains:   ast.OpContains,
	lexer.Matches:    ast.OpMatches,
	lexer.StartsWith: ast.OpStartsWith,
	lexer.EndsWith:   ast.OpEndsWith,
}

func (p *Parser) parseStringOp() (ast.Expr, error) {
	left, err := p.parseMembership()
	if err != nil {
		return nil, err
	}
	for {
		opKind, ok := stringOps[p.current().Type]
		if !ok {
			break
		}
		op := p.advance()
		right, err := p.parseMembership()
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(op.Line, op.Column, left, opKind, right)
	}
	return left, nil
}

func (p *Parser) parseMembership() (ast.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.check(lexer.In) || p.check(lexer.NotIn) {
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		opKind := ast.OpIn
		if op.Type == lexer.NotIn {
			opKind = ast.OpNotIn
		}
		left = ast.NewBinary(op.Line, op.Column, left, opKind, right)
	}
	return left, nil
}

func (p *Parser) parseUnary() (ast.Expr, error) {
	if p.check(lexer.Not) {
		op := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return ast.NewUnary(op.Line, op.Column, ast.OpNot, operand), nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	tok := p.current()
	switch tok.Type {
	case lexer.String, lexer.Number, lexer.Boolean, lexer.Null:
		return p.parseLiteral()
	case lexer.Identifier:
		return p.parseIdentifierOrCall()
	case lexer.LBracket:
		return p.parseList()
	case lexer.LBrace:
		return p.parseDict()
	case lexer.LParen:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RParen); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return nil, &Error{Message: "unexpected token: " + tok.Value, Token: tok}
}

func (p *Parser) parseLiteral() (*ast.Literal, error) {
	tok := p.advance()
	switch tok.Type {
	case lexer.String:
		return ast.NewLiteral(tok.Line, tok.Column, tok.Value, "string"), nil
	case lexer.Number:
		if strings.Contains(tok.Value, ".") {
			f, err := strconv.ParseFloat(tok.Value, 64)
			if err != nil {
				return nil, &Error{Message: "invalid number: " + tok.Value, Token: tok}
			}
			return ast.NewLiteral(tok.Line, tok.Column, f, "float"), nil
		}
		n, err := strconv.Atoi(tok.Value)
		if err != nil {
			return nil, &Error{Message: "invalid number: " + tok.Value, Token: tok}
		}
		return ast.NewLiteral(tok.Line, tok.Column, n, "int"), nil
	case lexer.Boolean:
		return ast.NewLiteral(tok.Line, tok.Column, strings.EqualFold(tok.Value, "true"), "boolean"), nil
	case lexer.Null:
		return ast.NewLiteral(tok.Line, tok.Column, nil, "null"), nil
	}
	return nil, &Error{Message: "invalid literal: " + tok.Value, Token: tok}
}

func (p *Parser) parseIdentifierOrCall() (ast.Expr, error) {
	nameTok, err := p.expect(lexer.Identifier)
	if err != nil {
		return nil, err
	}
	if p.check(lexer.LParen) {
		return p.parseFunctionCall(nameTok)
	}
	path := []string{}
	for p.check(lexer.Dot) {
		p.advance()
		fieldTok, err := p.expect(lexer.Identifier)
		if err != nil {
			return nil, err
		}
		path = append(path, fieldTok.Value)
	}
	return ast.NewIdentifier(nameTok.Line, nameTok.Column, nameTok.Value, path), nil
}

func (p *Parser) parseFunctionCall(nameTok lexer.Token) (*ast.FunctionCall, error) {
	if _, err := p.expect(lexer.LParen); err != nil {
		return nil, err
	}
	var args []ast.Expr
	for !p.check(lexer.RParen) && !p.atEnd() {
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.check(lexer.Comma) {
			p.advance()
		}
	}
	if _, err := p.expect(lexer.RParen); err != nil {
		return nil, err
	}
	return ast.NewFunctionCall(nameTok.Line, nameTok.Column, nameTok.Value, args), nil
}

func (p *Parser) parseList() (*ast.List, error) {
	bracketTok, err := p.expect(lexer.LBracket)
	if err != nil {
		return nil, err
	}
	var elements []ast.Expr
	for !p.check(lexer.RBracket) && !p.atEnd() {
		el, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		elements = append(elements, el)
		if p.check(lexer.Comma) {
			p.advance()
		}
	}
	if _, err := p.expect(lexer.RBracket); err != nil {
		return nil, err
	}
	return ast.NewList(bracketTok.Line, bracketTok.Column, elements), nil
}

func (p *Parser) parseDict() (*ast.Dict, error) {
	braceTok, err := p.expect(lexer.LBrace)
	if err != nil {
		return nil, err
	}
	var pairs []ast.DictPair
	for !p.check(lexer.RBrace) && !p.atEnd() {
		key, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.Colon); err != nil {
			return nil, err
		}
		val, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, ast.DictPair{Key: key, Value: val})
		if p.check(lexer.Comma) {
			p.advance()
		}
	}
	if _, err := p.expect(lexer.RBrace); err != nil {
		return nil, err
	}
	return ast.NewDict(braceTok.Line, braceTok.Column, pairs), nil
}

// parseLiteralValue parses a bare literal (used for metadata and action
// parameter values), returning its native Go value rather than an AST node.
func (p *Parser) parseLiteralValue() (any, error) {
	switch {
	case p.check(lexer.String):
		return p.advance().Value, nil
	case p.check(lexer.Number):
		tok := p.advance()
		if strings.Contains(tok.Value, ".") {
			return strconv.ParseFloat(tok.Value, 64)
		}
		return strconv.Atoi(tok.Value)
	case p.check(lexer.Boolean):
		return strings.EqualFold(p.advance().Value, "true"), nil
	case p.check(lexer.Null):
		p.advance()
		return nil, nil
	case p.check(lexer.LBracket):
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		out := make([]any, len(list.Elements))
		for i, el := range list.Elements {
			out[i] = literalExprValue(el)
		}
		return out, nil
	}
	return nil, &Error{Message: "expected literal value, got " + p.current().Value, Token: p.current()}
}

func literalExprValue(e ast.Expr) any {
	switch v := e.(type) {
	case *ast.Literal:
		return v.Value
	case *ast.List:
		out := make([]any, len(v.Elements))
		for i, el := range v.Elements {
			out[i] = literalExprValue(el)
		}
		return out
	default:
		return fmt.Sprintf("%v", e)
	}
}
