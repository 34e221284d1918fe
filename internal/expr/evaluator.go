// Package expr implements the sandboxed expression language used for flow
// conditions, script tasks and ${var} interpolation. The grammar is a strict
// subset: comparisons, boolean and/or/not, numeric arithmetic, string and
// list literals, dotted variable paths, and a fixed set of safe functions
// (len, sum, all, any). Anything else is rejected at parse time.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the evaluation namespace. Values are JSON-compatible:
// nil, bool, float64, int, string, []interface{}, map[string]interface{}.
type Context map[string]interface{}

// Evaluate evaluates a condition expression to a boolean. Bare identifiers
// resolve from the context; a missing variable is nil, which is falsy.
func Evaluate(src string, ctx Context) (bool, error) {
	v, err := Eval(src, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Eval evaluates a single expression and returns its value.
func Eval(src string, ctx Context) (interface{}, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q", p.peek().text)
	}
	return node.eval(ctx)
}

// RunScript executes a script: statements separated by newlines or
// semicolons, each either an assignment (name = expr) or an expression.
// Assignments mutate ctx. The value of the last expression (or the last
// assigned value) is returned.
func RunScript(src string, ctx Context) (interface{}, error) {
	var last interface{}
	for _, line := range splitStatements(src) {
		p, err := newParser(line)
		if err != nil {
			return nil, err
		}
		// Assignment: IDENT '=' expr with '=' not part of '=='.
		if name, ok := p.peekAssignTarget(); ok {
			p.next() // ident
			p.next() // '='
			node, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if p.peek().kind != tokEOF {
				return nil, fmt.Errorf("unexpected %q", p.peek().text)
			}
			v, err := node.eval(ctx)
			if err != nil {
				return nil, err
			}
			ctx[name] = v
			last = v
			continue
		}
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokEOF {
			return nil, fmt.Errorf("unexpected %q", p.peek().text)
		}
		v, err := node.eval(ctx)
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}

func splitStatements(src string) []string {
	var out []string
	for _, chunk := range strings.FieldsFunc(src, func(r rune) bool { return r == '\n' || r == ';' }) {
		s := strings.TrimSpace(chunk)
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Truthy applies the language's truthiness: nil and zero values are false,
// non-empty strings other than "false"/"no" are true.
func Truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "no", "0":
			return false
		}
		return true
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}
	return true
}

// Resolve looks up a dotted path in the context.
func Resolve(path string, ctx Context) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(ctx)
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if c, ok2 := cur.(Context); ok2 {
				m = map[string]interface{}(c)
			} else {
				return nil, false
			}
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ---- lexer ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokVar // ${path}
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '$' && i+1 < len(src) && src[i+1] == '{':
			end := strings.IndexByte(src[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated ${")
			}
			toks = append(toks, token{tokVar, strings.TrimSpace(src[i+2 : i+end])})
			i += end + 1
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && (isIdentStart(src[j]) || src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "+", "-", "*", "/", "%", "!", "="} {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += len(op)
					goto next
				}
			}
			return nil, fmt.Errorf("unexpected character %q", string(c))
		next:
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

// ---- parser ----

type parser struct {
	toks []token
	pos  int
}

func newParser(src string) (*parser, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks}, nil
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return token{tokEOF, ""}
	}
	return p.toks[p.pos+n]
}

// peekAssignTarget reports whether the statement starts with `ident =` where
// '=' is plain assignment.
func (p *parser) peekAssignTarget() (string, bool) {
	if p.peek().kind == tokIdent && p.peekAt(1).kind == tokOp && p.peekAt(1).text == "=" {
		return p.peek().text, true
	}
	return "", false
}

type node interface {
	eval(ctx Context) (interface{}, error)
}

type litNode struct{ v interface{} }

func (n litNode) eval(Context) (interface{}, error) { return n.v, nil }

type varNode struct{ path string }

func (n varNode) eval(ctx Context) (interface{}, error) {
	switch n.path {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil", "none":
		return nil, nil
	}
	v, _ := Resolve(n.path, ctx)
	return v, nil
}

type listNode struct{ items []node }

func (n listNode) eval(ctx Context) (interface{}, error) {
	out := make([]interface{}, 0, len(n.items))
	for _, it := range n.items {
		v, err := it.eval(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type unaryNode struct {
	op    string
	child node
}

func (n unaryNode) eval(ctx Context) (interface{}, error) {
	v, err := n.child.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not", "!":
		return !Truthy(v), nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n binaryNode) eval(ctx Context) (interface{}, error) {
	// Short-circuit boolean operators.
	switch n.op {
	case "and", "&&":
		l, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "or", "||":
		l, err := n.left.eval(ctx)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(ctx)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<", "<=", ">", ">=":
		lf, lok := toNumber(l)
		rf, rok := toNumber(r)
		if lok && rok {
			switch n.op {
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
		ls, lsok := l.(string)
		rs, rsok := r.(string)
		if lsok && rsok {
			switch n.op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("cannot compare %T and %T", l, r)
	case "+":
		if ls, ok := l.(string); ok {
			return ls + Stringify(r), nil
		}
		if _, ok := r.(string); ok {
			return Stringify(l) + r.(string), nil
		}
		return arith(l, r, n.op)
	case "-", "*", "/", "%":
		return arith(l, r, n.op)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func arith(l, r interface{}, op string) (interface{}, error) {
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("non-numeric operand for %q", op)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

type callNode struct {
	name string
	args []node
}

func (n callNode) eval(ctx Context) (interface{}, error) {
	args := make([]interface{}, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch n.name {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len takes one argument")
		}
		switch x := args[0].(type) {
		case string:
			return float64(len(x)), nil
		case []interface{}:
			return float64(len(x)), nil
		case map[string]interface{}:
			return float64(len(x)), nil
		case nil:
			return float64(0), nil
		}
		return nil, fmt.Errorf("len: unsupported type %T", args[0])
	case "sum":
		items, err := argList(args, "sum")
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, it := range items {
			f, ok := toNumber(it)
			if !ok {
				return nil, fmt.Errorf("sum: non-numeric element %v", it)
			}
			total += f
		}
		return total, nil
	case "all":
		items, err := argList(args, "all")
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if !Truthy(it) {
				return false, nil
			}
		}
		return true, nil
	case "any":
		items, err := argList(args, "any")
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if Truthy(it) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}

func argList(args []interface{}, fn string) ([]interface{}, error) {
	if len(args) == 1 {
		if l, ok := args[0].([]interface{}); ok {
			return l, nil
		}
		return nil, fmt.Errorf("%s takes a list", fn)
	}
	return args, nil
}

// Grammar, lowest to highest precedence:
//   expr    := orExpr
//   orExpr  := andExpr ( ("or"|"||") andExpr )*
//   andExpr := notExpr ( ("and"|"&&") notExpr )*
//   notExpr := ("not"|"!") notExpr | cmpExpr
//   cmpExpr := addExpr ( cmpOp addExpr )?
//   addExpr := mulExpr ( ("+"|"-") mulExpr )*
//   mulExpr := unary ( ("*"|"/"|"%") unary )*
//   unary   := "-" unary | primary
//   primary := number | string | list | "(" expr ")" | call | var | ident

func (p *parser) parseExpr() (node, error) { return p.parseOr() }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchWord("or") || p.matchOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{"or", left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchWord("and") || p.matchOp("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{"and", left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.matchWord("not") || p.matchOp("!") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{"not", child}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.matchOp(op) {
			right, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			return binaryNode{op, left, right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdd() (node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.matchOp("+"):
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			left = binaryNode{"+", left, right}
		case p.matchOp("-"):
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			left = binaryNode{"-", left, right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMul() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.matchOp("*"):
			op = "*"
		case p.matchOp("/"):
			op = "/"
		case p.matchOp("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op, left, right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.matchOp("-") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{"-", child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return litNode{f}, nil
	case tokString:
		p.next()
		return litNode{t.text}, nil
	case tokVar:
		p.next()
		return varNode{t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected )")
		}
		p.next()
		return inner, nil
	case tokLBracket:
		p.next()
		var items []node
		for p.peek().kind != tokRBracket {
			it, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			items = append(items, it)
			if p.peek().kind == tokComma {
				p.next()
			}
		}
		p.next()
		return listNode{items}, nil
	case tokIdent:
		p.next()
		if p.peek().kind == tokLParen {
			p.next()
			var args []node
			for p.peek().kind != tokRParen {
				a, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.peek().kind == tokComma {
					p.next()
				}
			}
			if p.peek().kind != tokRParen {
				return nil, fmt.Errorf("expected )")
			}
			p.next()
			return callNode{t.text, args}, nil
		}
		return varNode{t.text}, nil
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

func (p *parser) matchOp(op string) bool {
	if p.peek().kind == tokOp && p.peek().text == op {
		p.next()
		return true
	}
	return false
}

func (p *parser) matchWord(word string) bool {
	if p.peek().kind == tokIdent && p.peek().text == word {
		p.next()
		return true
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func looseEqual(l, r interface{}) bool {
	if l == nil && r == nil {
		return true
	}
	if lf, ok := toNumber(l); ok {
		if rf, ok2 := toNumber(r); ok2 {
			return lf == rf
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls == rs
	}
	lb, lbok := l.(bool)
	rb, rbok := r.(bool)
	if lbok && rbok {
		return lb == rb
	}
	return false
}

// Stringify renders a value for interpolation: nil becomes empty, floats
// drop a trailing .0 so integers read naturally.
func Stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
