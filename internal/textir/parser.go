package textir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
)

type Parser struct {
	lx  *Lexer
	tok Token
}

// procDecl is the parsed shape of a procedure before block names are
// resolved. Blocks can name successors declared later, so construction of the
// ir.Proc is a second phase.
type procDecl struct {
	name    string
	spReg   int
	locals  []localDecl
	escapes []exp.Exp
	blocks  []blockDecl
}

type localDecl struct {
	name string
	e    exp.Exp
}

type blockDecl struct {
	name  string
	succs []string
	stmts []stmtDecl
}

type stmtDecl interface{ stmtDecl() }

type assignDecl struct {
	lhs, rhs exp.Exp
}

type callDecl struct {
	callee    string
	childless bool
	defines   []exp.Exp
	args      []exp.Exp
}

type retDecl struct {
	vals []exp.Exp
}

type branchDecl struct {
	cond exp.Exp
	t, f string
}

type gotoDecl struct {
	target string
}

func (assignDecl) stmtDecl() {}
func (callDecl) stmtDecl()   {}
func (retDecl) stmtDecl()    {}
func (branchDecl) stmtDecl() {}
func (gotoDecl) stmtDecl()   {}

// ParseProc reads one procedure from src and builds its CFG.
func ParseProc(src string) (*ir.Proc, error) {
	p := &Parser{lx: NewLexer(src)}
	p.next()
	decl, err := p.parseProc()
	if err != nil {
		return nil, err
	}
	if p.tok.Type != EOF {
		return nil, p.errorf("trailing input after procedure")
	}
	return buildProc(decl)
}

func (p *Parser) next() { p.tok = p.lx.Next() }

func (p *Parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s at %d:%d", fmt.Sprintf(format, args...), p.tok.Line, p.tok.Col)
}

func (p *Parser) expect(tt TokenType) (Token, error) {
	if p.tok.Type != tt {
		return Token{}, p.errorf("expected token %d, got %q", tt, p.tok.Lex)
	}
	t := p.tok
	p.next()
	return t, nil
}

func (p *Parser) parseProc() (*procDecl, error) {
	if _, err := p.expect(KW_PROC); err != nil {
		return nil, err
	}
	nameTok, err := p.expect(IDENT)
	if err != nil {
		return nil, err
	}
	decl := &procDecl{name: nameTok.Lex}
	if p.tok.Type == KW_SP {
		p.next()
		spTok, err := p.expect(INT)
		if err != nil {
			return nil, err
		}
		decl.spReg, _ = strconv.Atoi(spTok.Lex)
	}
	if _, err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	for p.tok.Type != RBRACE && p.tok.Type != EOF {
		switch p.tok.Type {
		case KW_LOCAL:
			p.next()
			nameTok, err := p.expect(IDENT)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(EQ); err != nil {
				return nil, err
			}
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(SEMI); err != nil {
				return nil, err
			}
			decl.locals = append(decl.locals, localDecl{name: nameTok.Lex, e: e})
		case KW_ESCAPE:
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(SEMI); err != nil {
				return nil, err
			}
			decl.escapes = append(decl.escapes, e)
		case KW_BLOCK:
			b, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			decl.blocks = append(decl.blocks, b)
		default:
			return nil, p.errorf("unexpected %q in procedure body", p.tok.Lex)
		}
	}
	if _, err := p.expect(RBRACE); err != nil {
		return nil, err
	}
	if len(decl.blocks) == 0 {
		return nil, fmt.Errorf("procedure %s has no blocks", decl.name)
	}
	return decl, nil
}

func (p *Parser) parseBlock() (blockDecl, error) {
	var b blockDecl
	if _, err := p.expect(KW_BLOCK); err != nil {
		return b, err
	}
	nameTok, err := p.expect(IDENT)
	if err != nil {
		return b, err
	}
	b.name = nameTok.Lex
	if p.tok.Type == ARROW {
		p.next()
		for {
			succTok, err := p.expect(IDENT)
			if err != nil {
				return b, err
			}
			b.succs = append(b.succs, succTok.Lex)
			if p.tok.Type != COMMA {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(LBRACE); err != nil {
		return b, err
	}
	for p.tok.Type != RBRACE && p.tok.Type != EOF {
		s, err := p.parseStmt()
		if err != nil {
			return b, err
		}
		b.stmts = append(b.stmts, s)
	}
	if _, err := p.expect(RBRACE); err != nil {
		return b, err
	}
	return b, nil
}

func (p *Parser) parseStmt() (stmtDecl, error) {
	switch p.tok.Type {
	case KW_CALL:
		p.next()
		nameTok, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		c := callDecl{callee: nameTok.Lex}
		if p.tok.Type == KW_CHILDLESS {
			c.childless = true
			p.next()
		}
		if p.tok.Type == KW_DEFINES {
			p.next()
			if c.defines, err = p.parseExprList(); err != nil {
				return nil, err
			}
		}
		if p.tok.Type == KW_ARGS {
			p.next()
			if c.args, err = p.parseExprList(); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(SEMI); err != nil {
			return nil, err
		}
		return c, nil
	case KW_RET:
		p.next()
		var r retDecl
		if p.tok.Type != SEMI {
			var err error
			if r.vals, err = p.parseExprList(); err != nil {
				return nil, err
			}
		}
		if _, err := p.expect(SEMI); err != nil {
			return nil, err
		}
		return r, nil
	case KW_BRANCH:
		p.next()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(ARROW); err != nil {
			return nil, err
		}
		tTok, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(COMMA); err != nil {
			return nil, err
		}
		fTok, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(SEMI); err != nil {
			return nil, err
		}
		return branchDecl{cond: cond, t: tTok.Lex, f: fTok.Lex}, nil
	case KW_GOTO:
		p.next()
		tTok, err := p.expect(IDENT)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(SEMI); err != nil {
			return nil, err
		}
		return gotoDecl{target: tTok.Lex}, nil
	default:
		lhs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(ASSIGN); err != nil {
			return nil, err
		}
		rhs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(SEMI); err != nil {
			return nil, err
		}
		return assignDecl{lhs: lhs, rhs: rhs}, nil
	}
}

func (p *Parser) parseExprList() ([]exp.Exp, error) {
	var out []exp.Exp
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.tok.Type != COMMA {
			return out, nil
		}
		p.next()
	}
}

// Expr grammar:
// expr   = factor { (+|-) factor }
// factor = location | INT | FLAG | '(' expr ')'
// location = 'm' '[' expr ']' | rN | tmpX | IDENT
func (p *Parser) parseExpr() (exp.Exp, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.tok.Type == PLUS || p.tok.Type == MINUS {
		op := exp.OpPlus
		if p.tok.Type == MINUS {
			op = exp.OpMinus
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = exp.NewBinary(op, left, right)
	}
	return left, nil
}

func (p *Parser) parseFactor() (exp.Exp, error) {
	switch p.tok.Type {
	case IDENT:
		lex := p.tok.Lex
		p.next()
		if lex == "m" && p.tok.Type == LBRACK {
			p.next()
			addr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(RBRACK); err != nil {
				return nil, err
			}
			return exp.NewMemOf(addr), nil
		}
		if idx, ok := regIndex(lex); ok {
			return exp.NewReg(idx), nil
		}
		if strings.HasPrefix(lex, "tmp") {
			return exp.NewTemp(lex), nil
		}
		return exp.NewLocal(lex), nil
	case FLAG:
		name := p.tok.Lex
		p.next()
		if name == "flags" {
			return exp.NewFlags(), nil
		}
		if name == "pc" {
			return exp.NewPC(), nil
		}
		return exp.NewMainFlag(name), nil
	case INT:
		v, _ := strconv.ParseInt(p.tok.Lex, 10, 64)
		p.next()
		return exp.NewConst(v), nil
	case LPAREN:
		p.next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, p.errorf("unexpected %q in expression", p.tok.Lex)
	}
}

func regIndex(lex string) (int, bool) {
	if len(lex) < 2 || lex[0] != 'r' {
		return 0, false
	}
	n, err := strconv.Atoi(lex[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// buildProc turns a parsed declaration into an ir.Proc, resolving block names
// and numbering statements in source order.
func buildProc(decl *procDecl) (*ir.Proc, error) {
	proc := ir.NewProc(decl.name, decl.spReg)
	for _, l := range decl.locals {
		proc.SetSymbol(l.name, l.e)
	}
	for _, e := range decl.escapes {
		proc.MarkEscaped(e)
	}
	cfg := proc.Cfg()
	byName := make(map[string]*ir.BasicBlock, len(decl.blocks))
	for _, b := range decl.blocks {
		if _, dup := byName[b.name]; dup {
			return nil, fmt.Errorf("duplicate block %s", b.name)
		}
		byName[b.name] = cfg.NewBlock(b.name)
	}
	resolve := func(name string) (*ir.BasicBlock, error) {
		bb, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown block %s", name)
		}
		return bb, nil
	}
	for _, b := range decl.blocks {
		bb := byName[b.name]
		for _, succ := range b.succs {
			sb, err := resolve(succ)
			if err != nil {
				return nil, err
			}
			cfg.AddEdge(bb, sb)
		}
		for _, sd := range b.stmts {
			var s ir.Instruction
			switch t := sd.(type) {
			case assignDecl:
				s = ir.NewAssign(t.lhs, t.rhs)
			case callDecl:
				c := ir.NewCall(t.callee)
				c.SetChildless(t.childless)
				c.Args = t.args
				for _, d := range t.defines {
					c.AddDefine(d)
				}
				s = c
			case retDecl:
				s = ir.NewReturn(t.vals...)
			case branchDecl:
				br := ir.NewBranch(t.cond)
				var err error
				if br.TTarget, err = resolve(t.t); err != nil {
					return nil, err
				}
				if br.FTarget, err = resolve(t.f); err != nil {
					return nil, err
				}
				s = br
			case gotoDecl:
				g, err := resolve(t.target)
				if err != nil {
					return nil, err
				}
				s = ir.NewGoto(g)
			}
			proc.NumberStmt(s)
			bb.AppendStmt(s)
		}
	}
	return proc, nil
}
