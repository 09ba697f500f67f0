package script

// Parse builds the statement list. Every command starts a statement that
// runs to the end of its line; anything else on a line is skipped. Comments
// are dropped.
func Parse(toks []Token) *StatementList {
	p := &parser{toks: toks}
	list := &StatementList{}
	for {
		t := p.cur()
		switch t.Kind {
		case KindEOF:
			return list
		case KindNewline, KindComment:
			p.pos++
		case KindCommand:
			list.Statements = append(list.Statements, p.command())
		default:
			list.Skipped = append(list.Skipped, t.Line)
			p.skipLine()
		}
	}
}

// ParseString lexes and parses src.
func ParseString(src string) (*StatementList, error) {
	toks, err := Lex(src)
	if err != nil {
		return nil, err
	}
	return Parse(toks), nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) cur() Token {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return Token{Kind: KindEOF}
}

func (p *parser) command() CommandStatement {
	verb := p.cur()
	p.pos++
	st := CommandStatement{Name: verb.Value, Line: verb.Line}
	for {
		t := p.cur()
		switch t.Kind {
		case KindNewline, KindEOF:
			return st
		case KindComment:
			p.pos++
			continue
		}
		// AHK allows a comma right after the verb.
		if len(st.Options) == 0 && t.Kind == KindSymbol && t.Value == "," {
			p.pos++
			continue
		}
		st.Options = append(st.Options, t)
		p.pos++
	}
}

func (p *parser) skipLine() {
	for {
		switch p.cur().Kind {
		case KindNewline, KindEOF:
			return
		}
		p.pos++
	}
}
