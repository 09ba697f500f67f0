package script

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrInvalidScriptSyntax = errors.New("invalid script syntax")

type lexer struct {
	src  string
	pos  int
	line int
	toks []Token
}

// Lex splits src into tokens ending with one EOF token. Unterminated strings
// and block comments are syntax errors.
func Lex(src string) ([]Token, error) {
	lx := &lexer{src: src, line: 1}
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		lx.toks = append(lx.toks, tok)
		if tok.Kind == KindEOF {
			return lx.toks, nil
		}
	}
}

func (lx *lexer) peek(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) emit(kind Kind, start int, value string) Token {
	return Token{Kind: kind, Value: value, Line: lx.line, Pos: start, End: lx.pos}
}

func (lx *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s: %w", lx.line, fmt.Sprintf(format, args...), ErrInvalidScriptSyntax)
}

func (lx *lexer) next() (Token, error) {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '\n' || (c != ' ' && c != '\t' && c != '\r' && c != '\f' && c != '\v') {
			break
		}
		lx.pos++
	}
	start := lx.pos
	if lx.pos >= len(lx.src) {
		return lx.emit(KindEOF, start, ""), nil
	}

	c := lx.src[lx.pos]
	switch {
	case c == '\n':
		lx.pos++
		tok := lx.emit(KindNewline, start, "\n")
		lx.line++
		return tok, nil
	case c == ';' && lx.atWordBoundary():
		end := strings.IndexByte(lx.src[lx.pos:], '\n')
		if end < 0 {
			end = len(lx.src) - lx.pos
		}
		lx.pos += end
		return lx.emit(KindComment, start, lx.src[start+1:lx.pos]), nil
	case c == '/' && lx.peek(1) == '*':
		return lx.blockComment()
	case c == '"':
		return lx.str()
	case c >= '0' && c <= '9':
		return lx.number(), nil
	case c == '_' || isLetter(lx.src[lx.pos:]):
		return lx.word(), nil
	}

	for _, op := range operators {
		if strings.HasPrefix(lx.src[lx.pos:], op) {
			lx.pos += len(op)
			return lx.emit(KindOperator, start, op), nil
		}
	}
	_, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
	lx.pos += size
	return lx.emit(KindSymbol, start, lx.src[start:lx.pos]), nil
}

// atWordBoundary reports whether the current byte starts a line or follows
// whitespace, which is where ';' opens a comment.
func (lx *lexer) atWordBoundary() bool {
	if lx.pos == 0 {
		return true
	}
	switch lx.src[lx.pos-1] {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func (lx *lexer) blockComment() (Token, error) {
	start, line := lx.pos, lx.line
	end := strings.Index(lx.src[lx.pos+2:], "*/")
	if end < 0 {
		return Token{}, lx.errorf("unterminated block comment")
	}
	body := lx.src[lx.pos+2 : lx.pos+2+end]
	lx.pos += end + 4
	lx.line += strings.Count(body, "\n")
	return Token{Kind: KindComment, Value: body, Line: line, Pos: start, End: lx.pos}, nil
}

func (lx *lexer) str() (Token, error) {
	start := lx.pos
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch c {
		case '\n':
			return Token{}, lx.errorf("unterminated string")
		case '`':
			// AutoHotkey escape character.
			if lx.pos+1 < len(lx.src) {
				b.WriteByte(unescape(lx.src[lx.pos+1]))
				lx.pos += 2
				continue
			}
		case '"':
			if lx.peek(1) == '"' {
				b.WriteByte('"')
				lx.pos += 2
				continue
			}
			lx.pos++
			return lx.emit(KindString, start, b.String()), nil
		}
		b.WriteByte(c)
		lx.pos++
	}
	return Token{}, lx.errorf("unterminated string")
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	}
	return c
}

func (lx *lexer) number() Token {
	start := lx.pos
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.peek(0) == '.' && isDigit(lx.peek(1)) {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
		return lx.emit(KindFloat, start, lx.src[start:lx.pos])
	}
	return lx.emit(KindInteger, start, lx.src[start:lx.pos])
}

func (lx *lexer) word() Token {
	start := lx.pos
	for lx.pos < len(lx.src) {
		if lx.src[lx.pos] == '_' || isDigit(lx.src[lx.pos]) {
			lx.pos++
			continue
		}
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if !unicode.IsLetter(r) {
			break
		}
		lx.pos += size
	}
	w := lx.src[start:lx.pos]
	switch {
	case keywords[w]:
		return lx.emit(KindKeyword, start, w)
	case commands[w]:
		return lx.emit(KindCommand, start, w)
	}
	return lx.emit(KindIdentifier, start, w)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLetter(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsLetter(r)
}
