package script

import (
	"regexp"
	"strconv"
	"strings"
)

// CommandStatement is one command line: the verb and the tokens after it.
type CommandStatement struct {
	Name    string
	Options []Token
	Line    int
}

// StatementList is a parsed script. Skipped holds the line numbers of
// statements the parser did not recognise.
type StatementList struct {
	Statements []CommandStatement
	Skipped    []int
}

// Text joins the options as they appeared in the source, keeping a single
// space wherever the source had whitespace. String options are re-quoted.
func (s CommandStatement) Text() string {
	var b strings.Builder
	for i, t := range s.Options {
		if i > 0 && t.Pos > s.Options[i-1].End {
			b.WriteByte(' ')
		}
		if t.Kind == KindString {
			b.WriteString(`"` + t.Value + `"`)
			continue
		}
		b.WriteString(t.Value)
	}
	return b.String()
}

// bare is Text without string options.
func (s CommandStatement) bare() string {
	var b strings.Builder
	prev := -1
	for _, t := range s.Options {
		if t.Kind == KindString {
			prev = -1
			b.WriteByte(' ')
			continue
		}
		if prev >= 0 && t.Pos > prev {
			b.WriteByte(' ')
		}
		b.WriteString(t.Value)
		prev = t.End
	}
	return b.String()
}

// Quoted returns the first string option.
func (s CommandStatement) Quoted() (string, bool) {
	for _, t := range s.Options {
		if t.Kind == KindString {
			return t.Value, true
		}
	}
	return "", false
}

var numberRe = regexp.MustCompile(`-?\d+`)

// Numbers extracts every integer from the non-string options.
func (s CommandStatement) Numbers() []int {
	var out []int
	for _, m := range numberRe.FindAllString(s.bare(), -1) {
		if n, err := strconv.Atoi(m); err == nil {
			out = append(out, n)
		}
	}
	return out
}
