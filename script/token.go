// Package script runs a small AutoHotkey-like language that drives the
// keyboard and mouse translators.
package script

import "fmt"

// Kind classifies a token.
type Kind int

const (
	KindKeyword Kind = iota
	KindCommand
	KindIdentifier
	KindInteger
	KindFloat
	KindString
	KindOperator
	KindSymbol
	KindComment
	KindNewline
	KindEOF
)

var kindNames = [...]string{
	KindKeyword:    "KEYWORD",
	KindCommand:    "COMMAND",
	KindIdentifier: "IDENTIFIER",
	KindInteger:    "INTEGER",
	KindFloat:      "FLOAT",
	KindString:     "STRING",
	KindOperator:   "OPERATOR",
	KindSymbol:     "SYMBOL",
	KindComment:    "COMMENT",
	KindNewline:    "NEWLINE",
	KindEOF:        "ENDOFFILE",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Token is one lexeme. Value of a string token excludes the quotes. Pos and
// End are byte offsets into the source.
type Token struct {
	Kind  Kind
	Value string
	Line  int
	Pos   int
	End   int
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%q)@%d", t.Kind, t.Value, t.Line)
}

// Control-flow keywords are reserved but not executed.
var keywords = map[string]bool{
	"If": true, "Else": true, "Loop": true, "While": true, "For": true,
	"Try": true, "Catch": true, "Finally": true, "Throw": true, "Switch": true,
	"Return": true, "Goto": true, "Continue": true, "Until": true,
}

// Command verbs the engine executes.
const (
	CmdMouseMove          = "MouseMove"
	CmdClick              = "Click"
	CmdSend               = "Send"
	CmdSleep              = "Sleep"
	CmdSetCapsLockState   = "SetCapsLockState"
	CmdSetNumLockState    = "SetNumLockState"
	CmdSetScrollLockState = "SetScrollLockState"
	CmdFullScreenCapture  = "FullScreenCapture"
	CmdAreaScreenCapture  = "AreaScreenCapture"
)

var commands = map[string]bool{
	CmdMouseMove: true, CmdClick: true, CmdSend: true, CmdSleep: true,
	CmdSetCapsLockState: true, CmdSetNumLockState: true, CmdSetScrollLockState: true,
	CmdFullScreenCapture: true, CmdAreaScreenCapture: true,
}

// operators is ordered longest first so the lexer matches greedily.
var operators = []string{
	">>=", "<<=",
	":=", "+=", "-=", "*=", "/=", ".=", "|=", "&=", "^=",
	"++", "--", "**", "//", "==", "!=", "<>", "||", "&&", "()",
	"=", "+", "-", "*", "/", ">", "<", "!", "|", "&", "%", ".",
}
