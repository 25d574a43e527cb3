// Package xerr defines the error taxonomy shared across the hooking core.
//
// Every operation that can fail returns one of these codes wrapped in an
// *Error, so callers can use errors.Is against the exported sentinels
// instead of matching strings.
package xerr

import "fmt"

// Code is one member of the engine-wide error taxonomy.
type Code int

const (
	Ok Code = iota
	Uninit
	InvalidArg
	NotFound
	Dup
	NoSym
	GetProt
	SetProt
	SetGot
	GotVerify
	NewTrampo
	AppendTrampo
	ReadElf
	Format
	OrigAddr
	NoMem
	SegvErr
	InitErrSafe
	InitErrSignal
	InitErrCFI
)

// Error lets a bare Code be passed as the target of errors.Is(err, xerr.ReadElf).
func (c Code) Error() string { return c.String() }

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case Uninit:
		return "Uninit"
	case InvalidArg:
		return "InvalidArg"
	case NotFound:
		return "NotFound"
	case Dup:
		return "Dup"
	case NoSym:
		return "NoSym"
	case GetProt:
		return "GetProt"
	case SetProt:
		return "SetProt"
	case SetGot:
		return "SetGot"
	case GotVerify:
		return "GotVerify"
	case NewTrampo:
		return "NewTrampo"
	case AppendTrampo:
		return "AppendTrampo"
	case ReadElf:
		return "ReadElf"
	case Format:
		return "Format"
	case OrigAddr:
		return "OrigAddr"
	case NoMem:
		return "NoMem"
	case SegvErr:
		return "SegvErr"
	case InitErrSafe:
		return "InitErrSafe"
	case InitErrSignal:
		return "InitErrSignal"
	case InitErrCFI:
		return "InitErrCFI"
	default:
		return fmt.Sprintf("xerr.Code(%d)", int(c))
	}
}

// Error wraps a Code with context. It is the concrete error type returned
// across the public API.
type Error struct {
	Code Code
	Op   string // operation that failed, e.g. "hook_single", "find_got_slots"
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Code, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against a bare Code (so callers can do errors.Is(err, xerr.ReadElf)
// by wrapping the sentinel in New without an Op/Msg), and against other *Error
// values by Code.
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// New builds an *Error for the given op/code, optionally wrapping cause.
func New(op string, code Code, msg string, cause error) *Error {
	return &Error{Code: code, Op: op, Msg: msg, Err: cause}
}
