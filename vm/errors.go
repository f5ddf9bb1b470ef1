package vm

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ---------------------------------------------------------------------------
// Result codes
// ---------------------------------------------------------------------------

// ResultCode is the outcome of an evaluation, mirroring what the
// embedder sees.
type ResultCode uint8

const (
	ResultSuccess ResultCode = iota
	ResultTokenError
	ResultParseError
	ResultCompileError
	ResultPanic
	ResultUnknown
)

func (rc ResultCode) String() string {
	switch rc {
	case ResultSuccess:
		return "success"
	case ResultTokenError:
		return "token error"
	case ResultParseError:
		return "parse error"
	case ResultCompileError:
		return "compile error"
	case ResultPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// ErrorKind classifies runtime faults and value-level error symbols.
type ErrorKind uint8

const (
	ErrNone ErrorKind = iota
	ErrTokenError
	ErrParseError
	ErrCompileError
	ErrPanic
	ErrStackOverflow
	ErrOutOfMemory
	ErrInvalidArgument
	ErrOutOfBounds
	ErrInvalidRune
	ErrInvalidChar
	ErrAssertError
	ErrDivideByZero
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTokenError:
		return "TokenError"
	case ErrParseError:
		return "ParseError"
	case ErrCompileError:
		return "CompileError"
	case ErrPanic:
		return "Panic"
	case ErrStackOverflow:
		return "StackOverflow"
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrOutOfBounds:
		return "OutOfBounds"
	case ErrInvalidRune:
		return "InvalidRune"
	case ErrInvalidChar:
		return "InvalidChar"
	case ErrAssertError:
		return "AssertError"
	case ErrDivideByZero:
		return "DivideByZero"
	default:
		return "None"
	}
}

// Built-in error symbol ids. User tag literals start above these so an
// error Value's payload can carry either.
const (
	symOutOfBounds uint32 = iota
	symInvalidRune
	symInvalidChar
	symInvalidArgument
	symAssertError
	symUserTagStart uint32 = 64
)

var builtinErrorSyms = map[uint32]string{
	symOutOfBounds:     "OutOfBounds",
	symInvalidRune:     "InvalidRune",
	symInvalidChar:     "InvalidChar",
	symInvalidArgument: "InvalidArgument",
	symAssertError:     "AssertError",
}

// errValOutOfBounds and friends are the value-plane errors built-in ops
// return for domain failures.
var (
	errValOutOfBounds     = ErrorVal(symOutOfBounds)
	errValInvalidRune     = ErrorVal(symInvalidRune)
	errValInvalidArgument = ErrorVal(symInvalidArgument)
)

// PanicError describes an irrecoverable fault within the current
// evaluation. It satisfies error so embedders can wrap it.
type PanicError struct {
	Kind ErrorKind
	Msg  string
	PC   int
	Line uint32
}

func (e *PanicError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// panicf records a panic on the VM and returns the result code the
// dispatch loop propagates to the embedder.
func (vm *VM) panicf(kind ErrorKind, pc int, format string, args ...any) ResultCode {
	var line uint32
	if vm.chunk != nil && pc >= 0 && pc < len(vm.chunk.Lines) {
		line = vm.chunk.Lines[pc]
	}
	vm.lastPanic = &PanicError{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
		PC:   pc,
		Line: line,
	}
	vm.log.Errorf("panic at pc=%d: %v", pc, vm.lastPanic)
	return ResultPanic
}

// LastError returns the most recent panic, or nil after a success.
func (vm *VM) LastError() *PanicError { return vm.lastPanic }

// ---------------------------------------------------------------------------
// Error reports
// ---------------------------------------------------------------------------

// LastErrorReport formats the most recent failure for human eyes. The
// returned string is owned by the caller. Colors are applied only when
// stderr is a terminal.
func (vm *VM) LastErrorReport() string {
	if vm.lastPanic == nil {
		return ""
	}
	useColor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	headline := color.New(color.FgRed, color.Bold)
	dim := color.New(color.Faint)
	if !useColor {
		headline.DisableColor()
		dim.DisableColor()
	}

	var sb strings.Builder
	sb.WriteString(headline.Sprintf("%s", vm.lastPanic.Kind))
	if vm.lastPanic.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(vm.lastPanic.Msg)
	}
	sb.WriteByte('\n')
	src := "<chunk>"
	if vm.chunk != nil && vm.chunk.SrcName != "" {
		src = vm.chunk.SrcName
	}
	sb.WriteString(dim.Sprintf("  at %s:%d (pc=%d)\n", src, vm.lastPanic.Line, vm.lastPanic.PC))
	return sb.String()
}

// errorSymName resolves an error value's symbol id to a name, checking
// builtins first and then the chunk's tag literals.
func (vm *VM) errorSymName(symID uint32) string {
	if name, ok := builtinErrorSyms[symID]; ok {
		return name
	}
	if vm.chunk != nil {
		idx := symID - symUserTagStart
		if int(idx) < len(vm.chunk.TagLits) {
			return vm.chunk.TagLits[idx]
		}
	}
	return fmt.Sprintf("sym%d", symID)
}
