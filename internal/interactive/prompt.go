// Package interactive provides interactive prompts for user confirmation.
package interactive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/adamancini/spool/internal/plan"
)

// ReasonDeclined is the Skip reason for operations the user turned down.
const ReasonDeclined = "declined"

// Response represents the user's response to a prompt.
type Response int

const (
	ResponseYes  Response = iota // Proceed with this change
	ResponseNo                   // Skip this change
	ResponseAll                  // Approve all remaining changes
	ResponseQuit                 // Abort interactive mode
)

// Prompter handles interactive prompts for plan confirmation.
type Prompter struct {
	out        io.Writer
	scanner    *bufio.Scanner
	approveAll bool
}

// NewPrompter creates a prompter with stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO creates a prompter with custom input/output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		out:     out,
		scanner: bufio.NewScanner(in),
	}
}

// IsTerminal checks if stdin is a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// prompt displays a question and reads the response.
func (p *Prompter) prompt(format string, args ...interface{}) Response {
	if p.approveAll {
		return ResponseYes
	}

	_, _ = fmt.Fprintf(p.out, format, args...)
	_, _ = fmt.Fprint(p.out, " [y/n/a/q] ")

	if !p.scanner.Scan() {
		return ResponseQuit
	}

	input := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
	switch input {
	case "y", "yes":
		return ResponseYes
	case "n", "no":
		return ResponseNo
	case "a", "all":
		p.approveAll = true
		return ResponseYes
	case "q", "quit":
		return ResponseQuit
	default:
		// Default to no for invalid input
		_, _ = fmt.Fprintln(p.out, "Invalid response, skipping.")
		return ResponseNo
	}
}

// Confirm asks a yes/no question. End of input is a no.
func (p *Prompter) Confirm(format string, args ...interface{}) bool {
	_, _ = fmt.Fprintf(p.out, format, args...)
	_, _ = fmt.Fprint(p.out, " [y/n] ")
	if !p.scanner.Scan() {
		return false
	}
	input := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
	return input == "y" || input == "yes"
}

// PromptForSelection walks every write and remove in pl and asks whether to
// apply it. Declined operations become skips. It returns the reduced plan
// and whether to proceed.
func (p *Prompter) PromptForSelection(pl *plan.Plan) (*plan.Plan, bool) {
	var ops []plan.Op
	willApply := 0
	skipped := 0

	section := ""
	for _, op := range pl.Ops {
		if op.Action == plan.ActionSkip {
			ops = append(ops, op)
			continue
		}

		if title := sectionTitle(op); title != section {
			_, _ = fmt.Fprintf(p.out, "\n%s:\n", title)
			section = title
		}

		approved, quit := p.promptOp(op)
		if quit {
			return nil, false
		}
		if approved {
			ops = append(ops, op)
			willApply++
		} else {
			ops = append(ops, plan.Skip(op.Path, ReasonDeclined))
			skipped++
		}
	}

	_, _ = fmt.Fprintln(p.out, "\nSummary:")
	_, _ = fmt.Fprintf(p.out, "  Will apply: %d changes\n", willApply)
	if skipped > 0 {
		_, _ = fmt.Fprintf(p.out, "  Skipped: %d\n", skipped)
	}

	selected := plan.New(ops...)
	if willApply == 0 {
		_, _ = fmt.Fprintln(p.out, "No changes selected.")
		return selected, false
	}

	_, _ = fmt.Fprintln(p.out)
	if !p.Confirm("Proceed with update?") {
		_, _ = fmt.Fprintln(p.out, "Aborted.")
		return selected, false
	}
	return selected, true
}

func (p *Prompter) promptOp(op plan.Op) (approved bool, quit bool) {
	symbol, verb := actionSymbolVerb(op)
	_, _ = fmt.Fprintf(p.out, "  %s %s\n", symbol, op.Path)

	resp := p.prompt("    -> %s %s?", verb, op.Path)
	switch resp {
	case ResponseYes:
		return true, false
	case ResponseNo:
		_, _ = fmt.Fprintf(p.out, "    %s Skipped\n", skipSymbol)
		return false, false
	case ResponseQuit:
		_, _ = fmt.Fprintln(p.out, "\nAborted.")
		return false, true
	default:
		return true, false
	}
}

// Symbols for output
const (
	writeSymbol  = "+"
	removeSymbol = "-"
	selfSymbol   = "~"
	skipSymbol   = "-"
)

func sectionTitle(op plan.Op) string {
	switch {
	case op.Action == plan.ActionRemove:
		return "Remove"
	case op.Self:
		return "Replace launcher"
	default:
		return "Write"
	}
}

func actionSymbolVerb(op plan.Op) (symbol, verb string) {
	switch {
	case op.Action == plan.ActionRemove:
		return removeSymbol, "Remove"
	case op.Self:
		return selfSymbol, "Replace"
	default:
		return writeSymbol, "Write"
	}
}
