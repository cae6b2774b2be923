// Package plan computes the file operations that turn an install
// directory into a freshly extracted snapshot.
//
// Planning is pure: Compute never touches the file system. Build is the
// convenience wrapper that lists the directory first.
package plan

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/adamancini/spool/internal/archive"
)

// Action is the kind of an operation.
type Action string

const (
	ActionWrite  Action = "write"
	ActionRemove Action = "remove"
	ActionSkip   Action = "skip"
)

// ReasonPreserved is the Skip reason for preserve-set entries.
const ReasonPreserved = "preserved"

// ReasonRunningBinary is the Skip reason for the running binary when the
// snapshot does not ship a replacement.
const ReasonRunningBinary = "running binary"

// Op is one planned operation. Paths are slash-separated and relative to
// the install directory.
type Op struct {
	Action Action      `json:"action" yaml:"action" toml:"action"`
	Path   string      `json:"path" yaml:"path" toml:"path"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty" toml:"reason,omitempty"`
	Size   int64       `json:"size,omitempty" yaml:"size,omitempty" toml:"size,omitempty"`
	Self   bool        `json:"self,omitempty" yaml:"self,omitempty" toml:"self,omitempty"`
	Data   []byte      `json:"-" yaml:"-" toml:"-"`
	Mode   fs.FileMode `json:"-" yaml:"-" toml:"-"`
}

// Write returns a write operation.
func Write(p string, data []byte, mode fs.FileMode) Op {
	if mode == 0 {
		mode = 0o644
	}
	return Op{Action: ActionWrite, Path: p, Data: data, Mode: mode, Size: int64(len(data))}
}

// Remove returns a remove operation.
func Remove(p string) Op {
	return Op{Action: ActionRemove, Path: p}
}

// Skip returns a skip operation.
func Skip(p, reason string) Op {
	return Op{Action: ActionSkip, Path: p, Reason: reason}
}

func (o Op) String() string {
	switch o.Action {
	case ActionSkip:
		return fmt.Sprintf("skip   %s (%s)", o.Path, o.Reason)
	case ActionWrite:
		if o.Self {
			return fmt.Sprintf("write  %s (self, %d bytes)", o.Path, o.Size)
		}
		return fmt.Sprintf("write  %s (%d bytes)", o.Path, o.Size)
	default:
		return fmt.Sprintf("%-6s %s", o.Action, o.Path)
	}
}

// Plan is an ordered, read-only list of operations: removes, then writes
// (a self write always last), then skips.
type Plan struct {
	Ops []Op `json:"ops" yaml:"ops" toml:"ops"`
}

// New builds a plan from ops, keeping the canonical order.
func New(ops ...Op) *Plan {
	p := &Plan{Ops: append([]Op(nil), ops...)}
	sort.SliceStable(p.Ops, func(i, j int) bool {
		return rank(p.Ops[i]) < rank(p.Ops[j])
	})
	return p
}

func rank(o Op) int {
	switch {
	case o.Action == ActionRemove:
		return 0
	case o.Action == ActionWrite && !o.Self:
		return 1
	case o.Action == ActionWrite:
		return 2
	default:
		return 3
	}
}

// Filter returns the operations with the given action, in plan order.
func (p *Plan) Filter(a Action) []Op {
	var out []Op
	for _, o := range p.Ops {
		if o.Action == a {
			out = append(out, o)
		}
	}
	return out
}

// Summary returns counts per action.
func (p *Plan) Summary() (write, remove, skip int) {
	for _, o := range p.Ops {
		switch o.Action {
		case ActionWrite:
			write++
		case ActionRemove:
			remove++
		case ActionSkip:
			skip++
		}
	}
	return write, remove, skip
}

// HasChanges reports whether applying the plan would touch the disk.
func (p *Plan) HasChanges() bool {
	w, r, _ := p.Summary()
	return w+r > 0
}

func (p *Plan) String() string {
	var sb strings.Builder
	for _, o := range p.Ops {
		sb.WriteString(o.String())
		sb.WriteByte('\n')
	}
	w, r, s := p.Summary()
	fmt.Fprintf(&sb, "%d to write, %d to remove, %d skipped", w, r, s)
	return sb.String()
}

// PreserveSet holds paths that are never removed or overwritten. An
// entry naming a directory covers everything below it.
type PreserveSet struct {
	entries map[string]struct{}
}

// NewPreserveSet builds a set from slash- or OS-separated relative paths.
// Empty and invalid entries are dropped.
func NewPreserveSet(paths ...string) PreserveSet {
	s := PreserveSet{entries: make(map[string]struct{})}
	for _, p := range paths {
		clean, err := archive.CleanPath(p)
		if err != nil || clean == "" {
			continue
		}
		s.entries[clean] = struct{}{}
	}
	return s
}

// Contains reports whether p equals an entry or lies below one.
func (s PreserveSet) Contains(p string) bool {
	if _, ok := s.entries[p]; ok {
		return true
	}
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := s.entries[dir]; ok {
			return true
		}
	}
	return false
}

// Entries returns the entries in lexical order.
func (s PreserveSet) Entries() []string {
	out := make([]string, 0, len(s.entries))
	for e := range s.entries {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (s PreserveSet) Len() int {
	return len(s.entries)
}

type options struct {
	selfPath string
}

// Option configures Compute and Build.
type Option func(*options)

// WithSelf marks p (slash-separated, relative) as the running binary. It is
// never removed, and a write to it is flagged for deferred replacement.
func WithSelf(p string) Option {
	return func(o *options) {
		if clean, err := archive.CleanPath(p); err == nil {
			o.selfPath = clean
		}
	}
}

// Compute derives the plan from the current file list and the staged tree.
//
//   - staged paths outside preserve are written
//   - current paths in neither staged nor preserve are removed
//   - every preserve entry is skipped
func Compute(current []string, staged *archive.Tree, preserve PreserveSet, opts ...Option) *Plan {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var ops []Op
	for _, p := range staged.Paths() {
		if preserve.Contains(p) {
			continue
		}
		e, _ := staged.Get(p)
		op := Write(p, e.Data, e.Mode)
		op.Self = o.selfPath != "" && p == o.selfPath
		ops = append(ops, op)
	}

	sorted := append([]string(nil), current...)
	sort.Strings(sorted)
	for _, p := range sorted {
		if staged.Has(p) || preserve.Contains(p) {
			continue
		}
		if o.selfPath != "" && p == o.selfPath {
			ops = append(ops, Skip(p, ReasonRunningBinary))
			continue
		}
		ops = append(ops, Remove(p))
	}

	for _, p := range preserve.Entries() {
		ops = append(ops, Skip(p, ReasonPreserved))
	}

	return New(ops...)
}
