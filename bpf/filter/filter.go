// Package filter attaches the IPIP direct program to an interface's egress path
// with tc.
package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tcassar-diss/ipipdirect/shell"
	"go.uber.org/zap"
)

var (
	ErrExternalTool      = errors.New("external tool failed")
	ErrInvalidTransition = errors.New("invalid filter state transition")
)

// Command templates for the tc tool. Parameters: tc, dev, obj, sec.
const (
	DelQdiscCmd  = "${tc} qdisc del dev ${dev} clsact"
	AddQdiscCmd  = "${tc} qdisc add dev ${dev} clsact"
	AddFilterCmd = `${tc} filter add dev ${dev} egress prio 1 handle 1 bpf da obj "${obj}" sec ${sec}`
	DelFilterCmd = "${tc} filter delete dev ${dev} egress"
)

// State of the egress filter on the interface.
type State int

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Program identifies a compiled object file and the section tc loads from it.
type Program struct {
	Path    string
	Section string
}

type Option func(*Attachment)

// WithTC sets the tc binary.
func WithTC(path string) Option {
	return func(a *Attachment) {
		a.tc = path
	}
}

// Attachment manages the clsact qdisc and egress BPF filter of one interface.
//
// The only legal transitions are Detached -> Attached (Attach) and
// Attached -> Detached (Detach). Attachment is not safe for concurrent use.
type Attachment struct {
	logger *zap.SugaredLogger
	runner shell.Runner
	tc     string
	iface  string
	state  State
}

func NewAttachment(logger *zap.SugaredLogger, runner shell.Runner, iface string, opts ...Option) *Attachment {
	a := &Attachment{
		logger: logger.With("iface", iface),
		runner: runner,
		tc:     "tc",
		iface:  iface,
		state:  Detached,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Attachment) State() State {
	return a.state
}

func (a *Attachment) Interface() string {
	return a.iface
}

// Attach installs a fresh clsact qdisc and an egress filter running prog.
//
// Removing a stale qdisc first is best effort, since a previous run may not
// have left one. Failing to add either the qdisc or the filter is returned
// as ErrExternalTool and leaves the state Detached.
func (a *Attachment) Attach(ctx context.Context, prog Program) error {
	if a.state != Detached {
		return fmt.Errorf("%w: attach while %s", ErrInvalidTransition, a.state)
	}

	vars := a.vars(prog)

	if err := a.run(ctx, DelQdiscCmd, vars); err != nil {
		a.logger.Debugw("no stale clsact qdisc removed", "err", err)
	}

	if err := a.run(ctx, AddQdiscCmd, vars); err != nil {
		return fmt.Errorf("%w: failed to create clsact qdisc on %s: %w", ErrExternalTool, a.iface, err)
	}

	if err := a.run(ctx, AddFilterCmd, vars); err != nil {
		return fmt.Errorf("%w: failed to attach egress filter %s (sec %s) to %s: %w",
			ErrExternalTool, prog.Path, prog.Section, a.iface, err)
	}

	a.state = Attached

	a.logger.Infow("attached egress filter", "obj", prog.Path, "sec", prog.Section)

	return nil
}

// Detach removes the egress filter and then, best effort, the clsact qdisc
// Attach created. A failure to remove the filter is returned as
// ErrExternalTool and the state stays Attached.
func (a *Attachment) Detach(ctx context.Context) error {
	if a.state != Attached {
		return fmt.Errorf("%w: detach while %s", ErrInvalidTransition, a.state)
	}

	vars := a.vars(Program{})

	if err := a.run(ctx, DelFilterCmd, vars); err != nil {
		return fmt.Errorf("%w: failed to remove egress filter from %s: %w", ErrExternalTool, a.iface, err)
	}

	a.state = Detached

	if err := a.run(ctx, DelQdiscCmd, vars); err != nil {
		a.logger.Warnw("couldn't remove clsact qdisc", "err", err)
	}

	a.logger.Infow("detached egress filter")

	return nil
}

func (a *Attachment) vars(prog Program) map[string]string {
	return map[string]string{
		"tc":  a.tc,
		"dev": a.iface,
		"obj": prog.Path,
		"sec": prog.Section,
	}
}

func (a *Attachment) run(ctx context.Context, tmpl string, vars map[string]string) error {
	out, err := shell.RunTemplate(ctx, a.runner, tmpl, vars)
	if err != nil {
		return err
	}

	if s := strings.TrimSpace(string(out)); s != "" {
		a.logger.Debugw("tc output", "output", s)
	}

	return nil
}
