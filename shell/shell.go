// Package shell turns fixed command templates into argv and runs them.
//
// Templates are parsed with a bash parser and `${name}` parameters are
// interpolated from a caller-supplied map. No shell process is ever spawned:
// a template must be exactly one simple command.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

var (
	ErrBadTemplate  = errors.New("invalid command template")
	ErrEmptyCommand = errors.New("empty command")
)

// CommandError reports a command that could not be started or exited with a
// non-zero status.
type CommandError struct {
	Argv     []string
	ExitCode int // -1 when the process never ran to completion
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %v", e.Cmdline(), e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Cmdline returns the argv joined with spaces.
func (e *CommandError) Cmdline() string {
	return strings.Join(e.Argv, " ")
}

// Runner executes an already expanded command and returns its output.
type Runner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	logger *zap.SugaredLogger
}

func NewExecRunner(logger *zap.SugaredLogger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run starts argv and waits for it. Stdout and stderr are captured together.
// There is no timeout beyond ctx.
func (r *ExecRunner) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Debugw("running command", "cmd", cmd.String())

	if err := cmd.Run(); err != nil {
		code := -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}

		return out.Bytes(), &CommandError{
			Argv:     argv,
			ExitCode: code,
			Output:   strings.TrimSpace(out.String()),
			Err:      err,
		}
	}

	return out.Bytes(), nil
}

// RunTemplate expands tmpl with vars and runs the result on r.
func RunTemplate(ctx context.Context, r Runner, tmpl string, vars map[string]string) ([]byte, error) {
	argv, err := Expand(tmpl, vars)
	if err != nil {
		return nil, err
	}

	return r.Run(ctx, argv)
}

// Expand parses tmpl as a single simple command and interpolates vars into
// its words. Referencing a parameter missing from vars is an error.
func Expand(tmpl string, vars map[string]string) ([]string, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(tmpl), "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse %q: %w", ErrBadTemplate, tmpl, err)
	}

	if len(file.Stmts) != 1 {
		return nil, fmt.Errorf("%w: %q must be exactly one command", ErrBadTemplate, tmpl)
	}

	stmt := file.Stmts[0]

	switch {
	case stmt.Background:
		return nil, fmt.Errorf("%w: %q runs in the background", ErrBadTemplate, tmpl)
	case stmt.Negated:
		return nil, fmt.Errorf("%w: %q is negated", ErrBadTemplate, tmpl)
	case len(stmt.Redirs) > 0:
		return nil, fmt.Errorf("%w: %q contains redirects", ErrBadTemplate, tmpl)
	}

	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a simple command", ErrBadTemplate, tmpl)
	}

	if len(call.Assigns) > 0 {
		return nil, fmt.Errorf("%w: %q contains assignments", ErrBadTemplate, tmpl)
	}

	pairs := make([]string, 0, len(vars))
	for k, v := range vars {
		pairs = append(pairs, k+"="+v)
	}

	cfg := &expand.Config{
		Env:     expand.ListEnviron(pairs...),
		NoUnset: true,
	}

	argv, err := expand.Fields(cfg, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to expand %q: %w", ErrBadTemplate, tmpl, err)
	}

	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyCommand, tmpl)
	}

	return argv, nil
}
