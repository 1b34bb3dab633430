package shell_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/ipipdirect/shell"
	"go.uber.org/zap/zaptest"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		name     string
		tmpl     string
		vars     map[string]string
		expected []string
		err      error
	}{
		{
			name:     "interpolates parameters",
			tmpl:     "${tc} qdisc add dev ${dev} clsact",
			vars:     map[string]string{"tc": "/sbin/tc", "dev": "eth0"},
			expected: []string{"/sbin/tc", "qdisc", "add", "dev", "eth0", "clsact"},
		},
		{
			name:     "literal command",
			tmpl:     "ip -4 route list 0/0",
			expected: []string{"ip", "-4", "route", "list", "0/0"},
		},
		{
			name:     "quoted parameter keeps spaces",
			tmpl:     `${tc} filter add dev ${dev} egress bpf da obj "${obj}" sec ${sec}`,
			vars:     map[string]string{"tc": "tc", "dev": "eth0", "obj": "/opt/my dir/f.o", "sec": "egress"},
			expected: []string{"tc", "filter", "add", "dev", "eth0", "egress", "bpf", "da", "obj", "/opt/my dir/f.o", "sec", "egress"},
		},
		{
			name: "unset parameter",
			tmpl: "${tc} qdisc del dev ${dev} clsact",
			vars: map[string]string{"tc": "tc"},
			err:  shell.ErrBadTemplate,
		},
		{
			name: "redirect rejected",
			tmpl: "tc qdisc del dev eth0 clsact 2> /dev/null",
			err:  shell.ErrBadTemplate,
		},
		{
			name: "pipeline rejected",
			tmpl: "ip neigh | grep 10.0.0.1",
			err:  shell.ErrBadTemplate,
		},
		{
			name: "multiple statements rejected",
			tmpl: "tc qdisc del dev eth0 clsact; tc qdisc add dev eth0 clsact",
			err:  shell.ErrBadTemplate,
		},
		{
			name: "background rejected",
			tmpl: "sleep 10 &",
			err:  shell.ErrBadTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shell.Expand(tt.tmpl, tt.vars)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestExecRunner(t *testing.T) {
	r := shell.NewExecRunner(zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	out, err := shell.RunTemplate(ctx, r, "echo ${word}", map[string]string{"word": "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(out))

	_, err = r.Run(ctx, []string{"sh", "-c", "echo oops >&2; exit 3"})

	var cmdErr *shell.CommandError
	require.True(t, errors.As(err, &cmdErr))
	require.Equal(t, 3, cmdErr.ExitCode)
	require.Equal(t, "oops", cmdErr.Output)
	require.Equal(t, "sh -c echo oops >&2; exit 3", cmdErr.Cmdline())

	_, err = r.Run(ctx, []string{"/nonexistent/ipipdirect-tool"})
	require.True(t, errors.As(err, &cmdErr))
	require.Equal(t, -1, cmdErr.ExitCode)

	_, err = r.Run(ctx, nil)
	require.ErrorIs(t, err, shell.ErrEmptyCommand)
}
