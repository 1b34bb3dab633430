package main

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/tcassar-diss/ipipdirect/bpf"
	"github.com/tcassar-diss/ipipdirect/bpf/filter"
	"github.com/tcassar-diss/ipipdirect/frontend"
	"github.com/tcassar-diss/ipipdirect/netinfo"
	"github.com/tcassar-diss/ipipdirect/shell"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:      "ipipdirect",
		Usage:     "attach the IPIP direct TC egress program to an interface until interrupted",
		ArgsUsage: "<interface> [interface-ip]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	if nArgs := cCtx.Args().Len(); nArgs < 1 || nArgs > 2 {
		_ = cli.ShowAppHelp(cCtx)

		return cli.Exit(
			fmt.Sprintf("\nERROR: expected an interface and an optional interface IP, got %d arguments", nArgs),
			1,
		)
	}

	iface := cCtx.Args().Get(0)

	override, err := parseOverride(cCtx.Args().Get(1))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	cfg, err := frontend.LoadConfig(cCtx.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	lvl, _ := cfg.Level()
	if cCtx.Bool("verbose") {
		lvl = zapcore.DebugLevel
	}

	logger, err := frontend.NewLogger(lvl)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer logger.Sync()

	interval, _ := cfg.Interval()

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Warnw("couldn't remove memlock rlimit", "err", err)
	}

	runner := shell.NewExecRunner(logger)

	supervisor := frontend.NewSupervisor(
		logger,
		&frontend.SupervisorCfg{
			Interface:    iface,
			Override:     override,
			Program:      filter.Program{Path: cfg.ProgramPath, Section: cfg.Section},
			InterfaceMap: cfg.InterfaceMap,
			MACMap:       cfg.MACMap,
			PollInterval: interval,
		},
		netinfo.NewResolver(logger, runner, netinfo.WithIPCommand(cfg.IP)),
		filter.NewAttachment(logger, runner, iface, filter.WithTC(cfg.TC)),
		bpf.NewStore(logger),
	)

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx); err != nil {
		logger.Errorw("ipipdirect failed", "iface", iface, "err", err)

		return cli.Exit(err.Error(), exitCode(err))
	}

	logger.Infow("shutdown complete", "iface", iface)

	return nil
}

// parseOverride parses the optional interface IP argument.
func parseOverride(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: invalid interface IP %q, expected an IPv4 address", netinfo.ErrConfiguration, s)
	}

	return addr, nil
}

// exitCode propagates the status of a failed external command, 1 otherwise.
func exitCode(err error) int {
	var cmdErr *shell.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return cmdErr.ExitCode
	}

	return 1
}
