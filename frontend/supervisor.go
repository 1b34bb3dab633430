package frontend

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/tcassar-diss/ipipdirect/bpf"
	"github.com/tcassar-diss/ipipdirect/bpf/filter"
	"github.com/tcassar-diss/ipipdirect/netinfo"
	"go.uber.org/zap"
)

// Discoverer resolves the interface the filter is attached to.
type Discoverer interface {
	Discover(name string, override netip.Addr) (*netinfo.Interface, error)
	GatewayHardwareAddr(ctx context.Context) netinfo.HardwareAddr
}

// Attacher installs and removes the egress filter of one interface.
type Attacher interface {
	Attach(ctx context.Context, prog filter.Program) error
	Detach(ctx context.Context) error
}

type SupervisorCfg struct {
	Interface    string
	Override     netip.Addr // used only when the kernel has no address for Interface
	Program      filter.Program
	InterfaceMap string
	MACMap       string
	PollInterval time.Duration
}

// Supervisor owns the lifetime of the egress filter: discover, attach,
// publish, wait for shutdown, detach.
type Supervisor struct {
	logger     *zap.SugaredLogger
	cfg        *SupervisorCfg
	discoverer Discoverer
	attacher   Attacher
	store      *bpf.Store
}

func NewSupervisor(
	logger *zap.SugaredLogger,
	cfg *SupervisorCfg,
	discoverer Discoverer,
	attacher Attacher,
	store *bpf.Store,
) *Supervisor {
	return &Supervisor{
		logger:     logger,
		cfg:        cfg,
		discoverer: discoverer,
		attacher:   attacher,
		store:      store,
	}
}

// Run attaches the filter and blocks until ctx is cancelled, then detaches.
//
// Cancelling ctx never interrupts a kernel operation already in progress:
// attach, publish and detach all run to completion and ctx is only observed
// by the wait loop. Any failure after a successful attach detaches again
// before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	opCtx := context.WithoutCancel(ctx)

	iface, err := s.discoverer.Discover(s.cfg.Interface, s.cfg.Override)
	if err != nil {
		return fmt.Errorf("failed to discover interface %s: %w", s.cfg.Interface, err)
	}

	s.logger.Infow("discovered interface",
		"iface", iface.Name,
		"index", iface.Index,
		"addr", iface.Addr.String(),
	)

	gwMAC := s.discoverer.GatewayHardwareAddr(opCtx)

	if err := s.attacher.Attach(opCtx, s.cfg.Program); err != nil {
		return fmt.Errorf("failed to attach egress filter to %s: %w", iface.Name, err)
	}

	if err := s.publish(iface, gwMAC); err != nil {
		if dErr := s.attacher.Detach(opCtx); dErr != nil {
			s.logger.Errorw("couldn't roll back egress filter", "iface", iface.Name, "err", dErr)
		}

		return fmt.Errorf("failed to publish network parameters for %s: %w", iface.Name, err)
	}

	s.logger.Infow("starting IPIP direct TC egress program",
		"iface", iface.Name,
		"addr", iface.Addr.String(),
		"gateway-mac", gwMAC.String(),
	)

	wait(ctx, s.cfg.PollInterval)

	s.logger.Infow("cleaning up", "iface", iface.Name)

	if err := s.attacher.Detach(opCtx); err != nil {
		return fmt.Errorf("failed to detach egress filter from %s: %w", iface.Name, err)
	}

	return nil
}

// publish writes the interface address and gateway MAC into their maps.
// Both maps are opened before either is written.
func (s *Supervisor) publish(iface *netinfo.Interface, gwMAC netinfo.HardwareAddr) error {
	ifMap, err := s.store.Open(s.cfg.InterfaceMap)
	if err != nil {
		return err
	}
	defer ifMap.Close()

	macMap, err := s.store.Open(s.cfg.MACMap)
	if err != nil {
		return err
	}
	defer macMap.Close()

	if err := ifMap.Publish(bpf.SingletonKey, bpf.IPv4Value(iface.Addr)); err != nil {
		return err
	}

	if err := macMap.Publish(bpf.SingletonKey, bpf.HardwareAddrValue(gwMAC)); err != nil {
		return err
	}

	s.logger.Debugw("published network parameters",
		"interface-map", s.cfg.InterfaceMap,
		"mac-map", s.cfg.MACMap,
	)

	return nil
}

// wait blocks until ctx is done, waking once per interval.
func wait(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
