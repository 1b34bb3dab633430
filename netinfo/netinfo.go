// Package netinfo discovers the network identity of the interface the egress
// filter is attached to: its kernel index, its local IPv4 address, and the
// hardware address of the default gateway.
package netinfo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/tcassar-diss/ipipdirect/shell"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

var (
	ErrConfiguration     = errors.New("invalid interface configuration")
	ErrNetworkResolution = errors.New("no local IPv4 address available")
)

// NeighborCmd lists the neighbor table entry for the default gateway.
const NeighborCmd = "${ip} neigh show to ${gw}"

// Interface is the discovered identity of the attached interface.
type Interface struct {
	Name  string
	Index int
	Addr  netip.Addr
}

type Option func(*Resolver)

// WithIPCommand sets the binary used for neighbor table queries.
func WithIPCommand(path string) Option {
	return func(r *Resolver) {
		r.ipPath = path
	}
}

// WithNetlink replaces the netlink lookups, mostly for tests.
func WithNetlink(
	linkByName func(string) (netlink.Link, error),
	addrList func(netlink.Link, int) ([]netlink.Addr, error),
	routeList func(netlink.Link, int) ([]netlink.Route, error),
) Option {
	return func(r *Resolver) {
		r.linkByName = linkByName
		r.addrList = addrList
		r.routeList = routeList
	}
}

// Resolver queries the kernel (over netlink) and the neighbor table (through
// the ip tool) for interface parameters.
type Resolver struct {
	logger *zap.SugaredLogger
	runner shell.Runner
	ipPath string

	linkByName func(string) (netlink.Link, error)
	addrList   func(netlink.Link, int) ([]netlink.Addr, error)
	routeList  func(netlink.Link, int) ([]netlink.Route, error)
}

func NewResolver(logger *zap.SugaredLogger, runner shell.Runner, opts ...Option) *Resolver {
	r := &Resolver{
		logger:     logger,
		runner:     runner,
		ipPath:     "ip",
		linkByName: netlink.LinkByName,
		addrList:   netlink.AddrList,
		routeList:  netlink.RouteList,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Discover resolves the index and local address of name. Either failure is
// returned as is; nothing is cached.
func (r *Resolver) Discover(name string, override netip.Addr) (*Interface, error) {
	idx, err := r.InterfaceIndex(name)
	if err != nil {
		return nil, err
	}

	addr, err := r.LocalIPv4(name, override)
	if err != nil {
		return nil, err
	}

	return &Interface{
		Name:  name,
		Index: idx,
		Addr:  addr,
	}, nil
}

// InterfaceIndex returns the kernel index of the named interface.
func (r *Resolver) InterfaceIndex(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty interface name", ErrConfiguration)
	}

	link, err := r.linkByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to find interface %s: %w", ErrConfiguration, name, err)
	}

	idx := link.Attrs().Index
	if idx <= 0 {
		return 0, fmt.Errorf("%w: interface %s has invalid index %d", ErrConfiguration, name, idx)
	}

	return idx, nil
}

// LocalIPv4 asks the kernel for the first IPv4 address assigned to name. If
// the query fails or the interface has no address, override is used instead
// (when valid).
func (r *Resolver) LocalIPv4(name string, override netip.Addr) (netip.Addr, error) {
	addr, err := r.queryIPv4(name)
	if err == nil {
		return addr, nil
	}

	if !override.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: interface %s: %w (no override given)", ErrNetworkResolution, name, err)
	}

	if !override.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: override %s is not an IPv4 address", ErrNetworkResolution, override)
	}

	r.logger.Warnw("couldn't query interface address, using override",
		"iface", name,
		"override", override.String(),
		"err", err,
	)

	return override, nil
}

func (r *Resolver) queryIPv4(name string) (netip.Addr, error) {
	link, err := r.linkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to find link: %w", err)
	}

	addrs, err := r.addrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list addresses: %w", err)
	}

	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}

		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			return ip, nil
		}
	}

	return netip.Addr{}, errors.New("no IPv4 address assigned")
}

// GatewayHardwareAddr looks up the default route's next hop in the neighbor
// table. It never fails: any miss is logged and yields the zero address.
func (r *Resolver) GatewayHardwareAddr(ctx context.Context) HardwareAddr {
	gw, err := r.defaultGateway()
	if err != nil {
		r.logger.Warnw("couldn't find default gateway, using zero gateway MAC", "err", err)
		return HardwareAddr{}
	}

	out, err := shell.RunTemplate(ctx, r.runner, NeighborCmd, map[string]string{
		"ip": r.ipPath,
		"gw": gw.String(),
	})
	if err != nil {
		r.logger.Warnw("couldn't read neighbor table, using zero gateway MAC", "gateway", gw.String(), "err", err)
		return HardwareAddr{}
	}

	mac, ok := parseNeighbor(string(out), gw.String())
	if !ok {
		r.logger.Warnw("gateway missing from neighbor table, using zero gateway MAC", "gateway", gw.String())
		return HardwareAddr{}
	}

	r.logger.Infow("resolved gateway MAC", "gateway", gw.String(), "mac", mac.String())

	return mac
}

func (r *Resolver) defaultGateway() (netip.Addr, error) {
	routes, err := r.routeList(nil, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list routes: %w", err)
	}

	for _, rt := range routes {
		if !isDefault(rt.Dst) || rt.Gw == nil {
			continue
		}

		if gw, ok := netip.AddrFromSlice(rt.Gw.To4()); ok {
			return gw, nil
		}
	}

	return netip.Addr{}, errors.New("no IPv4 default route with a next hop")
}

func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}

	ones, _ := dst.Mask.Size()

	return ones == 0 && dst.IP.IsUnspecified()
}
