package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/leeineian/tempo/sys"
)

// RoutePlanner picks the local address used for outbound requests.
type RoutePlanner interface {
	NextAddress() netip.Addr
}

// EgressConfig configures IPv6 egress rotation for the YouTube backend.
type EgressConfig struct {
	// Block is an IPv6 CIDR. Empty disables rotation.
	Block string
	// Exclude is an address literal or hostname that must never be used.
	Exclude string

	Lookup func(ctx context.Context, network, host string) ([]netip.Addr, error)
	Clock  clockwork.Clock
}

// RotatingPlanner derives each address from the current nanosecond clock,
// skipping the excluded address.
type RotatingPlanner struct {
	prefix  netip.Prefix
	exclude netip.Addr
	clock   clockwork.Clock
}

// NewRotatingPlanner builds a planner over block. An invalid exclude address
// means no exclusion.
func NewRotatingPlanner(block netip.Prefix, exclude netip.Addr, clock clockwork.Clock) (*RotatingPlanner, error) {
	if !block.IsValid() || !block.Addr().Is6() || block.Addr().Is4In6() {
		return nil, fmt.Errorf("egress block %s is not an IPv6 prefix", block)
	}
	block = block.Masked()
	if exclude.IsValid() && block.Bits() == 128 && block.Addr() == exclude {
		return nil, fmt.Errorf("egress block %s only contains the excluded address", block)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RotatingPlanner{prefix: block, exclude: exclude, clock: clock}, nil
}

func (p *RotatingPlanner) Block() netip.Prefix { return p.prefix }

func (p *RotatingPlanner) Excluded() (netip.Addr, bool) {
	return p.exclude, p.exclude.IsValid()
}

// NextAddress returns base + the nanosecond clock truncated to the host bits,
// stepping past the excluded address. In blocks wider than /64 only the low 64
// bits rotate; the bits between the prefix and /64 stay at the block base.
func (p *RotatingPlanner) NextAddress() netip.Addr {
	offset := uint64(p.clock.Now().UnixNano())
	addr := p.addressAt(offset)
	if addr == p.exclude {
		addr = p.addressAt(offset + 1)
	}
	return addr
}

func (p *RotatingPlanner) addressAt(offset uint64) netip.Addr {
	hostBits := 128 - p.prefix.Bits()
	if hostBits == 0 {
		return p.prefix.Addr()
	}
	if hostBits < 64 {
		offset &= (uint64(1) << hostBits) - 1
	}
	raw := p.prefix.Addr().As16()
	low := binary.BigEndian.Uint64(raw[8:])
	binary.BigEndian.PutUint64(raw[8:], low|offset)
	return netip.AddrFrom16(raw)
}

// DialContext dials from the next planned address.
func (p *RotatingPlanner) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   15 * time.Second,
		LocalAddr: &net.TCPAddr{IP: p.NextAddress().AsSlice()},
	}
	return d.DialContext(ctx, network, address)
}

// HTTPClient returns a client whose connections originate from planned addresses.
func (p *RotatingPlanner) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DialContext:         p.DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// EgressTarget accepts at most one planner.
type EgressTarget interface {
	SetRoutePlanner(RoutePlanner) error
}

// SetupEgress builds a planner from cfg and attaches it to target. It returns
// (nil, nil) when no block is configured. An exclude address that cannot be
// resolved is logged and rotation continues over the whole block.
func SetupEgress(ctx context.Context, cfg EgressConfig, target EgressTarget) (*RotatingPlanner, error) {
	if cfg.Block == "" {
		return nil, nil
	}
	block, err := netip.ParsePrefix(cfg.Block)
	if err != nil {
		return nil, fmt.Errorf("parsing egress block: %w", err)
	}

	var exclude netip.Addr
	if cfg.Exclude != "" {
		exclude, err = resolveExclude(ctx, cfg)
		if err != nil {
			sys.LogSourceWarn(sys.MsgSourceEgressExcludeFault, cfg.Exclude, err)
			exclude = netip.Addr{}
		}
	}

	planner, err := NewRotatingPlanner(block, exclude, cfg.Clock)
	if err != nil {
		return nil, err
	}
	if err := target.SetRoutePlanner(planner); err != nil {
		return nil, err
	}

	sys.LogSource(sys.MsgSourceEgressEnabled, planner.Block(), "youtube")
	if exclude.IsValid() {
		sys.LogSource(sys.MsgSourceEgressExclude, exclude)
	}
	return planner, nil
}

func resolveExclude(ctx context.Context, cfg EgressConfig) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(cfg.Exclude); err == nil {
		return addr.Unmap(), nil
	}
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupNetIP
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addrs, err := lookup(lookupCtx, "ip6", cfg.Exclude)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a.Is6() && !a.Is4In6() {
			return a, nil
		}
	}
	return netip.Addr{}, errors.New("no IPv6 address found")
}
