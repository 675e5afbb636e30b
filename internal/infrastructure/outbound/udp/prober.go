package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/ports"
)

var _ ports.Prober = (*Prober)(nil)

const (
	maxDatagram = 64 << 10
	// fallbackWait bounds a probe whose context carries no deadline.
	fallbackWait = time.Second
)

// Prober queries machine daemons over UDP and collects their replies.
type Prober struct {
	clock          ports.Clock
	logger         ports.Logger
	broadcastAddrs func() []netip.Addr
}

// Option configures a Prober.
type Option func(*Prober)

// WithBroadcastAddrs overrides broadcast destination discovery.
func WithBroadcastAddrs(fn func() []netip.Addr) Option {
	return func(p *Prober) { p.broadcastAddrs = fn }
}

// NewProber creates a prober.
func NewProber(clock ports.Clock, logger ports.Logger, opts ...Option) *Prober {
	p := &Prober{
		clock:          clock,
		logger:         logger,
		broadcastAddrs: InterfaceBroadcastAddrs,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe sends one query to each destination and gathers replies until ctx ends.
func (p *Prober) Probe(ctx context.Context, q ports.ProbeQuery) ([]machine.Record, error) {
	dests := p.destinations(q)
	if len(dests) == 0 {
		return nil, errors.New("probe: no destinations")
	}

	network := "udp4"
	for _, d := range dests {
		if d.Addr().Is6() {
			network = "udp"
			break
		}
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, fmt.Errorf("probe: listen: %w", err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	localPort := uint16(0)
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		localPort = uint16(la.Port)
	}
	payload := EncodeQuery(Query{UID: q.UID, Username: q.Username, FinderRecvPort: localPort})

	sent := 0
	var sendErr error
	for _, d := range dests {
		if _, err := conn.WriteToUDPAddrPort(payload, d); err != nil {
			p.logger.Debug("probe send failed", "dest", d.String(), "error", err)
			sendErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, fmt.Errorf("probe: no query could be sent: %w", sendErr)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = p.clock.Now().Add(fallbackWait)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("probe: set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	return p.collect(conn, q.UID), nil
}

func (p *Prober) collect(conn *net.UDPConn, uid int32) []machine.Record {
	var records []machine.Record
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				p.logger.Debug("probe read stopped", "error", err)
			}
			return records
		}

		rec, err := DecodeReply(buf[:n])
		if err != nil {
			p.logger.Debug("ignoring malformed reply", "from", from.String(), "error", err)
			continue
		}
		if rec.UID != uid {
			p.logger.Debug("ignoring reply for another uid", "from", from.String(), "uid", rec.UID)
			continue
		}

		rec.Responder = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if !rec.Host.IsValid() {
			rec.Host = rec.Responder.Addr()
		}
		rec.RefreshedAt = p.clock.Now()
		records = append(records, rec)
	}
}

func (p *Prober) destinations(q ports.ProbeQuery) []netip.AddrPort {
	if len(q.Targets) > 0 {
		out := make([]netip.AddrPort, 0, len(q.Targets))
		for _, t := range q.Targets {
			if !t.IsBroadcast() {
				out = append(out, t.Addr)
			}
		}
		return out
	}

	addrs := p.broadcastAddrs()
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.AddrPortFrom(a, q.Port))
	}
	return out
}

// InterfaceBroadcastAddrs returns the limited broadcast address followed by the
// directed broadcast address of every up, broadcast-capable IPv4 interface.
func InterfaceBroadcastAddrs() []netip.Addr {
	var prefixes []netip.Prefix
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				addr, ok := netip.AddrFromSlice(ipNet.IP)
				if !ok {
					continue
				}
				ones, _ := ipNet.Mask.Size()
				prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), ones))
			}
		}
	}
	return BroadcastAddrs(prefixes)
}

// BroadcastAddrs computes 255.255.255.255 plus the directed broadcast address
// of each IPv4 prefix, without duplicates. Host routes (/31, /32) are skipped.
func BroadcastAddrs(prefixes []netip.Prefix) []netip.Addr {
	limited := netip.AddrFrom4([4]byte{255, 255, 255, 255})
	out := []netip.Addr{limited}
	seen := map[netip.Addr]bool{limited: true}

	for _, pfx := range prefixes {
		if !pfx.Addr().Is4() || pfx.Bits() < 0 || pfx.Bits() > 30 {
			continue
		}
		ip := pfx.Addr().As4()
		hostBits := 32 - pfx.Bits()
		v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
		v |= (1 << hostBits) - 1
		b := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
		if seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
