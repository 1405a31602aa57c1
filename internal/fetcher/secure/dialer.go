package secure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Dialer opens raw connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type pinKey struct{}

// withPins attaches the validated, ordered candidate addresses for one hop.
func withPins(ctx context.Context, ips []netip.Addr) context.Context {
	return context.WithValue(ctx, pinKey{}, ips)
}

func pinsFrom(ctx context.Context) []netip.Addr {
	ips, _ := ctx.Value(pinKey{}).([]netip.Addr)
	return ips
}

// dialPinned ignores the hostname the transport asks for and connects to the
// validated addresses in order, returning the first connection whose peer is
// verified. The hostname still drives the Host header and TLS verification.
func (f *Fetcher) dialPinned(ctx context.Context, network, address string) (net.Conn, error) {
	ips := pinsFrom(ctx)
	if len(ips) == 0 {
		return nil, ErrUnpinnedAddress
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("split dial address: %w", err)
	}

	var errs []error
	for _, ip := range ips {
		conn, err := f.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := f.verifyPeer(conn, ip); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("dial pinned addresses: %w", errors.Join(errs...))
}

// verifyPeer fails closed when the connected peer cannot be identified, differs
// from the pinned address, or no longer passes the address policy.
func (f *Fetcher) verifyPeer(conn net.Conn, pinned netip.Addr) error {
	remote := conn.RemoteAddr()
	if remote == nil {
		return ErrUnpinnedAddress
	}
	peer, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return fmt.Errorf("%w: unparseable peer %q", ErrUnpinnedAddress, remote.String())
	}
	if peer.Addr().Unmap() != pinned.Unmap() {
		return fmt.Errorf("%w: peer %s", ErrUnpinnedAddress, peer.Addr())
	}
	if err := f.guard.CheckAddr(peer.Addr()); err != nil {
		return fmt.Errorf("verify peer: %w", err)
	}
	return nil
}
