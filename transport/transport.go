// Package transport implements the datagram stage (spec.md §4.1): binding
// a UDP socket and moving raw bytes between it and the datagram channels.
// DatagramReceiver and DatagramSender are the only components that touch
// the socket, one reader and one writer, borrowing it without
// synchronization per spec.md §5's shared-resource policy.
package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/nodeid"
)

// MaxDatagramSize is the MTU assumption from spec.md §6: 1280-byte
// packets are deliverable.
const MaxDatagramSize = 1280

// Datagram is (bytes, Endpoint) in either direction (spec.md §3).
type Datagram struct {
	Data     []byte
	Endpoint nodeid.Endpoint
}

// Socket is the minimal contract DatagramReceiver/Sender need from a UDP
// connection — satisfied directly by *net.UDPConn — so tests can
// substitute an in-memory fake without binding a real port.
type Socket interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// Bind opens a UDP socket at the given local address. Bind/listen
// failures are Fatal per spec.md §7.
func Bind(laddr *net.UDPAddr) (Socket, error) {
	return net.ListenUDP("udp", laddr)
}

// isRetryable reports whether a socket I/O error indicates a transient
// condition (EINTR, EAGAIN) that should be retried rather than treated as
// a closed socket, grounded in NLipatov-TunGo's platform-level socket
// handling (infrastructure/network/udp).
func isRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// DatagramReceiver reads datagrams off sock and publishes them to out
// until ctx is cancelled or the socket is closed (spec.md §4.1).
func DatagramReceiver(ctx context.Context, sock Socket, out chan<- Datagram, lg *log.Logger) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, addr, err := sock.ReadFrom(buf)
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}

		ep, ok := endpointFromAddr(addr)
		if !ok {
			lg.Warn("dropping datagram from unparseable address", "addr", addr)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case out <- Datagram{Data: data, Endpoint: ep}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DatagramSender drains in and writes each datagram to sock. A send error
// is logged and the datagram dropped — UDP is unreliable by contract.
// Nothing retransmits a dropped datagram; a request whose datagram is
// lost fails with a RequestTimeout at the dispatcher.
func DatagramSender(ctx context.Context, sock Socket, in <-chan Datagram, lg *log.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg, ok := <-in:
			if !ok {
				return nil
			}
			addr := addrFromEndpoint(dg.Endpoint)
			if _, err := sock.WriteTo(dg.Data, addr); err != nil {
				lg.Warn("datagram send failed, dropping", "endpoint", dg.Endpoint.String(), "err", err)
			}
		}
	}
}

func endpointFromAddr(addr net.Addr) (nodeid.Endpoint, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nodeid.Endpoint{}, false
	}
	ap := udpAddr.AddrPort()
	return nodeid.Endpoint{Addr: ap.Addr(), Port: ap.Port()}, true
}

func addrFromEndpoint(ep nodeid.Endpoint) net.Addr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ep.Addr, ep.Port))
}
