package transport

import (
	"net"
	"time"

	"github.com/pion/transport/v3/packetio"
)

// dtlsEndpoint is the demuxed leg the DTLS conn runs over: inbound DTLS
// records are pushed into a packetio buffer by the transport's demux,
// outbound records go back out through the ICE connection.
type dtlsEndpoint struct {
	buf   *packetio.Buffer
	write func([]byte) (int, error)
	local net.Addr
	peer  net.Addr
}

func newDtlsEndpoint(write func([]byte) (int, error)) *dtlsEndpoint {
	return &dtlsEndpoint{
		buf:   packetio.NewBuffer(),
		write: write,
		local: &net.UDPAddr{IP: net.IPv4zero},
		peer:  &net.UDPAddr{IP: net.IPv4zero},
	}
}

// push hands one inbound DTLS record to the endpoint.
func (e *dtlsEndpoint) push(data []byte) {
	_, _ = e.buf.Write(data)
}

func (e *dtlsEndpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := e.buf.Read(p)
	return n, e.peer, err
}

func (e *dtlsEndpoint) WriteTo(p []byte, _ net.Addr) (int, error) {
	return e.write(p)
}

func (e *dtlsEndpoint) Close() error {
	return e.buf.Close()
}

func (e *dtlsEndpoint) LocalAddr() net.Addr { return e.local }

func (e *dtlsEndpoint) SetDeadline(t time.Time) error {
	return e.buf.SetReadDeadline(t)
}

func (e *dtlsEndpoint) SetReadDeadline(t time.Time) error {
	return e.buf.SetReadDeadline(t)
}

func (e *dtlsEndpoint) SetWriteDeadline(time.Time) error { return nil }
