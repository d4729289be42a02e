package packet

import (
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// MTU bounds every packet buffer that crosses the transport boundary.
const MTU = 1500

// Component identifies the ICE component a packet belongs to.
type Component uint8

const (
	ComponentRTP  Component = 1
	ComponentRTCP Component = 2
)

// Type tags a packet's media kind once known.
type Type uint8

const (
	TypeOther Type = iota
	TypeAudio
	TypeVideo
)

// DataPacket is the unit crossing layers between the transport and the
// frame boundary. Buffers come from a shared pool; Release returns them.
type DataPacket struct {
	Component  Component
	Type       Type
	ReceivedAt time.Time
	Data       []byte

	buf *[MTU]byte
}

var bufPool = sync.Pool{
	New: func() any { return new([MTU]byte) },
}

// New copies data into a pooled MTU-bounded buffer. Oversized input is
// truncated to the MTU.
func New(component Component, typ Type, data []byte) *DataPacket {
	buf := bufPool.Get().(*[MTU]byte)
	n := copy(buf[:], data)
	return &DataPacket{
		Component:  component,
		Type:       typ,
		ReceivedAt: time.Now(),
		Data:       buf[:n],
		buf:        buf,
	}
}

// Release returns the backing buffer to the pool. The packet must not
// be used afterwards.
func (p *DataPacket) Release() {
	if p.buf != nil {
		bufPool.Put(p.buf)
		p.buf = nil
		p.Data = nil
	}
}

// Len returns the payload length.
func (p *DataPacket) Len() int { return len(p.Data) }

// Demux classification over the first byte of an inbound ICE payload,
// per RFC 7983: [0,3] STUN, [20,63] DTLS, [128,191] RTP/RTCP.

// IsDTLS reports whether the buffer starts a DTLS record.
func IsDTLS(buf []byte) bool {
	return len(buf) > 0 && buf[0] >= 20 && buf[0] <= 63
}

// IsSTUN reports whether the buffer is a STUN message.
func IsSTUN(buf []byte) bool {
	return stun.IsMessage(buf)
}

// IsRTPRange reports whether the buffer falls in the SRTP/SRTCP range.
func IsRTPRange(buf []byte) bool {
	return len(buf) > 0 && buf[0] >= 128 && buf[0] <= 191
}

// IsRTCP distinguishes RTCP from RTP inside the SRTP range by payload
// type: compound report types occupy 64-95 (SR=72..76 after masking the
// marker bit; in practice 192-223 on the wire, i.e. PT&0x7F in 64..95).
func IsRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1] & 0x7F
	return pt >= 64 && pt <= 95
}
