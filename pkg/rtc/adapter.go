// Package rtc contains the per-SSRC send and receive adapters sitting
// between the transport and the frame pipeline: sequence numbering,
// SSRC rewriting, NACK, keyframe request handling and transport-cc
// feedback.
package rtc

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/ethan/webrtc-sfu/pkg/frame"
)

// Config parameterizes one adapter.
type Config struct {
	// SSRC is the remote SSRC for receivers. Senders allocate their own.
	SSRC              uint32
	RtxSSRC           uint32
	PayloadType       uint8
	ClockRate         uint32
	RedPayloadType    uint8
	UlpfecPayloadType uint8
	// TransportCCExt is the negotiated transport-wide-cc extension id;
	// zero disables the feedback path.
	TransportCCExt int
	// MidExt is the negotiated sdes:mid extension id; zero disables mid
	// rewriting.
	MidExt          int
	Mid             string
	RtcpReducedSize bool
}

// DataListener receives adapter output bytes (RTP or RTCP) headed for
// the transport write path.
type DataListener interface {
	OnAdapterData(data []byte)
}

// FrameListener receives reassembled frames from a receive adapter.
type FrameListener interface {
	OnAdapterFrame(f *frame.Frame)
}

// FeedbackListener receives upstream requests from a send adapter.
type FeedbackListener interface {
	OnAdapterFeedback(msg frame.FeedbackMsg)
}

// ssrcGenerator hands out process-unique SSRCs for send adapters.
type ssrcGenerator struct {
	mu    sync.Mutex
	inUse map[uint32]bool
}

var ssrcGen = &ssrcGenerator{inUse: make(map[uint32]bool)}

// NewSSRC allocates an unused random SSRC.
func NewSSRC() uint32 {
	ssrcGen.mu.Lock()
	defer ssrcGen.mu.Unlock()
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		ssrc := binary.BigEndian.Uint32(buf[:])
		if ssrc != 0 && !ssrcGen.inUse[ssrc] {
			ssrcGen.inUse[ssrc] = true
			return ssrc
		}
	}
}

// ReleaseSSRC returns an SSRC to the pool.
func ReleaseSSRC(ssrc uint32) {
	ssrcGen.mu.Lock()
	defer ssrcGen.mu.Unlock()
	delete(ssrcGen.inUse, ssrc)
}
