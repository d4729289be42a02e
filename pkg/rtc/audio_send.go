package rtc

import (
	"github.com/pion/rtp"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
)

// seqNoStep is the origin gap above which renumbering collapses the
// jump to a single step. A stream switch shows up as a large gap; a
// short burst of loss keeps its exact gap so the consumer's loss
// accounting stays truthful.
const seqNoStep = 10

// AudioSendAdapter emits audio RTP on its own SSRC. Frames that arrive
// as whole RTP packets (the forwarding path) get their sequence
// numbers smoothed and SSRC rewritten in place; bare codec frames are
// packetized one to one.
type AudioSendAdapter struct {
	cfg  Config
	log  *logger.Logger
	ssrc uint32

	seqNo           uint16
	lastOriginSeqNo uint16
	started         bool

	rtpListener DataListener

	packetsSent uint64
	octetsSent  uint64
	lastRtpTS   uint32
}

// NewAudioSendAdapter allocates a local SSRC and wires the data
// listener.
func NewAudioSendAdapter(cfg Config, rtpListener DataListener, log *logger.Logger) *AudioSendAdapter {
	return &AudioSendAdapter{
		cfg:         cfg,
		log:         log.With("component", "audio_send"),
		ssrc:        NewSSRC(),
		rtpListener: rtpListener,
	}
}

// SSRC returns the adapter's sending SSRC.
func (a *AudioSendAdapter) SSRC() uint32 { return a.ssrc }

// Close releases the SSRC.
func (a *AudioSendAdapter) Close() {
	ReleaseSSRC(a.ssrc)
}

// OnFrame consumes one audio frame; every frame maps to exactly one
// outbound RTP packet.
func (a *AudioSendAdapter) OnFrame(f *frame.Frame) {
	if f.Audio.IsRTPPacket {
		a.forwardRTP(f)
		return
	}
	a.packetize(f)
}

func (a *AudioSendAdapter) forwardRTP(f *frame.Frame) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(f.Payload); err != nil {
		a.log.DebugRTP("dropping unparseable forwarded packet", "error", err)
		return
	}

	a.updateSeqNo(pkt.SequenceNumber)
	pkt.SequenceNumber = a.seqNo
	pkt.SSRC = a.ssrc
	pkt.PayloadType = a.cfg.PayloadType
	a.applyMid(&pkt.Header)

	a.emit(&pkt)
}

func (a *AudioSendAdapter) packetize(f *frame.Frame) {
	a.seqNo++
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    a.cfg.PayloadType,
			SequenceNumber: a.seqNo,
			Timestamp:      f.Timestamp,
			SSRC:           a.ssrc,
		},
		Payload: f.Payload,
	}
	a.applyMid(&pkt.Header)
	a.emit(&pkt)
}

func (a *AudioSendAdapter) emit(pkt *rtp.Packet) {
	buf, err := pkt.Marshal()
	if err != nil {
		a.log.DebugRTP("marshal failed", "error", err)
		return
	}
	a.packetsSent++
	a.octetsSent += uint64(len(pkt.Payload))
	a.lastRtpTS = pkt.Timestamp
	if a.rtpListener != nil {
		a.rtpListener.OnAdapterData(buf)
	}
}

// OnRtcpData consumes inbound RTCP addressed to this sender. Receiver
// reports carry loss stats the engine does not act on today.
func (a *AudioSendAdapter) OnRtcpData(data []byte) {
	a.log.DebugRTP("audio sender rtcp", "size", len(data))
}

// updateSeqNo renumbers a forwarded origin sequence onto this SSRC's
// monotone sequence space. The first packet keeps the initial number;
// afterwards an origin step of 1 or a jump above seqNoStep advances by
// exactly 1, anything in between advances by the origin step.
func (a *AudioSendAdapter) updateSeqNo(originSeqNo uint16) {
	if !a.started {
		a.started = true
		a.lastOriginSeqNo = originSeqNo
		return
	}
	step := originSeqNo - a.lastOriginSeqNo // uint16 arithmetic is wrap-safe
	if step == 1 || step > seqNoStep {
		a.seqNo++
	} else {
		a.seqNo += step
	}
	a.lastOriginSeqNo = originSeqNo
}

func (a *AudioSendAdapter) applyMid(h *rtp.Header) {
	if a.cfg.MidExt == 0 || a.cfg.Mid == "" {
		return
	}
	if h.ExtensionProfile == 0 {
		h.ExtensionProfile = 0xBEDE
	}
	h.Extension = true
	if err := h.SetExtension(uint8(a.cfg.MidExt), []byte(a.cfg.Mid)); err != nil {
		a.log.DebugRTP("set mid extension", "error", err)
	}
}
