package rtc

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	sfurtp "github.com/ethan/webrtc-sfu/pkg/rtp"
)

const (
	// videoMTU leaves headroom under the transport MTU for SRTP auth
	// tags and header extensions.
	videoMTU = 1200
	// msToRtpTimestamp is the 90 kHz video clock in ticks per ms.
	msToRtpTimestamp = 90
	// resendBufferSize stores recently sent packets for NACK replies.
	resendBufferSize = 256
)

// VideoSendAdapter repacketizes video frames onto its own SSRC with a
// freshly monotone sequence space. The stream starts on a keyframe;
// until one arrives frames are dropped and a keyframe request flows
// upstream. The first keyframe pins the timestamp offset so outbound
// timestamps are wallclock-aligned.
type VideoSendAdapter struct {
	cfg Config
	log *logger.Logger

	ssrc      uint32
	seqNo     uint16
	payloader *codecs.H264Payloader

	keyFrameArrived bool
	timestampOffset uint32

	rtpListener      DataListener
	feedbackListener FeedbackListener

	resendBuf map[uint16][]byte

	packetsSent uint64
	octetsSent  uint64
	lastRtpTS   uint32

	// now is swappable for tests.
	now func() time.Time
}

// NewVideoSendAdapter allocates a local SSRC for the outbound stream.
func NewVideoSendAdapter(cfg Config, rtpListener DataListener, feedbackListener FeedbackListener, log *logger.Logger) *VideoSendAdapter {
	return &VideoSendAdapter{
		cfg:              cfg,
		log:              log.With("component", "video_send"),
		ssrc:             NewSSRC(),
		payloader:        &codecs.H264Payloader{},
		rtpListener:      rtpListener,
		feedbackListener: feedbackListener,
		resendBuf:        make(map[uint16][]byte),
		now:              time.Now,
	}
}

// SSRC returns the adapter's sending SSRC.
func (a *VideoSendAdapter) SSRC() uint32 { return a.ssrc }

// Close releases the SSRC.
func (a *VideoSendAdapter) Close() {
	ReleaseSSRC(a.ssrc)
}

// Reset clears keyframe state so the next stream substitution starts
// clean.
func (a *VideoSendAdapter) Reset() {
	a.keyFrameArrived = false
	a.timestampOffset = 0
}

// OnFrame consumes one video frame (Annex-B H.264 access unit),
// fragments it NALU by NALU and emits the RTP packets.
func (a *VideoSendAdapter) OnFrame(f *frame.Frame) {
	if f.Format != frame.FormatH264 {
		a.log.DebugFrame("dropping non-h264 frame", "format", f.Format.String())
		return
	}

	if !a.keyFrameArrived {
		if !f.Video.IsKeyFrame {
			if a.feedbackListener != nil {
				a.feedbackListener.OnAdapterFeedback(frame.FeedbackMsg{
					Type: frame.VideoFeedback,
					Cmd:  frame.RequestKeyFrame,
				})
			}
			return
		}
		// Resynchronize so the fresh stream starts at a
		// wallclock-derived timestamp.
		nowMs := uint32(a.now().UnixMilli())
		a.timestampOffset = msToRtpTimestamp*nowMs - f.Timestamp
		a.keyFrameArrived = true
	}

	timestamp := f.Timestamp + a.timestampOffset
	nalus := sfurtp.SplitNALUs(f.Payload)
	if len(nalus) == 0 {
		return
	}

	for naluIdx, nalu := range nalus {
		payloads := a.payloader.Payload(videoMTU, nalu)
		for i, payload := range payloads {
			a.seqNo++
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    a.cfg.PayloadType,
					SequenceNumber: a.seqNo,
					Timestamp:      timestamp,
					SSRC:           a.ssrc,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			}
			a.applyMid(&pkt.Header)
			a.applyRed(&pkt)
			a.emit(&pkt)
		}
	}
}

// applyRed wraps the payload in a primary-only RED encapsulation when
// a RED payload type was negotiated.
func (a *VideoSendAdapter) applyRed(pkt *rtp.Packet) {
	if a.cfg.RedPayloadType == 0 {
		return
	}
	wrapped := make([]byte, 0, len(pkt.Payload)+1)
	wrapped = append(wrapped, a.cfg.PayloadType&0x7F)
	wrapped = append(wrapped, pkt.Payload...)
	pkt.Payload = wrapped
	pkt.PayloadType = a.cfg.RedPayloadType
}

func (a *VideoSendAdapter) applyMid(h *rtp.Header) {
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

func (a *VideoSendAdapter) emit(pkt *rtp.Packet) {
	buf, err := pkt.Marshal()
	if err != nil {
		a.log.DebugRTP("marshal failed", "error", err)
		return
	}
	a.packetsSent++
	a.octetsSent += uint64(len(pkt.Payload))
	a.lastRtpTS = pkt.Timestamp

	// Keep a copy for NACK replies; evict the slot one buffer-length
	// behind.
	a.resendBuf[pkt.SequenceNumber] = buf
	delete(a.resendBuf, pkt.SequenceNumber-resendBufferSize)

	if a.rtpListener != nil {
		a.rtpListener.OnAdapterData(buf)
	}
}

// OnRtcpData consumes subscriber RTCP: PLI and FIR become upstream
// keyframe requests, NACKs are answered from the resend buffer.
func (a *VideoSendAdapter) OnRtcpData(data []byte) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		a.log.DebugRTP("rtcp unmarshal failed", "error", err)
		return
	}
	for _, p := range pkts {
		switch fb := p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			a.onIntraFrameRequest()
		case *rtcp.TransportLayerNack:
			for _, pair := range fb.Nacks {
				for _, seq := range pair.PacketList() {
					a.resend(seq)
				}
			}
		}
	}
}

func (a *VideoSendAdapter) onIntraFrameRequest() {
	if a.feedbackListener != nil {
		a.feedbackListener.OnAdapterFeedback(frame.FeedbackMsg{
			Type: frame.VideoFeedback,
			Cmd:  frame.RequestKeyFrame,
		})
	}
}

func (a *VideoSendAdapter) resend(seq uint16) {
	buf, ok := a.resendBuf[seq]
	if !ok {
		return
	}
	a.log.DebugRTP("nack resend", "sequence", seq)
	if a.rtpListener != nil {
		a.rtpListener.OnAdapterData(buf)
	}
}

// BuildSenderReport assembles an SR for the outbound stream; the owner
// schedules it on the RTCP interval.
func (a *VideoSendAdapter) BuildSenderReport() []byte {
	if a.packetsSent == 0 {
		return nil
	}
	now := a.now()
	ntp := toNtpTime(now)
	sr := &rtcp.SenderReport{
		SSRC:        a.ssrc,
		NTPTime:     ntp,
		RTPTime:     msToRtpTimestamp * uint32(now.UnixMilli()),
		PacketCount: uint32(a.packetsSent),
		OctetCount:  uint32(a.octetsSent),
	}
	buf, err := sr.Marshal()
	if err != nil {
		a.log.DebugRTP("marshal sr", "error", err)
		return nil
	}
	return buf
}

func toNtpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffsetSecs
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
