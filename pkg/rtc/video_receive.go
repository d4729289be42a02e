package rtc

import (
	"encoding/binary"
	"time"

	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	sfurtp "github.com/ethan/webrtc-sfu/pkg/rtp"
)

// nackWindow bounds how many missing sequence numbers are tracked.
const nackWindow = 256

// VideoReceiveAdapter turns the publisher's video RTP into frames:
// jitter handling and access-unit assembly through the depacketizer,
// NACK generation for gaps, transport-cc recording, and coalesced
// keyframe requests answered with PLI.
type VideoReceiveAdapter struct {
	cfg Config
	log *logger.Logger

	depacketizer *sfurtp.H264Depacketizer
	estimator    NtpEstimator

	frameListener FrameListener
	rtcpListener  DataListener

	recorder     *twcc.Recorder
	lastFeedback time.Time

	localSSRC uint32
	boundSSRC uint32

	// Keyframe request coalescing: the flag arms one PLI, fired after
	// the next frame delivery; the limiter paces retries to one per
	// second.
	reqKeyFrame            bool
	pendingKeyFrameRequests int
	pliLimiter             *rate.Limiter

	nackHighest uint16
	nackStarted bool
	nackMissing map[uint16]time.Time

	width  int
	height int
}

// NewVideoReceiveAdapter builds the receive chain for one publisher
// video SSRC.
func NewVideoReceiveAdapter(cfg Config, frameListener FrameListener, rtcpListener DataListener, log *logger.Logger) *VideoReceiveAdapter {
	a := &VideoReceiveAdapter{
		cfg:           cfg,
		log:           log.With("component", "video_receive", "ssrc", cfg.SSRC),
		depacketizer:  sfurtp.NewH264Depacketizer(),
		frameListener: frameListener,
		rtcpListener:  rtcpListener,
		localSSRC:     NewSSRC(),
		pliLimiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		nackMissing:   make(map[uint16]time.Time),
	}
	if cfg.TransportCCExt != 0 {
		a.recorder = twcc.NewRecorder(a.localSSRC)
	}
	a.depacketizer.OnFrame = a.onAccessUnit
	return a
}

// Close releases the adapter's feedback SSRC.
func (a *VideoReceiveAdapter) Close() {
	ReleaseSSRC(a.localSSRC)
}

// SSRC returns the remote SSRC this adapter is bound to.
func (a *VideoReceiveAdapter) SSRC() uint32 { return a.cfg.SSRC }

// OnRtpData consumes one inbound video RTP packet.
func (a *VideoReceiveAdapter) OnRtpData(pkt *rtp.Packet, arrival time.Time) {
	a.boundSSRC = pkt.SSRC
	a.trackLoss(pkt.SequenceNumber, arrival)
	a.recordTransportCC(pkt, arrival)

	payload := pkt.Payload
	// Primary-only RED encapsulation: strip the one-byte header.
	if a.cfg.RedPayloadType != 0 && pkt.PayloadType == a.cfg.RedPayloadType {
		if len(payload) < 1 {
			return
		}
		payload = payload[1:]
	} else if pkt.PayloadType != a.cfg.PayloadType {
		return
	}

	clone := *pkt
	clone.Payload = payload
	if err := a.depacketizer.ProcessPacket(&clone); err != nil {
		a.log.DebugRTP("depacketize failed", "error", err)
	}
}

// OnRtcpData consumes publisher RTCP (SR, SDES, XR) to keep NTP
// mapping current.
func (a *VideoReceiveAdapter) OnRtcpData(data []byte) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		a.log.DebugRTP("rtcp unmarshal failed", "error", err)
		return
	}
	for _, p := range pkts {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			a.estimator.UpdateSR(uint32(sr.NTPTime>>32), uint32(sr.NTPTime), sr.RTPTime)
		}
	}
}

// RequestKeyFrame coalesces: the first request in a window arms the
// flag, later ones only bump the pending counter read by OnTimeout.
func (a *VideoReceiveAdapter) RequestKeyFrame() {
	if a.pendingKeyFrameRequests == 0 {
		a.armKeyFrameRequest()
	}
	a.pendingKeyFrameRequests++
}

// OnTimeout fires on the owner's one-second calendar: when more than
// one request accumulated during the window, retry once.
func (a *VideoReceiveAdapter) OnTimeout() {
	if a.pendingKeyFrameRequests > 1 {
		a.armKeyFrameRequest()
	}
	a.pendingKeyFrameRequests = 0
}

func (a *VideoReceiveAdapter) armKeyFrameRequest() {
	a.reqKeyFrame = true
}

// onAccessUnit emits the assembled frame and answers an armed keyframe
// request with one PLI.
func (a *VideoReceiveAdapter) onAccessUnit(unit []byte, timestamp uint32, keyframe bool) {
	a.updateDimensions(unit)
	f := &frame.Frame{
		Format:    frame.FormatH264,
		Payload:   unit,
		Timestamp: timestamp,
		NtpTimeMs: a.estimator.Estimate(timestamp),
		Video: frame.VideoInfo{
			Width:      a.width,
			Height:     a.height,
			IsKeyFrame: keyframe,
		},
	}
	if a.frameListener != nil {
		a.frameListener.OnAdapterFrame(f)
	}

	if keyframe {
		a.reqKeyFrame = false
		return
	}
	if a.reqKeyFrame {
		a.reqKeyFrame = false
		a.sendPLI()
	}
}

// updateDimensions refreshes the cached picture size from an in-band
// SPS, if the access unit carries one.
func (a *VideoReceiveAdapter) updateDimensions(unit []byte) {
	for _, nalu := range sfurtp.SplitNALUs(unit) {
		if len(nalu) == 0 || nalu[0]&0x1F != sfurtp.NALUTypeSPS {
			continue
		}
		width, height, err := sfurtp.SPSDimensions(nalu)
		if err != nil {
			a.log.DebugRTP("sps parse failed", "error", err)
			return
		}
		if width != a.width || height != a.height {
			a.width, a.height = width, height
			a.log.Info("video resolution", "width", width, "height", height)
		}
		return
	}
}

func (a *VideoReceiveAdapter) sendPLI() {
	if !a.pliLimiter.Allow() {
		return
	}
	pli := &rtcp.PictureLossIndication{
		SenderSSRC: a.localSSRC,
		MediaSSRC:  a.cfg.SSRC,
	}
	buf, err := pli.Marshal()
	if err != nil {
		a.log.DebugRTP("marshal pli", "error", err)
		return
	}
	a.log.DebugFrame("sending pli", "media_ssrc", a.cfg.SSRC)
	if a.rtcpListener != nil {
		a.rtcpListener.OnAdapterData(buf)
	}
}

// trackLoss maintains the missing-sequence window and emits NACKs for
// fresh gaps.
func (a *VideoReceiveAdapter) trackLoss(seq uint16, now time.Time) {
	if !a.nackStarted {
		a.nackStarted = true
		a.nackHighest = seq
		return
	}
	delta := seq - a.nackHighest // wrap-safe
	switch {
	case delta == 0:
		return
	case delta < 0x8000:
		var fresh []uint16
		for s := a.nackHighest + 1; s != seq; s++ {
			if len(a.nackMissing) >= nackWindow {
				break
			}
			a.nackMissing[s] = now
			fresh = append(fresh, s)
		}
		a.nackHighest = seq
		if len(fresh) > 0 {
			a.sendNack(fresh)
		}
	default:
		// Out of order or retransmitted; the gap it filled is repaired.
		delete(a.nackMissing, seq)
	}
}

func (a *VideoReceiveAdapter) sendNack(seqs []uint16) {
	nack := &rtcp.TransportLayerNack{
		SenderSSRC: a.localSSRC,
		MediaSSRC:  a.cfg.SSRC,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(seqs),
	}
	buf, err := nack.Marshal()
	if err != nil {
		a.log.DebugRTP("marshal nack", "error", err)
		return
	}
	a.log.DebugRTP("sending nack", "count", len(seqs))
	if a.rtcpListener != nil {
		a.rtcpListener.OnAdapterData(buf)
	}
}

func (a *VideoReceiveAdapter) recordTransportCC(pkt *rtp.Packet, arrival time.Time) {
	if a.recorder == nil {
		return
	}
	ext := pkt.GetExtension(uint8(a.cfg.TransportCCExt))
	if len(ext) < 2 {
		return
	}
	seq := binary.BigEndian.Uint16(ext)
	a.recorder.Record(pkt.SSRC, seq, arrival.UnixMicro())
	if a.lastFeedback.IsZero() {
		a.lastFeedback = arrival
		return
	}
	if arrival.Sub(a.lastFeedback) >= feedbackInterval {
		a.lastFeedback = arrival
		pkts := a.recorder.BuildFeedbackPacket()
		if len(pkts) == 0 || a.rtcpListener == nil {
			return
		}
		buf, err := rtcp.Marshal(pkts)
		if err != nil {
			a.log.DebugRTP("marshal transport-cc feedback", "error", err)
			return
		}
		a.rtcpListener.OnAdapterData(buf)
	}
}
