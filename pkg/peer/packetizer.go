package peer

import (
	"sync/atomic"
	"time"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/rtc"
	"github.com/ethan/webrtc-sfu/pkg/sdp"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

// rtcpInterval paces sender reports on outbound streams.
const rtcpInterval = time.Second

// packetizerConfig is shared by both frame packetizers.
type packetizerConfig struct {
	PayloadType    uint8
	ClockRate      uint32
	Mid            string
	MidExt         int
	RedPayload     uint8
	UlpfecPayload  uint8
	TransportCCExt int
	RtcpRsize      bool
}

func packetizerConfigFromFormat(media *sdp.MediaDesc, spec sdp.FormatSpec) packetizerConfig {
	return packetizerConfig{
		PayloadType:    spec.PayloadType,
		ClockRate:      spec.Codec.ClockRate,
		Mid:            media.Mid,
		MidExt:         media.ExtensionID(sdp.ExtMidURI),
		RedPayload:     spec.RedPayloadType,
		UlpfecPayload:  spec.UlpfecPayloadType,
		TransportCCExt: media.ExtensionID(sdp.ExtTransportCCURI),
		RtcpRsize:      media.RtcpRsize,
	}
}

// AudioFramePacketizer accepts audio frames and emits RTP toward one
// subscriber. It is the consumer side of the pipeline: a closed
// packetizer is pruned from its sources on the next delivery.
type AudioFramePacketizer struct {
	log     *logger.Logger
	sender  *rtc.AudioSendAdapter
	write   func(data []byte)
	enabled atomic.Bool
	closed  atomic.Bool
	source  atomic.Pointer[frame.Source]
}

// NewAudioFramePacketizer wires the packetizer onto the transport
// write path.
func NewAudioFramePacketizer(cfg packetizerConfig, write func([]byte), log *logger.Logger) *AudioFramePacketizer {
	p := &AudioFramePacketizer{
		log:   log.With("component", "audio_packetizer"),
		write: write,
	}
	p.sender = rtc.NewAudioSendAdapter(rtc.Config{
		PayloadType:     cfg.PayloadType,
		ClockRate:       cfg.ClockRate,
		Mid:             cfg.Mid,
		MidExt:          cfg.MidExt,
		TransportCCExt:  cfg.TransportCCExt,
		RtcpReducedSize: cfg.RtcpRsize,
	}, adapterDataFunc(write), log)
	p.enabled.Store(true)
	return p
}

// SSRC returns the outbound SSRC advertised in the answer SDP.
func (p *AudioFramePacketizer) SSRC() uint32 { return p.sender.SSRC() }

// Enable toggles emission.
func (p *AudioFramePacketizer) Enable(on bool) { p.enabled.Store(on) }

// SetSource records the feeding source for upstream feedback.
func (p *AudioFramePacketizer) SetSource(s *frame.Source) { p.source.Store(s) }

// OnFrame implements frame.Consumer.
func (p *AudioFramePacketizer) OnFrame(f *frame.Frame) {
	if p.closed.Load() || !p.enabled.Load() {
		return
	}
	p.sender.OnFrame(f)
}

// Closed implements frame.Consumer.
func (p *AudioFramePacketizer) Closed() bool { return p.closed.Load() }

// OnRtcpData consumes subscriber RTCP addressed to this SSRC.
func (p *AudioFramePacketizer) OnRtcpData(data []byte) {
	p.sender.OnRtcpData(data)
}

// Close detaches the packetizer; sources prune it lazily.
func (p *AudioFramePacketizer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.sender.Close()
	}
}

// VideoFramePacketizer accepts video frames and emits RTP toward one
// subscriber, with keyframe gating, RED encapsulation when negotiated,
// NACK replies and periodic sender reports.
type VideoFramePacketizer struct {
	log     *logger.Logger
	sender  *rtc.VideoSendAdapter
	write   func(data []byte)
	enabled atomic.Bool
	closed  atomic.Bool
	source  atomic.Pointer[frame.Source]
	srTask  *worker.ScheduledTask
}

// NewVideoFramePacketizer wires the packetizer and schedules its SR
// cadence on the owning worker.
func NewVideoFramePacketizer(cfg packetizerConfig, write func([]byte), w *worker.Worker, log *logger.Logger) *VideoFramePacketizer {
	p := &VideoFramePacketizer{
		log:   log.With("component", "video_packetizer"),
		write: write,
	}
	p.sender = rtc.NewVideoSendAdapter(rtc.Config{
		PayloadType:       cfg.PayloadType,
		ClockRate:         cfg.ClockRate,
		Mid:               cfg.Mid,
		MidExt:            cfg.MidExt,
		RedPayloadType:    cfg.RedPayload,
		UlpfecPayloadType: cfg.UlpfecPayload,
		TransportCCExt:    cfg.TransportCCExt,
		RtcpReducedSize:   cfg.RtcpRsize,
	}, adapterDataFunc(write), p, log)
	p.enabled.Store(true)

	p.srTask = w.ScheduleEvery(func() bool {
		if p.closed.Load() {
			return false
		}
		if sr := p.sender.BuildSenderReport(); sr != nil {
			write(sr)
		}
		return true
	}, rtcpInterval)
	return p
}

// SSRC returns the outbound SSRC advertised in the answer SDP.
func (p *VideoFramePacketizer) SSRC() uint32 { return p.sender.SSRC() }

// Enable toggles emission; re-enabling resets the keyframe gate.
func (p *VideoFramePacketizer) Enable(on bool) {
	p.enabled.Store(on)
	if on {
		p.sender.Reset()
	}
}

// SetSource records the feeding source for upstream feedback.
func (p *VideoFramePacketizer) SetSource(s *frame.Source) { p.source.Store(s) }

// OnFrame implements frame.Consumer.
func (p *VideoFramePacketizer) OnFrame(f *frame.Frame) {
	if p.closed.Load() || !p.enabled.Load() {
		return
	}
	p.sender.OnFrame(f)
}

// Closed implements frame.Consumer.
func (p *VideoFramePacketizer) Closed() bool { return p.closed.Load() }

// OnAdapterFeedback implements rtc.FeedbackListener: keyframe needs
// flow upstream to the feeding source.
func (p *VideoFramePacketizer) OnAdapterFeedback(msg frame.FeedbackMsg) {
	if src := p.source.Load(); src != nil {
		src.DeliverFeedback(msg)
	}
}

// OnRtcpData consumes subscriber RTCP addressed to this SSRC (PLI,
// FIR, NACK, RR).
func (p *VideoFramePacketizer) OnRtcpData(data []byte) {
	p.sender.OnRtcpData(data)
}

// Close detaches the packetizer and cancels its SR cadence.
func (p *VideoFramePacketizer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		if p.srTask != nil {
			p.srTask.Cancel()
		}
		p.sender.Close()
	}
}
