package peer

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/packet"
	"github.com/ethan/webrtc-sfu/pkg/rtc"
	"github.com/ethan/webrtc-sfu/pkg/sdp"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

// constructorConfig is shared by both frame constructors.
type constructorConfig struct {
	SSRC           uint32
	RtxSSRC        uint32
	PayloadType    uint8
	ClockRate      uint32
	Format         frame.Format
	RedPayload     uint8
	UlpfecPayload  uint8
	TransportCCExt int
	AudioLevelExt  int
	RtcpRsize      bool
}

func constructorConfigFromFormat(media *sdp.MediaDesc, spec sdp.FormatSpec, format frame.Format) constructorConfig {
	cfg := constructorConfig{
		PayloadType:    spec.PayloadType,
		ClockRate:      spec.Codec.ClockRate,
		Format:         format,
		RedPayload:     spec.RedPayloadType,
		UlpfecPayload:  spec.UlpfecPayloadType,
		TransportCCExt: media.ExtensionID(sdp.ExtTransportCCURI),
		AudioLevelExt:  media.ExtensionID(sdp.ExtAudioLevelURI),
		RtcpRsize:      media.RtcpRsize,
		RtxSSRC:        media.RtxSsrc,
	}
	if len(media.Ssrcs) > 0 {
		cfg.SSRC = media.Ssrcs[0]
	}
	return cfg
}

// AudioFrameConstructor reads publisher audio RTP directly, bypassing
// a jitter buffer because the engine does not decode. Each packet
// becomes one Frame carrying the whole RTP packet, the audio-level
// extension, and an NTP timestamp interpolated from sender reports.
type AudioFrameConstructor struct {
	frame.Source

	cfg     constructorConfig
	log     *logger.Logger
	enabled bool

	estimator    rtc.NtpEstimator
	receiver     *rtc.AudioReceiveAdapter
	feedbackSink func(data []byte)

	noAudioLevelLogged bool
}

// NewAudioFrameConstructor wires the constructor; feedbackSink carries
// RTCP (transport-cc feedback) back toward the publisher.
func NewAudioFrameConstructor(cfg constructorConfig, feedbackSink func([]byte), log *logger.Logger) *AudioFrameConstructor {
	c := &AudioFrameConstructor{
		cfg:          cfg,
		log:          log.With("component", "audio_constructor"),
		enabled:      true,
		feedbackSink: feedbackSink,
	}
	c.receiver = rtc.NewAudioReceiveAdapter(rtc.Config{
		SSRC:           cfg.SSRC,
		PayloadType:    cfg.PayloadType,
		ClockRate:      cfg.ClockRate,
		TransportCCExt: cfg.TransportCCExt,
		RtcpReducedSize: cfg.RtcpRsize,
	}, adapterDataFunc(feedbackSink), log)
	return c
}

// Enable toggles frame delivery without tearing the chain down.
func (c *AudioFrameConstructor) Enable(on bool) { c.enabled = on }

// OnTransportData consumes one demuxed packet belonging to this track.
func (c *AudioFrameConstructor) OnTransportData(p *packet.DataPacket) {
	if p.Len() == 0 {
		return
	}
	if packet.IsRTCP(p.Data) {
		c.onRtcp(p.Data)
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(p.Data); err != nil {
		c.log.DebugRTP("bad audio rtp", "error", err)
		return
	}

	f := &frame.Frame{
		Format:    c.cfg.Format,
		Payload:   p.Data,
		Timestamp: pkt.Timestamp,
		NtpTimeMs: c.estimator.Estimate(pkt.Timestamp),
		Audio: frame.AudioInfo{
			SampleRate:  int(c.cfg.ClockRate),
			Channels:    audioChannels(c.cfg.Format),
			IsRTPPacket: true,
		},
	}

	if c.cfg.AudioLevelExt != 0 {
		if ext := pkt.GetExtension(uint8(c.cfg.AudioLevelExt)); len(ext) >= 1 {
			f.Audio.Voice = ext[0]&0x80 != 0
			f.Audio.Level = ext[0] & 0x7F
		} else if !c.noAudioLevelLogged {
			c.log.DebugRTP("no audio level extension on stream")
			c.noAudioLevelLogged = true
		}
	}

	if c.enabled {
		c.DeliverFrame(f)
	}
	c.receiver.OnRtpData(&pkt, p.ReceivedAt)
}

func (c *AudioFrameConstructor) onRtcp(data []byte) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return
	}
	for _, p := range pkts {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			c.estimator.UpdateSR(uint32(sr.NTPTime>>32), uint32(sr.NTPTime), sr.RTPTime)
		}
	}
}

// Close stops delivery.
func (c *AudioFrameConstructor) Close() {
	c.enabled = false
}

// VideoFrameConstructor drives the full video receive chain: jitter
// and access-unit assembly, NACK, transport-cc, and keyframe request
// coalescing with a one-second retry calendar entry.
type VideoFrameConstructor struct {
	frame.Source

	cfg     constructorConfig
	log     *logger.Logger
	worker  *worker.Worker
	enabled bool

	receiver     *rtc.VideoReceiveAdapter
	feedbackSink func(data []byte)
	retryTask    *worker.ScheduledTask

	framesAssembled uint64
}

// NewVideoFrameConstructor builds the chain; the retry timer is armed
// on the owning worker's calendar.
func NewVideoFrameConstructor(cfg constructorConfig, feedbackSink func([]byte), w *worker.Worker, log *logger.Logger) *VideoFrameConstructor {
	c := &VideoFrameConstructor{
		cfg:          cfg,
		log:          log.With("component", "video_constructor"),
		worker:       w,
		enabled:      true,
		feedbackSink: feedbackSink,
	}
	c.receiver = rtc.NewVideoReceiveAdapter(rtc.Config{
		SSRC:              cfg.SSRC,
		RtxSSRC:           cfg.RtxSSRC,
		PayloadType:       cfg.PayloadType,
		ClockRate:         cfg.ClockRate,
		RedPayloadType:    cfg.RedPayload,
		UlpfecPayloadType: cfg.UlpfecPayload,
		TransportCCExt:    cfg.TransportCCExt,
		RtcpReducedSize:   cfg.RtcpRsize,
	}, c, adapterDataFunc(feedbackSink), log)

	c.retryTask = w.ScheduleEvery(func() bool {
		c.receiver.OnTimeout()
		return true
	}, time.Second)
	return c
}

// Enable toggles delivery; enabling asks for a fresh keyframe so the
// consumer can start decoding.
func (c *VideoFrameConstructor) Enable(on bool) {
	c.enabled = on
	if on {
		c.RequestKeyFrame()
	}
}

// RequestKeyFrame coalesces into the receive adapter's request window.
func (c *VideoFrameConstructor) RequestKeyFrame() {
	if !c.enabled {
		return
	}
	c.receiver.RequestKeyFrame()
}

// OnAdapterFrame implements rtc.FrameListener.
func (c *VideoFrameConstructor) OnAdapterFrame(f *frame.Frame) {
	c.framesAssembled++
	if c.enabled {
		c.DeliverFrame(f)
	}
}

// OnTransportData consumes one demuxed packet belonging to this track.
func (c *VideoFrameConstructor) OnTransportData(p *packet.DataPacket) {
	if p.Len() == 0 {
		return
	}
	if packet.IsRTCP(p.Data) {
		c.receiver.OnRtcpData(p.Data)
		return
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(p.Data); err != nil {
		c.log.DebugRTP("bad video rtp", "error", err)
		return
	}
	c.receiver.OnRtpData(&pkt, p.ReceivedAt)
}

// HandleFeedback services downstream keyframe requests on the owning
// worker.
func (c *VideoFrameConstructor) HandleFeedback(msg frame.FeedbackMsg) {
	if msg.Type != frame.VideoFeedback {
		return
	}
	switch msg.Cmd {
	case frame.RequestKeyFrame:
		c.worker.Post(func() {
			c.RequestKeyFrame()
		})
	case frame.SetBitrate:
		// Bitrate requests are accepted but not acted on; layer
		// selection belongs to a future quality controller.
	}
}

// Close cancels the retry calendar entry and stops delivery.
func (c *VideoFrameConstructor) Close() {
	c.enabled = false
	if c.retryTask != nil {
		c.retryTask.Cancel()
	}
	c.receiver.Close()
}

// adapterDataFunc adapts a byte sink into an rtc.DataListener.
type adapterDataFunc func(data []byte)

func (f adapterDataFunc) OnAdapterData(data []byte) {
	if f != nil {
		f(data)
	}
}

func audioChannels(f frame.Format) int {
	if f == frame.FormatOpus {
		return 2
	}
	return 1
}
