package rtc

import (
	"encoding/binary"
	"time"

	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/webrtc-sfu/pkg/logger"
)

// feedbackInterval paces transport-cc feedback toward the sender.
const feedbackInterval = 100 * time.Millisecond

// AudioReceiveAdapter exists mainly to keep the publisher's audio SSRC
// inside the transport-cc feedback loop; the audio frames themselves
// are constructed straight from RTP upstream of this adapter.
type AudioReceiveAdapter struct {
	cfg Config
	log *logger.Logger

	recorder     *twcc.Recorder
	lastFeedback time.Time
	rtcpListener DataListener
}

// NewAudioReceiveAdapter wires transport-cc recording for one remote
// SSRC. The rtcp listener carries feedback bytes back toward the
// publisher.
func NewAudioReceiveAdapter(cfg Config, rtcpListener DataListener, log *logger.Logger) *AudioReceiveAdapter {
	a := &AudioReceiveAdapter{
		cfg:          cfg,
		log:          log.With("component", "audio_receive"),
		rtcpListener: rtcpListener,
	}
	if cfg.TransportCCExt != 0 {
		a.recorder = twcc.NewRecorder(NewSSRC())
	}
	return a
}

// OnRtpData records the packet's transport-wide sequence number and
// periodically flushes a transport-cc feedback packet.
func (a *AudioReceiveAdapter) OnRtpData(pkt *rtp.Packet, arrival time.Time) {
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
		a.flushFeedback()
	}
}

func (a *AudioReceiveAdapter) flushFeedback() {
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
