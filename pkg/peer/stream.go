package peer

import (
	"strings"
	"time"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/packet"
	"github.com/ethan/webrtc-sfu/pkg/sdp"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

// trackConsumer is the receiving end a subscriber track exposes for
// pipeline wiring.
type trackConsumer interface {
	frame.Consumer
	SetSource(*frame.Source)
}

// workerConsumer confines a subscriber's consumer to its own worker:
// deliveries cross the peer boundary as task posts that no-op once the
// consumer is gone.
type workerConsumer struct {
	w     *worker.Worker
	inner trackConsumer
}

func (c *workerConsumer) OnFrame(f *frame.Frame) {
	if c.inner.Closed() {
		return
	}
	c.w.Post(func() {
		if !c.inner.Closed() {
			c.inner.OnFrame(f)
		}
	})
}

func (c *workerConsumer) Closed() bool                { return c.inner.Closed() }
func (c *workerConsumer) SetSource(s *frame.Source)   { c.inner.SetSource(s) }

// formatFromName maps a negotiated codec name onto the frame format
// tag.
func formatFromName(name string) frame.Format {
	switch strings.ToLower(name) {
	case "opus":
		return frame.FormatOpus
	case "pcmu":
		return frame.FormatPCMU
	case "pcma":
		return frame.FormatPCMA
	case "h264":
		return frame.FormatH264
	case "vp8":
		return frame.FormatVP8
	case "vp9":
		return frame.FormatVP9
	default:
		return frame.FormatUnknown
	}
}

// Track is the atomic media unit: one mid, one direction. A publisher
// track owns a frame constructor; a subscriber track owns a frame
// packetizer. Simulcast layers compose the id as mid:rid.
type Track struct {
	pc          *PeerConnection
	mid         string
	composedID  string
	kind        string
	isPublisher bool
	format      sdp.FormatSpec

	audioConstructor *AudioFrameConstructor
	videoConstructor *VideoFrameConstructor
	audioPacketizer  *AudioFramePacketizer
	videoPacketizer  *VideoFramePacketizer

	sourceSSRC uint32
	rtxSSRC    uint32

	keyframePeriodTask *worker.ScheduledTask
	keyframePeriod     time.Duration

	// receiverWrapper is the stable cross-worker consumer identity used
	// for idempotent subscribe/unsubscribe wiring.
	receiverWrapper *workerConsumer

	log *logger.Logger
}

// workerReceiver returns the worker-confined consumer for this
// subscriber track, created once so repeated subscriptions reuse the
// same identity.
func (t *Track) workerReceiver() trackConsumer {
	if t.receiverWrapper == nil {
		inner := t.Receiver()
		if inner == nil {
			return nil
		}
		t.receiverWrapper = &workerConsumer{w: t.pc.worker, inner: inner}
	}
	return t.receiverWrapper
}

func newTrack(pc *PeerConnection, media *sdp.MediaDesc, spec sdp.FormatSpec, composedID string, isPublisher bool, log *logger.Logger) *Track {
	t := &Track{
		pc:          pc,
		mid:         media.Mid,
		composedID:  composedID,
		kind:        media.Kind,
		isPublisher: isPublisher,
		format:      spec,
		rtxSSRC:     media.RtxSsrc,
		log:         log.With("mid", media.Mid, "kind", media.Kind),
	}

	fmtTag := formatFromName(spec.Name())
	writeRTCP := func(data []byte) { pc.write(data) }

	if isPublisher {
		cfg := constructorConfigFromFormat(media, spec, fmtTag)
		t.sourceSSRC = cfg.SSRC
		if media.Kind == "audio" {
			t.audioConstructor = NewAudioFrameConstructor(cfg, writeRTCP, log)
			t.audioConstructor.Source.OnFeedback = t.onAudioFeedback
		} else {
			t.videoConstructor = NewVideoFrameConstructor(cfg, writeRTCP, pc.worker, log)
			t.videoConstructor.Source.OnFeedback = t.videoConstructor.HandleFeedback
		}
		return t
	}

	cfg := packetizerConfigFromFormat(media, spec)
	write := func(data []byte) { pc.write(data) }
	if media.Kind == "audio" {
		t.audioPacketizer = NewAudioFramePacketizer(cfg, write, log)
	} else {
		t.videoPacketizer = NewVideoFramePacketizer(cfg, write, pc.worker, log)
	}
	return t
}

// onAudioFeedback forwards consumer RTCP (receiver reports from the
// packetizer side) toward the publisher.
func (t *Track) onAudioFeedback(msg frame.FeedbackMsg) {
	if msg.Type == frame.AudioFeedback && msg.Cmd == frame.RTCPPacket {
		t.pc.write(msg.RTCP)
	}
}

// IsAudio reports the track kind.
func (t *Track) IsAudio() bool { return t.kind == "audio" }

// Mid returns the track's mid.
func (t *Track) Mid() string { return t.mid }

// ComposedID returns mid or mid:rid for simulcast layers.
func (t *Track) ComposedID() string { return t.composedID }

// SSRC returns the sending SSRC of a subscriber track, zero otherwise.
func (t *Track) SSRC() uint32 {
	if t.audioPacketizer != nil {
		return t.audioPacketizer.SSRC()
	}
	if t.videoPacketizer != nil {
		return t.videoPacketizer.SSRC()
	}
	return 0
}

// SourceSSRC returns the bound publisher SSRC, zero until learned.
func (t *Track) SourceSSRC() uint32 { return t.sourceSSRC }

// BindSourceSSRC installs the mid→SSRC binding learned from the first
// matching inbound packet.
func (t *Track) BindSourceSSRC(ssrc uint32) {
	if t.sourceSSRC == 0 {
		t.sourceSSRC = ssrc
		t.log.Info("bound source ssrc", "ssrc", ssrc)
	}
}

// AddDestination wires a consumer behind this publisher track.
func (t *Track) AddDestination(dest trackConsumer) {
	switch {
	case t.audioConstructor != nil:
		dest.SetSource(&t.audioConstructor.Source)
		t.audioConstructor.AddDestination(frame.KindAudio, dest)
	case t.videoConstructor != nil:
		dest.SetSource(&t.videoConstructor.Source)
		t.videoConstructor.AddDestination(frame.KindVideo, dest)
	}
}

// RemoveDestination unwires a consumer.
func (t *Track) RemoveDestination(dest frame.Consumer) {
	if t.audioConstructor != nil {
		t.audioConstructor.RemoveDestination(frame.KindAudio, dest)
	}
	if t.videoConstructor != nil {
		t.videoConstructor.RemoveDestination(frame.KindVideo, dest)
	}
}

// Receiver returns the subscriber-side consumer, nil on publisher
// tracks.
func (t *Track) Receiver() trackConsumer {
	if t.audioPacketizer != nil {
		return t.audioPacketizer
	}
	if t.videoPacketizer != nil {
		return t.videoPacketizer
	}
	return nil
}

// OnTransportData routes one demuxed packet into the constructor.
func (t *Track) OnTransportData(p *packet.DataPacket) {
	switch {
	case t.audioConstructor != nil:
		t.audioConstructor.OnTransportData(p)
	case t.videoConstructor != nil:
		t.videoConstructor.OnTransportData(p)
	}
}

// OnRtcpForSink hands subscriber RTCP (PLI/NACK/RR) to the packetizer.
func (t *Track) OnRtcpForSink(data []byte) {
	switch {
	case t.audioPacketizer != nil:
		t.audioPacketizer.OnRtcpData(data)
	case t.videoPacketizer != nil:
		t.videoPacketizer.OnRtcpData(data)
	}
}

// RequestKeyFrame asks the publisher side for an IDR. With a period
// configured the request re-arms on the worker calendar until
// StopRequestKeyFrame or a teardown.
func (t *Track) RequestKeyFrame(period time.Duration) {
	if t.videoConstructor == nil {
		return
	}
	t.videoConstructor.RequestKeyFrame()

	if period <= 0 {
		return
	}
	if t.keyframePeriodTask != nil {
		t.keyframePeriodTask.Cancel()
	}
	t.keyframePeriod = period
	t.keyframePeriodTask = t.pc.worker.ScheduleEvery(func() bool {
		if t.videoConstructor == nil {
			return false
		}
		t.videoConstructor.RequestKeyFrame()
		return true
	}, period)
}

// StopRequestKeyFrame cancels the periodic keyframe request.
func (t *Track) StopRequestKeyFrame() {
	if t.keyframePeriodTask != nil {
		t.keyframePeriodTask.Cancel()
		t.keyframePeriodTask = nil
	}
}

// Control toggles the inbound (constructor) or outbound (packetizer)
// leg of the track.
func (t *Track) Control(inbound, on bool) {
	if inbound {
		if t.audioConstructor != nil {
			t.audioConstructor.Enable(on)
		}
		if t.videoConstructor != nil {
			t.videoConstructor.Enable(on)
		}
		return
	}
	if t.audioPacketizer != nil {
		t.audioPacketizer.Enable(on)
	}
	if t.videoPacketizer != nil {
		t.videoPacketizer.Enable(on)
	}
}

// Close tears both legs down.
func (t *Track) Close() {
	t.StopRequestKeyFrame()
	if t.audioConstructor != nil {
		t.audioConstructor.Close()
	}
	if t.videoConstructor != nil {
		t.videoConstructor.Close()
	}
	if t.audioPacketizer != nil {
		t.audioPacketizer.Close()
	}
	if t.videoPacketizer != nil {
		t.videoPacketizer.Close()
	}
}

// MediaStream binds one m-line direction-pair to its track and remote
// description.
type MediaStream struct {
	id            string
	media         *sdp.MediaDesc
	track         *Track
	isPublisher   bool
	transportInfo string
}

func newMediaStream(id string, media *sdp.MediaDesc, track *Track, isPublisher bool) *MediaStream {
	return &MediaStream{
		id:          id,
		media:       media,
		track:       track,
		isPublisher: isPublisher,
	}
}

// ID returns the stream's composed id.
func (s *MediaStream) ID() string { return s.id }

// Track returns the stream's track.
func (s *MediaStream) Track() *Track { return s.track }

// IsPublisher reports the stream role.
func (s *MediaStream) IsPublisher() bool { return s.isPublisher }

// SetTransportInfo records the selected pair's remote host type.
func (s *MediaStream) SetTransportInfo(info string) { s.transportInfo = info }

// TransportInfo returns the recorded pair info.
func (s *MediaStream) TransportInfo() string { return s.transportInfo }

// Close drains the stream's pipeline.
func (s *MediaStream) Close() {
	if s.track != nil {
		s.track.Close()
	}
}
