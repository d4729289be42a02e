package rtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
)

type captureSink struct {
	packets [][]byte
}

func (c *captureSink) OnAdapterData(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.packets = append(c.packets, buf)
}

type captureFrames struct {
	frames []*frame.Frame
}

func (c *captureFrames) OnAdapterFrame(f *frame.Frame) { c.frames = append(c.frames, f) }

type captureFeedback struct {
	msgs []frame.FeedbackMsg
}

func (c *captureFeedback) OnAdapterFeedback(msg frame.FeedbackMsg) { c.msgs = append(c.msgs, msg) }

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func audioRTP(seq uint16, ssrc uint32) []byte {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      480,
			SSRC:           ssrc,
		},
		Payload: []byte{0xde, 0xad},
	}
	buf, err := pkt.Marshal()
	if err != nil {
		panic(err)
	}
	return buf
}

func forwardAudio(a *AudioSendAdapter, seq uint16) {
	a.OnFrame(&frame.Frame{
		Format:  frame.FormatOpus,
		Payload: audioRTP(seq, 0x1234),
		Audio:   frame.AudioInfo{IsRTPPacket: true},
	})
}

func sentSeqs(sink *captureSink) []uint16 {
	var seqs []uint16
	for _, raw := range sink.packets {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(raw); err != nil {
			panic(err)
		}
		seqs = append(seqs, pkt.SequenceNumber)
	}
	return seqs
}

func TestAudioSendSequenceSmoothing(t *testing.T) {
	sink := &captureSink{}
	a := NewAudioSendAdapter(Config{PayloadType: 111}, sink, testLog(t))
	defer a.Close()

	// Origin stream numbered 5, 7: the small gap is preserved exactly.
	forwardAudio(a, 5)
	forwardAudio(a, 7)
	seqs := sentSeqs(sink)
	require.Len(t, seqs, 2)
	assert.Equal(t, uint16(2), seqs[1]-seqs[0], "origin step 2 is preserved")

	// Consecutive origin numbering advances by exactly 1.
	forwardAudio(a, 8)
	seqs = sentSeqs(sink)
	assert.Equal(t, uint16(1), seqs[2]-seqs[1])

	// A large jump (stream switch) collapses to a single step.
	forwardAudio(a, 5008)
	seqs = sentSeqs(sink)
	assert.Equal(t, uint16(1), seqs[3]-seqs[2], "origin jump above threshold advances by 1")
}

func TestAudioSendSequenceWraps(t *testing.T) {
	sink := &captureSink{}
	a := NewAudioSendAdapter(Config{PayloadType: 111}, sink, testLog(t))
	defer a.Close()

	forwardAudio(a, 65534)
	forwardAudio(a, 65535)
	forwardAudio(a, 0) // origin wraps; step is still 1
	seqs := sentSeqs(sink)
	require.Len(t, seqs, 3)
	assert.Equal(t, uint16(1), seqs[1]-seqs[0])
	assert.Equal(t, uint16(1), seqs[2]-seqs[1])
}

func TestAudioSendRewritesSSRCAndPayloadType(t *testing.T) {
	sink := &captureSink{}
	a := NewAudioSendAdapter(Config{PayloadType: 96}, sink, testLog(t))
	defer a.Close()

	forwardAudio(a, 100)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(sink.packets[0]))
	assert.Equal(t, a.SSRC(), pkt.SSRC)
	assert.Equal(t, uint8(96), pkt.PayloadType)
	assert.Equal(t, []byte{0xde, 0xad}, pkt.Payload)
}

func keyframeAnnexB() []byte {
	// SPS, PPS, IDR
	return []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f,
		0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x01,
	}
}

func deltaAnnexB() []byte {
	return []byte{0, 0, 0, 1, 0x41, 0x9a, 0x02, 0x03}
}

func TestVideoSendDropsDeltaUntilKeyframe(t *testing.T) {
	sink := &captureSink{}
	fb := &captureFeedback{}
	a := NewVideoSendAdapter(Config{PayloadType: 102}, sink, fb, testLog(t))
	defer a.Close()

	a.OnFrame(&frame.Frame{Format: frame.FormatH264, Payload: deltaAnnexB(), Timestamp: 3000})
	assert.Empty(t, sink.packets, "delta before keyframe is dropped")
	require.Len(t, fb.msgs, 1)
	assert.Equal(t, frame.RequestKeyFrame, fb.msgs[0].Cmd)

	a.OnFrame(&frame.Frame{
		Format:    frame.FormatH264,
		Payload:   keyframeAnnexB(),
		Timestamp: 6000,
		Video:     frame.VideoInfo{IsKeyFrame: true},
	})
	assert.NotEmpty(t, sink.packets, "keyframe opens the stream")
}

func TestVideoSendTimestampResyncAndMonotoneSeq(t *testing.T) {
	sink := &captureSink{}
	a := NewVideoSendAdapter(Config{PayloadType: 102}, sink, nil, testLog(t))
	defer a.Close()

	fixed := time.UnixMilli(1_000_000)
	a.now = func() time.Time { return fixed }

	a.OnFrame(&frame.Frame{
		Format:    frame.FormatH264,
		Payload:   keyframeAnnexB(),
		Timestamp: 90000,
		Video:     frame.VideoInfo{IsKeyFrame: true},
	})
	require.NotEmpty(t, sink.packets)

	wantTS := uint32(90 * 1_000_000)
	var prev *rtp.Packet
	for _, raw := range sink.packets {
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(raw))
		assert.Equal(t, wantTS, pkt.Timestamp, "first outbound timestamp is wallclock-derived")
		if prev != nil {
			assert.Equal(t, uint16(1), pkt.SequenceNumber-prev.SequenceNumber,
				"outbound sequence numbers advance by exactly 1")
		}
		p := pkt
		prev = &p
	}

	// The marker bit closes the access unit on the last packet only.
	var last rtp.Packet
	require.NoError(t, last.Unmarshal(sink.packets[len(sink.packets)-1]))
	assert.True(t, last.Marker)
}

func TestVideoSendNackResend(t *testing.T) {
	sink := &captureSink{}
	a := NewVideoSendAdapter(Config{PayloadType: 102}, sink, nil, testLog(t))
	defer a.Close()

	a.OnFrame(&frame.Frame{
		Format:    frame.FormatH264,
		Payload:   keyframeAnnexB(),
		Timestamp: 1000,
		Video:     frame.VideoInfo{IsKeyFrame: true},
	})
	sent := len(sink.packets)
	require.Greater(t, sent, 0)

	var first rtp.Packet
	require.NoError(t, first.Unmarshal(sink.packets[0]))

	nack := &rtcp.TransportLayerNack{
		SenderSSRC: 1,
		MediaSSRC:  a.SSRC(),
		Nacks:      rtcp.NackPairsFromSequenceNumbers([]uint16{first.SequenceNumber}),
	}
	buf, err := nack.Marshal()
	require.NoError(t, err)
	a.OnRtcpData(buf)

	require.Len(t, sink.packets, sent+1, "nacked packet is resent")
	assert.Equal(t, sink.packets[0], sink.packets[sent])
}

func TestVideoSendPLIBecomesUpstreamKeyframeRequest(t *testing.T) {
	fb := &captureFeedback{}
	a := NewVideoSendAdapter(Config{PayloadType: 102}, &captureSink{}, fb, testLog(t))
	defer a.Close()

	pli := &rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: a.SSRC()}
	buf, err := pli.Marshal()
	require.NoError(t, err)
	a.OnRtcpData(buf)

	require.Len(t, fb.msgs, 1)
	assert.Equal(t, frame.VideoFeedback, fb.msgs[0].Type)
	assert.Equal(t, frame.RequestKeyFrame, fb.msgs[0].Cmd)
}

func videoRTPPacket(seq uint16, ts uint32, payload []byte, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    102,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1111,
			Marker:         marker,
		},
		Payload: payload,
	}
}

func TestVideoReceiveAssemblesFrames(t *testing.T) {
	frames := &captureFrames{}
	a := NewVideoReceiveAdapter(Config{SSRC: 1111, PayloadType: 102}, frames, &captureSink{}, testLog(t))
	defer a.Close()

	// Single-NALU IDR with marker closes an access unit.
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x01}
	a.OnRtpData(videoRTPPacket(1000, 90000, idr, true), time.Now())

	require.Len(t, frames.frames, 1)
	f := frames.frames[0]
	assert.Equal(t, frame.FormatH264, f.Format)
	assert.True(t, f.Video.IsKeyFrame)
	assert.Equal(t, uint32(90000), f.Timestamp)
}

func TestKeyframeRequestCoalescing(t *testing.T) {
	frames := &captureFrames{}
	rtcpSink := &captureSink{}
	a := NewVideoReceiveAdapter(Config{SSRC: 1111, PayloadType: 102}, frames, rtcpSink, testLog(t))
	defer a.Close()

	// Five rapid requests arm exactly one PLI.
	for i := 0; i < 5; i++ {
		a.RequestKeyFrame()
	}

	delta := []byte{0x41, 0x9a, 0x02}
	a.OnRtpData(videoRTPPacket(2000, 93000, delta, true), time.Now())

	pliCount := countPLI(t, rtcpSink)
	assert.Equal(t, 1, pliCount, "coalesced requests produce one PLI")

	// More delta frames without further requests stay quiet.
	a.OnRtpData(videoRTPPacket(2001, 96000, delta, true), time.Now())
	assert.Equal(t, 1, countPLI(t, rtcpSink))

	// The retry window re-arms only when requests accumulated: after
	// OnTimeout with >1 pending, the next frame carries another PLI
	// once the limiter's second elapses.
	a.OnTimeout()
	a.OnRtpData(videoRTPPacket(2002, 99000, delta, true), time.Now())
	assert.Equal(t, 1, countPLI(t, rtcpSink), "rate limit holds PLIs to one per second")
}

func TestKeyframeArrivalClearsRequest(t *testing.T) {
	frames := &captureFrames{}
	rtcpSink := &captureSink{}
	a := NewVideoReceiveAdapter(Config{SSRC: 1111, PayloadType: 102}, frames, rtcpSink, testLog(t))
	defer a.Close()

	a.RequestKeyFrame()
	idr := []byte{0x65, 0x88, 0x84}
	a.OnRtpData(videoRTPPacket(3000, 90000, idr, true), time.Now())

	assert.Equal(t, 0, countPLI(t, rtcpSink), "an arriving keyframe satisfies the request")
}

func TestVideoReceiveNackOnGap(t *testing.T) {
	frames := &captureFrames{}
	rtcpSink := &captureSink{}
	a := NewVideoReceiveAdapter(Config{SSRC: 1111, PayloadType: 102}, frames, rtcpSink, testLog(t))
	defer a.Close()

	delta := []byte{0x41, 0x9a}
	a.OnRtpData(videoRTPPacket(100, 3000, delta, true), time.Now())
	a.OnRtpData(videoRTPPacket(103, 6000, delta, true), time.Now())

	var found *rtcp.TransportLayerNack
	for _, raw := range rtcpSink.packets {
		pkts, err := rtcp.Unmarshal(raw)
		require.NoError(t, err)
		for _, p := range pkts {
			if nack, ok := p.(*rtcp.TransportLayerNack); ok {
				found = nack
			}
		}
	}
	require.NotNil(t, found, "a sequence gap generates a NACK")

	var missing []uint16
	for _, pair := range found.Nacks {
		missing = append(missing, pair.PacketList()...)
	}
	assert.ElementsMatch(t, []uint16{101, 102}, missing)
}

func countPLI(t *testing.T, sink *captureSink) int {
	t.Helper()
	count := 0
	for _, raw := range sink.packets {
		pkts, err := rtcp.Unmarshal(raw)
		require.NoError(t, err)
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				count++
			}
		}
	}
	return count
}

func TestNtpEstimator(t *testing.T) {
	var e NtpEstimator

	assert.Equal(t, int64(-1), e.Estimate(1000), "no anchors yet")

	// Two anchors one second apart on a 90kHz clock.
	base := uint32(ntpEpochOffsetSecs + 1000)
	e.UpdateSR(base, 0, 90000)
	assert.Equal(t, int64(-1), e.Estimate(90000), "one anchor is not enough")
	e.UpdateSR(base+1, 0, 180000)

	// Exactly on the second anchor.
	assert.Equal(t, int64(1001_000), e.Estimate(180000))
	// Half a second past it.
	assert.Equal(t, int64(1001_500), e.Estimate(225000))
	// Interpolation between anchors.
	assert.Equal(t, int64(1000_500), e.Estimate(135000))
}

func TestSSRCGeneratorUniqueness(t *testing.T) {
	seen := make(map[uint32]bool)
	var ssrcs []uint32
	for i := 0; i < 100; i++ {
		ssrc := NewSSRC()
		assert.False(t, seen[ssrc])
		seen[ssrc] = true
		ssrcs = append(ssrcs, ssrc)
	}
	for _, ssrc := range ssrcs {
		ReleaseSSRC(ssrc)
	}
}
