package rtp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	unit     []byte
	ts       uint32
	keyframe bool
}

func collect(d *H264Depacketizer) *[]emitted {
	out := &[]emitted{}
	d.OnFrame = func(unit []byte, ts uint32, keyframe bool) {
		*out = append(*out, emitted{unit: unit, ts: ts, keyframe: keyframe})
	}
	return out
}

func pkt(seq uint16, ts uint32, payload []byte, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      ts,
			Marker:         marker,
		},
		Payload: payload,
	}
}

func TestSingleNALUFrame(t *testing.T) {
	d := NewH264Depacketizer()
	frames := collect(d)

	idr := []byte{0x65, 0x88, 0x84, 0x00}
	require.NoError(t, d.ProcessPacket(pkt(1, 90000, idr, true)))

	require.Len(t, *frames, 1)
	f := (*frames)[0]
	assert.True(t, f.keyframe)
	assert.Equal(t, uint32(90000), f.ts)
	nalus := SplitNALUs(f.unit)
	require.Len(t, nalus, 1)
	assert.Equal(t, idr, nalus[0])
}

func TestFUAReassembly(t *testing.T) {
	d := NewH264Depacketizer()
	frames := collect(d)

	// IDR split into three FU-A fragments: indicator 0x7C (NRI from
	// 0x65, type 28), header carries type 5 with start/end bits.
	require.NoError(t, d.ProcessPacket(pkt(1, 3000, []byte{0x7C, 0x85, 0xAA, 0xBB}, false)))
	require.NoError(t, d.ProcessPacket(pkt(2, 3000, []byte{0x7C, 0x05, 0xCC}, false)))
	require.NoError(t, d.ProcessPacket(pkt(3, 3000, []byte{0x7C, 0x45, 0xDD}, true)))

	require.Len(t, *frames, 1)
	f := (*frames)[0]
	assert.True(t, f.keyframe)
	nalus := SplitNALUs(f.unit)
	require.Len(t, nalus, 1)
	// Reconstructed header (NRI|5) followed by the fragments.
	assert.Equal(t, []byte{0x65, 0xAA, 0xBB, 0xCC, 0xDD}, nalus[0])
}

func TestSTAPAUnpacking(t *testing.T) {
	d := NewH264Depacketizer()
	frames := collect(d)

	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c}
	idr := []byte{0x65, 0x88}
	stap := []byte{0x78} // STAP-A indicator
	for _, nalu := range [][]byte{sps, pps, idr} {
		stap = append(stap, byte(len(nalu)>>8), byte(len(nalu)))
		stap = append(stap, nalu...)
	}

	require.NoError(t, d.ProcessPacket(pkt(1, 6000, stap, true)))

	require.Len(t, *frames, 1)
	f := (*frames)[0]
	assert.True(t, f.keyframe)
	nalus := SplitNALUs(f.unit)
	require.Len(t, nalus, 3)
	assert.Equal(t, sps, nalus[0])
	assert.Equal(t, pps, nalus[1])
	assert.Equal(t, idr, nalus[2])
}

func TestIDRWithoutParameterSetsGetsCachedOnes(t *testing.T) {
	d := NewH264Depacketizer()
	frames := collect(d)

	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c}
	require.NoError(t, d.ProcessPacket(pkt(1, 1000, sps, false)))
	require.NoError(t, d.ProcessPacket(pkt(2, 1000, pps, true)))

	// Later bare IDR on a new timestamp.
	require.NoError(t, d.ProcessPacket(pkt(3, 4000, []byte{0x65, 0x01}, true)))

	require.Len(t, *frames, 2)
	idrFrame := (*frames)[1]
	assert.True(t, idrFrame.keyframe)
	nalus := SplitNALUs(idrFrame.unit)
	require.Len(t, nalus, 3, "cached SPS/PPS are prepended")
	assert.Equal(t, sps, nalus[0])
	assert.Equal(t, pps, nalus[1])
}

func TestTimestampChangeFlushesOpenAccessUnit(t *testing.T) {
	d := NewH264Depacketizer()
	frames := collect(d)

	// Marker lost on the first unit; next timestamp flushes it.
	require.NoError(t, d.ProcessPacket(pkt(1, 1000, []byte{0x41, 0x9a}, false)))
	require.NoError(t, d.ProcessPacket(pkt(2, 2000, []byte{0x41, 0x9b}, true)))

	require.Len(t, *frames, 2)
	assert.Equal(t, uint32(1000), (*frames)[0].ts)
	assert.Equal(t, uint32(2000), (*frames)[1].ts)
}

func TestShortFUARejected(t *testing.T) {
	d := NewH264Depacketizer()
	err := d.ProcessPacket(pkt(1, 1000, []byte{0x7C}, false))
	assert.Error(t, err)
}

func TestSplitNALUsMixedStartCodes(t *testing.T) {
	data := []byte{
		0, 0, 1, 0x67, 0x42,
		0, 0, 0, 1, 0x68, 0xce,
	}
	nalus := SplitNALUs(data)
	require.Len(t, nalus, 2)
	assert.Equal(t, []byte{0x67, 0x42}, nalus[0])
	assert.Equal(t, []byte{0x68, 0xce}, nalus[1])
}

func TestIsKeyFrame(t *testing.T) {
	assert.True(t, IsKeyFrame([]byte{0, 0, 0, 1, 0x65, 0x88}))
	assert.False(t, IsKeyFrame([]byte{0, 0, 0, 1, 0x41, 0x9a}))
}
