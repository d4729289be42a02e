package transcode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/webrtc-sfu/pkg/frame"
)

func TestPassthroughIdentity(t *testing.T) {
	p := &Passthrough{Format: frame.FormatOpus}
	assert.Equal(t, frame.FormatOpus, p.Input())
	assert.Equal(t, frame.FormatOpus, p.Output())

	in := &frame.Frame{Format: frame.FormatOpus, Payload: []byte{1, 2, 3}}
	out, err := p.Transcode(in)
	require.NoError(t, err)
	assert.Same(t, in, out)

	_, err = p.Transcode(&frame.Frame{Format: frame.FormatAAC})
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}

func TestSplitAccessUnits(t *testing.T) {
	au1 := []byte{0xAA, 0xBB, 0xCC}
	au2 := []byte{0xDD, 0xEE}

	// Two AU headers of 16 bits each: size<<3.
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, 32) // AU-headers-length in bits
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(au1))<<3)
	payload = append(payload, header...)
	binary.BigEndian.PutUint16(header, uint16(len(au2))<<3)
	payload = append(payload, header...)
	payload = append(payload, au1...)
	payload = append(payload, au2...)

	units, err := SplitAccessUnits(payload)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, au1, units[0])
	assert.Equal(t, au2, units[1])
}

func TestSplitAccessUnitsRejectsShort(t *testing.T) {
	_, err := SplitAccessUnits([]byte{0x01})
	assert.Error(t, err)
}

func TestADTSHeader(t *testing.T) {
	h := ADTSHeader(100, 1, 3, 2)
	require.Len(t, h, 7)
	assert.Equal(t, byte(0xFF), h[0])
	assert.Equal(t, byte(0xF1), h[1])
	// 13-bit frame length = payload + 7 byte header.
	frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5])>>5
	assert.Equal(t, 107, frameLen)
}
