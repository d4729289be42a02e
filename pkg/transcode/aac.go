package transcode

import (
	"encoding/binary"
	"fmt"
)

const (
	// AACClockRate is the RTP clock for high-bitrate AAC.
	AACClockRate = 48000
	// AUTime is the samples per AAC access unit.
	AUTime = 1024
)

// SplitAccessUnits unpacks an RFC 3640 (AAC-hbr) RTP payload into its
// access units: a 16-bit AU-headers-length, 16-bit AU headers (13-bit
// size, 3-bit index), then the concatenated AU data.
func SplitAccessUnits(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("aac payload too short")
	}

	auHeadersLength := binary.BigEndian.Uint16(payload[:2])
	auHeadersLengthBytes := int(auHeadersLength+7) / 8
	if len(payload) < 2+auHeadersLengthBytes {
		return nil, fmt.Errorf("aac payload malformed")
	}

	auHeaders := payload[2 : 2+auHeadersLengthBytes]
	auData := payload[2+auHeadersLengthBytes:]

	var units [][]byte
	offset := 0
	for len(auHeaders) >= 2 {
		auSize := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		if offset+auSize > len(auData) {
			break
		}
		if auSize > 0 {
			units = append(units, auData[offset:offset+auSize])
		}
		offset += auSize
		auHeaders = auHeaders[2:]
	}
	return units, nil
}

// ADTSHeader frames a raw AAC access unit for codec libraries that
// expect ADTS input. profile is the AAC object type minus one,
// samplingIndex the ADTS sampling frequency index, channels the
// channel configuration.
func ADTSHeader(aacFrameLen int, profile, samplingIndex, channels byte) []byte {
	frameLen := aacFrameLen + 7
	return []byte{
		0xFF,
		0xF1, // MPEG-4, no CRC
		(profile << 6) | (samplingIndex << 2) | (channels >> 2),
		(channels&0x3)<<6 | byte(frameLen>>11),
		byte(frameLen >> 3),
		byte(frameLen&0x7)<<5 | 0x1F,
		0xFC,
	}
}
