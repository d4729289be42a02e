package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// NAL Unit types
	NALUTypeUnspecified = 0
	NALUTypePFrame      = 1
	NALUTypeIFrame      = 5
	NALUTypeSEI         = 6
	NALUTypeSPS         = 7
	NALUTypePPS         = 8
	NALUTypeAUD         = 9
	NALUTypeSTAPA       = 24 // Single-Time Aggregation Packet
	NALUTypeFUA         = 28 // Fragmentation Unit A
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Depacketizer reassembles H.264 access units from RTP payloads.
// NALUs accumulate per RTP timestamp; the marker bit closes the access
// unit. Output is Annex-B (start-code delimited) so the send side can
// rescan NALU boundaries. SPS/PPS are cached and prepended to IDR
// frames that arrive without them.
type H264Depacketizer struct {
	fragment []byte // in-flight FU-A reassembly
	access   []byte // NALUs of the current access unit
	accessTS uint32
	keyframe bool
	sps      []byte
	pps      []byte

	// OnFrame is called with a complete Annex-B access unit.
	OnFrame func(accessUnit []byte, timestamp uint32, keyframe bool)
}

// NewH264Depacketizer creates a depacketizer with a 1MB reassembly
// buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{
		fragment: make([]byte, 0, 1024*1024),
		access:   make([]byte, 0, 1024*1024),
	}
}

// ProcessPacket consumes one RTP packet carrying H.264.
func (d *H264Depacketizer) ProcessPacket(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}

	if len(d.access) > 0 && pkt.Timestamp != d.accessTS {
		// Lost the marker of the previous access unit; flush what we have.
		d.emitAccessUnit()
	}
	d.accessTS = pkt.Timestamp

	naluType := pkt.Payload[0] & 0x1F
	switch naluType {
	case NALUTypeFUA:
		if err := d.processFUA(pkt.Payload); err != nil {
			return err
		}
	case NALUTypeSTAPA:
		if err := d.processSTAPA(pkt.Payload); err != nil {
			return err
		}
	default:
		d.appendNALU(pkt.Payload)
	}

	if pkt.Marker && len(d.access) > 0 {
		d.emitAccessUnit()
	}
	return nil
}

// processFUA reassembles fragmented NAL units (FU-A)
func (d *H264Depacketizer) processFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	fragment := payload[2:]

	start := (fuHeader & 0x80) != 0
	end := (fuHeader & 0x40) != 0
	naluType := fuHeader & 0x1F

	if start {
		d.fragment = d.fragment[:0]
		// Reconstruct NAL header from indicator NRI and fragment type
		d.fragment = append(d.fragment, (fuIndicator&0xE0)|naluType)
	}
	d.fragment = append(d.fragment, fragment...)

	if end {
		d.appendNALU(d.fragment)
		d.fragment = d.fragment[:0]
	}
	return nil
}

// processSTAPA unpacks aggregated NAL units
func (d *H264Depacketizer) processSTAPA(payload []byte) error {
	payload = payload[1:] // Skip STAP-A header

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}
		d.appendNALU(payload[:naluSize])
		payload = payload[naluSize:]
	}
	return nil
}

// appendNALU records one complete NALU into the current access unit
// and tracks parameter sets and keyframe status.
func (d *H264Depacketizer) appendNALU(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case NALUTypeSPS:
		d.sps = append(d.sps[:0], nalu...)
	case NALUTypePPS:
		d.pps = append(d.pps[:0], nalu...)
	case NALUTypeIFrame:
		d.keyframe = true
	}
	d.access = append(d.access, annexBStartCode...)
	d.access = append(d.access, nalu...)
}

func (d *H264Depacketizer) emitAccessUnit() {
	unit := d.access
	keyframe := d.keyframe

	// An IDR without in-band parameter sets gets the cached ones
	// prepended so the subscriber can decode from this frame.
	if keyframe && len(d.sps) > 0 && len(d.pps) > 0 && !hasParameterSets(unit) {
		withPS := make([]byte, 0, len(d.sps)+len(d.pps)+len(unit)+8)
		withPS = append(withPS, annexBStartCode...)
		withPS = append(withPS, d.sps...)
		withPS = append(withPS, annexBStartCode...)
		withPS = append(withPS, d.pps...)
		withPS = append(withPS, unit...)
		unit = withPS
	}

	if d.OnFrame != nil {
		out := make([]byte, len(unit))
		copy(out, unit)
		d.OnFrame(out, d.accessTS, keyframe)
	}
	d.access = d.access[:0]
	d.keyframe = false
}

func hasParameterSets(annexB []byte) bool {
	for _, nalu := range SplitNALUs(annexB) {
		if len(nalu) > 0 && nalu[0]&0x1F == NALUTypeSPS {
			return true
		}
	}
	return false
}

// SplitNALUs scans Annex-B data and returns the NAL units between
// start codes (3- or 4-byte).
func SplitNALUs(annexB []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(annexB) {
		if annexB[i] == 0 && annexB[i+1] == 0 && (annexB[i+2] == 1 || (i+3 < len(annexB) && annexB[i+2] == 0 && annexB[i+3] == 1)) {
			scLen := 3
			if annexB[i+2] == 0 {
				scLen = 4
			}
			if start >= 0 {
				nalus = append(nalus, annexB[start:i])
			}
			i += scLen
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(annexB) {
		nalus = append(nalus, annexB[start:])
	}
	return nalus
}

// IsKeyFrame reports whether an Annex-B access unit contains an IDR
// slice.
func IsKeyFrame(annexB []byte) bool {
	for _, nalu := range SplitNALUs(annexB) {
		if len(nalu) > 0 && nalu[0]&0x1F == NALUTypeIFrame {
			return true
		}
	}
	return false
}
